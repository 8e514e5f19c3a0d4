// Loadtest гоняет сценарий размещения заказа через HTTP API: сеет сток,
// отправляет заказы конкурентными воркерами и дожидается терминального
// статуса каждого заказа, после чего печатает сводку по латентности и
// распределению исходов.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

type config struct {
	baseURL     string
	total       int
	concurrency int
	timeout     time.Duration
	waitTimeout time.Duration
	productID   string
	stock       int64
	priceCents  int64
	quantity    int64
	customerTag string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type report struct {
	StartedAt        time.Time        `json:"started_at"`
	DurationSeconds  float64          `json:"duration_seconds"`
	TotalScenarios   int64            `json:"total_scenarios"`
	SuccessScenarios int64            `json:"success_scenarios"`
	FailedScenarios  int64            `json:"failed_scenarios"`
	RPS              float64          `json:"rps"`
	Statuses         map[string]int64 `json:"statuses"`
	LatencyMs        latencySummary   `json:"latency_ms"`
}

type collector struct {
	mu        sync.Mutex
	statuses  map[string]int64
	latencies []float64
	failed    int64
}

func newCollector() *collector {
	return &collector{statuses: make(map[string]int64)}
}

func (c *collector) record(status string, latency time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[status]++
	c.latencies = append(c.latencies, float64(latency.Microseconds())/1000.0)
	if failed {
		c.failed++
	}
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := int64(len(c.latencies))
	result := report{
		StartedAt:        startedAt.UTC(),
		DurationSeconds:  duration.Seconds(),
		TotalScenarios:   total,
		SuccessScenarios: total - c.failed,
		FailedScenarios:  c.failed,
		Statuses:         make(map[string]int64, len(c.statuses)),
		LatencyMs:        buildLatencySummary(c.latencies),
	}
	for status, count := range c.statuses {
		result.Statuses[status] = count
	}
	if duration > 0 {
		result.RPS = float64(total) / duration.Seconds()
	}
	return result
}

func parseConfig() (config, error) {
	var cfg config
	var timeoutValue, waitValue string

	flag.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "orderflow base URL")
	flag.IntVar(&cfg.total, "total", 200, "total orders to place")
	flag.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent workers")
	flag.StringVar(&timeoutValue, "timeout", "5s", "per-request timeout")
	flag.StringVar(&waitValue, "wait-timeout", "60s", "max wait for an order to reach a terminal status")
	flag.StringVar(&cfg.productID, "product", "SKU-LOAD", "product id to order")
	flag.Int64Var(&cfg.stock, "stock", 0, "seed product stock before the run (0 = total * quantity)")
	flag.Int64Var(&cfg.priceCents, "price-cents", 1000, "unit price in cents")
	flag.Int64Var(&cfg.quantity, "quantity", 1, "quantity per order")
	flag.StringVar(&cfg.customerTag, "customer-tag", "load", "customer id prefix")
	flag.Parse()

	timeout, err := time.ParseDuration(strings.TrimSpace(timeoutValue))
	if err != nil {
		return cfg, fmt.Errorf("parse timeout: %w", err)
	}
	cfg.timeout = timeout

	wait, err := time.ParseDuration(strings.TrimSpace(waitValue))
	if err != nil {
		return cfg, fmt.Errorf("parse wait-timeout: %w", err)
	}
	cfg.waitTimeout = wait

	if cfg.total <= 0 {
		return cfg, errors.New("total must be > 0")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.priceCents <= 0 {
		return cfg, errors.New("price-cents must be > 0")
	}
	if cfg.quantity <= 0 {
		return cfg, errors.New("quantity must be > 0")
	}
	if cfg.stock == 0 {
		cfg.stock = int64(cfg.total) * cfg.quantity
	}
	return cfg, nil
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		fail("invalid config: %v", err)
	}

	client := &http.Client{Timeout: cfg.timeout}
	if err := seedProduct(client, cfg); err != nil {
		fail("seed product: %v", err)
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				runScenario(client, cfg, id, runID, col)
			}
		}()
	}

	for i := 0; i < cfg.total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	printReport(result)

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func seedProduct(client *http.Client, cfg config) error {
	payload, _ := json.Marshal(map[string]any{
		"quantity":         cfg.stock,
		"unit_price_cents": cfg.priceCents,
	})
	req, err := http.NewRequest(http.MethodPut, cfg.baseURL+"/v1/products/"+cfg.productID, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func runScenario(client *http.Client, cfg config, index int, runID string, col *collector) {
	start := time.Now()

	orderID, err := placeOrder(client, cfg, index, runID)
	if err != nil {
		col.record("SUBMIT_ERROR", time.Since(start), true)
		return
	}

	status, err := awaitTerminal(client, cfg, orderID)
	if err != nil {
		col.record("WAIT_ERROR", time.Since(start), true)
		return
	}
	// FAILED из-за нехватки стока — легитимный исход, не ошибка прогона.
	col.record(status, time.Since(start), false)
}

func placeOrder(client *http.Client, cfg config, index int, runID string) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"customer_id": fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index),
		"items": []map[string]any{
			{
				"product_id":       cfg.productID,
				"quantity":         cfg.quantity,
				"unit_price_cents": cfg.priceCents,
			},
		},
	})
	req, err := http.NewRequest(http.MethodPost, cfg.baseURL+"/v1/orders", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("lt-%s-%d", runID, index))

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var decoded struct {
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.OrderID == "" {
		return "", errors.New("empty order id in response")
	}
	return decoded.OrderID, nil
}

// awaitTerminal опрашивает заказ с экспоненциальной задержкой до
// терминального статуса или истечения wait-timeout.
func awaitTerminal(client *http.Client, cfg config, orderID string) (string, error) {
	b := &backoff.Backoff{
		Min:    25 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	deadline := time.Now().Add(cfg.waitTimeout)

	for time.Now().Before(deadline) {
		status, err := fetchStatus(client, cfg, orderID)
		if err == nil && (status == "CONFIRMED" || status == "FAILED") {
			return status, nil
		}
		time.Sleep(b.Duration())
	}
	return "", fmt.Errorf("order %s did not reach a terminal status in %s", orderID, cfg.waitTimeout)
}

func fetchStatus(client *http.Client, cfg config, orderID string) (string, error) {
	resp, err := client.Get(cfg.baseURL + "/v1/orders/" + orderID)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var decoded struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	return decoded.Status, nil
}

func printReport(result report) {
	fmt.Println("Load test summary")
	fmt.Printf("total=%d success=%d failed=%d duration=%.2fs rps=%.2f\n",
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.DurationSeconds,
		result.RPS,
	)
	fmt.Printf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.LatencyMs.Min,
		result.LatencyMs.Avg,
		result.LatencyMs.P50,
		result.LatencyMs.P95,
		result.LatencyMs.P99,
		result.LatencyMs.Max,
	)

	statuses := make([]string, 0, len(result.Statuses))
	for status := range result.Statuses {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Printf("%s: %d\n", status, result.Statuses[status])
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
