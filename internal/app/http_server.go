package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/idempotency"
	"github.com/vladislavdragonenkov/orderflow/internal/service/order"
	"github.com/vladislavdragonenkov/orderflow/internal/service/saga"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/keyed"
)

const headerIdempotencyKey = "Idempotency-Key"

type httpServer struct {
	orders   *order.Service
	products *keyed.ProductRepository
	health   *healthRoutes
	logger   *log.Entry
}

type healthRoutes struct {
	handler http.Handler
	ready   http.HandlerFunc
}

// newMux собирает маршруты API, метрик и health-проверок.
func newMux(deps *Dependencies) *http.ServeMux {
	s := &httpServer{
		orders:   deps.OrderSvc,
		products: deps.Products,
		health: &healthRoutes{
			handler: deps.Health,
			ready:   deps.Health.ReadinessHandler,
		},
		logger: deps.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/orders", s.createOrder)
	mux.HandleFunc("GET /v1/orders/{id}", s.getOrder)
	mux.HandleFunc("PUT /v1/products/{id}", s.putProduct)
	mux.HandleFunc("GET /v1/products/{id}", s.getProduct)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", s.health.handler)
	mux.HandleFunc("/readyz", s.health.ready)
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type createOrderRequest struct {
	CustomerID    string             `json:"customer_id"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Items         []domain.OrderItem `json:"items"`
	TotalCents    int64              `json:"total_cents,omitempty"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
}

func (s *httpServer) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}

	result, err := s.orders.CreateOrder(r.Context(), order.CreateOrderCommand{
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		CustomerID:     req.CustomerID,
		CorrelationID:  req.CorrelationID,
		Items:          req.Items,
		TotalCents:     req.TotalCents,
	})
	if err != nil {
		s.writeCreateError(w, err)
		return
	}

	// Заказ принят, сага выполняется асинхронно.
	writeJSON(w, http.StatusAccepted, result)
}

func (s *httpServer) writeCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingIdempotencyKey):
		writeError(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "MISSING_IDEMPOTENCY_KEY"})
	case errors.Is(err, idempotency.ErrInProgress):
		writeError(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "IN_PROGRESS"})
	case errors.Is(err, saga.ErrRunnerSaturated):
		writeError(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "SATURATED"})
	default:
		if be, ok := domain.AsBusinessError(err); ok {
			writeError(w, http.StatusConflict, errorResponse{
				Error:      be.Message,
				Code:       be.Kind,
				RetryAfter: be.RetryAfter.Milliseconds(),
			})
			return
		}
		s.logger.WithError(err).Error("create order failed")
		writeError(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
}

type orderResponse struct {
	OrderID       string              `json:"order_id"`
	CustomerID    string              `json:"customer_id"`
	Status        domain.OrderStatus  `json:"status"`
	TotalCents    int64               `json:"total_cents"`
	Items         []domain.OrderItem  `json:"items"`
	CorrelationID string              `json:"correlation_id"`
	Events        []orderEventPayload `json:"events"`
}

type orderEventPayload struct {
	Seq        int64              `json:"seq"`
	Status     domain.OrderStatus `json:"status"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	OccurredAt string             `json:"occurred_at"`
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	view, err := s.orders.GetOrder(r.Context(), r.PathValue("id"))
	if errors.Is(err, domain.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, errorResponse{Error: "order not found", Code: "NOT_FOUND"})
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("get order failed")
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	events := make([]orderEventPayload, 0, len(view.Events))
	for _, e := range view.Events {
		events = append(events, orderEventPayload{
			Seq:        e.Seq,
			Status:     e.Status,
			Metadata:   e.Metadata,
			OccurredAt: e.OccurredAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, orderResponse{
		OrderID:       view.Order.ID,
		CustomerID:    view.Order.CustomerID,
		Status:        view.Order.Status,
		TotalCents:    view.Order.TotalCents,
		Items:         view.Order.Items,
		CorrelationID: view.Order.CorrelationID,
		Events:        events,
	})
}

type productPayload struct {
	Name           string `json:"name,omitempty"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

func (s *httpServer) putProduct(w http.ResponseWriter, r *http.Request) {
	var req productPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}

	product := &domain.Product{
		ID:             r.PathValue("id"),
		Name:           req.Name,
		Quantity:       req.Quantity,
		UnitPriceCents: req.UnitPriceCents,
	}
	if err := s.products.Put(r.Context(), product); err != nil {
		s.logger.WithError(err).Error("put product failed")
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) getProduct(w http.ResponseWriter, r *http.Request) {
	product, found, err := s.products.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.WithError(err).Error("get product failed")
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errorResponse{Error: "product not found", Code: "NOT_FOUND"})
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, body errorResponse) {
	writeJSON(w, status, body)
}
