package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrProviderUnavailable имитирует сетевую недоступность провайдера.
var ErrProviderUnavailable = errors.New("payment provider is unreachable")

// MockProvider — управляемая заглушка платёжного провайдера для тестов и
// локального запуска: настраиваемые отказы, задержка, подсчёт вызовов и
// дедупликация по ключу идемпотентности.
type MockProvider struct {
	mu      sync.Mutex
	decline bool
	outage  bool
	latency time.Duration

	// charges дедуплицирует списания по ключу идемпотентности, как это
	// делает настоящий провайдер.
	charges map[string]string

	chargeCalls atomic.Int64
	refundCalls atomic.Int64
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider создаёт заглушку провайдера в здоровом состоянии.
func NewMockProvider() *MockProvider {
	return &MockProvider{charges: make(map[string]string)}
}

// SetDecline включает детерминированный отказ в списании.
func (m *MockProvider) SetDecline(decline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decline = decline
}

// SetOutage включает имитацию недоступности провайдера.
func (m *MockProvider) SetOutage(outage bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outage = outage
}

// SetLatency задаёт искусственную задержку каждого вызова.
func (m *MockProvider) SetLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = latency
}

// ChargeCalls возвращает число обращений к Charge.
func (m *MockProvider) ChargeCalls() int64 {
	return m.chargeCalls.Load()
}

// RefundCalls возвращает число обращений к Refund.
func (m *MockProvider) RefundCalls() int64 {
	return m.refundCalls.Load()
}

func (m *MockProvider) simulate(ctx context.Context) error {
	m.mu.Lock()
	latency := m.latency
	outage := m.outage
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if outage {
		return ErrProviderUnavailable
	}
	return nil
}

// Charge имитирует списание средств.
func (m *MockProvider) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	m.chargeCalls.Add(1)

	if err := m.simulate(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decline {
		return "", fmt.Errorf("%w: order %s", ErrDeclined, req.OrderID)
	}
	if id, ok := m.charges[req.IdempotencyKey]; ok {
		return id, nil
	}
	id := "ch_" + uuid.NewString()
	m.charges[req.IdempotencyKey] = id
	return id, nil
}

// Refund имитирует возврат списания.
func (m *MockProvider) Refund(ctx context.Context, providerChargeID string) error {
	m.refundCalls.Add(1)
	return m.simulate(ctx)
}
