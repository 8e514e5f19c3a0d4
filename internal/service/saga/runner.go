package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

var (
	// ErrSagaInFlight — сага для этого заказа уже выполняется в процессе.
	ErrSagaInFlight = errors.New("saga already in flight for order")
	// ErrRunnerSaturated — пул воркеров и его очередь заполнены.
	ErrRunnerSaturated = errors.New("saga runner is saturated")
)

// Runner запускает саги в фоновом пуле воркеров. Один заказ — не более
// одной саги одновременно: повторный запуск при живой саге отклоняется,
// дубликат на уровне команды разрешает реестр идемпотентности.
type Runner struct {
	orchestrator *Orchestrator
	pool         *pond.WorkerPool
	logger       *log.Entry

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRunner создаёт пул на maxWorkers воркеров с очередью queueSize.
func NewRunner(orchestrator *Orchestrator, maxWorkers, queueSize int, logger *log.Entry) *Runner {
	if logger == nil {
		logger = log.WithField("component", "saga-runner")
	}
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	pool := pond.New(maxWorkers, queueSize,
		pond.MinWorkers(1),
		pond.IdleTimeout(time.Minute),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.WithField("panic", p).Error("saga worker panicked")
		}),
	)
	return &Runner{
		orchestrator: orchestrator,
		pool:         pool,
		logger:       logger,
		inflight:     make(map[string]struct{}),
	}
}

// Start ставит сагу в очередь и возвращает управление немедленно.
// Сага переживает контекст вызвавшего запроса: отмена ctx её не прерывает.
func (r *Runner) Start(ctx context.Context, sc domain.SagaContext) error {
	key := "order-saga-" + sc.OrderID
	r.mu.Lock()
	if _, running := r.inflight[key]; running {
		r.mu.Unlock()
		return ErrSagaInFlight
	}
	r.inflight[key] = struct{}{}
	r.mu.Unlock()

	sagaCtx := context.WithoutCancel(ctx)
	submitted := r.pool.TrySubmit(func() {
		defer r.release(key)
		local := sc
		if err := r.orchestrator.Execute(sagaCtx, &local); err != nil {
			r.logger.WithFields(log.Fields{
				"order_id":       sc.OrderID,
				"correlation_id": sc.CorrelationID,
			}).WithError(err).Warn("saga finished with failure")
		}
	})
	if !submitted {
		r.release(key)
		return ErrRunnerSaturated
	}
	return nil
}

// InFlight сообщает, выполняется ли сейчас сага для заказа.
func (r *Runner) InFlight(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, running := r.inflight["order-saga-"+orderID]
	return running
}

// Stop дожидается завершения уже принятых саг и останавливает пул.
func (r *Runner) Stop() {
	r.pool.StopAndWait()
}

func (r *Runner) release(key string) {
	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
}
