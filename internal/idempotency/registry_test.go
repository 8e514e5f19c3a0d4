package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/kv"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
)

func TestRegistryExecutesOnce(t *testing.T) {
	registry := NewRegistry(memory.NewStore(), time.Hour, nil)
	ctx := context.Background()

	var calls int32
	fn := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`{"reservation_id":"res-1"}`), nil
	}

	first, err := registry.Do(ctx, "reserve-ord-1", fn)
	if err != nil {
		t.Fatalf("first Do: %v", err)
	}
	second, err := registry.Do(ctx, "reserve-ord-1", fn)
	if err != nil {
		t.Fatalf("second Do: %v", err)
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("thunk must run once, ran %d times", calls)
	}
	// Повтор обязан вернуть байт-в-байт тот же результат.
	if !bytes.Equal(first, second) {
		t.Fatalf("results differ: %s vs %s", first, second)
	}
}

func TestRegistryMissingKey(t *testing.T) {
	registry := NewRegistry(memory.NewStore(), time.Hour, nil)

	_, err := registry.Do(context.Background(), "", func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("thunk must not run")
		return nil, nil
	})
	if !errors.Is(err, domain.ErrMissingIdempotencyKey) {
		t.Fatalf("expected ErrMissingIdempotencyKey, got %v", err)
	}
}

func TestRegistryInProgress(t *testing.T) {
	registry := NewRegistry(memory.NewStore(), time.Hour, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = registry.Do(ctx, "charge-ord-1", func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`{}`), nil
		})
	}()
	<-started

	// Пока первый исполнитель держит захват, дубликат получает InProgress.
	_, err := registry.Do(ctx, "charge-ord-1", func(ctx context.Context) (json.RawMessage, error) {
		t.Error("duplicate thunk must not run")
		return nil, nil
	})
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
	close(release)
}

func TestRegistryErrorReleasesClaim(t *testing.T) {
	registry := NewRegistry(memory.NewStore(), time.Hour, nil)
	ctx := context.Background()

	boom := errors.New("provider timeout")
	_, err := registry.Do(ctx, "charge-ord-2", func(ctx context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected thunk error, got %v", err)
	}

	// После ошибки ключ свободен: повтор выполняет операцию заново.
	result, err := registry.Do(ctx, "charge-ord-2", func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"payment_id":"pay-2"}`), nil
	})
	if err != nil {
		t.Fatalf("retry Do: %v", err)
	}
	if string(result) != `{"payment_id":"pay-2"}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestRegistryConcurrentAtMostOnce(t *testing.T) {
	registry := NewRegistry(memory.NewStore(), time.Hour, nil)
	ctx := context.Background()

	var calls int32
	var wg sync.WaitGroup
	results := make([]json.RawMessage, 16)
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = registry.Do(ctx, "release-res-1", func(ctx context.Context) (json.RawMessage, error) {
				atomic.AddInt32(&calls, 1)
				return json.RawMessage(`{"released":true}`), nil
			})
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("thunk must run exactly once, ran %d times", calls)
	}
	for i := range results {
		if errs[i] != nil && !errors.Is(errs[i], ErrInProgress) {
			t.Fatalf("unexpected error: %v", errs[i])
		}
		if errs[i] == nil && string(results[i]) != `{"released":true}` {
			t.Fatalf("unexpected result: %s", results[i])
		}
	}
}

func TestRegistryTTLExpiryAllowsRerun(t *testing.T) {
	registry := NewRegistry(memory.NewStore(), 10*time.Millisecond, nil)
	ctx := context.Background()

	var calls int32
	fn := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`{}`), nil
	}
	if _, err := registry.Do(ctx, "reserve-ord-9", fn); err != nil {
		t.Fatalf("Do: %v", err)
	}

	// Спустя TTL запись семантически отсутствует и операция выполняется вновь.
	time.Sleep(30 * time.Millisecond)
	if _, err := registry.Do(ctx, "reserve-ord-9", fn); err != nil {
		t.Fatalf("Do after TTL: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected rerun after TTL, calls=%d", calls)
	}
}

func TestRegistryInvalidState(t *testing.T) {
	store := memory.NewStore()
	registry := NewRegistry(store, time.Hour, nil)
	ctx := context.Background()

	corrupted := kv.Item{"key": "bad", "status": "UNKNOWN"}
	if err := store.Put(ctx, Table, kv.Key{Partition: "bad"}, corrupted); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err := registry.Do(ctx, "bad", func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("thunk must not run")
		return nil, nil
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
