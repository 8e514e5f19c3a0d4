// Breakerctl управляет размыкателями в общем хранилище: смотрит состояние,
// принудительно размыкает при деградации провайдера и замыкает после
// восстановления. Действует на все экземпляры сервиса сразу, потому что
// состояние размыкателя разделяемое.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/breaker"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/postgres"
)

const defaultTimeout = 10 * time.Second

func main() {
	var (
		dsn    string
		name   string
		action string
	)

	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: POSTGRES_DSN)")
	flag.StringVar(&name, "name", "payment-provider", "circuit breaker name")
	flag.StringVar(&action, "action", "status", "action: status|open|close")
	flag.Parse()

	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	}
	if dsn == "" {
		fail("POSTGRES_DSN (or -dsn) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	b := breaker.New(store, name, breaker.DefaultConfig(), nil, nil)

	switch strings.ToLower(strings.TrimSpace(action)) {
	case "status":
	case "open":
		if err := b.ForceOpen(ctx); err != nil {
			fail("force open failed: %v", err)
		}
		fmt.Printf("breaker %s forced open\n", name)
	case "close":
		if err := b.ForceClosed(ctx); err != nil {
			fail("force close failed: %v", err)
		}
		fmt.Printf("breaker %s forced closed\n", name)
	default:
		fail("unsupported action: %s (use status|open|close)", action)
	}

	record, err := b.State(ctx)
	if err != nil {
		fail("read breaker state: %v", err)
	}
	fmt.Printf("name=%s state=%s failures=%d successes=%d", record.Name, record.State, record.FailureCount, record.SuccessCount)
	if !record.ResetsAt.IsZero() {
		fmt.Printf(" resets_at=%s", record.ResetsAt.UTC().Format(time.RFC3339))
	}
	fmt.Println()
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
