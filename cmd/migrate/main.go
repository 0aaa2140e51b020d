package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vladislavdragonenkov/storefront-orders/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
}

var errDriftDetected = errors.New("schema has edited migrations")

func main() {
	var (
		direction string
		steps     int
		dsn       string
		timeout   time.Duration
	)

	flag.StringVar(&direction, "direction", "up", "migration direction: up|down|status")
	flag.IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: OMS_POSTGRES_DSN)")
	flag.DurationVar(&timeout, "timeout", defaultTimeout, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(os.Getenv("OMS_POSTGRES_DSN"))
	}
	if dsn == "" {
		fail("OMS_POSTGRES_DSN (or -dsn) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	if err := run(ctx, store, direction, steps, os.Stdout); err != nil {
		fail("%v", err)
	}
}

// run выполняет команду и печатает состояние схемы заказов.
// status с изменёнными после применения миграциями завершается ошибкой.
func run(ctx context.Context, m migrator, direction string, steps int, out io.Writer) error {
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "up":
		if err := m.MigrateUp(ctx, steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	case "down":
		if err := m.MigrateDown(ctx, max(steps, 1)); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	case "status":
	default:
		return fmt.Errorf("unsupported direction: %s (use up|down|status)", direction)
	}

	state, err := m.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	if err := printStatus(out, state); err != nil {
		return err
	}
	if state.Drifted > 0 {
		return fmt.Errorf("%w: %d", errDriftDetected, state.Drifted)
	}
	return nil
}

func printStatus(out io.Writer, state postgres.MigrationState) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, info := range state.Migrations {
		status, appliedAt := "pending", "-"
		if info.Applied {
			status = "applied"
			appliedAt = info.AppliedAt.UTC().Format(time.RFC3339)
		}
		if info.Drifted {
			status = "edited"
		}
		fmt.Fprintf(w, "%04d\t%s\t%s\t%s\n", info.Version, info.Name, status, appliedAt)
	}
	fmt.Fprintf(w, "\nversion=%d applied=%d pending=%d edited=%d\n", state.Version, state.Applied, state.Pending, state.Drifted)
	return w.Flush()
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
