package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

// BacklogReader отдаёт состояние outbox. Реализуется репозиториями outbox.
type BacklogReader interface {
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// OutboxChecker помечает outbox как degraded, если самое старое pending-событие
// ждёт публикации дольше staleAfter. Обычно это значит, что Kafka недоступна
// или worker остановлен: заказы принимаются, но подписчики о них не узнают.
type OutboxChecker struct {
	reader     BacklogReader
	staleAfter time.Duration
	now        func() time.Time
}

func NewOutboxChecker(reader BacklogReader, staleAfter time.Duration) *OutboxChecker {
	return &OutboxChecker{reader: reader, staleAfter: staleAfter, now: time.Now}
}

func (c *OutboxChecker) Check(ctx context.Context) (check Check) {
	start := time.Now()
	check = Check{Name: "outbox", Status: StatusHealthy}
	defer func() { check.DurationMs = time.Since(start).Milliseconds() }()

	stats, err := c.reader.Stats(ctx)
	switch {
	case err != nil:
		check.Status = StatusDegraded
		check.Message = err.Error()
	case stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero():
		age := c.now().Sub(stats.OldestPendingAt)
		if c.staleAfter > 0 && age > c.staleAfter {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d events pending, oldest for %s", stats.PendingCount, age.Truncate(time.Second))
		}
	}
	return check
}
