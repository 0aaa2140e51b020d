package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultMaxAttempts  = 3
	defaultRetryDelay   = 50 * time.Millisecond
	maxRetryDelay       = 30 * time.Second
)

var (
	publishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by aggregate type and result.",
	}, []string{"aggregate", "result"})
	deadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_outbox_dead_letters_total",
		Help: "Outbox events moved to DLQ by aggregate type and reason.",
	}, []string{"aggregate", "reason"})
	backlogEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_outbox_backlog_events",
		Help: "Order and payment events waiting in the outbox.",
	})
	backlogAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_outbox_backlog_age_seconds",
		Help: "How long the oldest waiting outbox event has been queued.",
	})
)

// Option настраивает Worker. Нулевые значения оставляют настройки по умолчанию.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDLQPublisher задаёт паблишер писем. Без него события после исчерпания попыток только помечаются failed.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlqPublisher = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithMaxAttempts задаёт число попыток публикации одного события до DLQ.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay задаёт паузу перед второй попыткой. Дальше пауза удваивается,
// но не превышает maxRetryDelay. 0 отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) {
		if delay >= 0 {
			w.retryDelay = delay
		}
	}
}

// WithClock подменяет часы, которыми помечаются письма DLQ.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Worker публикует pending-сообщения outbox (события заказов и платежей) в брокер.
// Внутри батча события одного агрегата уходят строго по порядку: после того как
// событие попало в DLQ, следующие события этого заказа или платежа тоже идут в DLQ
// без попыток публикации, чтобы повторная отправка из DLQ сохранила порядок.
type Worker struct {
	repo         domain.OutboxRepository
	publisher    domain.OutboxPublisher
	dlqPublisher domain.OutboxPublisher
	logger       *log.Entry
	now          func() time.Time

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	retryDelay   time.Duration
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:         repo,
		publisher:    publisher,
		logger:       log.WithField("component", "outbox-worker"),
		now:          func() time.Time { return time.Now().UTC() },
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		maxAttempts:  defaultMaxAttempts,
		retryDelay:   defaultRetryDelay,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run публикует outbox каждые pollInterval, пока не отменён ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker has no repository or publisher, not starting")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует один батч и возвращает число отправленных событий.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	w.refreshBacklogMetrics(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to read pending outbox events")
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	sent := 0
	// deadByAggregate хранит id первого события агрегата, ушедшего в DLQ в этом батче.
	deadByAggregate := make(map[string]string)
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		stream := aggregateStream(event)
		if blockedBy, ok := deadByAggregate[stream]; ok {
			letter := newDeadLetter(event, nil, 0, w.now())
			letter.BlockedBy = blockedBy
			w.deadLetter(ctx, event, letter, "blocked")
			continue
		}

		attempts, err := w.publishWithRetry(ctx, event)
		if err != nil {
			if ctx.Err() != nil {
				// Отмена посреди повторов: сообщение остаётся pending до следующего запуска.
				break
			}
			w.logger.WithError(err).WithFields(eventFields(event)).Error("outbox publish failed after retries")
			w.deadLetter(ctx, event, newDeadLetter(event, err, attempts, w.now()), "publish_failed")
			deadByAggregate[stream] = event.ID
			continue
		}

		sent++
		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			w.logger.WithError(err).WithField("outbox_id", event.ID).Warn("failed to mark outbox as sent")
		}
	}

	w.refreshBacklogMetrics(ctx)
	return sent
}

// publishWithRetry возвращает число сделанных попыток и последнюю ошибку.
func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) (int, error) {
	aggregate := aggregateLabel(event)
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.publisher.Publish(ctx, event)
		if err == nil {
			publishAttempts.WithLabelValues(aggregate, "sent").Inc()
			return attempt, nil
		}
		lastErr = err
		publishAttempts.WithLabelValues(aggregate, "error").Inc()
		w.logger.WithError(err).WithFields(eventFields(event)).WithField("attempt", attempt).Debug("outbox publish attempt failed")

		if attempt == w.maxAttempts {
			break
		}
		if err := w.wait(ctx, w.backoff(attempt)); err != nil {
			return attempt, err
		}
	}

	return w.maxAttempts, fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

func (w *Worker) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// deadLetter отправляет письмо в DLQ и помечает сообщение failed.
// Ошибка DLQ не возвращает сообщение в pending: оно остаётся в outbox со статусом failed.
func (w *Worker) deadLetter(ctx context.Context, event domain.OutboxMessage, letter DeadLetter, reason string) {
	aggregate := aggregateLabel(event)
	deadLetters.WithLabelValues(aggregate, reason).Inc()

	if w.dlqPublisher != nil {
		msg, err := letter.message()
		if err == nil {
			err = w.dlqPublisher.Publish(ctx, msg)
		}
		if err != nil {
			w.logger.WithError(err).WithFields(eventFields(event)).Warn("failed to publish to DLQ")
			publishAttempts.WithLabelValues(aggregate, "dlq_failed").Inc()
		}
	}

	if letter.BlockedBy != "" {
		w.logger.WithFields(eventFields(event)).WithField("blocked_by", letter.BlockedBy).
			Warn("outbox event dead-lettered behind an earlier failure")
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		w.logger.WithError(err).WithField("outbox_id", event.ID).Warn("failed to mark outbox as failed")
	}
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to read outbox backlog")
		return
	}

	backlogEvents.Set(float64(stats.PendingCount))
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(w.now().Sub(stats.OldestPendingAt), 0)
	}
	backlogAge.Set(age.Seconds())
}

// backoff возвращает паузу после неудачной попытки attempt (с единицы).
func (w *Worker) backoff(attempt int) time.Duration {
	if w.retryDelay <= 0 {
		return 0
	}
	delay := w.retryDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func aggregateStream(event domain.OutboxMessage) string {
	return event.AggregateType + "/" + event.AggregateID
}

func aggregateLabel(event domain.OutboxMessage) string {
	switch event.AggregateType {
	case domain.AggregateOrder, domain.AggregatePayment:
		return event.AggregateType
	default:
		return "other"
	}
}

func eventFields(event domain.OutboxMessage) log.Fields {
	return log.Fields{
		"outbox_id":      event.ID,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"event_type":     event.EventType,
	}
}
