package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-1",
				AggregateType: domain.AggregateOrder,
				AggregateID:   "order-1",
				EventType:     domain.EventOrderUpdated,
				Payload:       []byte(`{"ispacked":true}`),
			},
		},
	}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	if sent := worker.ProcessOnce(context.Background()); sent != 1 {
		t.Fatalf("expected 1 published message, got %d", sent)
	}

	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if repo.sentIDs[0] != "msg-1" {
		t.Fatalf("expected sent id msg-1, got %s", repo.sentIDs[0])
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-2",
				AggregateType: domain.AggregateOrder,
				AggregateID:   "order-2",
				EventType:     domain.EventOrderUpdated,
				Payload:       []byte(`{"isdelivered":true}`),
			},
		},
	}
	publisher := &stubPublisher{err: errors.New("publish failed")}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	if sent := worker.ProcessOnce(context.Background()); sent != 0 {
		t.Fatalf("expected nothing published, got %d", sent)
	}

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 0 {
		t.Fatalf("expected 0 sent marks, got %d", got)
	}
	if got := len(repo.failedIDs); got != 1 {
		t.Fatalf("expected 1 failed mark, got %d", got)
	}
	if repo.failedIDs[0] != "msg-2" {
		t.Fatalf("expected failed id msg-2, got %s", repo.failedIDs[0])
	}
	if got := dlqPublisher.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}
	if dlqPublisher.last.EventType != domain.EventOrderUpdated+DeadLetterSuffix {
		t.Fatalf("unexpected DLQ event type %q", dlqPublisher.last.EventType)
	}
	if !strings.Contains(string(dlqPublisher.last.Payload), `"publish_error":"publish failed after 3 attempts`) {
		t.Fatalf("DLQ payload must carry publish error, got %s", dlqPublisher.last.Payload)
	}
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-3",
				AggregateType: domain.AggregateOrder,
				AggregateID:   "order-3",
				EventType:     domain.EventOrderUpdated,
				Payload:       []byte(`{"ispayed":true}`),
			},
		},
	}
	publisher := &stubPublisher{
		sequenceErrors: []error{
			errors.New("attempt 1"),
			errors.New("attempt 2"),
			nil,
		},
	}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
}

func TestWorker_ProcessOnce_BlocksLaterEventsOfDeadAggregate(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{ID: "msg-created", AggregateType: domain.AggregateOrder, AggregateID: "order-1", EventType: domain.EventOrderCreated, Payload: []byte(`{}`)},
			{ID: "msg-other", AggregateType: domain.AggregateOrder, AggregateID: "order-2", EventType: domain.EventOrderCreated, Payload: []byte(`{}`)},
			{ID: "msg-updated", AggregateType: domain.AggregateOrder, AggregateID: "order-1", EventType: domain.EventOrderUpdated, Payload: []byte(`{"ispayed":true}`)},
		},
	}
	publisher := &stubPublisher{failFor: map[string]bool{"msg-created": true}}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(2),
	)

	if sent := worker.ProcessOnce(context.Background()); sent != 1 {
		t.Fatalf("expected only order-2 to be published, got %d", sent)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 2 attempts for msg-created and 1 for msg-other, got %d", got)
	}
	if len(repo.sentIDs) != 1 || repo.sentIDs[0] != "msg-other" {
		t.Fatalf("unexpected sent ids %v", repo.sentIDs)
	}
	if len(repo.failedIDs) != 2 || repo.failedIDs[0] != "msg-created" || repo.failedIDs[1] != "msg-updated" {
		t.Fatalf("unexpected failed ids %v", repo.failedIDs)
	}

	letters := dlqPublisher.published()
	if len(letters) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(letters))
	}
	blocked, err := DecodeDeadLetter(letters[1].Payload)
	if err != nil {
		t.Fatalf("decode blocked letter: %v", err)
	}
	if blocked.BlockedBy != "msg-created" || blocked.Attempts != 0 {
		t.Fatalf("blocked letter must point at msg-created without attempts, got %+v", blocked)
	}
	if blocked.Original().EventType != domain.EventOrderUpdated {
		t.Fatalf("unexpected original event type %q", blocked.Original().EventType)
	}
}

func TestWorker_ProcessOnce_PaymentDeadLetterCarriesCharge(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{{
			ID:            "msg-pay",
			AggregateType: domain.AggregatePayment,
			AggregateID:   "pi_123",
			EventType:     domain.EventPaymentAuthorized,
			Payload:       []byte(`{"charge_id":"pi_123","user_id":"user-1","order_ids":["order-1"],"amount":1050,"currency":"usd","status":"pending"}`),
		}},
	}
	dlqPublisher := &stubPublisher{}
	worker := NewWorker(repo, &stubPublisher{err: errors.New("broker down")},
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(1),
		WithClock(func() time.Time { return at }),
	)

	worker.ProcessOnce(context.Background())

	if dlqPublisher.last.EventType != domain.EventPaymentAuthorized+DeadLetterSuffix {
		t.Fatalf("unexpected DLQ event type %q", dlqPublisher.last.EventType)
	}
	letter, err := DecodeDeadLetter(dlqPublisher.last.Payload)
	if err != nil {
		t.Fatalf("decode letter: %v", err)
	}
	if letter.Payment == nil || letter.Payment.ChargeID != "pi_123" || letter.Payment.AmountMinor != 1050 {
		t.Fatalf("payment details missing in letter: %+v", letter.Payment)
	}
	if len(letter.Payment.OrderIDs) != 1 || letter.Payment.OrderIDs[0] != "order-1" {
		t.Fatalf("unexpected order ids %v", letter.Payment.OrderIDs)
	}
	if !letter.DeadLetteredAt.Equal(at) || letter.Attempts != 1 {
		t.Fatalf("unexpected letter metadata %+v", letter)
	}
}

func TestWorker_ProcessOnce_CancelDuringRetryKeepsPending(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{{
			ID: "msg-4", AggregateType: domain.AggregateOrder, AggregateID: "order-4", EventType: domain.EventOrderCreated,
		}},
	}
	dlqPublisher := &stubPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	publisher := &stubPublisher{err: errors.New("broker down"), onPublish: cancel}

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(time.Hour),
		WithMaxAttempts(3),
	)

	if sent := worker.ProcessOnce(ctx); sent != 0 {
		t.Fatalf("expected nothing published, got %d", sent)
	}
	if len(repo.failedIDs) != 0 || dlqPublisher.calls() != 0 {
		t.Fatalf("cancelled publish must stay pending, failed=%v dlq=%d", repo.failedIDs, dlqPublisher.calls())
	}
}

type stubOutboxRepo struct {
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(_ context.Context) (domain.OutboxStats, error) {
	stats := domain.OutboxStats{
		PendingCount: len(s.pending),
	}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	failFor        map[string]bool
	onPublish      func()
	callCount      int
	last           domain.OutboxMessage
	history        []domain.OutboxMessage
}

func (s *stubPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.last = msg
	s.history = append(s.history, msg)
	if s.onPublish != nil {
		s.onPublish()
	}
	if s.failFor[msg.ID] {
		return errors.New("publish rejected")
	}
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}

	return s.err
}

func (s *stubPublisher) published() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.history...)
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_BackoffDoublesUpToCap(t *testing.T) {
	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(10*time.Second))

	cases := map[int]time.Duration{
		1: 10 * time.Second,
		2: 20 * time.Second,
		3: maxRetryDelay,
		9: maxRetryDelay,
	}
	for attempt, want := range cases {
		if got := worker.backoff(attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}

	if got := NewWorker(nil, nil, WithRetryBaseDelay(0)).backoff(3); got != 0 {
		t.Fatalf("zero base delay must disable backoff, got %v", got)
	}
}

func TestNewWorker_IgnoresInvalidOptions(t *testing.T) {
	worker := NewWorker(nil, nil,
		WithPollInterval(-time.Second),
		WithBatchSize(0),
		WithMaxAttempts(-1),
		WithRetryBaseDelay(-time.Millisecond),
		WithLogger(nil),
		WithClock(nil),
	)

	if worker.pollInterval != defaultPollInterval || worker.batchSize != defaultBatchSize ||
		worker.maxAttempts != defaultMaxAttempts || worker.retryDelay != defaultRetryDelay {
		t.Fatalf("invalid options must keep defaults: %+v", worker)
	}
	if worker.logger == nil || worker.now == nil {
		t.Fatal("logger and clock must stay initialized")
	}
}
