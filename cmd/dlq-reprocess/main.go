// Команда dlq-reprocess разбирает письма из DLQ заказов и платежей и, с флагом
// -execute, публикует исходные события обратно в их топики.
//
// По умолчанию работает в режиме dry-run: печатает отчёт по типам событий и
// список платёжных авторизаций, которые нужно сверить с процессором вручную.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
	"github.com/vladislavdragonenkov/storefront-orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/outbox"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second
	clientID           = "storefront-dlq-reprocess"

	envKafkaBrokers = "OMS_KAFKA_BROKERS"
)

type options struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	aggregate   string
	eventType   string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func (o options) mode() string {
	if o.execute {
		return "execute"
	}
	return "dry-run"
}

type letterReader interface {
	Read(ctx context.Context, opts kafka.ReadOptions, visit func(*sarama.ConsumerMessage) error) (int, error)
	Close() error
}

type eventPublisher interface {
	Publish(ctx context.Context, event domain.OutboxMessage) error
}

// publisherSet выдаёт паблишер для целевого топика. Пустой топик означает маршрутизацию по агрегату.
type publisherSet interface {
	For(topic string) eventPublisher
	Close() error
}

var (
	openReader = func(opts options) (letterReader, error) {
		return kafka.OpenDeadLetterReader(kafka.ProducerConfig{Brokers: opts.brokers, ClientID: clientID}, opts.sourceTopic, opts.idleTimeout)
	}
	openPublishers = func(opts options) (publisherSet, error) {
		producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: opts.brokers, ClientID: clientID},
			log.WithField("component", "dlq-reprocess"))
		if err != nil {
			return nil, err
		}
		return &kafkaPublishers{producer: producer, byTopic: make(map[string]eventPublisher)}, nil
	}
)

type kafkaPublishers struct {
	producer *kafka.Producer
	byTopic  map[string]eventPublisher
}

func (p *kafkaPublishers) For(topic string) eventPublisher {
	publisher, ok := p.byTopic[topic]
	if !ok {
		publisher = kafka.NewOutboxPublisher(p.producer, topic)
		p.byTopic[topic] = publisher
	}
	return publisher
}

func (p *kafkaPublishers) Close() error {
	return p.producer.Close()
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fail("dlq reprocess failed: %v", err)
	}
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var (
		opts    options
		brokers string
	)
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&opts.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to read")
	fs.StringVar(&opts.targetTopic, "target-topic", "", "publish every letter to this topic instead of its original one")
	fs.StringVar(&opts.aggregate, "aggregate", "", "only letters of this aggregate: order|payment")
	fs.StringVar(&opts.eventType, "event", "", "only letters of this event type, e.g. order.updated")
	fs.IntVar(&opts.limit, "limit", defaultLimit, "max letters to read")
	fs.BoolVar(&opts.execute, "execute", false, "publish letters back; without it only the report is printed")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "read the newest letters of each partition")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this long without messages")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv(envKafkaBrokers)
	}
	opts.brokers = splitList(brokers)
	opts.sourceTopic = strings.TrimSpace(opts.sourceTopic)
	opts.targetTopic = strings.TrimSpace(opts.targetTopic)
	opts.aggregate = strings.ToLower(strings.TrimSpace(opts.aggregate))
	opts.eventType = strings.TrimSuffix(strings.TrimSpace(opts.eventType), outbox.DeadLetterSuffix)

	switch {
	case len(opts.brokers) == 0:
		return options{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case opts.sourceTopic == "":
		return options{}, errors.New("source-topic is required")
	case opts.limit <= 0:
		return options{}, errors.New("limit must be > 0")
	case opts.idleTimeout <= 0:
		return options{}, errors.New("idle-timeout must be > 0")
	}
	switch opts.aggregate {
	case "", domain.AggregateOrder, domain.AggregatePayment:
	default:
		return options{}, fmt.Errorf("unknown aggregate %q (use order|payment)", opts.aggregate)
	}
	return opts, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func run(ctx context.Context, opts options, out io.Writer) error {
	logger := log.WithFields(log.Fields{
		"component":    "dlq-reprocess",
		"source_topic": opts.sourceTopic,
		"mode":         opts.mode(),
	})

	reader, err := openReader(opts)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	var publishers publisherSet
	if opts.execute {
		if publishers, err = openPublishers(opts); err != nil {
			return err
		}
		defer func() { _ = publishers.Close() }()
	}

	r := &reprocessor{opts: opts, publishers: publishers, logger: logger, report: newReport(opts.mode())}
	read, err := reader.Read(ctx, kafka.ReadOptions{Limit: opts.limit, FromNewest: opts.fromNewest}, func(msg *sarama.ConsumerMessage) error {
		return r.handle(ctx, msg)
	})
	r.report.read = read
	logger.WithFields(log.Fields{
		"read":      read,
		"replayed":  r.report.replayed,
		"filtered":  r.report.filtered,
		"malformed": r.report.malformed,
	}).Info("dlq reprocess finished")

	if werr := r.report.write(out); werr != nil && err == nil {
		err = werr
	}
	return err
}

type reprocessor struct {
	opts       options
	publishers publisherSet
	logger     *log.Entry
	report     *report
}

// handle разбирает одно письмо. Чужие и повреждённые письма учитываются в отчёте
// и не прерывают проход; ошибка публикации прерывает.
func (r *reprocessor) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	letter, ok, err := decodeLetter(msg)
	if err != nil {
		r.report.malformed++
		r.logger.WithError(err).WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset}).
			Warn("skip malformed dead letter")
		return nil
	}
	if !ok {
		r.report.foreign++
		return nil
	}

	event := letter.Original()
	if !r.matches(event) {
		r.report.filtered++
		return nil
	}
	r.report.add(letter)

	topic := replayTopic(msg, event, r.opts.targetTopic)
	if r.opts.execute {
		if err := r.publishers.For(topic).Publish(ctx, event); err != nil {
			return fmt.Errorf("replay %s %s: %w", event.EventType, event.ID, err)
		}
	}
	r.report.replayed++
	r.logger.WithFields(log.Fields{
		"outbox_id":    event.ID,
		"aggregate_id": event.AggregateID,
		"event_type":   event.EventType,
		"target_topic": firstNonEmpty(topic, kafka.TopicForAggregate(event.AggregateType)),
		"blocked_by":   letter.BlockedBy,
	}).Debug("dead letter replayed")
	return nil
}

func (r *reprocessor) matches(event domain.OutboxMessage) bool {
	if r.opts.aggregate != "" && event.AggregateType != r.opts.aggregate {
		return false
	}
	return r.opts.eventType == "" || event.EventType == r.opts.eventType
}

// decodeLetter достаёт письмо из конверта outbox. ok=false для сообщений,
// которые в DLQ положил не outbox worker.
func decodeLetter(msg *sarama.ConsumerMessage) (outbox.DeadLetter, bool, error) {
	var envelope kafka.OutboxEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return outbox.DeadLetter{}, false, nil
	}
	if !strings.HasSuffix(envelope.EventType, outbox.DeadLetterSuffix) {
		return outbox.DeadLetter{}, false, nil
	}

	letter, err := outbox.DecodeDeadLetter(envelope.Payload)
	if err != nil {
		return outbox.DeadLetter{}, false, err
	}
	letter.OutboxID = firstNonEmpty(letter.OutboxID, envelope.ID)
	letter.AggregateType = firstNonEmpty(letter.AggregateType, envelope.AggregateType)
	letter.AggregateID = firstNonEmpty(letter.AggregateID, envelope.AggregateID)
	letter.EventType = firstNonEmpty(letter.EventType, envelope.EventType)
	return letter, true, nil
}

// replayTopic возвращает фиксированный топик для публикации или пустую строку,
// если событие возвращается в топик своего агрегата.
func replayTopic(msg *sarama.ConsumerMessage, event domain.OutboxMessage, override string) string {
	topic := firstNonEmpty(override, headerValue(msg, kafka.HeaderOriginalTopic))
	if topic == kafka.TopicForAggregate(event.AggregateType) {
		return ""
	}
	return topic
}

func headerValue(msg *sarama.ConsumerMessage, name string) string {
	for _, header := range msg.Headers {
		if header != nil && string(header.Key) == name {
			return string(header.Value)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// report копит итоги прохода для печати в конце.
type report struct {
	mode      string
	read      int
	replayed  int
	filtered  int
	malformed int
	foreign   int
	blocked   int
	byEvent   map[string]int
	payments  []outbox.DeadPayment
}

func newReport(mode string) *report {
	return &report{mode: mode, byEvent: make(map[string]int)}
}

func (r *report) add(letter outbox.DeadLetter) {
	r.byEvent[letter.Original().EventType]++
	if letter.BlockedBy != "" {
		r.blocked++
	}
	if letter.Payment != nil {
		r.payments = append(r.payments, *letter.Payment)
	}
}

func (r *report) write(out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT TYPE\tLETTERS")
	events := make([]string, 0, len(r.byEvent))
	for event := range r.byEvent {
		events = append(events, event)
	}
	sort.Strings(events)
	for _, event := range events {
		fmt.Fprintf(tw, "%s\t%d\n", event, r.byEvent[event])
	}

	if len(r.payments) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "CHARGE\tAMOUNT\tCURRENCY\tORDERS")
		for _, p := range r.payments {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.ChargeID, p.AmountMinor, p.Currency, strings.Join(p.OrderIDs, ","))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(out, "mode=%s read=%d replayed=%d blocked=%d filtered=%d malformed=%d foreign=%d\n",
		r.mode, r.read, r.replayed, r.blocked, r.filtered, r.malformed, r.foreign)
	return err
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
