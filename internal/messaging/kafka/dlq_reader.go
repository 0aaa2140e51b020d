package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/IBM/sarama"
)

const defaultReaderIdle = 2 * time.Second

// OffsetSource отдаёт границы партиций. Реализуется sarama.Client.
type OffsetSource interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// ReadOptions ограничивает один проход по DLQ.
type ReadOptions struct {
	// Limit — сколько сообщений прочитать суммарно по всем партициям.
	Limit int
	// FromNewest берёт последние Limit сообщений каждой партиции вместо первых.
	FromNewest bool
}

// DeadLetterReader читает DLQ-топик по партициям в порядке смещений.
// Читаются только сообщения, записанные до начала прохода: новые письма,
// пришедшие во время чтения, достанутся следующему запуску.
type DeadLetterReader struct {
	offsets  OffsetSource
	consumer sarama.Consumer
	topic    string
	idle     time.Duration
	closers  []io.Closer
}

// NewDeadLetterReader собирает reader поверх готовых клиента и consumer.
// idle ограничивает ожидание очередного сообщения внутри партиции.
func NewDeadLetterReader(offsets OffsetSource, consumer sarama.Consumer, topic string, idle time.Duration) *DeadLetterReader {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	if idle <= 0 {
		idle = defaultReaderIdle
	}
	return &DeadLetterReader{offsets: offsets, consumer: consumer, topic: topic, idle: idle}
}

// OpenDeadLetterReader подключается к брокерам и возвращает reader, владеющий соединением.
func OpenDeadLetterReader(cfg ProducerConfig, topic string, idle time.Duration) (*DeadLetterReader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	if config.ClientID == "" {
		config.ClientID = defaultClientID
	}
	config.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	reader := NewDeadLetterReader(client, consumer, topic, idle)
	reader.closers = []io.Closer{consumer, client}
	return reader, nil
}

// Topic возвращает читаемый топик.
func (r *DeadLetterReader) Topic() string {
	return r.topic
}

// Read вызывает visit для каждого прочитанного сообщения и возвращает их число.
// Ошибка visit прерывает проход.
func (r *DeadLetterReader) Read(ctx context.Context, opts ReadOptions, visit func(*sarama.ConsumerMessage) error) (int, error) {
	if r == nil || r.offsets == nil || r.consumer == nil {
		return 0, errors.New("dead letter reader is not initialized")
	}
	if opts.Limit <= 0 {
		return 0, nil
	}

	partitions, err := r.offsets.Partitions(r.topic)
	if err != nil {
		return 0, fmt.Errorf("list partitions of %s: %w", r.topic, err)
	}
	partitions = slices.Clone(partitions)
	slices.Sort(partitions)

	total := 0
	for _, partition := range partitions {
		if total >= opts.Limit {
			break
		}
		n, err := r.readPartition(ctx, partition, opts.Limit-total, opts.FromNewest, visit)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *DeadLetterReader) readPartition(
	ctx context.Context,
	partition int32,
	budget int,
	fromNewest bool,
	visit func(*sarama.ConsumerMessage) error,
) (int, error) {
	oldest, err := r.offsets.GetOffset(r.topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, fmt.Errorf("oldest offset of %s/%d: %w", r.topic, partition, err)
	}
	newest, err := r.offsets.GetOffset(r.topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, fmt.Errorf("newest offset of %s/%d: %w", r.topic, partition, err)
	}
	start, count := readWindow(oldest, newest, budget, fromNewest)
	if count == 0 {
		return 0, nil
	}

	pc, err := r.consumer.ConsumePartition(r.topic, partition, start)
	if err != nil {
		return 0, fmt.Errorf("consume %s/%d: %w", r.topic, partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.idle)
	defer idle.Stop()

	read := 0
	for read < count {
		select {
		case <-ctx.Done():
			return read, ctx.Err()
		case <-idle.C:
			return read, nil
		case cerr, ok := <-pc.Errors():
			if !ok {
				return read, nil
			}
			if cerr != nil {
				return read, fmt.Errorf("consume %s/%d: %w", r.topic, partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok {
				return read, nil
			}
			read++
			if err := visit(msg); err != nil {
				return read, err
			}
			idle.Reset(r.idle)
		}
	}
	return read, nil
}

// readWindow возвращает смещение начала чтения и число сообщений в пределах budget.
func readWindow(oldest, newest int64, budget int, fromNewest bool) (int64, int) {
	available := newest - oldest
	if available <= 0 || budget <= 0 {
		return oldest, 0
	}
	count := min(available, int64(budget))
	if fromNewest {
		return newest - count, int(count)
	}
	return oldest, int(count)
}

// Close закрывает consumer и клиент, если reader открывал их сам.
func (r *DeadLetterReader) Close() error {
	var errs []error
	for _, closer := range r.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
