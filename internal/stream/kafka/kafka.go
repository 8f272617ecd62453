package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/config"
	"github.com/mehmetymw/fhirsink/internal/pipeline"
	"github.com/mehmetymw/fhirsink/internal/types"
)

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source consumes change envelopes from a topic as part of a consumer
// group. Offsets are committed only when a message is acked.
type Source struct {
	reader reader
	logger *zap.Logger
}

func NewSource(cfg config.KafkaSource, logger *zap.Logger) (*Source, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka source needs brokers, topic and group_id")
	}
	logger.Info("Creating Kafka source",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group_id", cfg.GroupID))

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: 0,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug("Kafka reader log", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("Kafka reader error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	})
	return newSource(r, logger), nil
}

func newSource(r reader, logger *zap.Logger) *Source {
	return &Source{reader: r, logger: logger}
}

func (s *Source) Next(ctx context.Context) (pipeline.Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &message{msg: m, reader: s.reader}, nil
}

func (s *Source) Close() error {
	s.logger.Info("Closing Kafka source")
	return s.reader.Close()
}

type message struct {
	msg    kafka.Message
	reader reader
}

func (m *message) Delivery() types.Delivery {
	return types.Delivery{
		Data:    m.msg.Value,
		Seq:     uint64(m.msg.Offset),
		Subject: fmt.Sprintf("%s/%d", m.msg.Topic, m.msg.Partition),
	}
}

func (m *message) Ack(ctx context.Context) error {
	return m.reader.CommitMessages(ctx, m.msg)
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes change envelopes to a topic, keyed by resource so that
// events for one resource stay ordered within a partition.
type Publisher struct {
	writer writer
	topic  string
	logger *zap.Logger
}

func NewPublisher(cfg config.KafkaSink, logger *zap.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher needs brokers and topic")
	}
	logger.Info("Creating Kafka publisher",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic))

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		RequiredAcks: kafka.RequireAll,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug("Kafka writer log", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("Kafka writer error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	}
	return newPublisher(w, cfg.Topic, logger), nil
}

func newPublisher(w writer, topic string, logger *zap.Logger) *Publisher {
	return &Publisher{writer: w, topic: topic, logger: logger}
}

// Publish writes one envelope. The key is typically "Kind/id".
func (p *Publisher) Publish(ctx context.Context, key string, envelope []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: envelope,
		Time:  time.Now(),
	})
	if err != nil {
		p.logger.Error("Failed to write message to Kafka",
			zap.String("key", key),
			zap.String("topic", p.topic),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	p.logger.Debug("Message sent to Kafka",
		zap.String("key", key),
		zap.Int("message_size", len(envelope)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (p *Publisher) Close() error {
	p.logger.Info("Closing Kafka publisher")
	return p.writer.Close()
}
