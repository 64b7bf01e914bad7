package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/openvotes/voteflow/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// messageWriter is what Dispatcher needs from kafka.Writer; tests substitute
// a recording fake.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Dispatcher sends mutation events to a single pre-configured Kafka topic.
// It does not retry or buffer; a send failure is the caller's problem.
type Dispatcher struct {
	writer messageWriter
	logger *slog.Logger
	source string
	topic  string
}

type DispatcherConfig struct {
	Brokers string
	Topic   string
	Source  string
}

func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) (*Dispatcher, error) {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("notify: no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("notify: no topic configured")
	}
	if cfg.Source == "" {
		cfg.Source = "voting-data"
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	})
	return &Dispatcher{
		writer: writer,
		logger: logger,
		source: cfg.Source,
		topic:  cfg.Topic,
	}, nil
}

// Close flushes and closes the underlying writer.
func (d *Dispatcher) Close() error {
	if w, ok := d.writer.(*kafka.Writer); ok {
		return w.Close()
	}
	return nil
}

// Dispatch serializes the event into one Kafka message and sends it.
// An event with no body and no properties is silently skipped; a transport
// failure is returned unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) error {
	if evt.empty() {
		return nil
	}

	ctx, span := otel.Tracer("notify").Start(ctx, "notify.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", d.topic),
		),
	)
	defer span.End()

	messageID := uuid.NewString()
	headers := make([]kafka.Header, 0, len(evt.Properties)+2)
	headers = append(headers,
		kafka.Header{Key: "message_id", Value: []byte(messageID)},
		kafka.Header{Key: "source", Value: []byte(d.source)},
	)
	for _, p := range evt.Properties {
		headers = append(headers, kafka.Header{Key: p.Key, Value: []byte(p.Value)})
	}
	headers = kafkax.InjectTraceHeaders(ctx, headers)

	msg := kafka.Message{
		Key:     messageKey(evt, messageID),
		Value:   evt.Body,
		Headers: headers,
	}

	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		d.logger.Error("notification send failed", "err", err, "message_id", messageID)
		return err
	}
	d.logger.Info("notification sent", "message_id", messageID, "topic", d.topic)
	return nil
}

// messageKey keys the message by counter name so all notifications for one
// counter land on the same partition.
func messageKey(evt Event, fallback string) []byte {
	for _, p := range evt.Properties {
		if p.Key == "name" {
			return []byte(p.Value)
		}
	}
	return []byte(fallback)
}
