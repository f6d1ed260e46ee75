package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/inkpad/server/internal/logx"
	"github.com/segmentio/kafka-go"
)

// SlogSink writes events to a structured logger at a fixed level.
type SlogSink struct {
	logger *slog.Logger
	level  slog.Level
	msg    string
}

// NewSlogSink returns a sink logging every event at level.
func NewSlogSink(logger *slog.Logger, level slog.Level) *SlogSink {
	return &SlogSink{logger: logger, level: level, msg: "auth event"}
}

// NewAlertSink returns the high-visibility sink used for escalated actions.
func NewAlertSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("security_alert", true), level: slog.LevelWarn, msg: "auth security alert"}
}

// Write implements Sink.
func (s *SlogSink) Write(ctx context.Context, e Event) error {
	attrs := []slog.Attr{
		slog.String("action", string(e.Action)),
		slog.String("ip", e.IP),
		slog.String("method", e.Method),
		slog.String("url", e.URL),
		slog.String("user_agent", e.UserAgent),
		slog.Time("timestamp", e.Timestamp),
	}
	if e.UserID != "" {
		attrs = append(attrs, slog.String("user_id", e.UserID))
	}
	if e.Email != "" {
		attrs = append(attrs, slog.String("email", logx.MaskEmail(e.Email)))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	s.logger.LogAttrs(ctx, s.level, s.msg, attrs...)
	return nil
}

// messageWriter is the subset of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink ships events to an external aggregator topic so that every
// serving instance contributes to one shared audit stream.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink creates a sink writing JSON events to topic. Returns nil when
// brokers or topic are empty. Call Close when shutting down.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
	}}
}

// Write implements Sink. Events are keyed by user id so one user's events stay ordered.
func (k *KafkaSink) Write(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	msg := kafka.Message{Value: payload}
	if e.UserID != "" {
		msg.Key = []byte(e.UserID)
	}
	if err := k.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
