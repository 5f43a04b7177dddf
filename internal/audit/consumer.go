package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads events published by KafkaSink and forwards them to sinks.
// cmd/worker uses it to archive the security event stream.
type Consumer struct {
	reader messageReader
	sinks  []Sink
	log    *slog.Logger

	// retryDelay is the first pause after a failed read; it doubles up to maxRetryDelay.
	retryDelay time.Duration
}

const (
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

// NewConsumer returns a Consumer reading topic as part of groupID.
func NewConsumer(brokers []string, topic, groupID string, log *slog.Logger, sinks ...Sink) (*Consumer, error) {
	if len(brokers) == 0 || topic == "" || groupID == "" {
		return nil, errors.New("kafka consumer requires brokers, a topic and a group id")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	return newConsumer(reader, log, sinks...), nil
}

func newConsumer(reader messageReader, log *slog.Logger, sinks ...Sink) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{reader: reader, sinks: sinks, log: log, retryDelay: defaultRetryDelay}
}

// Run consumes until ctx is canceled or the reader is closed. Read failures are
// retried with backoff. Undecodable messages and sink failures are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	delay := c.retryDelay
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return fmt.Errorf("kafka reader closed: %w", err)
			}
			c.log.WarnContext(ctx, "kafka read failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, maxRetryDelay)
			continue
		}
		delay = c.retryDelay
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.Action == "" {
			c.log.WarnContext(ctx, "dropping undecodable security event", "partition", msg.Partition, "offset", msg.Offset)
			continue
		}
		for _, s := range c.sinks {
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := s.Write(writeCtx, ev); err != nil {
				c.log.WarnContext(ctx, "security event forward failed", "sink", s.Name(), "action", string(ev.Action), "error", err)
			}
			cancel()
		}
	}
}

// Close closes the reader and the sinks.
func (c *Consumer) Close() error {
	errs := []error{c.reader.Close()}
	for _, s := range c.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
