package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

// scriptedReader returns msgs in order, then blocks until ctx is canceled.
type scriptedReader struct {
	msgs   []kafka.Message
	errs   []error
	closed bool
	reads  int
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.reads++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		return m, nil
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) Close() error { r.closed = true; return nil }

func TestConsumer_ForwardsDecodedEvents(t *testing.T) {
	good, _ := json.Marshal(Event{Action: ActionRefreshReuseDetected, UserID: "u1", OccurredAt: time.Unix(100, 0).UTC()})
	reader := &scriptedReader{
		errs: []error{errors.New("broker unavailable")},
		msgs: []kafka.Message{
			{Value: []byte("not json")},
			{Value: []byte(`{"userId":"no-action"}`)},
			{Value: good},
		},
	}
	sink := &recordingSink{}
	failing := &recordingSink{writeErr: errors.New("down")}
	c := newConsumer(reader, discardLogger(), sink, failing)
	c.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := sink.snapshot()
	if len(got) != 1 || got[0].Action != ActionRefreshReuseDetected || got[0].UserID != "u1" {
		t.Fatalf("forwarded = %+v", got)
	}
	if len(failing.snapshot()) != 1 {
		t.Error("failing sink should still have been called")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !reader.closed || !sink.closed {
		t.Error("Close should close reader and sinks")
	}
}

func TestConsumer_BacksOffOnReadErrors(t *testing.T) {
	reader := &scriptedReader{errs: []error{
		errors.New("broker unavailable"), errors.New("broker unavailable"), errors.New("broker unavailable"),
	}}
	c := newConsumer(reader, discardLogger())
	c.retryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reader.reads != 1 {
		t.Errorf("reads = %d, want 1 while waiting out the retry delay", reader.reads)
	}
}

func TestConsumer_StopsWhenReaderClosed(t *testing.T) {
	reader := &scriptedReader{errs: []error{io.EOF}}
	c := newConsumer(reader, discardLogger())

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("Run = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept reading from a closed reader")
	}
}

func TestNewConsumer_Validation(t *testing.T) {
	if _, err := NewConsumer(nil, "t", "g", nil); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewConsumer([]string{"k:9092"}, "t", "", nil); err == nil {
		t.Error("expected error without group id")
	}
}
