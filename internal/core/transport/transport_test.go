package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct{ topic string }

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return nil }
func (m fakeMessage) Ack()              {}

func TestWait(t *testing.T) {
	boom := errors.New("boom")

	done := &fakeToken{done: make(chan struct{}), err: boom}
	close(done.done)
	if err := wait(context.Background(), done, time.Second); !errors.Is(err, boom) {
		t.Errorf("wait(done) error = %v, want boom", err)
	}

	pending := &fakeToken{done: make(chan struct{})}
	if err := wait(context.Background(), pending, 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("wait(pending) error = %v, want ErrTimeout", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := wait(ctx, pending, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("wait(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestWrapHandlerRecoversPanic(t *testing.T) {
	c := &pahoConn{done: make(chan struct{}), log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	h := c.wrapHandler(func(string, []byte) { panic("bad payload") })

	// Must not propagate.
	h(nil, fakeMessage{topic: "s/1/aa/power"})
}

func TestConnLostClosesDoneOnce(t *testing.T) {
	c := &pahoConn{done: make(chan struct{})}
	first := errors.New("network down")
	c.lost(first)
	c.lost(errors.New("second"))

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	if !errors.Is(c.Err(), first) {
		t.Errorf("Err() = %v, want first error", c.Err())
	}
}
