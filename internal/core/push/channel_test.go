package push

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/transport"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type published struct {
	topic   string
	payload string
}

type fakeConn struct {
	mu        sync.Mutex
	handlers  map[string]transport.Handler
	published []published
	failSub   bool
	once      sync.Once
	done      chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]transport.Handler), done: make(chan struct{})}
}

func (c *fakeConn) Subscribe(_ context.Context, topic string, _ byte, h transport.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSub {
		return errors.New("suback refused")
	}
	c.handlers[topic] = h
	return nil
}

func (c *fakeConn) Unsubscribe(_ context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return nil
}

func (c *fakeConn) Publish(_ context.Context, topic string, _ byte, _ bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, string(payload)})
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Err() error            { return errors.New("connection reset") }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (c *fakeConn) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", topic)
	}
	h(topic, []byte(payload))
}

type fakeDialer struct {
	mu     sync.Mutex
	creds  []transport.Credentials
	next   func() *fakeConn
	dialed chan *fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, creds transport.Credentials) (transport.Conn, error) {
	d.mu.Lock()
	d.creds = append(d.creds, creds)
	next := d.next
	d.mu.Unlock()

	conn := newFakeConn()
	if next != nil {
		conn = next()
	}
	d.dialed <- conn
	return conn, nil
}

type credSource struct {
	mu      sync.Mutex
	cred    auth.Credential
	expired bool
}

func (s *credSource) Current() (auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return auth.Credential{}, auth.ErrAuthExpired
	}
	return s.cred, nil
}

func (s *credSource) set(expired bool) {
	s.mu.Lock()
	s.expired = expired
	s.mu.Unlock()
}

type harness struct {
	ch     *Channel
	dialer *fakeDialer
	creds  *credSource
	status chan bool
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, keys ...string) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{dialed: make(chan *fakeConn, 8)},
		creds:  &credSource{cred: auth.Credential{Value: "jwt", UserID: "u1", DomainID: "42"}},
		status: make(chan bool, 16),
		done:   make(chan struct{}),
	}
	h.ch = New(Config{
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
		EventBuffer:      8,
	}, h.dialer, h.creds, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.ch.OnStatus(func(up bool) { h.status <- up })

	if err := h.ch.SetDevices(context.Background(), keys); err != nil {
		t.Fatalf("SetDevices() error = %v", err)
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.ch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func startChannel(t *testing.T, keys ...string) *harness {
	t.Helper()
	h := newHarness(t, keys...)
	h.start(t)
	return h
}

func (h *harness) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-h.dialer.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func (h *harness) waitStatus(t *testing.T, want bool) {
	t.Helper()
	select {
	case got := <-h.status:
		if got != want {
			t.Fatalf("status = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no status %v", want)
	}
}

func (h *harness) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-h.ch.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestChannelSubscribesAndForwardsDeltas(t *testing.T) {
	h := startChannel(t, "AA:01", "dev-2")
	conn := h.nextConn(t)
	h.waitStatus(t, true)

	want := []string{
		"s/42/AA:01/power", "s/42/AA:01/sensor",
		"s/42/dev-2/power", "s/42/dev-2/sensor",
	}
	if got := conn.topics(); !slices.Equal(got, want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}

	h.dialer.mu.Lock()
	creds := h.dialer.creds[0]
	h.dialer.mu.Unlock()
	if creds.Username != "u1" || creds.Password != "jwt" {
		t.Errorf("credentials = %+v", creds)
	}

	conn.deliver(t, "s/42/AA:01/power", `{"switch_2": false, "switch_1": true}`)

	first, second := h.nextEvent(t), h.nextEvent(t)
	if first.DeviceKey != "AA:01" || first.SwitchIndex != 0 || !first.On {
		t.Errorf("first = %+v", first)
	}
	if second.SwitchIndex != 1 || second.On {
		t.Errorf("second = %+v", second)
	}
}

func TestChannelIgnoresSensorAndGarbage(t *testing.T) {
	h := startChannel(t, "k")
	conn := h.nextConn(t)
	h.waitStatus(t, true)

	conn.deliver(t, "s/42/k/sensor", `{"power": 1200}`)
	conn.deliver(t, "s/42/k/power", `not json`)
	conn.deliver(t, "s/42/k/power", `{"switch_1": "on"}`)

	e := h.nextEvent(t)
	if !e.On || e.SwitchIndex != 0 {
		t.Errorf("event = %+v", e)
	}
	select {
	case extra := <-h.ch.Events():
		t.Errorf("unexpected event %+v", extra)
	default:
	}
}

func TestChannelReconnectsAndResubscribes(t *testing.T) {
	h := startChannel(t, "k")
	conn := h.nextConn(t)
	h.waitStatus(t, true)

	conn.Close()
	h.waitStatus(t, false)
	if h.ch.Connected() {
		t.Error("Connected() = true after loss")
	}

	again := h.nextConn(t)
	h.waitStatus(t, true)
	if got := again.topics(); len(got) != 2 {
		t.Errorf("resubscribed topics = %v", got)
	}
}

func TestChannelStatusWaitsForSubscriptions(t *testing.T) {
	h := newHarness(t, "k")
	calls := 0
	h.dialer.next = func() *fakeConn {
		c := newFakeConn()
		calls++
		c.failSub = calls == 1
		return c
	}
	h.start(t)

	failing := h.nextConn(t)
	if !failing.failSub {
		t.Fatal("expected failing connection")
	}
	select {
	case up := <-h.status:
		t.Fatalf("status %v reported for a session that failed to subscribe", up)
	case <-time.After(20 * time.Millisecond):
	}

	ok := h.nextConn(t)
	h.waitStatus(t, true)
	if got := ok.topics(); len(got) != 2 {
		t.Errorf("topics = %v", got)
	}
}

func TestChannelSetDevicesWhileConnected(t *testing.T) {
	h := startChannel(t, "a")
	conn := h.nextConn(t)
	h.waitStatus(t, true)

	if err := h.ch.SetDevices(context.Background(), []string{"b"}); err != nil {
		t.Fatalf("SetDevices() error = %v", err)
	}
	want := []string{"s/42/b/power", "s/42/b/sensor"}
	if got := conn.topics(); !slices.Equal(got, want) {
		t.Errorf("topics = %v, want %v", got, want)
	}
}

func TestChannelWaitsForCredential(t *testing.T) {
	creds := &credSource{cred: auth.Credential{Value: "jwt", DomainID: "42"}, expired: true}
	dialer := &fakeDialer{dialed: make(chan *fakeConn, 4)}
	ch := New(Config{ReconnectInitial: time.Hour, ReconnectMax: time.Hour}, dialer, creds, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-dialer.dialed:
		t.Fatal("dialed with an expired credential")
	case <-time.After(30 * time.Millisecond):
	}

	creds.set(false)
	ch.Reconnect()

	select {
	case <-dialer.dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("Reconnect() did not skip the backoff wait")
	}
}

func TestPublishSwitchNotConnected(t *testing.T) {
	h := newHarness(t, "AA:01")
	err := h.ch.PublishSwitch(context.Background(), "AA:01", 0, true)
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("PublishSwitch() error = %v, want ErrNotConnected", err)
	}
}

func TestPublishSwitch(t *testing.T) {
	h := startChannel(t, "AA:01")
	conn := h.nextConn(t)
	h.waitStatus(t, true)

	if err := h.ch.PublishSwitch(context.Background(), "AA:01", 2, false); err != nil {
		t.Fatalf("PublishSwitch() error = %v", err)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.published) != 1 {
		t.Fatalf("published %d messages", len(conn.published))
	}
	got := conn.published[0]
	if got.topic != "s/42/AA:01/power/set" || got.payload != `{"switch_3":false}` {
		t.Errorf("published = %+v", got)
	}
}

func TestParseDeltas(t *testing.T) {
	tests := []struct {
		in   string
		want []delta
	}{
		{`{"switch_1": true}`, []delta{{0, true}}},
		{`{"switch_3": 0, "switch_1": 1}`, []delta{{0, true}, {2, false}}},
		{`{"switch_1": "off", "rssi": -60}`, []delta{{0, false}}},
		{`{"switch_0": true, "switch_x": true}`, nil},
	}
	for _, tt := range tests {
		got, err := parseDeltas([]byte(tt.in))
		if err != nil {
			t.Errorf("parseDeltas(%s) error = %v", tt.in, err)
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("parseDeltas(%s) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
