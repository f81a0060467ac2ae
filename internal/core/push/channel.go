// Package push maintains the single broker session that delivers switch
// deltas from SmartGrade devices. It owns reconnection and re-subscription
// and forwards parsed deltas, in arrival order, to one consumer.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/transport"
)

// ErrNoDomain is returned when no domain id is known for topic names.
var ErrNoDomain = errors.New("push: no domain id in credential or config")

// Event is one switch delta from the broker.
type Event struct {
	DeviceKey   string
	SwitchIndex int
	On          bool
	ReceivedAt  time.Time
}

// CredentialSource supplies the broker password and identity claims.
type CredentialSource interface {
	Current() (auth.Credential, error)
}

// Config tunes the channel.
type Config struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	QoS              byte
	EventBuffer      int
	// DomainID and UserID override the credential's claims when set.
	DomainID string
	UserID   string
}

// Channel is the push channel. Run drives it; everything else is safe for
// concurrent use.
type Channel struct {
	cfg    Config
	dialer transport.Dialer
	creds  CredentialSource
	log    *slog.Logger
	now    func() time.Time

	events   chan Event
	onStatus func(connected bool)

	mu         sync.Mutex
	conn       transport.Conn
	topics     Topics
	handler    transport.Handler
	keys       map[string]bool
	subscribed map[string]bool

	connected atomic.Bool
	running   atomic.Bool
	wakeCh    chan struct{}
}

// New creates a push channel.
func New(cfg Config, dialer transport.Dialer, creds CredentialSource, log *slog.Logger) *Channel {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 5 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5 * time.Minute
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Channel{
		cfg:        cfg,
		dialer:     dialer,
		creds:      creds,
		log:        log,
		now:        time.Now,
		events:     make(chan Event, cfg.EventBuffer),
		keys:       make(map[string]bool),
		subscribed: make(map[string]bool),
		wakeCh:     make(chan struct{}, 1),
	}
}

// OnStatus registers the connection status callback. It fires with true only
// after every device topic has been (re-)subscribed, and with false when the
// session drops. Must be set before Run.
func (c *Channel) OnStatus(fn func(connected bool)) {
	c.onStatus = fn
}

// Events returns the delta stream. It is never closed.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Connected reports whether a fully subscribed session is up.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Reconnect drops the current session, if any, and skips the backoff wait so
// the next dial uses the current credential.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// SetDevices replaces the set of device keys to subscribe to. While
// connected, topics are added and removed immediately.
func (c *Channel) SetDevices(ctx context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k != "" {
			want[k] = true
		}
	}
	c.keys = want

	if c.conn == nil {
		return nil
	}

	var errs []error
	for k := range c.subscribed {
		if want[k] {
			continue
		}
		if err := c.conn.Unsubscribe(ctx, c.topics.Power(k), c.topics.Sensor(k)); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(c.subscribed, k)
	}
	for k := range want {
		if c.subscribed[k] {
			continue
		}
		if err := c.subscribeLocked(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishSwitch sends a switch command over the broker. It is a latency
// optimization only; the HTTP command stays authoritative.
func (c *Channel) PublishSwitch(ctx context.Context, key string, index int, on bool) error {
	c.mu.Lock()
	conn, topics := c.conn, c.topics
	c.mu.Unlock()

	if conn == nil || !c.connected.Load() {
		return transport.ErrNotConnected
	}
	payload, err := json.Marshal(map[string]bool{fmt.Sprintf("switch_%d", index+1): on})
	if err != nil {
		return fmt.Errorf("push: marshal command: %w", err)
	}
	return conn.Publish(ctx, topics.Command(key), c.cfg.QoS, false, payload)
}

// Run connects and keeps the session alive until ctx is done, reconnecting
// with jittered exponential backoff.
func (c *Channel) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("push: already running")
	}
	defer c.running.Store(false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := c.connectAndRun(ctx)
		if ctx.Err() != nil {
			c.log.Info("push: shutting down")
			return nil
		}
		if connected {
			b.Reset()
		}

		wait := b.NextBackOff()
		switch {
		case errors.Is(err, auth.ErrAuthExpired):
			c.log.Warn("push: credential expired, waiting for a new one", "retry_in", wait)
		case err != nil:
			c.log.Error("push: connection error", "error", err, "retry_in", wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.wakeCh:
			timer.Stop()
			b.Reset()
			c.log.Info("push: reconnect requested")
		case <-timer.C:
		}
	}
}

func (c *Channel) connectAndRun(ctx context.Context) (connected bool, err error) {
	cred, err := c.creds.Current()
	if err != nil {
		return false, err
	}

	domain := c.cfg.DomainID
	if domain == "" {
		domain = cred.DomainID
	}
	if domain == "" {
		return false, ErrNoDomain
	}
	user := c.cfg.UserID
	if user == "" {
		user = cred.UserID
	}

	conn, err := c.dialer.Dial(ctx, transport.Credentials{
		ClientID: "smartgraded-" + uuid.NewString()[:8],
		Username: user,
		Password: cred.Value,
	})
	if err != nil {
		return false, fmt.Errorf("push: dial: %w", err)
	}

	handler := func(topic string, payload []byte) {
		c.handle(ctx, topic, payload)
	}

	c.mu.Lock()
	c.conn = conn
	c.topics = Topics{Domain: domain}
	c.handler = handler
	c.subscribed = make(map[string]bool)
	keys := sortedKeys(c.keys)
	var subErr error
	for _, k := range keys {
		if subErr = c.subscribeLocked(ctx, k); subErr != nil {
			break
		}
	}
	c.mu.Unlock()

	defer c.teardown(conn)

	if subErr != nil {
		return false, fmt.Errorf("push: resubscribe: %w", subErr)
	}

	c.setStatus(true)
	c.log.Info("push channel connected", "domain", domain, "devices", len(keys))

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-conn.Done():
		return true, fmt.Errorf("push: connection lost: %w", conn.Err())
	}
}

func (c *Channel) teardown(conn transport.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.subscribed = make(map[string]bool)
	}
	c.mu.Unlock()
	conn.Close()
	c.setStatus(false)
}

func (c *Channel) subscribeLocked(ctx context.Context, key string) error {
	for _, topic := range []string{c.topics.Power(key), c.topics.Sensor(key)} {
		if err := c.conn.Subscribe(ctx, topic, c.cfg.QoS, c.handler); err != nil {
			return err
		}
	}
	c.subscribed[key] = true
	return nil
}

func (c *Channel) setStatus(connected bool) {
	if c.connected.Swap(connected) == connected {
		return
	}
	if !connected {
		c.log.Warn("push channel disconnected")
	}
	if c.onStatus != nil {
		c.onStatus(connected)
	}
}

// handle parses one broker message. Deliveries block until the consumer
// takes them so per-device order is never broken by drops.
func (c *Channel) handle(ctx context.Context, topic string, payload []byte) {
	key, kind, ok := parseTopic(topic)
	if !ok {
		c.log.Debug("push: ignoring message on unexpected topic", "topic", topic)
		return
	}
	if kind != "power" {
		c.log.Debug("push: ignoring non-power message", "topic", topic, "kind", kind)
		return
	}

	deltas, err := parseDeltas(payload)
	if err != nil {
		c.log.Warn("push: malformed payload", "topic", topic, "error", err)
		return
	}

	at := c.now()
	for _, d := range deltas {
		evt := Event{DeviceKey: key, SwitchIndex: d.index, On: d.on, ReceivedAt: at}
		select {
		case c.events <- evt:
		case <-ctx.Done():
			return
		}
	}
}

type delta struct {
	index int
	on    bool
}

// parseDeltas reads {"switch_1": true, ...}. Booleans, 0/1 and "on"/"off"
// are accepted; unrelated keys are skipped.
func parseDeltas(payload []byte) ([]delta, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}

	var out []delta
	for k, v := range m {
		n, ok := strings.CutPrefix(k, "switch_")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(n)
		if err != nil || idx < 1 {
			continue
		}
		on, ok := asBool(v)
		if !ok {
			continue
		}
		out = append(out, delta{index: idx - 1, on: on})
	}
	slices.SortFunc(out, func(a, b delta) int { return a.index - b.index })
	return out, nil
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case string:
		switch strings.ToLower(t) {
		case "on", "true", "1":
			return true, true
		case "off", "false", "0":
			return false, true
		}
	}
	return false, false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
