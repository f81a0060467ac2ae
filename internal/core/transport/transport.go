// Package transport abstracts the MQTT connection used by the push channel so
// the reconnect and subscription logic can be exercised without a broker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	// ErrNotConnected is returned for operations on a lost or closed connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("transport: operation timed out")
)

// Handler receives one message from a subscribed topic. Handlers run on the
// client's network goroutine and must not block.
type Handler func(topic string, payload []byte)

// Conn is one live broker session. It does not reconnect by itself: when the
// session drops, Done is closed and the owner dials again.
type Conn interface {
	Subscribe(ctx context.Context, topic string, qos byte, h Handler) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	// Done is closed when the session is lost or closed.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Credentials authenticate one broker session.
type Credentials struct {
	ClientID string
	Username string
	Password string
}

// Dialer opens broker sessions.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// --- Paho Dialer ---

// PahoDialer connects to an MQTT broker with paho. Auto-reconnect is off:
// every reconnect must pick up the current credential.
type PahoDialer struct {
	broker    string
	keepAlive time.Duration
	timeout   time.Duration
	log       *slog.Logger
}

// NewPahoDialer creates a dialer for broker (tcp://host:1883).
func NewPahoDialer(broker string, keepAlive, timeout time.Duration, log *slog.Logger) *PahoDialer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PahoDialer{broker: broker, keepAlive: keepAlive, timeout: timeout, log: log}
}

// Dial opens a session and blocks until the broker accepts it.
func (d *PahoDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	c := &pahoConn{
		done:    make(chan struct{}),
		timeout: d.timeout,
		log:     d.log,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(d.broker).
		SetClientID(creds.ClientID).
		SetUsername(creds.Username).
		SetPassword(creds.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(d.keepAlive).
		SetConnectTimeout(d.timeout).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.lost(err)
		})

	c.client = pahomqtt.NewClient(opts)

	d.log.Info("dialing push broker", "broker", d.broker, "client_id", creds.ClientID)
	if err := wait(ctx, c.client.Connect(), d.timeout); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("transport: dial %s: %w", d.broker, err)
	}
	d.log.Info("connected to push broker", "broker", d.broker)
	return c, nil
}

// --- Paho Conn ---

type pahoConn struct {
	client  pahomqtt.Client
	timeout time.Duration
	log     *slog.Logger

	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (c *pahoConn) lost(err error) {
	c.once.Do(func() {
		if err == nil {
			err = ErrNotConnected
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *pahoConn) Done() <-chan struct{} { return c.done }

func (c *pahoConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pahoConn) alive() error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return nil
}

func (c *pahoConn) Subscribe(ctx context.Context, topic string, qos byte, h Handler) error {
	if err := c.alive(); err != nil {
		return err
	}
	tok := c.client.Subscribe(topic, qos, c.wrapHandler(h))
	if err := wait(ctx, tok, c.timeout); err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *pahoConn) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := c.alive(); err != nil {
		return err
	}
	if err := wait(ctx, c.client.Unsubscribe(topics...), c.timeout); err != nil {
		return fmt.Errorf("transport: unsubscribe: %w", err)
	}
	return nil
}

func (c *pahoConn) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := c.alive(); err != nil {
		return err
	}
	if err := wait(ctx, c.client.Publish(topic, qos, retained, payload), c.timeout); err != nil {
		return fmt.Errorf("transport: publish %s: %w", topic, err)
	}
	return nil
}

func (c *pahoConn) Close() error {
	c.client.Disconnect(250)
	c.lost(ErrNotConnected)
	return nil
}

// wrapHandler adapts h to paho and keeps a panicking handler from taking
// down the network goroutine.
func (c *pahoConn) wrapHandler(h Handler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("push handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		h(msg.Topic(), msg.Payload())
	}
}

func wait(ctx context.Context, tok pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
