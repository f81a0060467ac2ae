// Package coordinator reconciles push-delivered and polled SmartGrade device
// state into the snapshot table, schedules polling on three cadences and
// dispatches commands with optimistic updates.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/cloud"
	"github.com/trymwestin/smartgrade/internal/core/push"
	"github.com/trymwestin/smartgrade/internal/core/state"
)

// API is the subset of the HTTP channel the coordinator drives.
type API interface {
	Discover(ctx context.Context) (cloud.DiscoveryResult, error)
	PollDeviceState(ctx context.Context, dev state.Device) (state.Observation, error)
	PollTimers(ctx context.Context, deviceID string) ([]state.Timer, error)
	PollEnergy(ctx context.Context, deviceID string, from, to time.Time) (float64, error)
	SetSwitch(ctx context.Context, deviceID string, index int, on bool) error
	CreateTimer(ctx context.Context, deviceID string, spec cloud.TimerSpec) (state.Timer, error)
	DeleteTimer(ctx context.Context, deviceID, timerID string) error
}

// Push is the subset of the push channel the coordinator drives.
type Push interface {
	Run(ctx context.Context) error
	OnStatus(fn func(connected bool))
	Events() <-chan push.Event
	Connected() bool
	Reconnect()
	SetDevices(ctx context.Context, keys []string) error
	PublishSwitch(ctx context.Context, key string, index int, on bool) error
}

// Config holds poll cadences and command tuning.
type Config struct {
	// FastInterval is the state poll period while push is connected.
	FastInterval time.Duration
	// OutageInterval is the discovery + state poll period while push is down.
	OutageInterval time.Duration
	// SlowInterval is the timer and energy poll period.
	SlowInterval    time.Duration
	CommandTimeout  time.Duration
	PollConcurrency int
	// Location defines "today" for energy readings. Defaults to time.Local.
	Location *time.Location
}

// Status summarizes the coordinator for status endpoints.
type Status struct {
	Running       bool      `json:"running"`
	PushEnabled   bool      `json:"push_enabled"`
	PushConnected bool      `json:"push_connected"`
	PollInterval  string    `json:"poll_interval"`
	Devices       int       `json:"devices"`
	LastPollAt    time.Time `json:"last_poll_at,omitempty"`
	Credential    auth.Info `json:"credential"`
}

// Coordinator owns the poll loops, the push consumer and the command API.
type Coordinator struct {
	cfg     Config
	api     API
	push    Push // nil when push is disabled
	tracker *auth.Tracker
	table   *state.Table
	bus     *state.EventBus
	log     *slog.Logger
	now     func() time.Time

	pushUp     atomic.Bool
	lastPollAt atomic.Int64
	statusCh   chan struct{}
	refreshCh  chan struct{}
	kickCh     chan string

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
	running  atomic.Bool
	inflight sync.WaitGroup
}

// New creates a coordinator. pushCh may be nil, in which case the outage
// cadence is used permanently.
func New(
	cfg Config,
	api API,
	pushCh Push,
	tracker *auth.Tracker,
	table *state.Table,
	bus *state.EventBus,
	log *slog.Logger,
) *Coordinator {
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = 10 * time.Second
	}
	if cfg.OutageInterval <= 0 {
		cfg.OutageInterval = 30 * time.Second
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = 5 * time.Minute
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	if cfg.PollConcurrency <= 0 {
		cfg.PollConcurrency = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	c := &Coordinator{
		cfg:       cfg,
		api:       api,
		push:      pushCh,
		tracker:   tracker,
		table:     table,
		bus:       bus,
		log:       log,
		now:       time.Now,
		statusCh:  make(chan struct{}, 1),
		refreshCh: make(chan struct{}, 1),
		kickCh:    make(chan string, 64),
	}
	if pushCh != nil {
		pushCh.OnStatus(c.onPushStatus)
	}
	return c
}

// SetClock replaces the time source. Must be called before Start.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Seed loads a device registry (from the cache) before the first discovery.
// Seeded devices are never removed by it; only a full discovery can.
func (c *Coordinator) Seed(devices []state.Device) {
	c.table.Reconcile(devices, false)
}

// Start launches the push channel and the poll loops.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	c.mu.Lock()
	c.ctx, c.cancel, c.stopped = ctx, cancel, stopped
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if c.push != nil {
		if err := c.push.SetDevices(gctx, c.table.PushKeys()); err != nil {
			c.log.Warn("initial push subscription failed", "error", err)
		}
		g.Go(func() error { return c.push.Run(gctx) })
		g.Go(func() error { c.consumePush(gctx); return nil })
	}
	g.Go(func() error { c.stateLoop(gctx); return nil })
	g.Go(func() error { c.slowLoop(gctx); return nil })

	go func() {
		defer close(stopped)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("coordinator stopped with error", "error", err)
		}
	}()

	c.log.Info("coordinator started",
		"push_enabled", c.push != nil,
		"devices", c.table.Len(),
		"fast", c.cfg.FastInterval, "outage", c.cfg.OutageInterval, "slow", c.cfg.SlowInterval)
	return nil
}

// Stop cancels all loops, waits for them and for in-flight commands.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.running.Load() {
		return nil
	}
	c.mu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.mu.Unlock()

	cancel()
	select {
	case <-stopped:
	case <-ctx.Done():
		return fmt.Errorf("coordinator: stop: %w", ctx.Err())
	}
	c.inflight.Wait()
	c.running.Store(false)
	c.log.Info("coordinator stopped")
	return nil
}

// --- Reads ---

// Snapshot returns one device's snapshot.
func (c *Coordinator) Snapshot(deviceID string) (state.Snapshot, bool) {
	return c.table.Snapshot(deviceID)
}

// Snapshots returns all snapshots ordered by device id.
func (c *Coordinator) Snapshots() []state.Snapshot {
	return c.table.Snapshots()
}

// Subscribe returns a stream of state events and its unsubscribe function.
func (c *Coordinator) Subscribe(buffer int) (<-chan state.Event, func()) {
	return c.bus.Subscribe(buffer)
}

// PollInterval is the state poll period currently in effect.
func (c *Coordinator) PollInterval() time.Duration {
	if c.push != nil && c.pushUp.Load() {
		return c.cfg.FastInterval
	}
	return c.cfg.OutageInterval
}

// Status returns a summary of the coordinator.
func (c *Coordinator) Status() Status {
	st := Status{
		Running:       c.running.Load(),
		PushEnabled:   c.push != nil,
		PushConnected: c.push != nil && c.pushUp.Load(),
		PollInterval:  c.PollInterval().String(),
		Devices:       c.table.Len(),
		Credential:    c.tracker.Info(),
	}
	if ns := c.lastPollAt.Load(); ns != 0 {
		st.LastPollAt = time.Unix(0, ns)
	}
	return st
}

// Credential returns the credential summary.
func (c *Coordinator) Credential() auth.Info {
	return c.tracker.Info()
}

// --- Push ---

func (c *Coordinator) onPushStatus(connected bool) {
	c.pushUp.Store(connected)
	c.bus.Publish(state.Event{Type: state.EventPushStatus, Data: map[string]bool{"connected": connected}})
	c.log.Info("push status changed", "connected", connected, "poll_interval", c.PollInterval())
	select {
	case c.statusCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) consumePush(ctx context.Context) {
	events := c.push.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			if _, err := c.table.ApplyPush(e.DeviceKey, e.SwitchIndex, e.On, e.ReceivedAt); err != nil {
				c.log.Debug("push delta not applied", "key", e.DeviceKey, "switch", e.SwitchIndex, "error", err)
			}
		}
	}
}

// --- Poll loops ---

// stateLoop runs the fast or outage cadence. A push status change resets the
// timer so the new cadence applies from the next tick.
func (c *Coordinator) stateLoop(ctx context.Context) {
	c.pollState(ctx)

	timer := time.NewTimer(c.PollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.statusCh:
			timer.Reset(c.PollInterval())
		case <-c.refreshCh:
			c.pollState(ctx)
			timer.Reset(c.PollInterval())
		case <-timer.C:
			c.pollState(ctx)
			timer.Reset(c.PollInterval())
		}
	}
}

func (c *Coordinator) slowLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SlowInterval)
	defer ticker.Stop()

	c.pollSlow(ctx, c.table.Devices())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollSlow(ctx, c.table.Devices())
		case id := <-c.kickCh:
			if snap, ok := c.table.Snapshot(id); ok {
				c.pollSlow(ctx, []state.Device{snap.Device})
			}
		}
	}
}

// requestRefresh asks the state loop for an immediate poll.
func (c *Coordinator) requestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// kick schedules an immediate timer/energy poll for one device.
func (c *Coordinator) kick(deviceID string) {
	select {
	case c.kickCh <- deviceID:
	default:
		c.log.Debug("slow poll queue full, next tick will cover device", "device_id", deviceID)
	}
}

func (c *Coordinator) pollState(ctx context.Context) {
	if c.tracker.State() == auth.StateExpired {
		c.log.Debug("skipping poll: credential expired")
		return
	}

	mode := "state"
	if c.push != nil && c.pushUp.Load() {
		c.pollDevices(ctx)
	} else {
		mode = "discovery"
		c.discover(ctx)
	}
	c.lastPollAt.Store(c.now().UnixNano())
	c.bus.Publish(state.Event{Type: state.EventPollCompleted, Data: map[string]string{"mode": mode}})
}

// discover runs a full discovery, reconciles the registry and applies the
// state that came with it.
func (c *Coordinator) discover(ctx context.Context) {
	polledAt := c.now()
	res, err := c.api.Discover(ctx)
	if err != nil {
		c.logPollError("discovery failed", "", err)
		return
	}

	devices := make([]state.Device, len(res.Devices))
	for i, obs := range res.Devices {
		devices[i] = obs.Device
	}
	added, removed := c.table.Reconcile(devices, res.Complete)
	for _, obs := range res.Devices {
		c.table.ApplyPoll(obs, polledAt)
	}

	if c.push != nil && (len(added) > 0 || len(removed) > 0) {
		if err := c.push.SetDevices(ctx, c.table.PushKeys()); err != nil {
			c.log.Warn("push subscription update failed", "error", err)
		}
	}
	for _, d := range added {
		c.kick(d.ID)
	}
}

// pollDevices polls the state of every known device.
func (c *Coordinator) pollDevices(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.PollConcurrency)
	for _, dev := range c.table.Devices() {
		dev := dev
		g.Go(func() error {
			polledAt := c.now()
			obs, err := c.api.PollDeviceState(gctx, dev)
			if err != nil {
				if errors.Is(err, auth.ErrAuthExpired) {
					return err
				}
				c.table.MarkPollFailed(dev.ID, err)
				c.logPollError("state poll failed", dev.ID, err)
				return nil
			}
			c.table.ApplyPoll(obs, polledAt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logPollError("state poll aborted", "", err)
	}
}

// pollSlow refreshes timers and, where supported, today's energy.
func (c *Coordinator) pollSlow(ctx context.Context, devices []state.Device) {
	if len(devices) == 0 || c.tracker.State() == auth.StateExpired {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.PollConcurrency)
	for _, dev := range devices {
		dev := dev
		g.Go(func() error {
			polledAt := c.now()
			timers, err := c.api.PollTimers(gctx, dev.ID)
			if err != nil {
				if errors.Is(err, auth.ErrAuthExpired) {
					return err
				}
				c.table.MarkPollFailed(dev.ID, err)
				c.logPollError("timer poll failed", dev.ID, err)
			} else if err := c.table.ApplyTimers(dev.ID, timers, polledAt); err != nil {
				c.log.Debug("timers not applied", "device_id", dev.ID, "error", err)
			}

			if !dev.SupportsEnergy {
				return nil
			}
			to := polledAt.In(c.cfg.Location)
			from := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, c.cfg.Location)
			kwh, err := c.api.PollEnergy(gctx, dev.ID, from, to)
			if err != nil {
				if errors.Is(err, auth.ErrAuthExpired) {
					return err
				}
				c.table.MarkPollFailed(dev.ID, err)
				c.logPollError("energy poll failed", dev.ID, err)
				return nil
			}
			if err := c.table.ApplyEnergy(dev.ID, kwh, polledAt); err != nil {
				c.log.Debug("energy not applied", "device_id", dev.ID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logPollError("slow poll aborted", "", err)
	}
}

func (c *Coordinator) logPollError(msg, deviceID string, err error) {
	args := []any{"error", err}
	if deviceID != "" {
		args = append(args, "device_id", deviceID)
	}
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, auth.ErrAuthExpired):
		c.log.Warn(msg+": credential expired", args...)
	case errors.Is(err, cloud.ErrRateLimited), errors.Is(err, cloud.ErrTransient):
		c.log.Warn(msg, args...)
	default:
		c.log.Error(msg, args...)
	}
}
