package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/cloud"
	"github.com/trymwestin/smartgrade/internal/core/state"
)

// SetSwitch turns one relay on or off. The snapshot is updated optimistically
// and rolled back to the last confirmed value if the HTTP command fails or is
// not confirmed within the command timeout. Once the cloud accepts the
// command it is also relayed over the push broker when connected, and a
// state poll is scheduled to pick up what the device reports.
func (c *Coordinator) SetSwitch(ctx context.Context, deviceID string, index int, on bool) error {
	snap, ok := c.table.Snapshot(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if index < 0 || index >= snap.Device.SwitchCount {
		return invalid("index", state.ErrSwitchIndex, "switch %d out of range, device has %d", index, snap.Device.SwitchCount)
	}
	if c.tracker.State() == auth.StateExpired {
		return auth.ErrAuthExpired
	}

	cmdID := uuid.NewString()
	if _, err := c.table.BeginCommand(deviceID, index, on, cmdID); err != nil {
		if errors.Is(err, state.ErrUnknownDevice) {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return invalid("index", err, "%v", err)
	}
	log := c.log.With("device_id", deviceID, "switch", index, "on", on, "command_id", cmdID)

	result := make(chan error, 1)
	cmdCtx := c.commandContext(ctx)
	pushKey := snap.Device.PushKey()
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		err := c.api.SetSwitch(cmdCtx, deviceID, index, on)
		if err != nil {
			if c.table.RollbackCommand(deviceID, index, cmdID) {
				log.Warn("switch command failed, rolled back", "error", err)
			}
			result <- err
			return
		}
		if !c.table.CompleteCommand(deviceID, index, cmdID) {
			log.Debug("discarding late switch confirmation")
		}
		// The broker only relays commands the cloud has accepted.
		if c.push != nil && c.push.Connected() {
			if err := c.push.PublishSwitch(cmdCtx, pushKey, index, on); err != nil {
				log.Debug("push command publish failed", "error", err)
			}
		}
		c.requestRefresh()
		result <- err
	}()

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("coordinator: set switch %s/%d: %w", deviceID, index, err)
		}
		log.Debug("switch command confirmed")
		return nil
	case <-timer.C:
		if c.table.RollbackCommand(deviceID, index, cmdID) {
			log.Warn("switch command timed out, rolled back", "timeout", c.cfg.CommandTimeout)
		}
		return fmt.Errorf("%w: %s/%d", ErrCommandTimeout, deviceID, index)
	case <-ctx.Done():
		c.table.RollbackCommand(deviceID, index, cmdID)
		return ctx.Err()
	}
}

// CreateTimer adds a schedule entry. The snapshot only changes once the
// server confirms; a timer/energy poll for the device follows immediately.
func (c *Coordinator) CreateTimer(ctx context.Context, deviceID string, spec cloud.TimerSpec) (state.Timer, error) {
	if _, ok := c.table.Snapshot(deviceID); !ok {
		return state.Timer{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if _, _, err := state.ParseClock(spec.Time); err != nil {
		return state.Timer{}, invalid("time", err, "%q is not HH:MM", spec.Time)
	}
	if spec.Action != state.ActionOn && spec.Action != state.ActionOff {
		return state.Timer{}, invalid("action", nil, "%q must be on or off", spec.Action)
	}
	days, err := state.NormalizeDays(spec.Days)
	if err != nil {
		return state.Timer{}, invalid("days", err, "%v", err)
	}
	spec.Days = days
	if c.tracker.State() == auth.StateExpired {
		return state.Timer{}, auth.ErrAuthExpired
	}

	timer, err := c.api.CreateTimer(ctx, deviceID, spec)
	if err != nil {
		return state.Timer{}, fmt.Errorf("coordinator: create timer on %s: %w", deviceID, err)
	}
	if err := c.table.AddTimer(deviceID, timer); err != nil {
		c.log.Warn("confirmed timer not recorded", "device_id", deviceID, "error", err)
	}
	c.log.Info("timer created", "device_id", deviceID, "timer_id", timer.ID, "time", timer.Time, "action", timer.Action)
	c.kick(deviceID)
	return timer, nil
}

// DeleteTimer removes a schedule entry once the server confirms.
func (c *Coordinator) DeleteTimer(ctx context.Context, deviceID, timerID string) error {
	if _, ok := c.table.Snapshot(deviceID); !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if timerID == "" {
		return invalid("timer_id", nil, "must not be empty")
	}
	if c.tracker.State() == auth.StateExpired {
		return auth.ErrAuthExpired
	}

	if err := c.api.DeleteTimer(ctx, deviceID, timerID); err != nil {
		var apiErr *cloud.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			c.table.RemoveTimer(deviceID, timerID)
			return fmt.Errorf("%w: %s on %s", ErrTimerNotFound, timerID, deviceID)
		}
		return fmt.Errorf("coordinator: delete timer %s on %s: %w", timerID, deviceID, err)
	}
	if _, err := c.table.RemoveTimer(deviceID, timerID); err != nil {
		c.log.Warn("deleted timer not removed from snapshot", "device_id", deviceID, "error", err)
	}
	c.log.Info("timer deleted", "device_id", deviceID, "timer_id", timerID)
	c.kick(deviceID)
	return nil
}

// InstallCredential installs a credential obtained through the external
// pairing flow. The push session is re-established with it and an immediate
// poll is scheduled.
func (c *Coordinator) InstallCredential(value string) (auth.Info, error) {
	cred, err := auth.ParseCredential(value, c.now())
	if err != nil {
		return auth.Info{}, invalid("token", err, "%v", err)
	}
	c.tracker.Install(cred)

	if c.push != nil {
		c.push.Reconnect()
	}
	c.requestRefresh()
	return c.tracker.Info(), nil
}

// commandContext returns the context HTTP commands run on. Once started it
// is bound to the coordinator lifetime, so a caller giving up does not abort
// a command already on the wire while Stop does.
func (c *Coordinator) commandContext(ctx context.Context) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil && c.running.Load() {
		return c.ctx
	}
	return context.WithoutCancel(ctx)
}
