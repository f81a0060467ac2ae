package state

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Table holds exactly one Snapshot per known device. Membership is guarded by
// a table-wide RWMutex; each device's snapshot has its own mutex so writes to
// different devices never contend.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
	keys    map[string]string // push key or id, lowercased -> device id

	guard time.Duration
	now   func() time.Time
	bus   *EventBus
	log   *slog.Logger
}

type entry struct {
	mu      sync.Mutex
	snap    Snapshot
	pending map[int]pendingCommand
}

// pendingCommand is an optimistic switch write awaiting HTTP confirmation.
type pendingCommand struct {
	id     string
	prior  bool
	target bool
	at     time.Time
}

// NewTable creates an empty table. guard is the window after a push during
// which polled switch values are ignored.
func NewTable(bus *EventBus, guard time.Duration, log *slog.Logger) *Table {
	return &Table{
		entries: make(map[string]*entry),
		keys:    make(map[string]string),
		guard:   guard,
		now:     time.Now,
		bus:     bus,
		log:     log,
	}
}

// SetClock replaces the time source used for derived fields.
func (t *Table) SetClock(now func() time.Time) {
	t.now = now
}

// GuardWindow returns the configured push guard window.
func (t *Table) GuardWindow() time.Duration {
	return t.guard
}

func (t *Table) lookup(id string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// Resolve maps a push topic key (MAC or id, any case) to a device id.
func (t *Table) Resolve(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.keys[strings.ToLower(key)]
	return id, ok
}

// --- Registry ---

// Reconcile merges a discovery result into the table. New devices get an
// all-off snapshot until their first poll. Only a full discovery (every site
// listed successfully) removes devices that are absent from it.
func (t *Table) Reconcile(devices []Device, full bool) (added, removed []Device) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		d.SwitchCount = min(max(d.SwitchCount, 1), MaxSwitches)
		seen[d.ID] = true

		e, ok := t.entries[d.ID]
		if !ok {
			e = &entry{
				snap:    Snapshot{Device: d, Switches: makeSwitches(nil, d.SwitchCount), Timers: []Timer{}},
				pending: make(map[int]pendingCommand),
			}
			t.entries[d.ID] = e
			added = append(added, d)
			t.bus.Publish(Event{Type: EventDeviceAdded, DeviceID: d.ID, Data: d})
			continue
		}

		e.mu.Lock()
		if e.snap.Device != d {
			if e.snap.Device.SwitchCount != d.SwitchCount {
				e.snap.Switches = makeSwitches(e.snap.Switches, d.SwitchCount)
				for idx := range e.pending {
					if idx >= d.SwitchCount {
						delete(e.pending, idx)
					}
				}
			}
			e.snap.Device = d
			t.publishLocked(e)
		}
		e.mu.Unlock()
	}

	if full {
		for id, e := range t.entries {
			if seen[id] {
				continue
			}
			delete(t.entries, id)
			removed = append(removed, e.snap.Device)
			t.bus.Publish(Event{Type: EventDeviceRemoved, DeviceID: id, Data: e.snap.Device})
		}
	}

	t.rebuildKeysLocked()
	if len(added) > 0 || len(removed) > 0 {
		t.log.Info("device registry reconciled", "added", len(added), "removed", len(removed), "total", len(t.entries))
	}
	return added, removed
}

func (t *Table) rebuildKeysLocked() {
	keys := make(map[string]string, len(t.entries)*2)
	for id, e := range t.entries {
		keys[strings.ToLower(id)] = id
		if mac := e.snap.Device.MAC; mac != "" {
			keys[strings.ToLower(mac)] = id
		}
	}
	t.keys = keys
}

func makeSwitches(prev []Switch, n int) []Switch {
	out := make([]Switch, n)
	for i := range out {
		out[i] = Switch{Index: i}
		if i < len(prev) {
			out[i].On = prev[i].On
		}
	}
	return out
}

// --- Merges ---

// ApplyPush applies one switch delta received on the push channel. Push
// values are authoritative and supersede any outstanding command on the same
// switch.
func (t *Table) ApplyPush(key string, index int, on bool, receivedAt time.Time) (Snapshot, error) {
	id, ok := t.Resolve(key)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: push key %s", ErrUnknownDevice, key)
	}
	e, ok := t.lookup(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 || index >= len(e.snap.Switches) {
		return Snapshot{}, fmt.Errorf("%w: %d on %s", ErrSwitchIndex, index, id)
	}
	if !acceptsPush(FieldSwitch) {
		return e.snapshotLocked(), nil
	}

	delete(e.pending, index)
	e.snap.Switches[index].On = on
	if receivedAt.After(e.snap.LastPushAt) {
		e.snap.LastPushAt = receivedAt
	}
	e.snap.LastSeen = receivedAt
	e.snap.Source = SourcePush
	t.publishLocked(e)
	return e.snapshotLocked(), nil
}

// ApplyPoll merges a polled observation. polledAt must be the time the poll
// request was issued, not when its response arrived. Switches with an
// outstanding command keep their optimistic value.
func (t *Table) ApplyPoll(obs Observation, polledAt time.Time) (Snapshot, bool) {
	e, ok := t.lookup(obs.Device.ID)
	if !ok {
		return Snapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	changed := e.snap.PollFailures > 0
	if acceptsPoll(FieldSwitch, e.snap.LastPushAt, polledAt, t.guard) {
		accepted := false
		for i, on := range obs.Switches {
			if i >= len(e.snap.Switches) {
				break
			}
			if _, busy := e.pending[i]; busy {
				continue
			}
			accepted = true
			if e.snap.Switches[i].On != on {
				e.snap.Switches[i].On = on
				changed = true
			}
		}
		if accepted {
			e.snap.Source = SourcePoll
		}
	} else {
		t.log.Debug("poll inside push guard window, keeping pushed switches",
			"device_id", obs.Device.ID, "last_push_at", e.snap.LastPushAt, "polled_at", polledAt)
	}

	if acceptsPoll(FieldOnline, e.snap.LastPushAt, polledAt, t.guard) && e.snap.Online != obs.Online {
		e.snap.Online = obs.Online
		changed = true
	}
	if obs.EnergyKWh != nil && acceptsPoll(FieldEnergy, e.snap.LastPushAt, polledAt, t.guard) {
		if e.snap.EnergyKWh == nil || *e.snap.EnergyKWh != *obs.EnergyKWh {
			v := *obs.EnergyKWh
			e.snap.EnergyKWh = &v
			changed = true
		}
	}

	if polledAt.After(e.snap.LastPollAt) {
		e.snap.LastPollAt = polledAt
	}
	if obs.Online {
		e.snap.LastSeen = t.now()
	}
	e.snap.PollFailures = 0
	e.snap.LastPollError = ""

	if changed {
		t.publishLocked(e)
	}
	return e.snapshotLocked(), changed
}

// ApplyTimers replaces the device's timer list and recomputes the next timer.
func (t *Table) ApplyTimers(id string, timers []Timer, polledAt time.Time) error {
	e, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make([]Timer, len(timers))
	for i, tm := range timers {
		cp[i] = tm.clone()
		cp[i].DeviceID = id
	}
	e.snap.Timers = cp
	e.snap.NextTimer = nextTimer(cp, t.now())
	if polledAt.After(e.snap.LastPollAt) {
		e.snap.LastPollAt = polledAt
	}
	t.publishLocked(e)
	return nil
}

// ApplyEnergy records a polled energy reading.
func (t *Table) ApplyEnergy(id string, kwh float64, polledAt time.Time) error {
	e, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.snap.EnergyKWh != nil && *e.snap.EnergyKWh == kwh {
		return nil
	}
	e.snap.EnergyKWh = &kwh
	if polledAt.After(e.snap.LastPollAt) {
		e.snap.LastPollAt = polledAt
	}
	t.publishLocked(e)
	return nil
}

// MarkPollFailed records a failed poll. The last known values are kept.
func (t *Table) MarkPollFailed(id string, err error) {
	e, ok := t.lookup(id)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.snap.PollFailures++
	e.snap.LastPollError = err.Error()
	if e.snap.PollFailures == 1 {
		t.publishLocked(e)
	}
}

// --- Commands ---

// BeginCommand applies an optimistic switch write tagged with cmdID and
// returns the value to restore on rollback. A command replacing another
// outstanding one inherits its prior value, so rollback always lands on the
// last confirmed state.
func (t *Table) BeginCommand(id string, index int, on bool, cmdID string) (bool, error) {
	e, ok := t.lookup(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 || index >= len(e.snap.Switches) {
		return false, fmt.Errorf("%w: %d on %s", ErrSwitchIndex, index, id)
	}

	prior := e.snap.Switches[index].On
	if prev, ok := e.pending[index]; ok {
		prior = prev.prior
	}
	e.pending[index] = pendingCommand{id: cmdID, prior: prior, target: on, at: t.now()}
	e.snap.Switches[index].On = on
	t.publishLocked(e)
	return prior, nil
}

// CompleteCommand confirms cmdID. It returns false when the command is no
// longer outstanding (rolled back, superseded by a push or a newer command),
// in which case the caller must discard the result.
func (t *Table) CompleteCommand(id string, index int, cmdID string) bool {
	e, ok := t.lookup(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[index]
	if !ok || p.id != cmdID {
		return false
	}
	delete(e.pending, index)
	t.publishLocked(e)
	return true
}

// RollbackCommand restores the prior value of cmdID if it is still
// outstanding. Returns whether anything was restored.
func (t *Table) RollbackCommand(id string, index int, cmdID string) bool {
	e, ok := t.lookup(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[index]
	if !ok || p.id != cmdID {
		return false
	}
	delete(e.pending, index)
	e.snap.Switches[index].On = p.prior
	t.publishLocked(e)
	return true
}

// AddTimer inserts a timer confirmed by the server.
func (t *Table) AddTimer(id string, timer Timer) error {
	e, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	timer = timer.clone()
	timer.DeviceID = id
	e.snap.Timers = slices.DeleteFunc(e.snap.Timers, func(x Timer) bool { return timer.ID != "" && x.ID == timer.ID })
	e.snap.Timers = append(e.snap.Timers, timer)
	e.snap.NextTimer = nextTimer(e.snap.Timers, t.now())
	t.publishLocked(e)
	return nil
}

// RemoveTimer drops a timer deleted on the server. Returns false if the
// timer was not present.
func (t *Table) RemoveTimer(id, timerID string) (bool, error) {
	e, ok := t.lookup(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.snap.Timers)
	e.snap.Timers = slices.DeleteFunc(e.snap.Timers, func(x Timer) bool { return x.ID == timerID })
	if len(e.snap.Timers) == n {
		return false, nil
	}
	e.snap.NextTimer = nextTimer(e.snap.Timers, t.now())
	t.publishLocked(e)
	return true, nil
}

// --- Reads ---

// Snapshot returns a copy of one device's snapshot.
func (t *Table) Snapshot(id string) (Snapshot, bool) {
	e, ok := t.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), true
}

// Snapshots returns copies of all snapshots ordered by device id.
func (t *Table) Snapshots() []Snapshot {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshotLocked())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Device.ID, b.Device.ID) })
	return out
}

// Devices returns the registry ordered by id.
func (t *Table) Devices() []Device {
	snaps := t.Snapshots()
	out := make([]Device, len(snaps))
	for i, s := range snaps {
		out[i] = s.Device
	}
	return out
}

// PushKeys returns the topic keys of all devices.
func (t *Table) PushKeys() []string {
	devs := t.Devices()
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.PushKey()
	}
	return out
}

// Len returns the number of devices.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (e *entry) snapshotLocked() Snapshot {
	s := e.snap.Clone()
	s.PendingSwitches = s.PendingSwitches[:0]
	for idx := range e.pending {
		s.PendingSwitches = append(s.PendingSwitches, idx)
	}
	slices.Sort(s.PendingSwitches)
	if len(s.PendingSwitches) == 0 {
		s.PendingSwitches = nil
	}
	return s
}

// publishLocked emits the entry's snapshot. Called with e.mu held so events
// for one device leave in mutation order.
func (t *Table) publishLocked(e *entry) {
	snap := e.snapshotLocked()
	t.bus.Publish(Event{Type: EventSnapshotUpdated, DeviceID: snap.Device.ID, Data: snap})
}

var _ Reader = (*Table)(nil)
