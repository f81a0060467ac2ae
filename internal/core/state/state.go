package state

import (
	"log/slog"
	"sync"
	"time"
)

// Source records which channel last wrote a device's switch state.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// MaxSwitches is the largest number of relays a SmartGrade device exposes.
const MaxSwitches = 3

// Site groups devices under one installation.
type Site struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Device is the registry record of a switch or water heater.
type Device struct {
	ID             string `json:"id"`
	MAC            string `json:"mac,omitempty"`
	Name           string `json:"name"`
	Type           string `json:"type,omitempty"`
	SiteID         string `json:"site_id,omitempty"`
	SiteName       string `json:"site_name,omitempty"`
	SwitchCount    int    `json:"switch_count"`
	SupportsEnergy bool   `json:"supports_energy"`
}

// PushKey is the identifier the push broker uses in topic names.
func (d Device) PushKey() string {
	if d.MAC != "" {
		return d.MAC
	}
	return d.ID
}

// Switch is one relay on a device.
type Switch struct {
	Index int  `json:"index"`
	On    bool `json:"on"`
}

// Action is what a timer does when it fires.
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// Timer is a schedule entry stored on the vendor side.
type Timer struct {
	ID       string     `json:"id"`
	DeviceID string     `json:"device_id"`
	Time     string     `json:"time"`
	Action   Action     `json:"action"`
	Days     []string   `json:"days"`
	Enabled  bool       `json:"enabled"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

// Snapshot is the authoritative view of one device.
type Snapshot struct {
	Device    Device     `json:"device"`
	Switches  []Switch   `json:"switches"`
	Online    bool       `json:"online"`
	LastSeen  time.Time  `json:"last_seen,omitempty"`
	EnergyKWh *float64   `json:"energy_kwh,omitempty"`
	NextTimer *time.Time `json:"next_timer,omitempty"`
	Timers    []Timer    `json:"timers"`

	LastPushAt time.Time `json:"last_push_at,omitempty"`
	LastPollAt time.Time `json:"last_poll_at,omitempty"`
	Source     Source    `json:"source,omitempty"`

	PollFailures    int    `json:"poll_failures"`
	LastPollError   string `json:"last_poll_error,omitempty"`
	PendingSwitches []int  `json:"pending_switches,omitempty"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	cp := s
	cp.Switches = append([]Switch(nil), s.Switches...)
	cp.PendingSwitches = append([]int(nil), s.PendingSwitches...)
	cp.Timers = make([]Timer, len(s.Timers))
	for i, t := range s.Timers {
		cp.Timers[i] = t.clone()
	}
	if s.EnergyKWh != nil {
		v := *s.EnergyKWh
		cp.EnergyKWh = &v
	}
	if s.NextTimer != nil {
		v := *s.NextTimer
		cp.NextTimer = &v
	}
	return cp
}

func (t Timer) clone() Timer {
	cp := t
	cp.Days = append([]string(nil), t.Days...)
	if t.NextRun != nil {
		v := *t.NextRun
		cp.NextRun = &v
	}
	return cp
}

// Observation is one device's state as reported by a poll.
type Observation struct {
	Device    Device
	Switches  []bool
	Online    bool
	EnergyKWh *float64
}

// EventType identifies event categories.
type EventType string

const (
	EventSnapshotUpdated EventType = "snapshot_updated"
	EventDeviceAdded     EventType = "device_added"
	EventDeviceRemoved   EventType = "device_removed"
	EventPushStatus      EventType = "push_status"
	EventCredential      EventType = "credential"
	EventPollCompleted   EventType = "poll_completed"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Reader provides read-only access to device snapshots.
type Reader interface {
	Snapshot(deviceID string) (Snapshot, bool)
	Snapshots() []Snapshot
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. Slow subscribers lose events
// rather than stall the publisher.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed once unsubscribed.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
