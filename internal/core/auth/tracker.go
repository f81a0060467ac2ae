package auth

import (
	"log/slog"
	"sync"
	"time"
)

// State is the derived credential lifecycle state.
type State string

const (
	StateValid        State = "valid"
	StateExpiringSoon State = "expiring_soon"
	StateExpired      State = "expired"
)

// Advisory is emitted on lifecycle transitions. Hosts turn these into
// user-visible notices: expiring_soon is informational, expired is blocking.
type Advisory struct {
	State     State     `json:"state"`
	Blocking  bool      `json:"blocking"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// AdvisorySink receives advisories. It is called outside the tracker lock.
type AdvisorySink func(Advisory)

// Info is a read-only summary of the current credential.
type Info struct {
	State         State     `json:"state"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Remaining     string    `json:"remaining"`
	DaysRemaining float64   `json:"days_remaining"`
	UserID        string    `json:"user_id,omitempty"`
	DomainID      string    `json:"domain_id,omitempty"`
	Rejected      bool      `json:"rejected"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithAdvisorySink sets the advisory receiver.
func WithAdvisorySink(sink AdvisorySink) Option {
	return func(t *Tracker) { t.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// Tracker owns the credential and its valid -> expiring_soon -> expired
// state machine. State is re-evaluated lazily on every access.
type Tracker struct {
	mu       sync.Mutex
	cred     Credential
	state    State
	rejected bool
	warned   bool

	now  func() time.Time
	sink AdvisorySink
	log  *slog.Logger
}

// NewTracker creates a tracker for cred. A zero IssuedAt is stamped with now
// and a zero Lifetime becomes DefaultLifetime.
func NewTracker(cred Credential, opts ...Option) *Tracker {
	t := &Tracker{
		state: StateValid,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	t.cred = t.normalize(cred)
	if cred.IsZero() {
		t.state = StateExpired
		t.warned = true
	}
	return t
}

func (t *Tracker) normalize(cred Credential) Credential {
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = t.now()
	}
	if cred.Lifetime == 0 {
		cred.Lifetime = DefaultLifetime
	}
	return cred
}

// State evaluates the credential against the clock, performs any pending
// transition and returns the resulting state.
func (t *Tracker) State() State {
	t.mu.Lock()
	adv := t.evaluateLocked("")
	st := t.state
	t.mu.Unlock()

	t.emit(adv)
	return st
}

// Current returns the credential for use on the wire, or ErrAuthExpired.
func (t *Tracker) Current() (Credential, error) {
	t.mu.Lock()
	adv := t.evaluateLocked("")
	st := t.state
	cred := t.cred
	t.mu.Unlock()

	t.emit(adv)
	if st == StateExpired {
		return Credential{}, ErrAuthExpired
	}
	return cred, nil
}

// MarkRejected records a server-side rejection (HTTP 401/403) of the
// credential value that was sent. The credential becomes expired
// immediately, whatever its age. A rejection of a value that has since been
// replaced by Install is ignored and reported as false.
func (t *Tracker) MarkRejected(value, reason string) bool {
	t.mu.Lock()
	if value != t.cred.Value {
		t.mu.Unlock()
		t.log.Debug("ignoring rejection of a replaced credential", "reason", reason)
		return false
	}
	t.rejected = true
	adv := t.evaluateLocked(reason)
	t.mu.Unlock()

	t.emit(adv)
	return true
}

// Install replaces the credential after an external re-authentication and
// resets the state machine to valid.
func (t *Tracker) Install(cred Credential) {
	t.mu.Lock()
	t.cred = t.normalize(cred)
	t.state = StateValid
	t.rejected = false
	t.warned = false
	now := t.now()
	installed := &Advisory{State: StateValid, ExpiresAt: t.cred.ExpiresAt(), Reason: "credential installed", At: now}
	follow := t.evaluateLocked("")
	t.mu.Unlock()

	t.log.Info("credential installed", "expires_at", installed.ExpiresAt, "user_id", cred.UserID)
	t.emit(installed)
	t.emit(follow)
}

// Info returns a snapshot of the credential lifecycle.
func (t *Tracker) Info() Info {
	t.mu.Lock()
	adv := t.evaluateLocked("")
	now := t.now()
	remaining := max(t.cred.ExpiresAt().Sub(now), 0)
	if t.state == StateExpired {
		remaining = 0
	}
	info := Info{
		State:         t.state,
		IssuedAt:      t.cred.IssuedAt,
		ExpiresAt:     t.cred.ExpiresAt(),
		Remaining:     remaining.Round(time.Second).String(),
		DaysRemaining: remaining.Hours() / 24,
		UserID:        t.cred.UserID,
		DomainID:      t.cred.DomainID,
		Rejected:      t.rejected,
	}
	t.mu.Unlock()

	t.emit(adv)
	return info
}

// evaluateLocked computes the state for now and returns the advisory to emit,
// if any. Expired is sticky until Install.
func (t *Tracker) evaluateLocked(reason string) *Advisory {
	if t.state == StateExpired {
		return nil
	}

	now := t.now()
	age := now.Sub(t.cred.IssuedAt)

	next := StateValid
	switch {
	case t.rejected:
		next = StateExpired
		if reason == "" {
			reason = "rejected by server"
		}
	case age >= t.cred.Lifetime:
		next = StateExpired
		reason = "lifetime elapsed"
	case age >= t.cred.Lifetime-WarningWindow:
		next = StateExpiringSoon
	}

	if next == t.state {
		return nil
	}

	prev := t.state
	t.state = next
	t.log.Info("credential state changed", "from", prev, "to", next, "expires_at", t.cred.ExpiresAt())

	switch next {
	case StateExpiringSoon:
		if t.warned {
			return nil
		}
		t.warned = true
		return &Advisory{State: next, ExpiresAt: t.cred.ExpiresAt(), At: now}
	case StateExpired:
		// A direct valid -> expired jump suppresses the expiring_soon notice.
		t.warned = true
		return &Advisory{State: next, Blocking: true, ExpiresAt: t.cred.ExpiresAt(), Reason: reason, At: now}
	}
	return nil
}

func (t *Tracker) emit(adv *Advisory) {
	if adv == nil || t.sink == nil {
		return
	}
	t.sink(*adv)
}
