// Package smartgrade provides a public facade re-exporting core types
// for external consumers of this module.
package smartgrade

import (
	"time"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/cloud"
	"github.com/trymwestin/smartgrade/internal/core/coordinator"
	"github.com/trymwestin/smartgrade/internal/core/push"
	"github.com/trymwestin/smartgrade/internal/core/state"
	"github.com/trymwestin/smartgrade/internal/core/transport"
)

// Re-export core types for external use.
type (
	// Credential is the bearer token plus its identity claims.
	Credential = auth.Credential
	// CredentialState is valid, expiring_soon or expired.
	CredentialState = auth.State
	// CredentialInfo summarizes the current credential.
	CredentialInfo = auth.Info
	// Advisory is emitted on credential lifecycle transitions.
	Advisory = auth.Advisory
	// Tracker owns the credential lifecycle.
	Tracker = auth.Tracker

	// Device is one registered switch.
	Device = state.Device
	// Snapshot is the merged state of one device.
	Snapshot = state.Snapshot
	// Switch is one relay of a device.
	Switch = state.Switch
	// Timer is one schedule entry.
	Timer = state.Timer
	// TimerSpec is the body of a timer creation request.
	TimerSpec = cloud.TimerSpec
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType

	// Coordinator reconciles push, poll and commands into snapshots.
	Coordinator = coordinator.Coordinator
	// Status summarizes the coordinator.
	Status = coordinator.Status
	// ValidationError reports a rejected command argument.
	ValidationError = coordinator.ValidationError

	// PushEvent is one switch delta from the push channel.
	PushEvent = push.Event
	// Dialer opens push broker sessions.
	Dialer = transport.Dialer
	// Conn is one push broker session.
	Conn = transport.Conn
)

// Credential states.
const (
	CredentialValid        = auth.StateValid
	CredentialExpiringSoon = auth.StateExpiringSoon
	CredentialExpired      = auth.StateExpired
)

// Event type constants.
const (
	EventSnapshotUpdated = state.EventSnapshotUpdated
	EventDeviceAdded     = state.EventDeviceAdded
	EventDeviceRemoved   = state.EventDeviceRemoved
	EventPushStatus      = state.EventPushStatus
	EventCredential      = state.EventCredential
	EventPollCompleted   = state.EventPollCompleted
)

// Timer actions.
const (
	ActionOn  = state.ActionOn
	ActionOff = state.ActionOff
)

// Errors callers match with errors.Is.
var (
	ErrAuthExpired    = auth.ErrAuthExpired
	ErrValidation     = coordinator.ErrValidation
	ErrCommandTimeout = coordinator.ErrCommandTimeout
	ErrDeviceNotFound = coordinator.ErrDeviceNotFound
	ErrTimerNotFound  = coordinator.ErrTimerNotFound
	ErrTransient      = cloud.ErrTransient
	ErrRateLimited    = cloud.ErrRateLimited
	ErrInvalidToken   = auth.ErrInvalidCredential
)

// ParseCredential reads the claims of a raw token value.
func ParseCredential(value string) (Credential, error) {
	return auth.ParseCredential(value, time.Now())
}

// NextTimer returns the next run of t after now, if it is enabled.
func NextTimer(t Timer, now time.Time) (time.Time, bool) {
	return state.NextOccurrence(t, now)
}
