package state

import "time"

// Field names a piece of device state subject to merge rules.
type Field string

const (
	FieldSwitch    Field = "switch"
	FieldOnline    Field = "online"
	FieldEnergy    Field = "energy"
	FieldNextTimer Field = "next_timer"
	FieldTimers    Field = "timers"
)

// Policy decides which channel may write a field.
type Policy int

const (
	// PushAuthoritative fields take push values immediately. A poll may only
	// overwrite them when it started after the last push plus the guard window.
	PushAuthoritative Policy = iota
	// PollOnly fields never arrive on the push channel; the latest poll wins.
	PollOnly
)

var mergeRules = map[Field]Policy{
	FieldSwitch:    PushAuthoritative,
	FieldOnline:    PollOnly,
	FieldEnergy:    PollOnly,
	FieldNextTimer: PollOnly,
	FieldTimers:    PollOnly,
}

// PolicyFor returns the merge policy for f. Unknown fields are poll-only.
func PolicyFor(f Field) Policy {
	if p, ok := mergeRules[f]; ok {
		return p
	}
	return PollOnly
}

// acceptsPush reports whether a push value for f is applied.
func acceptsPush(f Field) bool {
	return PolicyFor(f) == PushAuthoritative
}

// acceptsPoll reports whether a poll that started at polledAt may overwrite f.
func acceptsPoll(f Field, lastPush, polledAt time.Time, guard time.Duration) bool {
	if PolicyFor(f) == PollOnly || lastPush.IsZero() {
		return true
	}
	return polledAt.After(lastPush.Add(guard))
}
