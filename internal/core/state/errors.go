package state

import "errors"

var (
	// ErrUnknownDevice is returned when a device id is not in the table.
	ErrUnknownDevice = errors.New("state: unknown device")

	// ErrSwitchIndex is returned for a switch index outside the device's range.
	ErrSwitchIndex = errors.New("state: switch index out of range")

	// ErrInvalidClock is returned for a time-of-day that is not HH:MM.
	ErrInvalidClock = errors.New("state: time must be HH:MM")

	// ErrInvalidDay is returned for an unknown weekday name.
	ErrInvalidDay = errors.New("state: unknown weekday")
)
