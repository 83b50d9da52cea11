package scheduling

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	ErrSlotNotAvailable     = errors.New("slot is not available")
	ErrAppointmentCompleted = errors.New("cannot cancel a completed appointment")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidStatus        = errors.New("invalid status")
	ErrMalformedConfig      = errors.New("malformed configuration")

	ErrForbidden = errors.New("appointment does not belong to this patient")

	ErrSlotAlreadyBooked = errors.New("slot already has an active appointment")
	ErrSlotConflict      = errors.New("slot was just taken by another booking")

	ErrSlotBusy = errors.New("slot is currently being booked, please retry")
)

// ConfigError reports a single invalid field of a generation request.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrMalformedConfig, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrMalformedConfig
}

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalid
	KindForbidden
	KindConflict
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// KindOf classifies err so callers can tell "try another slot" apart from
// "fix your input" and "retry later".
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrProviderNotFound),
		errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrSlotNotFound),
		errors.Is(err, ErrAppointmentNotFound):
		return KindNotFound
	case errors.Is(err, ErrSlotNotAvailable),
		errors.Is(err, ErrAppointmentCompleted),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrMalformedConfig):
		return KindInvalid
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrSlotAlreadyBooked),
		errors.Is(err, ErrSlotConflict):
		return KindConflict
	case errors.Is(err, ErrSlotBusy):
		return KindTransient
	default:
		return KindInternal
	}
}
