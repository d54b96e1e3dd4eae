package scheduling

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package matches exactly one of
// these with errors.Is.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrSlotAlreadyBooked = errors.New("slot already booked")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

var (
	ErrProviderNotFound    = newKindError(ErrNotFound, "provider not found")
	ErrUserNotFound        = newKindError(ErrNotFound, "user not found")
	ErrSlotNotFound        = newKindError(ErrNotFound, "slot not found")
	ErrAppointmentNotFound = newKindError(ErrNotFound, "appointment not found")

	ErrProviderExists = newKindError(ErrAlreadyExists, "provider profile already exists")

	ErrNotProviderRole     = newKindError(ErrPermissionDenied, "only users with the provider role can create a profile")
	ErrNotProfileOwner     = newKindError(ErrPermissionDenied, "provider profile belongs to another user")
	ErrBookingNotAllowed   = newKindError(ErrPermissionDenied, "only patients can book appointments")
	ErrNotAppointmentParty = newKindError(ErrPermissionDenied, "caller may not act on this appointment")

	ErrInvalidTimeRange = newKindError(ErrInvalidInput, "start_time must be before end_time")
	ErrSlotOverlap      = newKindError(ErrInvalidInput, "slot overlaps an existing slot of this provider")
)

type kindError struct {
	kind error
	msg  string
}

func newKindError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

func invalidInput(format string, args ...any) error {
	return newKindError(ErrInvalidInput, fmt.Sprintf(format, args...))
}

// storeError marks an infrastructure failure of op.
func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

var kindCodes = []struct {
	kind error
	code string
}{
	{ErrPermissionDenied, "permission_denied"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
	{ErrInvalidInput, "invalid_input"},
	{ErrSlotAlreadyBooked, "slot_already_booked"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrStoreUnavailable, "store_unavailable"},
}

// Code returns the stable snake_case name of err's kind, "ok" for nil and
// "internal" for errors outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range kindCodes {
		if errors.Is(err, c.kind) {
			return c.code
		}
	}
	return "internal"
}
