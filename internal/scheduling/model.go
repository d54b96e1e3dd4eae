package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCompleted AppointmentStatus = "completed"
	StatusCanceled  AppointmentStatus = "canceled"
)

// CanTransitionTo reports whether s may move to next. Only scheduled
// appointments move; completed and canceled are terminal.
func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	if s != StatusScheduled {
		return false
	}
	return next == StatusCompleted || next == StatusCanceled
}

type Provider struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Specialty     string
	Bio           string
	ClinicAddress *string
	CreatedAt     time.Time
}

// Availability is a bookable slot. IsBooked only ever goes false -> true.
type Availability struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	StartTime  time.Time
	EndTime    time.Time
	IsBooked   bool
	CreatedAt  time.Time
}

type Appointment struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	ProviderID uuid.UUID
	SlotID     uuid.UUID
	Status     AppointmentStatus
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// Active is false once the appointment has been soft deleted by cancellation.
func (a Appointment) Active() bool {
	return a.DeletedAt == nil
}

// AppointmentDetail is an appointment with its provider and slot loaded.
type AppointmentDetail struct {
	Appointment
	Provider Provider
	Slot     Availability
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Page bounds a listing. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

const maxPageSize = 500

func (p Page) normalize() Page {
	if p.Limit < 0 {
		p.Limit = 0
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type SlotFilter struct {
	ProviderID *uuid.UUID
	OnlyOpen   bool
	From       *time.Time // slots starting at or after
	To         *time.Time // slots ending at or before
	Page       Page
}

type AppointmentFilter struct {
	PatientID       *uuid.UUID
	ProviderID      *uuid.UUID
	IncludeCanceled bool
	Page            Page
}

// Transition is a conditional status change of one appointment.
type Transition struct {
	AppointmentID uuid.UUID
	From          AppointmentStatus
	To            AppointmentStatus
	DeletedAt     *time.Time
	ActorID       uuid.UUID
	At            time.Time
}
