package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the scheduling store. Every method is atomic: it either
// applies all of its writes or none, and returns fully loaded values.
type Repository interface {
	CreateProvider(ctx context.Context, p Provider) (*Provider, error)
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetProviderByUserID(ctx context.Context, userID uuid.UUID) (*Provider, error)
	ListProviders(ctx context.Context, page Page) ([]Provider, error)

	// CreateSlot serializes publishes per provider and, when rejectOverlap is
	// set, refuses a window that intersects an existing slot.
	CreateSlot(ctx context.Context, slot Availability, rejectOverlap bool) (*Availability, error)
	GetSlotByID(ctx context.Context, id uuid.UUID) (*Availability, error)
	ListSlots(ctx context.Context, f SlotFilter) ([]Availability, error)

	// BookSlot locks the slot row, flips is_booked and inserts the
	// appointment in one transaction.
	BookSlot(ctx context.Context, slotID, patientID uuid.UUID, now time.Time) (*Appointment, error)

	// GetAppointmentDetail also returns soft deleted appointments; callers
	// decide whether canceled rows are visible.
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	TransitionAppointment(ctx context.Context, t Transition) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
}
