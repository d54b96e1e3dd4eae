package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/provider-scheduling/internal/auth"
	"github.com/hackgods/provider-scheduling/internal/metrics"
	redisclient "github.com/hackgods/provider-scheduling/internal/redis"
)

var bookingTracer = otel.Tracer("scheduling.booking")

// BookingEngine turns open slots into appointments and drives the
// appointment lifecycle scheduled -> {completed, canceled}.
type BookingEngine struct {
	repo    Repository
	locker  redisclient.Locker
	metrics *metrics.SchedulingMetrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewBookingEngine(repo Repository, locker redisclient.Locker, m *metrics.SchedulingMetrics, logger *zap.Logger) *BookingEngine {
	if locker == nil {
		locker = redisclient.NopLocker{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookingEngine{
		repo:    repo,
		locker:  locker,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Book reserves slotID for the calling patient.
//
// Exactly one of any number of concurrent callers for one slot succeeds; the
// rest get ErrSlotAlreadyBooked. The store transaction decides the winner.
// The Redis lock in front of it only queues callers so they do not pile up on
// the row lock, and booking proceeds without it if Redis is unavailable.
func (e *BookingEngine) Book(ctx context.Context, principal auth.Principal, slotID uuid.UUID) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "BookingEngine.Book", trace.WithAttributes(
		attribute.String("slot_id", slotID.String()),
		attribute.String("principal_id", principal.ID.String()),
	))

	appt, err := e.book(ctx, principal, slotID)
	e.metrics.ObserveBooking(Code(err))
	endSpan(span, err)
	return appt, err
}

func (e *BookingEngine) book(ctx context.Context, principal auth.Principal, slotID uuid.UUID) (*Appointment, error) {
	switch principal.Role {
	case auth.RolePatient:
	case auth.RoleProvider, auth.RoleAdmin:
		return nil, ErrBookingNotAllowed
	default:
		return nil, ErrBookingNotAllowed
	}

	var booked *Appointment
	run := func(ctx context.Context) error {
		appt, err := e.repo.BookSlot(ctx, slotID, principal.ID, e.now().UTC())
		if err != nil {
			return err
		}
		booked = appt
		return nil
	}

	err := e.locker.WithSlotLock(ctx, slotID, run)
	if errors.Is(err, redisclient.ErrLockNotAcquired) || errors.Is(err, redisclient.ErrLockUnavailable) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("book slot %s: %w", slotID, ctxErr)
		}
		e.logger.Warn("slot lock skipped, booking through the store only",
			zap.String("slot_id", slotID.String()),
			zap.Error(err),
		)
		err = run(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("book slot %s: %w", slotID, err)
	}

	e.logger.Info("appointment booked",
		zap.String("appointment_id", booked.ID.String()),
		zap.String("slot_id", slotID.String()),
		zap.String("patient_id", principal.ID.String()),
	)
	return booked, nil
}

// Cancel soft deletes a scheduled appointment. The slot stays booked.
// Canceling twice fails with ErrInvalidTransition.
func (e *BookingEngine) Cancel(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID) (*Appointment, error) {
	return e.transition(ctx, principal, appointmentID, StatusCanceled)
}

// Complete marks a scheduled appointment as completed. Only the owning
// provider or an admin may do so.
func (e *BookingEngine) Complete(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID) (*Appointment, error) {
	return e.transition(ctx, principal, appointmentID, StatusCompleted)
}

func (e *BookingEngine) transition(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID, to AppointmentStatus) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "BookingEngine.Transition", trace.WithAttributes(
		attribute.String("appointment_id", appointmentID.String()),
		attribute.String("to", string(to)),
	))

	appt, err := e.doTransition(ctx, principal, appointmentID, to)
	e.metrics.ObserveTransition(string(to), Code(err))
	endSpan(span, err)
	return appt, err
}

func (e *BookingEngine) doTransition(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID, to AppointmentStatus) (*Appointment, error) {
	detail, err := e.repo.GetAppointmentDetail(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	var allowed bool
	switch to {
	case StatusCanceled:
		allowed = isParty(principal, detail)
	case StatusCompleted:
		allowed = canComplete(principal, detail)
	}
	if !allowed {
		return nil, ErrNotAppointmentParty
	}

	if !detail.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, detail.Status, to)
	}

	now := e.now().UTC()
	t := Transition{
		AppointmentID: appointmentID,
		From:          StatusScheduled,
		To:            to,
		ActorID:       principal.ID,
		At:            now,
	}
	if to == StatusCanceled {
		t.DeletedAt = &now
	}

	updated, err := e.repo.TransitionAppointment(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%s appointment: %w", to, err)
	}

	e.logger.Info("appointment status changed",
		zap.String("appointment_id", updated.ID.String()),
		zap.String("status", string(updated.Status)),
		zap.String("actor_id", principal.ID.String()),
	)
	return updated, nil
}

// Get returns an active appointment visible to the caller. Canceled
// appointments are soft deleted and read as not found.
func (e *BookingEngine) Get(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID) (*AppointmentDetail, error) {
	detail, err := e.repo.GetAppointmentDetail(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if !detail.Active() {
		return nil, ErrAppointmentNotFound
	}
	if !isParty(principal, detail) {
		return nil, ErrNotAppointmentParty
	}
	return detail, nil
}

// List returns the appointments the caller may see: a patient their own, a
// provider those on their profile, an admin whatever the filter selects.
func (e *BookingEngine) List(ctx context.Context, principal auth.Principal, f AppointmentFilter) ([]Appointment, error) {
	switch principal.Role {
	case auth.RolePatient:
		f.PatientID = &principal.ID
		f.ProviderID = nil
	case auth.RoleProvider:
		provider, err := e.repo.GetProviderByUserID(ctx, principal.ID)
		if errors.Is(err, ErrProviderNotFound) {
			return []Appointment{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list appointments: %w", err)
		}
		f.ProviderID = &provider.ID
		f.PatientID = nil
	case auth.RoleAdmin:
	default:
		return nil, ErrNotAppointmentParty
	}
	f.Page = f.Page.normalize()

	appts, err := e.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appts, nil
}

// isParty: the patient, the user behind the appointment's provider profile, or
// an admin.
func isParty(p auth.Principal, d *AppointmentDetail) bool {
	switch p.Role {
	case auth.RoleAdmin:
		return true
	case auth.RolePatient, auth.RoleProvider:
		return p.ID == d.PatientID || p.ID == d.Provider.UserID
	default:
		return false
	}
}

func canComplete(p auth.Principal, d *AppointmentDetail) bool {
	switch p.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleProvider:
		return p.ID == d.Provider.UserID
	case auth.RolePatient:
		return false
	default:
		return false
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
	}
	span.End()
}
