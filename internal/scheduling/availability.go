package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/provider-scheduling/internal/auth"
	"github.com/hackgods/provider-scheduling/internal/metrics"
)

// AvailabilityManager lets providers publish bookable slots.
type AvailabilityManager struct {
	repo          Repository
	metrics       *metrics.SchedulingMetrics
	logger        *zap.Logger
	rejectOverlap bool
	now           func() time.Time
}

func NewAvailabilityManager(repo Repository, m *metrics.SchedulingMetrics, logger *zap.Logger, rejectOverlap bool) *AvailabilityManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AvailabilityManager{
		repo:          repo,
		metrics:       m,
		logger:        logger,
		rejectOverlap: rejectOverlap,
		now:           time.Now,
	}
}

// PublishSlot adds an open slot [start, end) to the caller's own provider
// profile.
func (m *AvailabilityManager) PublishSlot(ctx context.Context, principal auth.Principal, providerID uuid.UUID, start, end time.Time) (*Availability, error) {
	slot, err := m.publish(ctx, principal, providerID, start, end)
	m.metrics.ObservePublish(Code(err))
	return slot, err
}

func (m *AvailabilityManager) publish(ctx context.Context, principal auth.Principal, providerID uuid.UUID, start, end time.Time) (*Availability, error) {
	if start.IsZero() || end.IsZero() {
		return nil, invalidInput("start_time and end_time are required")
	}
	if !start.Before(end) {
		return nil, ErrInvalidTimeRange
	}

	provider, err := m.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("publish slot: %w", err)
	}
	if provider.UserID != principal.ID {
		return nil, ErrNotProfileOwner
	}

	slot, err := m.repo.CreateSlot(ctx, Availability{
		ID:         uuid.New(),
		ProviderID: provider.ID,
		StartTime:  start.UTC(),
		EndTime:    end.UTC(),
		CreatedAt:  m.now().UTC(),
	}, m.rejectOverlap)
	if err != nil {
		return nil, fmt.Errorf("publish slot: %w", err)
	}

	m.logger.Info("slot published",
		zap.String("slot_id", slot.ID.String()),
		zap.String("provider_id", slot.ProviderID.String()),
		zap.Time("start_time", slot.StartTime),
		zap.Time("end_time", slot.EndTime),
	)
	return slot, nil
}

func (m *AvailabilityManager) ListSlots(ctx context.Context, f SlotFilter) ([]Availability, error) {
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, invalidInput("from must be before to")
	}
	f.Page = f.Page.normalize()

	slots, err := m.repo.ListSlots(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

func (m *AvailabilityManager) GetSlot(ctx context.Context, id uuid.UUID) (*Availability, error) {
	slot, err := m.repo.GetSlotByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}
