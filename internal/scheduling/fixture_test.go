package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/provider-scheduling/internal/auth"
	"github.com/hackgods/provider-scheduling/internal/metrics"
	redisclient "github.com/hackgods/provider-scheduling/internal/redis"
)

type fixture struct {
	store        *memStore
	registry     *ProviderRegistry
	availability *AvailabilityManager
	engine       *BookingEngine
	now          time.Time
}

func newFixture(t *testing.T, locker redisclient.Locker) *fixture {
	t.Helper()

	store := newMemStore()
	m := metrics.New(prometheus.NewRegistry())
	now := time.Date(2026, 11, 2, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	registry := NewProviderRegistry(store, zap.NewNop())
	registry.now = clock
	availability := NewAvailabilityManager(store, m, zap.NewNop(), true)
	availability.now = clock
	engine := NewBookingEngine(store, locker, m, zap.NewNop())
	engine.now = clock

	return &fixture{
		store:        store,
		registry:     registry,
		availability: availability,
		engine:       engine,
		now:          now,
	}
}

func (f *fixture) principal(role auth.Role) auth.Principal {
	id := uuid.New()
	f.store.addUser(id)
	return auth.Principal{ID: id, Role: role}
}

func (f *fixture) patient() auth.Principal { return f.principal(auth.RolePatient) }

func (f *fixture) admin() auth.Principal { return f.principal(auth.RoleAdmin) }

// provider creates a provider user together with their profile.
func (f *fixture) provider(t *testing.T) (auth.Principal, *Provider) {
	t.Helper()
	owner := f.principal(auth.RoleProvider)
	p, err := f.registry.CreateProfile(context.Background(), owner, ProfileInput{
		Specialty: "Dermatology",
		Bio:       "Skin and hair",
	})
	require.NoError(t, err)
	return owner, p
}

func (f *fixture) publish(t *testing.T, owner auth.Principal, providerID uuid.UUID, start time.Time) *Availability {
	t.Helper()
	slot, err := f.availability.PublishSlot(context.Background(), owner, providerID, start, start.Add(time.Hour))
	require.NoError(t, err)
	return slot
}

// booked sets up a provider, one slot and a patient holding it.
func (f *fixture) booked(t *testing.T) (patient, owner auth.Principal, appt *Appointment) {
	t.Helper()
	owner, p := f.provider(t)
	slot := f.publish(t, owner, p.ID, f.now.Add(24*time.Hour))
	patient = f.patient()
	appt, err := f.engine.Book(context.Background(), patient, slot.ID)
	require.NoError(t, err)
	return patient, owner, appt
}
