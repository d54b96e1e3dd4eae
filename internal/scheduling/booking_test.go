package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hackgods/provider-scheduling/internal/auth"
	redisclient "github.com/hackgods/provider-scheduling/internal/redis"
)

func newRedisLocker(t *testing.T, wait time.Duration) (*miniredis.Miniredis, redisclient.Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redisclient.NewRedisSlotLocker(client, 5*time.Second, wait)
}

func TestBookThenSecondPatientLoses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	owner, p := f.provider(t)
	start := f.now.Add(48 * time.Hour)

	slot := f.publish(t, owner, p.ID, start)
	require.False(t, slot.IsBooked)

	x, y := f.patient(), f.patient()

	appt, err := f.engine.Book(ctx, x, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, x.ID, appt.PatientID)
	assert.Equal(t, p.ID, appt.ProviderID)
	assert.Equal(t, slot.ID, appt.SlotID)
	assert.Equal(t, f.now, appt.CreatedAt)
	assert.Nil(t, appt.DeletedAt)
	assert.True(t, f.store.slot(slot.ID).IsBooked)

	_, err = f.engine.Book(ctx, y, slot.ID)
	require.ErrorIs(t, err, ErrSlotAlreadyBooked)
	assert.Equal(t, "slot_already_booked", Code(err))

	_, _, appointments := f.store.snapshot()
	assert.Equal(t, 1, appointments)
}

func TestBookConcurrentCallersExactlyOneWins(t *testing.T) {
	_, redisLocker := newRedisLocker(t, 2*time.Second)

	lockers := map[string]redisclient.Locker{
		"redis lock": redisLocker,
		"store only": redisclient.NopLocker{},
	}
	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, locker)
			owner, p := f.provider(t)
			slot := f.publish(t, owner, p.ID, f.now.Add(24*time.Hour))

			const callers = 25
			patients := make([]auth.Principal, callers)
			for i := range patients {
				patients[i] = f.patient()
			}

			errs := make([]error, callers)
			ready := make(chan struct{})
			var wg sync.WaitGroup
			for i := range patients {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-ready
					_, errs[i] = f.engine.Book(ctx, patients[i], slot.ID)
				}(i)
			}
			close(ready)
			wg.Wait()

			var won, lost int
			for _, err := range errs {
				switch {
				case err == nil:
					won++
				case errors.Is(err, ErrSlotAlreadyBooked):
					lost++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, won)
			assert.Equal(t, callers-1, lost)

			_, _, appointments := f.store.snapshot()
			assert.Equal(t, 1, appointments)
			assert.True(t, f.store.slot(slot.ID).IsBooked)
		})
	}
}

func TestBookFallsBackWhenLockUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("lock held elsewhere", func(t *testing.T) {
		mr, locker := newRedisLocker(t, 50*time.Millisecond)
		f := newFixture(t, locker)
		core, logs := observer.New(zap.WarnLevel)
		f.engine.logger = zap.New(core)

		owner, p := f.provider(t)
		slot := f.publish(t, owner, p.ID, f.now.Add(time.Hour))
		require.NoError(t, mr.Set("lock:availability:"+slot.ID.String(), "stale-holder"))

		_, err := f.engine.Book(ctx, f.patient(), slot.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, logs.FilterMessage("slot lock skipped, booking through the store only").Len())
	})

	t.Run("caller gives up while waiting", func(t *testing.T) {
		mr, locker := newRedisLocker(t, 5*time.Second)
		f := newFixture(t, locker)
		owner, p := f.provider(t)
		slot := f.publish(t, owner, p.ID, f.now.Add(time.Hour))
		require.NoError(t, mr.Set("lock:availability:"+slot.ID.String(), "stale-holder"))

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := f.engine.Book(waitCtx, f.patient(), slot.ID)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, f.store.slot(slot.ID).IsBooked)
		assert.Empty(t, f.store.events)
	})

	t.Run("redis down", func(t *testing.T) {
		mr, locker := newRedisLocker(t, time.Second)
		f := newFixture(t, locker)
		owner, p := f.provider(t)
		slot := f.publish(t, owner, p.ID, f.now.Add(time.Hour))
		mr.Close()

		_, err := f.engine.Book(ctx, f.patient(), slot.ID)
		require.NoError(t, err)
		assert.True(t, f.store.slot(slot.ID).IsBooked)
	})
}

func TestBookRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	owner, p := f.provider(t)
	slot := f.publish(t, owner, p.ID, f.now.Add(time.Hour))

	for _, caller := range []auth.Principal{owner, f.admin(), f.principal(auth.Role(9))} {
		_, err := f.engine.Book(ctx, caller, slot.ID)
		require.ErrorIs(t, err, ErrPermissionDenied)
	}
	assert.False(t, f.store.slot(slot.ID).IsBooked)

	_, err := f.engine.Book(ctx, f.patient(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, ErrSlotNotFound)

	f.store.failWith = errors.New("i/o timeout")
	_, err = f.engine.Book(ctx, f.patient(), slot.ID)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCancelAppointment(t *testing.T) {
	ctx := context.Background()

	t.Run("patient cancels, slot stays booked", func(t *testing.T) {
		f := newFixture(t, nil)
		patient, _, appt := f.booked(t)

		canceled, err := f.engine.Cancel(ctx, patient, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, canceled.Status)
		require.NotNil(t, canceled.DeletedAt)
		assert.Equal(t, f.now, *canceled.DeletedAt)
		assert.False(t, canceled.Active())
		assert.True(t, f.store.slot(appt.SlotID).IsBooked)

		_, err = f.engine.Get(ctx, patient, appt.ID)
		require.ErrorIs(t, err, ErrNotFound)

		_, err = f.engine.Book(ctx, f.patient(), appt.SlotID)
		require.ErrorIs(t, err, ErrSlotAlreadyBooked)
	})

	t.Run("owning provider and admin may cancel", func(t *testing.T) {
		f := newFixture(t, nil)
		_, owner, first := f.booked(t)
		_, _, second := f.booked(t)

		_, err := f.engine.Cancel(ctx, owner, first.ID)
		require.NoError(t, err)
		_, err = f.engine.Cancel(ctx, f.admin(), second.ID)
		require.NoError(t, err)
	})

	t.Run("strangers may not", func(t *testing.T) {
		f := newFixture(t, nil)
		_, _, appt := f.booked(t)
		otherProvider, _ := f.provider(t)

		for _, caller := range []auth.Principal{f.patient(), otherProvider} {
			_, err := f.engine.Cancel(ctx, caller, appt.ID)
			require.ErrorIs(t, err, ErrPermissionDenied)
		}
		assert.Equal(t, StatusScheduled, f.store.appointment(appt.ID).Status)
	})

	t.Run("unknown appointment", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.Cancel(ctx, f.admin(), uuid.New())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("not scheduled", func(t *testing.T) {
		f := newFixture(t, nil)
		patient, owner, completed := f.booked(t)
		_, err := f.engine.Complete(ctx, owner, completed.ID)
		require.NoError(t, err)

		_, err = f.engine.Cancel(ctx, patient, completed.ID)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StatusCompleted, f.store.appointment(completed.ID).Status)
		assert.Nil(t, f.store.appointment(completed.ID).DeletedAt)

		patient2, _, canceled := f.booked(t)
		_, err = f.engine.Cancel(ctx, patient2, canceled.ID)
		require.NoError(t, err)
		before := f.store.appointment(canceled.ID)

		_, err = f.engine.Cancel(ctx, patient2, canceled.ID)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, before, f.store.appointment(canceled.ID))
	})
}

func TestCompleteAppointment(t *testing.T) {
	ctx := context.Background()

	t.Run("owning provider completes", func(t *testing.T) {
		f := newFixture(t, nil)
		_, owner, appt := f.booked(t)

		done, err := f.engine.Complete(ctx, owner, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.Nil(t, done.DeletedAt)

		_, err = f.engine.Complete(ctx, owner, appt.ID)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("admin completes", func(t *testing.T) {
		f := newFixture(t, nil)
		_, _, appt := f.booked(t)
		_, err := f.engine.Complete(ctx, f.admin(), appt.ID)
		require.NoError(t, err)
	})

	t.Run("patient and other providers may not", func(t *testing.T) {
		f := newFixture(t, nil)
		patient, _, appt := f.booked(t)
		otherProvider, _ := f.provider(t)

		for _, caller := range []auth.Principal{patient, otherProvider} {
			_, err := f.engine.Complete(ctx, caller, appt.ID)
			require.ErrorIs(t, err, ErrPermissionDenied)
		}
		assert.Equal(t, StatusScheduled, f.store.appointment(appt.ID).Status)
	})
}

func TestTransitionsRecordEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	patient, _, first := f.booked(t)
	_, secondOwner, second := f.booked(t)

	_, err := f.engine.Cancel(ctx, patient, first.ID)
	require.NoError(t, err)
	_, err = f.engine.Complete(ctx, secondOwner, second.ID)
	require.NoError(t, err)

	var types []string
	for _, e := range f.store.events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{
		EventAppointmentBooked,
		EventAppointmentBooked,
		EventAppointmentCanceled,
		EventAppointmentCompleted,
	}, types)
}

func TestListAppointmentsVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	patient, owner, first := f.booked(t)
	otherPatient, _, _ := f.booked(t)

	// a second appointment with the first provider
	p, err := f.store.GetProviderByUserID(ctx, owner.ID)
	require.NoError(t, err)
	slot := f.publish(t, owner, p.ID, f.now.Add(72*time.Hour))
	_, err = f.engine.Book(ctx, otherPatient, slot.ID)
	require.NoError(t, err)

	mine, err := f.engine.List(ctx, patient, AppointmentFilter{PatientID: &otherPatient.ID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, first.ID, mine[0].ID)

	theirs, err := f.engine.List(ctx, owner, AppointmentFilter{})
	require.NoError(t, err)
	assert.Len(t, theirs, 2)

	all, err := f.engine.List(ctx, f.admin(), AppointmentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.engine.Cancel(ctx, patient, first.ID)
	require.NoError(t, err)

	mine, err = f.engine.List(ctx, patient, AppointmentFilter{})
	require.NoError(t, err)
	assert.Empty(t, mine)

	mine, err = f.engine.List(ctx, patient, AppointmentFilter{IncludeCanceled: true})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	noProfile := f.principal(auth.RoleProvider)
	none, err := f.engine.List(ctx, noProfile, AppointmentFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetAppointment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	patient, owner, appt := f.booked(t)

	for _, caller := range []auth.Principal{patient, owner, f.admin()} {
		d, err := f.engine.Get(ctx, caller, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, appt.ID, d.ID)
		assert.Equal(t, owner.ID, d.Provider.UserID)
		assert.True(t, d.Slot.IsBooked)
	}

	_, err := f.engine.Get(ctx, f.patient(), appt.ID)
	require.ErrorIs(t, err, ErrPermissionDenied)
}
