package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Repository holding the same constraints the
// Postgres schema does. One mutex makes every method atomic.
type memStore struct {
	mu           sync.Mutex
	users        map[uuid.UUID]bool
	providers    map[uuid.UUID]Provider
	slots        map[uuid.UUID]Availability
	appointments map[uuid.UUID]Appointment
	slotOwner    map[uuid.UUID]uuid.UUID // slot_id -> appointment_id
	events       []EventLog
	failWith     error
}

func newMemStore(users ...uuid.UUID) *memStore {
	s := &memStore{
		users:        map[uuid.UUID]bool{},
		providers:    map[uuid.UUID]Provider{},
		slots:        map[uuid.UUID]Availability{},
		appointments: map[uuid.UUID]Appointment{},
		slotOwner:    map[uuid.UUID]uuid.UUID{},
	}
	for _, u := range users {
		s.users[u] = true
	}
	return s
}

func (s *memStore) addUser(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = true
}

func (s *memStore) fail() error {
	if s.failWith != nil {
		return storeError("memstore", s.failWith)
	}
	return nil
}

func (s *memStore) CreateProvider(_ context.Context, p Provider) (*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	if !s.users[p.UserID] {
		return nil, ErrUserNotFound
	}
	for _, existing := range s.providers {
		if existing.UserID == p.UserID {
			return nil, ErrProviderExists
		}
	}
	s.providers[p.ID] = p
	return &p, nil
}

func (s *memStore) GetProviderByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	p, ok := s.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (s *memStore) GetProviderByUserID(_ context.Context, userID uuid.UUID) (*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	for _, p := range s.providers {
		if p.UserID == userID {
			return &p, nil
		}
	}
	return nil, ErrProviderNotFound
}

func (s *memStore) ListProviders(_ context.Context, page Page) ([]Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	out := []Provider{}
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return pageOf(out, page), nil
}

func (s *memStore) CreateSlot(_ context.Context, slot Availability, rejectOverlap bool) (*Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	if _, ok := s.providers[slot.ProviderID]; !ok {
		return nil, ErrProviderNotFound
	}
	if !slot.StartTime.Before(slot.EndTime) {
		return nil, ErrInvalidTimeRange
	}
	if rejectOverlap {
		for _, other := range s.slots {
			if other.ProviderID == slot.ProviderID && other.StartTime.Before(slot.EndTime) && other.EndTime.After(slot.StartTime) {
				return nil, ErrSlotOverlap
			}
		}
	}
	slot.IsBooked = false
	s.slots[slot.ID] = slot
	return &slot, nil
}

func (s *memStore) GetSlotByID(_ context.Context, id uuid.UUID) (*Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	slot, ok := s.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &slot, nil
}

func (s *memStore) ListSlots(_ context.Context, f SlotFilter) ([]Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	out := []Availability{}
	for _, slot := range s.slots {
		switch {
		case f.ProviderID != nil && slot.ProviderID != *f.ProviderID:
		case f.OnlyOpen && slot.IsBooked:
		case f.From != nil && slot.StartTime.Before(*f.From):
		case f.To != nil && slot.EndTime.After(*f.To):
		default:
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return pageOf(out, f.Page), nil
}

func (s *memStore) BookSlot(_ context.Context, slotID, patientID uuid.UUID, now time.Time) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	slot, ok := s.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if slot.IsBooked {
		return nil, ErrSlotAlreadyBooked
	}
	if _, taken := s.slotOwner[slotID]; taken {
		return nil, ErrSlotAlreadyBooked
	}
	if !s.users[patientID] {
		return nil, ErrUserNotFound
	}

	appt := Appointment{
		ID:         uuid.New(),
		PatientID:  patientID,
		ProviderID: slot.ProviderID,
		SlotID:     slotID,
		Status:     StatusScheduled,
		CreatedAt:  now,
	}
	slot.IsBooked = true
	s.slots[slotID] = slot
	s.appointments[appt.ID] = appt
	s.slotOwner[slotID] = appt.ID
	s.recordEvent(EventAppointmentBooked, appt.ID, now)
	return &appt, nil
}

func (s *memStore) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	appt, ok := s.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &AppointmentDetail{
		Appointment: appt,
		Provider:    s.providers[appt.ProviderID],
		Slot:        s.slots[appt.SlotID],
	}, nil
}

func (s *memStore) TransitionAppointment(_ context.Context, t Transition) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	appt, ok := s.appointments[t.AppointmentID]
	if !ok || appt.Status != t.From || !appt.Active() {
		return nil, ErrInvalidTransition
	}
	appt.Status = t.To
	if t.DeletedAt != nil {
		appt.DeletedAt = t.DeletedAt
	}
	s.appointments[appt.ID] = appt

	eventType := EventAppointmentCompleted
	if t.To == StatusCanceled {
		eventType = EventAppointmentCanceled
	}
	s.recordEvent(eventType, appt.ID, t.At)
	return &appt, nil
}

func (s *memStore) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	out := []Appointment{}
	for _, a := range s.appointments {
		switch {
		case f.PatientID != nil && a.PatientID != *f.PatientID:
		case f.ProviderID != nil && a.ProviderID != *f.ProviderID:
		case !f.IncludeCanceled && !a.Active():
		default:
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return pageOf(out, f.Page), nil
}

func (s *memStore) recordEvent(eventType string, appointmentID uuid.UUID, at time.Time) {
	id := appointmentID
	s.events = append(s.events, EventLog{
		ID:            int64(len(s.events) + 1),
		EventType:     eventType,
		AppointmentID: &id,
		CreatedAt:     at,
	})
}

func (s *memStore) snapshot() (providers, slots, appointments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.providers), len(s.slots), len(s.appointments)
}

func (s *memStore) slot(id uuid.UUID) Availability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[id]
}

func (s *memStore) appointment(id uuid.UUID) Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appointments[id]
}

func pageOf[T any](items []T, p Page) []T {
	p = p.normalize()
	if p.Offset >= len(items) {
		return []T{}
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}
