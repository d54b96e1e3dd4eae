package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/provider-scheduling/internal/auth"
	"github.com/hackgods/provider-scheduling/internal/scheduling"
)

type ProviderService interface {
	CreateProfile(ctx context.Context, principal auth.Principal, in scheduling.ProfileInput) (*scheduling.Provider, error)
	ListProfiles(ctx context.Context, page scheduling.Page) ([]scheduling.Provider, error)
	GetProfile(ctx context.Context, id uuid.UUID) (*scheduling.Provider, error)
}

type AvailabilityService interface {
	PublishSlot(ctx context.Context, principal auth.Principal, providerID uuid.UUID, start, end time.Time) (*scheduling.Availability, error)
	ListSlots(ctx context.Context, f scheduling.SlotFilter) ([]scheduling.Availability, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*scheduling.Availability, error)
}

type BookingService interface {
	Book(ctx context.Context, principal auth.Principal, slotID uuid.UUID) (*scheduling.Appointment, error)
	Cancel(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID) (*scheduling.Appointment, error)
	Complete(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID) (*scheduling.Appointment, error)
	Get(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID) (*scheduling.AppointmentDetail, error)
	List(ctx context.Context, principal auth.Principal, f scheduling.AppointmentFilter) ([]scheduling.Appointment, error)
}

type handlers struct {
	providers    ProviderService
	availability AvailabilityService
	booking      BookingService
	logger       *zap.Logger
}

// Providers

func (h *handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrUnauthorized(w, r)
	if !ok {
		return
	}

	var req CreateProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	p, err := h.providers.CreateProfile(r.Context(), principal, scheduling.ProfileInput{
		Specialty:     req.Specialty,
		Bio:           req.Bio,
		ClinicAddress: req.ClinicAddress,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, toProviderResponse(*p))
}

func (h *handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePage(w, r)
	if !ok {
		return
	}

	providers, err := h.providers.ListProfiles(r.Context(), page)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp := ProviderListResponse{Providers: make([]ProviderResponse, 0, len(providers))}
	for _, p := range providers {
		resp.Providers = append(resp.Providers, toProviderResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	p, err := h.providers.GetProfile(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderResponse(*p))
}

// Availability

func (h *handlers) publishSlot(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrUnauthorized(w, r)
	if !ok {
		return
	}
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req PublishSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "start_time and end_time must be RFC 3339 timestamps")
		return
	}

	slot, err := h.availability.PublishSlot(r.Context(), principal, providerID, req.StartTime, req.EndTime)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotResponse(*slot))
}

func (h *handlers) listSlots(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	f := scheduling.SlotFilter{Page: page}
	if v := q.Get("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}
		f.ProviderID = &id
	}
	if v := q.Get("only_open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_only_open", "only_open must be true or false")
			return
		}
		f.OnlyOpen = open
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_"+p.name, p.name+" must be an RFC 3339 timestamp")
			return
		}
		*p.dst = &t
	}

	slots, err := h.availability.ListSlots(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp := SlotListResponse{Slots: make([]SlotResponse, 0, len(slots))}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, toSlotResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	slot, err := h.availability.GetSlot(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(*slot))
}

// Appointments

func (h *handlers) bookAppointment(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrUnauthorized(w, r)
	if !ok {
		return
	}

	var req BookAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	slotID, err := uuid.Parse(req.SlotID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
		return
	}

	appt, err := h.booking.Book(r.Context(), principal, slotID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrUnauthorized(w, r)
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}

	f := scheduling.AppointmentFilter{Page: page}
	if v := r.URL.Query().Get("include_canceled"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_include_canceled", "include_canceled must be true or false")
			return
		}
		f.IncludeCanceled = include
	}

	appts, err := h.booking.List(r.Context(), principal, f)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp := AppointmentListResponse{Appointments: make([]AppointmentResponse, 0, len(appts))}
	for _, a := range appts {
		resp.Appointments = append(resp.Appointments, toAppointmentResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrUnauthorized(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	d, err := h.booking.Get(r.Context(), principal, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDetailResponse(*d))
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.booking.Cancel)
}

func (h *handlers) completeAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.booking.Complete)
}

type transitionFunc func(ctx context.Context, principal auth.Principal, appointmentID uuid.UUID) (*scheduling.Appointment, error)

func (h *handlers) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	principal, ok := principalOrUnauthorized(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	appt, err := fn(r.Context(), principal, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

// Helpers

func principalOrUnauthorized(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "bearer token required")
	}
	return p, ok
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parsePage(w http.ResponseWriter, r *http.Request) (scheduling.Page, bool) {
	var page scheduling.Page
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &page.Limit}, {"offset", &page.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_"+p.name, p.name+" must be a non-negative integer")
			return scheduling.Page{}, false
		}
		*p.dst = n
	}
	return page, true
}
