package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/provider-scheduling/internal/scheduling"
)

type CreateProviderRequest struct {
	Specialty     string  `json:"specialty"`
	Bio           string  `json:"bio"`
	ClinicAddress *string `json:"clinic_address,omitempty"`
}

type PublishSlotRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type BookAppointmentRequest struct {
	SlotID string `json:"slot_id"`
}

type ProviderResponse struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	Specialty     string    `json:"specialty"`
	Bio           string    `json:"bio"`
	ClinicAddress *string   `json:"clinic_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type SlotResponse struct {
	ID         uuid.UUID `json:"id"`
	ProviderID uuid.UUID `json:"provider_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	IsBooked   bool      `json:"is_booked"`
	CreatedAt  time.Time `json:"created_at"`
}

type AppointmentResponse struct {
	ID         uuid.UUID  `json:"id"`
	PatientID  uuid.UUID  `json:"patient_id"`
	ProviderID uuid.UUID  `json:"provider_id"`
	SlotID     uuid.UUID  `json:"slot_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

type AppointmentDetailResponse struct {
	AppointmentResponse
	Provider ProviderResponse `json:"provider"`
	Slot     SlotResponse     `json:"slot"`
}

type ProviderListResponse struct {
	Providers []ProviderResponse `json:"providers"`
}

type SlotListResponse struct {
	Slots []SlotResponse `json:"slots"`
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toProviderResponse(p scheduling.Provider) ProviderResponse {
	return ProviderResponse{
		ID:            p.ID,
		UserID:        p.UserID,
		Specialty:     p.Specialty,
		Bio:           p.Bio,
		ClinicAddress: p.ClinicAddress,
		CreatedAt:     p.CreatedAt,
	}
}

func toSlotResponse(s scheduling.Availability) SlotResponse {
	return SlotResponse{
		ID:         s.ID,
		ProviderID: s.ProviderID,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
		IsBooked:   s.IsBooked,
		CreatedAt:  s.CreatedAt,
	}
}

func toAppointmentResponse(a scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:         a.ID,
		PatientID:  a.PatientID,
		ProviderID: a.ProviderID,
		SlotID:     a.SlotID,
		Status:     string(a.Status),
		CreatedAt:  a.CreatedAt,
		DeletedAt:  a.DeletedAt,
	}
}

func toAppointmentDetailResponse(d scheduling.AppointmentDetail) AppointmentDetailResponse {
	return AppointmentDetailResponse{
		AppointmentResponse: toAppointmentResponse(d.Appointment),
		Provider:            toProviderResponse(d.Provider),
		Slot:                toSlotResponse(d.Slot),
	}
}
