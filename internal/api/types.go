package api

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/hackgods/consultation-scheduling/internal/scheduling"
)

type BreakRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type GenerateSlotsRequest struct {
	StartDate      string        `json:"start_date,omitempty"`
	EndDate        string        `json:"end_date,omitempty"`
	Dates          []string      `json:"dates,omitempty"`
	DayStart       string        `json:"day_start"`
	DayEnd         string        `json:"day_end"`
	SessionMinutes int           `json:"session_minutes,omitempty"`
	Break          *BreakRequest `json:"break,omitempty"`
}

type WorkingWindowRequest struct {
	Date     string        `json:"date"`
	DayStart string        `json:"day_start"`
	DayEnd   string        `json:"day_end"`
	Break    *BreakRequest `json:"break,omitempty"`
}

type WorkingWindowBatchRequest struct {
	Dates    []string      `json:"dates"`
	DayStart string        `json:"day_start"`
	DayEnd   string        `json:"day_end"`
	Break    *BreakRequest `json:"break,omitempty"`
}

type CreateAppointmentRequest struct {
	SlotID    string `json:"slot_id"`
	PatientID string `json:"patient_id"`
	Reason    string `json:"reason,omitempty"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type CancelRequest struct {
	PatientID string `json:"patient_id"`
}

type SlotResponse struct {
	ID         uuid.UUID        `json:"id"`
	ProviderID uuid.UUID        `json:"provider_id"`
	Date       civil.Date       `json:"date"`
	Start      scheduling.Clock `json:"start"`
	End        scheduling.Clock `json:"end"`
	Status     string           `json:"status"`
}

type GenerateSlotsResponse struct {
	Created      []SlotResponse `json:"created"`
	SkippedDates []civil.Date   `json:"skipped_dates"`
}

type BreakResponse struct {
	Start scheduling.Clock `json:"start"`
	End   scheduling.Clock `json:"end"`
}

type WorkingWindowResponse struct {
	ID         uuid.UUID        `json:"id"`
	ProviderID uuid.UUID        `json:"provider_id"`
	Date       civil.Date       `json:"date"`
	DayStart   scheduling.Clock `json:"day_start"`
	DayEnd     scheduling.Clock `json:"day_end"`
	Break      *BreakResponse   `json:"break,omitempty"`
	Slots      []SlotResponse   `json:"slots"`
}

type AppointmentResponse struct {
	ID        uuid.UUID     `json:"id"`
	SlotID    uuid.UUID     `json:"slot_id"`
	PatientID uuid.UUID     `json:"patient_id"`
	Reason    string        `json:"reason,omitempty"`
	Status    string        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Slot      *SlotResponse `json:"slot,omitempty"`
}

// BookingResponse is only returned once, at booking time, since it carries
// the cancellation token.
type BookingResponse struct {
	AppointmentResponse
	CancellationToken uuid.UUID `json:"cancellation_token"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSlotResponse(s scheduling.Slot) SlotResponse {
	return SlotResponse{
		ID:         s.ID,
		ProviderID: s.ProviderID,
		Date:       s.Date,
		Start:      s.Start,
		End:        s.End,
		Status:     string(s.Status),
	}
}

func toSlotResponses(slots []scheduling.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	return out
}

func toGenerateResponse(res *scheduling.GenerateResult) GenerateSlotsResponse {
	skipped := res.SkippedDates
	if skipped == nil {
		skipped = []civil.Date{}
	}
	return GenerateSlotsResponse{
		Created:      toSlotResponses(res.Created),
		SkippedDates: skipped,
	}
}

func toWorkingWindowResponse(w scheduling.WorkingWindow) WorkingWindowResponse {
	resp := WorkingWindowResponse{
		ID:         w.ID,
		ProviderID: w.ProviderID,
		Date:       w.Date,
		DayStart:   w.DayStart,
		DayEnd:     w.DayEnd,
	}
	if w.Break != nil {
		resp.Break = &BreakResponse{Start: w.Break.Start, End: w.Break.End}
	}
	return resp
}

func toAppointmentResponse(a scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		SlotID:    a.SlotID,
		PatientID: a.PatientID,
		Reason:    a.Reason,
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func toAppointmentDetailResponse(d scheduling.AppointmentDetail) AppointmentResponse {
	resp := toAppointmentResponse(d.Appointment)
	slot := toSlotResponse(d.Slot)
	resp.Slot = &slot
	return resp
}

func toAppointmentDetailResponses(ds []scheduling.AppointmentDetail) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(ds))
	for _, d := range ds {
		out = append(out, toAppointmentDetailResponse(d))
	}
	return out
}
