package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-scheduling/internal/scheduling"
)

type handlers struct {
	svc *scheduling.Service
	log *zap.Logger
}

func (h *handlers) generateSlots(w http.ResponseWriter, r *http.Request) {
	providerID, ok := uuidParam(w, r, "providerID")
	if !ok {
		return
	}

	var req GenerateSlotsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	genReq := scheduling.GenerateRequest{
		ProviderID:     providerID,
		SessionMinutes: req.SessionMinutes,
	}
	var err error
	if genReq.DayStart, genReq.DayEnd, genReq.Break, err = parseDay(req.DayStart, req.DayEnd, req.Break); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
		return
	}
	if len(req.Dates) > 0 {
		if genReq.Dates, err = parseDates(req.Dates); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
			return
		}
	} else {
		if genReq.StartDate, err = civil.ParseDate(req.StartDate); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_date", "start_date must be YYYY-MM-DD")
			return
		}
		if genReq.EndDate, err = civil.ParseDate(req.EndDate); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end_date", "end_date must be YYYY-MM-DD")
			return
		}
	}

	res, err := h.svc.GenerateSlots(r.Context(), genReq)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGenerateResponse(res))
}

func (h *handlers) listSlots(w http.ResponseWriter, r *http.Request) {
	providerID, ok := uuidParam(w, r, "providerID")
	if !ok {
		return
	}

	f := scheduling.SlotFilter{ProviderID: providerID}
	q := r.URL.Query()
	if raw := q.Get("date"); raw != "" {
		d, err := civil.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		f.Date = &d
	}
	if raw := q.Get("from"); raw != "" {
		d, err := civil.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "from must be YYYY-MM-DD")
			return
		}
		f.From = &d
	}
	if raw := q.Get("status"); raw != "" {
		st, err := scheduling.ParseSlotStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		f.Status = &st
	}

	slots, err := h.svc.ListSlots(r.Context(), f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

func (h *handlers) createWorkingWindow(w http.ResponseWriter, r *http.Request) {
	providerID, ok := uuidParam(w, r, "providerID")
	if !ok {
		return
	}

	var req WorkingWindowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	date, err := civil.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	dayStart, dayEnd, brk, err := parseDay(req.DayStart, req.DayEnd, req.Break)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
		return
	}

	res, err := h.svc.CreateWorkingWindow(r.Context(), providerID, date, dayStart, dayEnd, brk)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if len(res.SkippedDates) > 0 {
		writeError(w, http.StatusConflict, "working_window_exists", "a working window already exists for "+date.String())
		return
	}
	writeJSON(w, http.StatusCreated, toGenerateResponse(res))
}

func (h *handlers) createWorkingWindows(w http.ResponseWriter, r *http.Request) {
	providerID, ok := uuidParam(w, r, "providerID")
	if !ok {
		return
	}

	var req WorkingWindowBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	dates, err := parseDates(req.Dates)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}
	dayStart, dayEnd, brk, err := parseDay(req.DayStart, req.DayEnd, req.Break)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
		return
	}

	res, err := h.svc.CreateWorkingWindows(r.Context(), providerID, dates, dayStart, dayEnd, brk)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGenerateResponse(res))
}

func (h *handlers) listWorkingWindows(w http.ResponseWriter, r *http.Request) {
	providerID, ok := uuidParam(w, r, "providerID")
	if !ok {
		return
	}

	from, err := civil.ParseDate(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "from must be YYYY-MM-DD")
		return
	}
	to, err := civil.ParseDate(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "to must be YYYY-MM-DD")
		return
	}

	windows, err := h.svc.ListWorkingWindowsWithSlots(r.Context(), providerID, from, to)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	resp := make([]WorkingWindowResponse, 0, len(windows))
	for _, win := range windows {
		item := toWorkingWindowResponse(win.WorkingWindow)
		item.Slots = toSlotResponses(win.Slots)
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) listProviderAppointments(w http.ResponseWriter, r *http.Request) {
	providerID, ok := uuidParam(w, r, "providerID")
	if !ok {
		return
	}
	page, ok := pageParams(w, r)
	if !ok {
		return
	}

	appts, err := h.svc.ListAppointmentsByProvider(r.Context(), providerID, page)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDetailResponses(appts))
}

func (h *handlers) deleteProvider(w http.ResponseWriter, r *http.Request) {
	providerID, ok := uuidParam(w, r, "providerID")
	if !ok {
		return
	}
	if err := h.svc.DeleteProvider(r.Context(), providerID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setSlotStatus(w http.ResponseWriter, r *http.Request) {
	slotID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := scheduling.ParseSlotStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}

	slot, err := h.svc.SetSlotStatus(r.Context(), slotID, status)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(*slot))
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	slotID, err := uuid.Parse(req.SlotID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}

	appt, err := h.svc.BookSlot(r.Context(), patientID, slotID, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, BookingResponse{
		AppointmentResponse: toAppointmentResponse(*appt),
		CancellationToken:   appt.CancellationToken,
	})
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDetailResponse(*detail))
}

func (h *handlers) setAppointmentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := scheduling.ParseAppointmentStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}

	appt, err := h.svc.SetAppointmentStatus(r.Context(), id, status)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req CancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}

	appt, err := h.svc.CancelAppointment(r.Context(), id, patientID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

func (h *handlers) cancelByToken(w http.ResponseWriter, r *http.Request) {
	token, ok := uuidParam(w, r, "token")
	if !ok {
		return
	}
	appt, err := h.svc.CancelByToken(r.Context(), token)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

func (h *handlers) listPatientAppointments(w http.ResponseWriter, r *http.Request) {
	patientID, ok := uuidParam(w, r, "patientID")
	if !ok {
		return
	}
	page, ok := pageParams(w, r)
	if !ok {
		return
	}

	appts, err := h.svc.ListAppointmentsByPatient(r.Context(), patientID, page)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDetailResponses(appts))
}

// handleError maps service errors onto status codes. Internal errors are
// logged and answered with a generic body.
func (h *handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch scheduling.KindOf(err) {
	case scheduling.KindNotFound:
		writeError(w, http.StatusNotFound, errorCode(err), err.Error())
	case scheduling.KindInvalid:
		status := http.StatusBadRequest
		if !errors.Is(err, scheduling.ErrMalformedConfig) && !errors.Is(err, scheduling.ErrInvalidStatus) {
			status = http.StatusConflict
		}
		writeError(w, status, errorCode(err), err.Error())
	case scheduling.KindForbidden:
		writeError(w, http.StatusForbidden, errorCode(err), err.Error())
	case scheduling.KindConflict:
		writeError(w, http.StatusConflict, errorCode(err), err.Error())
	case scheduling.KindTransient:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, errorCode(err), "slot is currently being booked, please retry shortly")
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, scheduling.ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(err, scheduling.ErrPatientNotFound):
		return "patient_not_found"
	case errors.Is(err, scheduling.ErrSlotNotFound):
		return "slot_not_found"
	case errors.Is(err, scheduling.ErrAppointmentNotFound):
		return "appointment_not_found"
	case errors.Is(err, scheduling.ErrSlotNotAvailable):
		return "slot_not_available"
	case errors.Is(err, scheduling.ErrAppointmentCompleted):
		return "appointment_completed"
	case errors.Is(err, scheduling.ErrInvalidTransition):
		return "invalid_status_transition"
	case errors.Is(err, scheduling.ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, scheduling.ErrMalformedConfig):
		return "malformed_config"
	case errors.Is(err, scheduling.ErrForbidden):
		return "forbidden"
	case errors.Is(err, scheduling.ErrSlotAlreadyBooked):
		return "slot_already_booked"
	case errors.Is(err, scheduling.ErrSlotConflict):
		return "slot_conflict"
	case errors.Is(err, scheduling.ErrSlotBusy):
		return "slot_busy"
	default:
		return "internal_error"
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func pageParams(w http.ResponseWriter, r *http.Request) (scheduling.Page, bool) {
	var p scheduling.Page
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &p.Limit, "offset": &p.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
			return p, false
		}
		*dst = n
	}
	return p, true
}

func parseDay(start, end string, brk *BreakRequest) (scheduling.Clock, scheduling.Clock, *scheduling.BreakWindow, error) {
	dayStart, err := scheduling.ParseClock(start)
	if err != nil {
		return 0, 0, nil, err
	}
	dayEnd, err := scheduling.ParseClock(end)
	if err != nil {
		return 0, 0, nil, err
	}
	if brk == nil {
		return dayStart, dayEnd, nil, nil
	}

	bs, err := scheduling.ParseClock(brk.Start)
	if err != nil {
		return 0, 0, nil, err
	}
	be, err := scheduling.ParseClock(brk.End)
	if err != nil {
		return 0, 0, nil, err
	}
	return dayStart, dayEnd, &scheduling.BreakWindow{Start: bs, End: be}, nil
}

func parseDates(raw []string) ([]civil.Date, error) {
	dates := make([]civil.Date, 0, len(raw))
	for _, s := range raw {
		d, err := civil.ParseDate(s)
		if err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
