package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-scheduling/internal/config"
	"github.com/hackgods/consultation-scheduling/internal/metrics"
	redisclient "github.com/hackgods/consultation-scheduling/internal/redis"
)

const (
	EventSlotsGenerated           = "SLOTS_GENERATED"
	EventAppointmentBooked        = "APPOINTMENT_BOOKED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentCancelled     = "APPOINTMENT_CANCELLED"
	EventSlotStatusOverridden     = "SLOT_STATUS_OVERRIDDEN"
	EventSlotRepaired             = "SLOT_REPAIRED"
	EventProviderDeleted          = "PROVIDER_DELETED"
)

type Service struct {
	repo       Repository
	locker     SlotLocker
	metrics    *metrics.Scheduling
	log        *zap.Logger
	nonWorking map[time.Weekday]bool
	maxDays    int
	now        func() time.Time
}

func NewService(repo Repository, locker SlotLocker, cfg config.Config, log *zap.Logger, m *metrics.Scheduling) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		locker:     locker,
		metrics:    m,
		log:        log,
		nonWorking: cfg.NonWorkingSet(),
		maxDays:    cfg.MaxGenerationDays,
		now:        time.Now,
	}
}

// GenerateSlots runs the slot generator for a date range or an explicit date
// list. Each processed date records its working window; a date that already
// has one is skipped rather than regenerated.
func (s *Service) GenerateSlots(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := req.validate(s.maxDays); err != nil {
		return nil, err
	}

	provider, err := s.repo.GetProviderByID(ctx, req.ProviderID)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	minutes := req.SessionMinutes
	if minutes == 0 {
		minutes = provider.SessionMinutes
	}
	if minutes <= 0 {
		return nil, configErr("session_minutes", "must be positive")
	}

	dates, skipped := req.expandDates(s.nonWorking)
	plan := PlanDay(req.DayStart, req.DayEnd, time.Duration(minutes)*time.Minute, req.Break)

	result := &GenerateResult{Created: []Slot{}, SkippedDates: skipped}
	for _, date := range dates {
		created, fresh, err := s.generateDay(ctx, req, date, plan)
		if err != nil {
			return nil, fmt.Errorf("generate %s: %w", date, err)
		}
		if !fresh {
			result.SkippedDates = append(result.SkippedDates, date)
			continue
		}
		result.Created = append(result.Created, created...)
	}
	sortDates(result.SkippedDates)

	s.metrics.ObserveGeneration(len(result.Created), len(result.SkippedDates))
	s.log.Info("slots generated",
		zap.String("provider_id", req.ProviderID.String()),
		zap.Int("session_minutes", minutes),
		zap.Int("dates", len(dates)),
		zap.Int("created", len(result.Created)),
		zap.Int("skipped_dates", len(result.SkippedDates)),
	)
	s.logEvent(ctx, EventLog{EventType: EventSlotsGenerated}, map[string]any{
		"provider_id":   req.ProviderID.String(),
		"created":       len(result.Created),
		"skipped_dates": result.SkippedDates,
	})

	return result, nil
}

// generateDay records the working window for date and persists the planned
// slots in one transaction. fresh is false when the date was already
// configured.
func (s *Service) generateDay(ctx context.Context, req GenerateRequest, date civil.Date, plan []Interval) (created []Slot, fresh bool, err error) {
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		configured, err := tx.WorkingWindowExists(ctx, req.ProviderID, date)
		if err != nil {
			return fmt.Errorf("check working window: %w", err)
		}
		if configured {
			return nil
		}

		now := s.now().UTC()
		window := &WorkingWindow{
			ID:         uuid.New(),
			ProviderID: req.ProviderID,
			Date:       date,
			DayStart:   req.DayStart,
			DayEnd:     req.DayEnd,
			Break:      req.Break,
			CreatedAt:  now,
		}
		inserted, err := tx.InsertWorkingWindow(ctx, window)
		if err != nil {
			return fmt.Errorf("insert working window: %w", err)
		}
		if !inserted {
			return nil
		}
		fresh = true

		for _, iv := range plan {
			exists, err := tx.SlotExists(ctx, req.ProviderID, date, iv.Start)
			if err != nil {
				return fmt.Errorf("check slot %s: %w", iv.Start, err)
			}
			if exists {
				continue
			}

			slot := Slot{
				ID:         uuid.New(),
				ProviderID: req.ProviderID,
				Date:       date,
				Start:      iv.Start,
				End:        iv.End,
				Status:     SlotAvailable,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			ok, err := tx.InsertSlot(ctx, &slot)
			if err != nil {
				return fmt.Errorf("insert slot %s: %w", iv.Start, err)
			}
			// lost a concurrent insert of the same slot, nothing to do
			if !ok {
				continue
			}
			created = append(created, slot)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return created, fresh, nil
}

// CreateWorkingWindow records a single day's window and generates its slots
// using the provider's session duration.
func (s *Service) CreateWorkingWindow(ctx context.Context, providerID uuid.UUID, date civil.Date, dayStart, dayEnd Clock, brk *BreakWindow) (*GenerateResult, error) {
	return s.CreateWorkingWindows(ctx, providerID, []civil.Date{date}, dayStart, dayEnd, brk)
}

func (s *Service) CreateWorkingWindows(ctx context.Context, providerID uuid.UUID, dates []civil.Date, dayStart, dayEnd Clock, brk *BreakWindow) (*GenerateResult, error) {
	if len(dates) == 0 {
		return nil, configErr("dates", "must not be empty")
	}
	return s.GenerateSlots(ctx, GenerateRequest{
		ProviderID: providerID,
		Dates:      dates,
		DayStart:   dayStart,
		DayEnd:     dayEnd,
		Break:      brk,
	})
}

func (s *Service) ListSlots(ctx context.Context, f SlotFilter) ([]Slot, error) {
	if err := s.ensureProvider(ctx, f.ProviderID); err != nil {
		return nil, err
	}
	slots, err := s.repo.ListSlots(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

func (s *Service) ListWorkingWindows(ctx context.Context, providerID uuid.UUID, from, to civil.Date) ([]WorkingWindow, error) {
	if to.Before(from) {
		return nil, configErr("to", "must not be before from")
	}
	if err := s.ensureProvider(ctx, providerID); err != nil {
		return nil, err
	}
	windows, err := s.repo.ListWorkingWindows(ctx, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list working windows: %w", err)
	}
	return windows, nil
}

// ListWorkingWindowsWithSlots returns every window in [from, to] paired with
// its slots, so a provider's schedule can be rendered from one call.
func (s *Service) ListWorkingWindowsWithSlots(ctx context.Context, providerID uuid.UUID, from, to civil.Date) ([]WorkingWindowWithSlots, error) {
	windows, err := s.ListWorkingWindows(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}
	slots, err := s.repo.ListSlots(ctx, SlotFilter{ProviderID: providerID, From: &from})
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	byDate := make(map[civil.Date][]Slot, len(windows))
	for _, slot := range slots {
		// ordered by date, nothing past to is needed
		if slot.Date.After(to) {
			break
		}
		byDate[slot.Date] = append(byDate[slot.Date], slot)
	}

	out := make([]WorkingWindowWithSlots, 0, len(windows))
	for _, w := range windows {
		daySlots := byDate[w.Date]
		if daySlots == nil {
			daySlots = []Slot{}
		}
		out = append(out, WorkingWindowWithSlots{WorkingWindow: w, Slots: daySlots})
	}
	return out, nil
}

// BookSlot claims a slot for a patient. Competing calls for the same slot
// are serialised by the slot lock and the row lock; at most one succeeds and
// the rest observe ErrSlotNotAvailable, ErrSlotAlreadyBooked or
// ErrSlotConflict.
func (s *Service) BookSlot(ctx context.Context, patientID, slotID uuid.UUID, reason string) (*Appointment, error) {
	start := s.now()
	appt, err := s.bookSlot(ctx, patientID, slotID, reason)

	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
	}
	s.metrics.ObserveBooking(outcome, time.Since(start))

	if err != nil {
		s.log.Info("booking rejected",
			zap.String("slot_id", slotID.String()),
			zap.String("patient_id", patientID.String()),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		return nil, err
	}
	return appt, nil
}

func (s *Service) bookSlot(ctx context.Context, patientID, slotID uuid.UUID, reason string) (*Appointment, error) {
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	var created *Appointment

	err := s.withSlot(ctx, slotID, func(ctx context.Context, tx Tx) error {
		// state read after the lock reflects every committed booking before us
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Status != SlotAvailable {
			return ErrSlotNotAvailable
		}

		booked, err := tx.HasActiveAppointment(ctx, slotID)
		if err != nil {
			return fmt.Errorf("check active appointment: %w", err)
		}
		if booked {
			return ErrSlotAlreadyBooked
		}

		now := s.now().UTC()
		appt := &Appointment{
			ID:                uuid.New(),
			SlotID:            slotID,
			PatientID:         patientID,
			CancellationToken: uuid.New(),
			Reason:            reason,
			Status:            StatusConfirmed,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return err
		}
		if _, err := tx.UpdateSlotStatus(ctx, slotID, SlotClaimed); err != nil {
			return fmt.Errorf("claim slot: %w", err)
		}

		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("slot booked",
		zap.String("slot_id", slotID.String()),
		zap.String("appointment_id", created.ID.String()),
	)
	s.logEvent(ctx, EventLog{EventType: EventAppointmentBooked, AppointmentID: &created.ID, SlotID: &slotID}, map[string]any{
		"patient_id": patientID.String(),
	})
	return created, nil
}

// withSlot takes the slot lock and runs fn inside one store transaction.
func (s *Service) withSlot(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	waitStart := s.now()
	err := s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		s.metrics.ObserveLockWait(time.Since(waitStart))
		return s.repo.WithinTx(lockCtx, fn)
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSlotBusy
	}
	return err
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return detail, nil
}

func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, p Page) ([]AppointmentDetail, error) {
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	appts, err := s.repo.ListAppointmentsByPatient(ctx, patientID, p.normalize())
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

// ListAppointmentsByProvider returns the provider's history, most recent
// slot first.
func (s *Service) ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, p Page) ([]AppointmentDetail, error) {
	if err := s.ensureProvider(ctx, providerID); err != nil {
		return nil, err
	}
	appts, err := s.repo.ListAppointmentsByProvider(ctx, providerID, p.normalize())
	if err != nil {
		return nil, fmt.Errorf("list appointments by provider: %w", err)
	}
	return appts, nil
}

// DeleteProvider removes the provider with its slots, working windows and
// the appointments made against those slots, atomically.
func (s *Service) DeleteProvider(ctx context.Context, providerID uuid.UUID) error {
	if err := s.ensureProvider(ctx, providerID); err != nil {
		return err
	}
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DeleteProviderCascade(ctx, providerID)
	})
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	s.log.Warn("provider deleted", zap.String("provider_id", providerID.String()))
	s.logEvent(ctx, EventLog{EventType: EventProviderDeleted}, map[string]any{
		"provider_id": providerID.String(),
	})
	return nil
}

func (s *Service) ensureProvider(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.GetProviderByID(ctx, id); err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return err
		}
		return fmt.Errorf("load provider: %w", err)
	}
	return nil
}

// logEvent is best effort: a failed audit write never fails the operation.
func (s *Service) logEvent(ctx context.Context, ev EventLog, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal event payload", zap.String("event", ev.EventType), zap.Error(err))
		data = nil
	}
	ev.Payload = data
	ev.CreatedAt = s.now().UTC()

	if err := s.repo.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("insert event log", zap.String("event", ev.EventType), zap.Error(err))
	}
}

func sortDates(dates []civil.Date) {
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
}
