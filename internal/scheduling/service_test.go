package scheduling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hackgods/consultation-scheduling/internal/config"
	"github.com/hackgods/consultation-scheduling/internal/metrics"
)

var monday = civil.Date{Year: 2025, Month: time.January, Day: 6}

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	locker   *KeyedLocker
	reg      *prometheus.Registry
	provider Provider
	patients []Patient
}

func newFixture(t *testing.T, lockWait time.Duration) *fixture {
	t.Helper()

	repo := NewMemoryRepository(lockWait)
	locker := NewKeyedLocker(lockWait)
	reg := prometheus.NewRegistry()
	cfg := config.Config{
		LockWait:          lockWait,
		MaxGenerationDays: 366,
		NonWorkingDays:    []time.Weekday{time.Sunday},
	}

	f := &fixture{
		svc:      NewService(repo, locker, cfg, zaptest.NewLogger(t), metrics.NewScheduling(reg)),
		repo:     repo,
		locker:   locker,
		reg:      reg,
		provider: Provider{ID: uuid.New(), Name: "Dr. Grey", SessionMinutes: 30},
	}
	repo.AddProvider(f.provider)
	for i := 0; i < 60; i++ {
		p := Patient{ID: uuid.New(), Name: fmt.Sprintf("patient-%d", i)}
		repo.AddPatient(p)
		f.patients = append(f.patients, p)
	}
	return f
}

func (f *fixture) window(t *testing.T, date civil.Date, start, end Clock) []Slot {
	t.Helper()
	res, err := f.svc.CreateWorkingWindow(context.Background(), f.provider.ID, date, start, end, nil)
	require.NoError(t, err)
	return res.Created
}

func (f *fixture) slot(t *testing.T, id uuid.UUID) *Slot {
	t.Helper()
	s, err := f.repo.GetSlotByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) metric(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func starts(slots []Slot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Start.String())
	}
	return out
}

type passthroughLocker struct{}

func (passthroughLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func bookConcurrently(svc *Service, patients []Patient, slotID uuid.UUID, n int) ([]*Appointment, []error) {
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		won   []*Appointment
		lost  []error
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		patientID := patients[i%len(patients)].ID
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			appt, err := svc.BookSlot(context.Background(), patientID, slotID, "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lost = append(lost, err)
				return
			}
			won = append(won, appt)
		}()
	}
	close(start)
	wg.Wait()
	return won, lost
}

func TestBookingLeavesOtherSlotsAvailable(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	created := f.window(t, monday, NewClock(8, 0), NewClock(9, 30))
	require.Equal(t, []string{"08:00", "08:30", "09:00"}, starts(created))

	appt, err := f.svc.BookSlot(ctx, f.patients[0].ID, created[1].ID, "follow-up")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, appt.Status)
	assert.Equal(t, "follow-up", appt.Reason)
	assert.NotEqual(t, uuid.Nil, appt.CancellationToken)
	assert.Equal(t, SlotClaimed, f.slot(t, created[1].ID).Status)

	available := SlotAvailable
	slots, err := f.svc.ListSlots(ctx, SlotFilter{ProviderID: f.provider.ID, Date: &monday, Status: &available})
	require.NoError(t, err)
	assert.Equal(t, []string{"08:00", "09:00"}, starts(slots))

	assert.Equal(t, 1.0, f.metric(t, "consultation_booking_attempts_total", map[string]string{"outcome": "success"}))
}

func TestGenerateSlotsAroundBreak(t *testing.T) {
	f := newFixture(t, time.Second)

	res, err := f.svc.GenerateSlots(context.Background(), GenerateRequest{
		ProviderID:     f.provider.ID,
		Dates:          []civil.Date{monday},
		DayStart:       NewClock(8, 0),
		DayEnd:         NewClock(13, 0),
		SessionMinutes: 60,
		Break:          &BreakWindow{Start: NewClock(10, 0), End: NewClock(11, 0)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"08:00", "09:00", "11:00", "12:00"}, starts(res.Created))
	for _, s := range res.Created {
		assert.Equal(t, Clock(60), s.End-s.Start)
		assert.Equal(t, SlotAvailable, s.Status)
	}

	windows, err := f.svc.ListWorkingWindows(context.Background(), f.provider.ID, monday, monday)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.NotNil(t, windows[0].Break)
	assert.Equal(t, NewClock(10, 0), windows[0].Break.Start)
}

func TestGenerateSlotsIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	req := GenerateRequest{
		ProviderID: f.provider.ID,
		StartDate:  monday,
		EndDate:    monday.AddDays(6),
		DayStart:   NewClock(9, 0),
		DayEnd:     NewClock(12, 0),
	}

	first, err := f.svc.GenerateSlots(ctx, req)
	require.NoError(t, err)
	assert.Len(t, first.Created, 6*6, "six working days of six half hour slots")
	assert.Equal(t, []civil.Date{monday.AddDays(6)}, first.SkippedDates, "sunday is skipped")

	second, err := f.svc.GenerateSlots(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Len(t, second.SkippedDates, 7)
	for i := 1; i < len(second.SkippedDates); i++ {
		assert.True(t, second.SkippedDates[i-1].Before(second.SkippedDates[i]))
	}

	all, err := f.svc.ListSlots(ctx, SlotFilter{ProviderID: f.provider.ID})
	require.NoError(t, err)
	assert.Len(t, all, 36)

	for i := range all {
		for j := i + 1; j < len(all); j++ {
			assert.False(t, all[i].Overlaps(all[j]), "%s %s overlaps %s", all[i].Date, all[i].Start, all[j].Start)
		}
	}
}

func TestGenerateSlotsDefaultsAndErrors(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	res, err := f.svc.GenerateSlots(ctx, GenerateRequest{
		ProviderID: f.provider.ID,
		StartDate:  monday,
		EndDate:    monday,
		DayStart:   NewClock(8, 0),
		DayEnd:     NewClock(9, 0),
	})
	require.NoError(t, err)
	assert.Len(t, res.Created, 2, "provider session length is used when none is given")

	_, err = f.svc.GenerateSlots(ctx, GenerateRequest{
		ProviderID: uuid.New(),
		StartDate:  monday,
		EndDate:    monday,
		DayStart:   NewClock(8, 0),
		DayEnd:     NewClock(9, 0),
	})
	assert.ErrorIs(t, err, ErrProviderNotFound)

	_, err = f.svc.GenerateSlots(ctx, GenerateRequest{
		ProviderID: f.provider.ID,
		StartDate:  monday,
		EndDate:    monday.AddDays(-1),
		DayStart:   NewClock(8, 0),
		DayEnd:     NewClock(9, 0),
	})
	assert.ErrorIs(t, err, ErrMalformedConfig)

	_, err = f.svc.CreateWorkingWindows(ctx, f.provider.ID, nil, NewClock(8, 0), NewClock(9, 0), nil)
	assert.ErrorIs(t, err, ErrMalformedConfig)
}

func TestCreateWorkingWindowsSkipsConfiguredDates(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	sunday := monday.AddDays(-1)

	f.window(t, monday, NewClock(8, 0), NewClock(9, 0))

	res, err := f.svc.CreateWorkingWindows(ctx, f.provider.ID, []civil.Date{monday, sunday, sunday}, NewClock(14, 0), NewClock(15, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, []civil.Date{monday}, res.SkippedDates)
	require.Len(t, res.Created, 2, "explicit dates are generated even on sunday")
	for _, s := range res.Created {
		assert.Equal(t, sunday, s.Date)
	}

	mondaySlots, err := f.svc.ListSlots(ctx, SlotFilter{ProviderID: f.provider.ID, Date: &monday})
	require.NoError(t, err)
	assert.Equal(t, []string{"08:00", "08:30"}, starts(mondaySlots), "existing window is left untouched")
}

func TestBookSlotAtMostOneWinner(t *testing.T) {
	for name, locker := range map[string]SlotLocker{
		"slot lock and row lock": nil,
		"row lock only":          passthroughLocker{},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 5*time.Second)
			svc := f.svc
			if locker != nil {
				svc = NewService(f.repo, locker, config.Config{LockWait: 5 * time.Second}, zaptest.NewLogger(t), nil)
			}
			slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]

			won, lost := bookConcurrently(svc, f.patients, slot.ID, 50)

			require.Len(t, won, 1)
			assert.Len(t, lost, 49)
			for _, err := range lost {
				kind := KindOf(err)
				assert.True(t, kind == KindInvalid || kind == KindConflict, "unexpected error %v", err)
			}
			assert.Equal(t, SlotClaimed, f.slot(t, slot.ID).Status)

			appts, err := f.repo.ListAppointmentsByProvider(context.Background(), f.provider.ID, Page{Limit: 100})
			require.NoError(t, err)
			assert.Len(t, appts, 1)
		})
	}
}

func TestBookSlotAlreadyClaimed(t *testing.T) {
	f := newFixture(t, 2*time.Second)
	slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]

	_, err := f.svc.BookSlot(context.Background(), f.patients[0].ID, slot.ID, "")
	require.NoError(t, err)

	won, lost := bookConcurrently(f.svc, f.patients[1:], slot.ID, 10)
	assert.Empty(t, won)
	for _, err := range lost {
		assert.ErrorIs(t, err, ErrSlotNotAvailable)
	}
}

func TestBookSlotLookupErrors(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]

	_, err := f.svc.BookSlot(ctx, uuid.New(), slot.ID, "")
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = f.svc.BookSlot(ctx, f.patients[0].ID, uuid.New(), "")
	assert.ErrorIs(t, err, ErrSlotNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	assert.Equal(t, 2.0, f.metric(t, "consultation_booking_attempts_total", map[string]string{"outcome": "not_found"}))
}

func TestBookSlotBusyWhenLockHeld(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()
	slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]

	release, err := f.locker.Acquire(ctx, slot.ID)
	require.NoError(t, err)

	_, err = f.svc.BookSlot(ctx, f.patients[0].ID, slot.ID, "")
	require.ErrorIs(t, err, ErrSlotBusy)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, SlotAvailable, f.slot(t, slot.ID).Status, "a timed out booking changes nothing")

	release()
	_, err = f.svc.BookSlot(ctx, f.patients[0].ID, slot.ID, "")
	require.NoError(t, err)
}

func TestCancelReleasesCapacity(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]

	appt, err := f.svc.BookSlot(ctx, f.patients[0].ID, slot.ID, "")
	require.NoError(t, err)

	cancelled, err := f.svc.CancelAppointment(ctx, appt.ID, f.patients[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, SlotAvailable, f.slot(t, slot.ID).Status)

	again, err := f.svc.CancelAppointment(ctx, appt.ID, f.patients[0].ID)
	require.NoError(t, err, "cancelling twice is a no-op")
	assert.Equal(t, StatusCancelled, again.Status)

	rebooked, err := f.svc.BookSlot(ctx, f.patients[1].ID, slot.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, appt.ID, rebooked.ID)
	assert.Equal(t, SlotClaimed, f.slot(t, slot.ID).Status)

	assert.Equal(t, 1.0, f.metric(t, "consultation_appointment_cancellations_total", map[string]string{"path": "patient"}))
}

func TestCancelOwnershipAndCompletion(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	slots := f.window(t, monday, NewClock(8, 0), NewClock(9, 0))

	appt, err := f.svc.BookSlot(ctx, f.patients[0].ID, slots[0].ID, "")
	require.NoError(t, err)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, f.patients[1].ID)
	require.ErrorIs(t, err, ErrForbidden)
	detail, err := f.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, detail.Status)
	assert.Equal(t, SlotClaimed, detail.Slot.Status)

	_, err = f.svc.SetAppointmentStatus(ctx, appt.ID, StatusCompleted)
	require.NoError(t, err)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, f.patients[0].ID)
	require.ErrorIs(t, err, ErrAppointmentCompleted)
	assert.Equal(t, SlotClaimed, f.slot(t, slots[0].ID).Status)

	_, err = f.svc.CancelAppointment(ctx, uuid.New(), f.patients[0].ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestSetAppointmentStatus(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]

	appt, err := f.svc.BookSlot(ctx, f.patients[0].ID, slot.ID, "")
	require.NoError(t, err)

	pending, err := f.svc.SetAppointmentStatus(ctx, appt.ID, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)
	assert.Equal(t, SlotClaimed, f.slot(t, slot.ID).Status)

	same, err := f.svc.SetAppointmentStatus(ctx, appt.ID, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, same.Status)

	cancelled, err := f.svc.SetAppointmentStatus(ctx, appt.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, SlotAvailable, f.slot(t, slot.ID).Status)

	_, err = f.svc.SetAppointmentStatus(ctx, appt.ID, StatusConfirmed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.SetAppointmentStatus(ctx, appt.ID, AppointmentStatus("LOST"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.SetAppointmentStatus(ctx, uuid.New(), StatusCompleted)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	assert.Equal(t, 1.0, f.metric(t, "consultation_appointment_transitions_total", map[string]string{"status": "CANCELLED"}))
}

func TestCancelByToken(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]

	appt, err := f.svc.BookSlot(ctx, f.patients[0].ID, slot.ID, "")
	require.NoError(t, err)

	_, err = f.svc.CancelByToken(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	cancelled, err := f.svc.CancelByToken(ctx, appt.CancellationToken)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, cancelled.ID)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, SlotAvailable, f.slot(t, slot.ID).Status)
}

func TestSetSlotStatusOverride(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]

	held, err := f.svc.SetSlotStatus(ctx, slot.ID, SlotClaimed)
	require.NoError(t, err)
	assert.Equal(t, SlotClaimed, held.Status)

	_, err = f.svc.BookSlot(ctx, f.patients[0].ID, slot.ID, "")
	assert.ErrorIs(t, err, ErrSlotNotAvailable)

	freed, err := f.svc.SetSlotStatus(ctx, slot.ID, SlotAvailable)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, freed.Status)

	_, err = f.svc.BookSlot(ctx, f.patients[0].ID, slot.ID, "")
	require.NoError(t, err)

	_, err = f.svc.SetSlotStatus(ctx, uuid.New(), SlotAvailable)
	assert.ErrorIs(t, err, ErrSlotNotFound)
	_, err = f.svc.SetSlotStatus(ctx, slot.ID, SlotStatus("HELD"))
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestDeleteProviderCascades(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	other := Provider{ID: uuid.New(), Name: "Dr. Shepherd", SessionMinutes: 30}
	f.repo.AddProvider(other)
	otherRes, err := f.svc.CreateWorkingWindow(ctx, other.ID, monday, NewClock(8, 0), NewClock(8, 30), nil)
	require.NoError(t, err)
	otherAppt, err := f.svc.BookSlot(ctx, f.patients[1].ID, otherRes.Created[0].ID, "")
	require.NoError(t, err)

	slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]
	appt, err := f.svc.BookSlot(ctx, f.patients[0].ID, slot.ID, "")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteProvider(ctx, f.provider.ID))

	_, err = f.svc.GetAppointment(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	_, err = f.repo.GetSlotByID(ctx, slot.ID)
	assert.ErrorIs(t, err, ErrSlotNotFound)
	_, err = f.svc.ListSlots(ctx, SlotFilter{ProviderID: f.provider.ID})
	assert.ErrorIs(t, err, ErrProviderNotFound)
	_, err = f.svc.CancelByToken(ctx, appt.CancellationToken)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	assert.ErrorIs(t, f.svc.DeleteProvider(ctx, f.provider.ID), ErrProviderNotFound)

	kept, err := f.svc.GetAppointment(ctx, otherAppt.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, kept.Slot.ProviderID)
}

func TestListAppointmentsMostRecentFirst(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	slots := f.window(t, monday, NewClock(8, 0), NewClock(9, 30))
	patient := f.patients[0].ID

	for _, s := range slots {
		_, err := f.svc.BookSlot(ctx, patient, s.ID, "")
		require.NoError(t, err)
	}

	all, err := f.svc.ListAppointmentsByPatient(ctx, patient, Page{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, NewClock(9, 0), all[0].Slot.Start)
	assert.Equal(t, NewClock(8, 0), all[2].Slot.Start)

	page, err := f.svc.ListAppointmentsByProvider(ctx, f.provider.ID, Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, NewClock(8, 30), page[0].Slot.Start)

	_, err = f.svc.ListAppointmentsByPatient(ctx, uuid.New(), Page{})
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	slots := f.window(t, monday, NewClock(8, 0), NewClock(9, 0))
	booked, held := slots[0], slots[1]

	_, err := f.svc.BookSlot(ctx, f.patients[0].ID, booked.ID, "")
	require.NoError(t, err)
	_, err = f.svc.SetSlotStatus(ctx, booked.ID, SlotAvailable)
	require.NoError(t, err)
	_, err = f.svc.SetSlotStatus(ctx, held.ID, SlotClaimed)
	require.NoError(t, err)

	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{booked.ID}, report.Repaired)
	assert.Equal(t, []uuid.UUID{held.ID}, report.Orphaned)
	assert.Equal(t, SlotClaimed, f.slot(t, booked.ID).Status)
	assert.Equal(t, SlotClaimed, f.slot(t, held.ID).Status, "orphans are reported, not released")
	assert.Equal(t, 1.0, f.metric(t, "consultation_reconcile_claimed_without_appointment", nil))

	again, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Repaired)
}

func TestEventsAreRecorded(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]

	appt, err := f.svc.BookSlot(ctx, f.patients[0].ID, slot.ID, "")
	require.NoError(t, err)
	_, err = f.svc.CancelAppointment(ctx, appt.ID, f.patients[0].ID)
	require.NoError(t, err)

	var types []string
	for _, ev := range f.repo.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{EventSlotsGenerated, EventAppointmentBooked, EventAppointmentCancelled}, types)

	booked := f.repo.Events()[1]
	require.NotNil(t, booked.AppointmentID)
	assert.Equal(t, appt.ID, *booked.AppointmentID)
	assert.JSONEq(t, fmt.Sprintf(`{"patient_id":%q}`, f.patients[0].ID), string(booked.Payload))
}

func TestDeleteProviderDropsConcurrentSlotWrites(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	slot := f.window(t, monday, NewClock(8, 0), NewClock(8, 30))[0]

	err := f.repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockSlot(ctx, slot.ID); err != nil {
			return err
		}
		if _, err := tx.UpdateSlotStatus(ctx, slot.ID, SlotClaimed); err != nil {
			return err
		}
		if err := tx.InsertAppointment(ctx, &Appointment{
			ID:                uuid.New(),
			SlotID:            slot.ID,
			PatientID:         f.patients[0].ID,
			CancellationToken: uuid.New(),
			Status:            StatusConfirmed,
		}); err != nil {
			return err
		}
		// the provider goes away while this transaction still holds the slot
		return f.svc.DeleteProvider(ctx, f.provider.ID)
	})
	require.NoError(t, err)

	_, err = f.repo.GetProviderByID(ctx, f.provider.ID)
	assert.ErrorIs(t, err, ErrProviderNotFound)
	_, err = f.repo.GetSlotByID(ctx, slot.ID)
	assert.ErrorIs(t, err, ErrSlotNotFound)

	appts, err := f.repo.ListAppointmentsByPatient(ctx, f.patients[0].ID, Page{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, appts)

	availableWithAppt, claimedWithout, err := f.repo.FindSlotStatusDrift(ctx)
	require.NoError(t, err)
	assert.Empty(t, availableWithAppt)
	assert.Empty(t, claimedWithout)
}

func TestListWorkingWindowsWithSlots(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	tuesday := monday.AddDays(1)

	_, err := f.svc.CreateWorkingWindow(ctx, f.provider.ID, monday, NewClock(8, 0), NewClock(13, 0),
		&BreakWindow{Start: NewClock(10, 0), End: NewClock(11, 0)})
	require.NoError(t, err)
	f.window(t, tuesday, NewClock(14, 0), NewClock(15, 0))
	f.window(t, monday.AddDays(7), NewClock(8, 0), NewClock(9, 0))

	plannings, err := f.svc.ListWorkingWindowsWithSlots(ctx, f.provider.ID, monday, tuesday)
	require.NoError(t, err)
	require.Len(t, plannings, 2, "windows outside the range are left out")

	assert.Equal(t, monday, plannings[0].Date)
	require.NotNil(t, plannings[0].Break)
	assert.Equal(t, []string{"08:00", "08:30", "09:00", "09:30", "11:00", "11:30", "12:00", "12:30"}, starts(plannings[0].Slots))

	assert.Equal(t, tuesday, plannings[1].Date)
	assert.Equal(t, []string{"14:00", "14:30"}, starts(plannings[1].Slots))
	for _, s := range plannings[1].Slots {
		assert.Equal(t, tuesday, s.Date)
	}

	_, err = f.svc.ListWorkingWindowsWithSlots(ctx, uuid.New(), monday, tuesday)
	assert.ErrorIs(t, err, ErrProviderNotFound)
	_, err = f.svc.ListWorkingWindowsWithSlots(ctx, f.provider.ID, tuesday, monday)
	assert.ErrorIs(t, err, ErrMalformedConfig)
}

func TestSortDates(t *testing.T) {
	dates := []civil.Date{monday.AddDays(3), monday, monday.AddDays(-30), monday.AddDays(1)}
	sortDates(dates)
	assert.Equal(t, []civil.Date{monday.AddDays(-30), monday, monday.AddDays(1), monday.AddDays(3)}, dates)
}
