package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

type slotKey struct {
	providerID uuid.UUID
	date       civil.Date
	start      Clock
}

type windowKey struct {
	providerID uuid.UUID
	date       civil.Date
}

// MemoryRepository keeps everything in process. Transactions stage their
// writes and publish them at commit; unique keys claimed by an open
// transaction are reserved so a concurrent insert of the same key loses,
// as it would against a unique index.
type MemoryRepository struct {
	mu sync.Mutex

	providers    map[uuid.UUID]Provider
	patients     map[uuid.UUID]Patient
	slots        map[uuid.UUID]Slot
	windows      map[uuid.UUID]WorkingWindow
	appointments map[uuid.UUID]Appointment
	events       []EventLog

	slotKeys     map[slotKey]uuid.UUID
	windowKeys   map[windowKey]uuid.UUID
	activeBySlot map[uuid.UUID]uuid.UUID
	tokens       map[uuid.UUID]uuid.UUID

	reservedSlots   map[slotKey]bool
	reservedWindows map[windowKey]bool
	reservedActive  map[uuid.UUID]bool

	slotLocks *KeyedLocker
	apptLocks *KeyedLocker
}

func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	return &MemoryRepository{
		providers:       make(map[uuid.UUID]Provider),
		patients:        make(map[uuid.UUID]Patient),
		slots:           make(map[uuid.UUID]Slot),
		windows:         make(map[uuid.UUID]WorkingWindow),
		appointments:    make(map[uuid.UUID]Appointment),
		slotKeys:        make(map[slotKey]uuid.UUID),
		windowKeys:      make(map[windowKey]uuid.UUID),
		activeBySlot:    make(map[uuid.UUID]uuid.UUID),
		tokens:          make(map[uuid.UUID]uuid.UUID),
		reservedSlots:   make(map[slotKey]bool),
		reservedWindows: make(map[windowKey]bool),
		reservedActive:  make(map[uuid.UUID]bool),
		slotLocks:       NewKeyedLocker(lockTimeout),
		apptLocks:       NewKeyedLocker(lockTimeout),
	}
}

func (r *MemoryRepository) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
		p.UpdatedAt = p.CreatedAt
	}
	r.providers[p.ID] = p
}

func (r *MemoryRepository) AddPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
		p.UpdatedAt = p.CreatedAt
	}
	r.patients[p.ID] = p
}

// Events returns a copy of the audit log in insertion order.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventLog(nil), r.events...)
}

func (r *MemoryRepository) GetProviderByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetSlotByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) ListSlots(_ context.Context, f SlotFilter) ([]Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []Slot{}
	for _, s := range r.slots {
		if s.ProviderID != f.ProviderID {
			continue
		}
		if f.Date != nil && s.Date != *f.Date {
			continue
		}
		if f.From != nil && s.Date.Before(*f.From) {
			continue
		}
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Start < out[j].Start
	})
	return out, nil
}

func (r *MemoryRepository) ListWorkingWindows(_ context.Context, providerID uuid.UUID, from, to civil.Date) ([]WorkingWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []WorkingWindow{}
	for _, w := range r.windows {
		if w.ProviderID != providerID || w.Date.Before(from) || w.Date.After(to) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &AppointmentDetail{Appointment: a, Slot: r.slots[a.SlotID]}, nil
}

func (r *MemoryRepository) GetAppointmentIDByToken(_ context.Context, token uuid.UUID) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.tokens[token]
	if !ok {
		return uuid.Nil, ErrAppointmentNotFound
	}
	return id, nil
}

func (r *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, p Page) ([]AppointmentDetail, error) {
	return r.listAppointments(p, func(a Appointment, _ Slot) bool { return a.PatientID == patientID }), nil
}

func (r *MemoryRepository) ListAppointmentsByProvider(_ context.Context, providerID uuid.UUID, p Page) ([]AppointmentDetail, error) {
	return r.listAppointments(p, func(_ Appointment, s Slot) bool { return s.ProviderID == providerID }), nil
}

// listAppointments orders by slot date and start, most recent first.
func (r *MemoryRepository) listAppointments(p Page, match func(Appointment, Slot) bool) []AppointmentDetail {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := []AppointmentDetail{}
	for _, a := range r.appointments {
		s := r.slots[a.SlotID]
		if match(a, s) {
			all = append(all, AppointmentDetail{Appointment: a, Slot: s})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		si, sj := all[i].Slot, all[j].Slot
		if si.Date != sj.Date {
			return si.Date.After(sj.Date)
		}
		if si.Start != sj.Start {
			return si.Start > sj.Start
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	p = p.normalize()
	if p.Offset >= len(all) {
		return []AppointmentDetail{}
	}
	end := p.Offset + p.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[p.Offset:end]
}

func (r *MemoryRepository) FindSlotStatusDrift(_ context.Context) ([]uuid.UUID, []uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var availableWithAppt, claimedWithout []uuid.UUID
	for id, s := range r.slots {
		_, active := r.activeBySlot[id]
		switch {
		case s.Status == SlotAvailable && active:
			availableWithAppt = append(availableWithAppt, id)
		case s.Status == SlotClaimed && !active:
			claimedWithout = append(claimedWithout, id)
		}
	}
	sortIDs(availableWithAppt)
	sortIDs(claimedWithout)
	return availableWithAppt, claimedWithout, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx := &memTx{
		repo:         r,
		locked:       make(map[uuid.UUID]bool),
		slots:        make(map[uuid.UUID]Slot),
		windows:      make(map[uuid.UUID]WorkingWindow),
		appointments: make(map[uuid.UUID]Appointment),
	}
	done := false
	defer func() {
		if !done {
			tx.rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	done = true
	return nil
}

type memTx struct {
	repo     *MemoryRepository
	locked   map[uuid.UUID]bool
	releases []func()

	slots        map[uuid.UUID]Slot
	windows      map[uuid.UUID]WorkingWindow
	appointments map[uuid.UUID]Appointment

	resSlots   []slotKey
	resWindows []windowKey
	resActive  []uuid.UUID

	deleteProvider *uuid.UUID
}

func (t *memTx) slot(id uuid.UUID) (Slot, bool) {
	if s, ok := t.slots[id]; ok {
		return s, true
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	s, ok := t.repo.slots[id]
	return s, ok
}

func (t *memTx) appointment(id uuid.UUID) (Appointment, bool) {
	if a, ok := t.appointments[id]; ok {
		return a, true
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	a, ok := t.repo.appointments[id]
	return a, ok
}

func (t *memTx) lock(ctx context.Context, locks *KeyedLocker, id uuid.UUID) error {
	if t.locked[id] {
		return nil
	}
	release, err := locks.Acquire(ctx, id)
	if err != nil {
		return err
	}
	t.locked[id] = true
	t.releases = append(t.releases, release)
	return nil
}

func (t *memTx) LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	if _, ok := t.slot(id); !ok {
		return nil, ErrSlotNotFound
	}
	if err := t.lock(ctx, t.repo.slotLocks, id); err != nil {
		return nil, err
	}
	// reread, the holder we waited for may have changed it
	s, ok := t.slot(id)
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (t *memTx) UpdateSlotStatus(_ context.Context, id uuid.UUID, status SlotStatus) (*Slot, error) {
	s, ok := t.slot(id)
	if !ok {
		return nil, ErrSlotNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	t.slots[id] = s
	return &s, nil
}

func (t *memTx) SlotExists(_ context.Context, providerID uuid.UUID, date civil.Date, start Clock) (bool, error) {
	key := slotKey{providerID, date, start}
	for _, s := range t.slots {
		if (slotKey{s.ProviderID, s.Date, s.Start}) == key {
			return true, nil
		}
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	_, ok := t.repo.slotKeys[key]
	return ok, nil
}

func (t *memTx) InsertSlot(_ context.Context, s *Slot) (bool, error) {
	key := slotKey{s.ProviderID, s.Date, s.Start}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if _, taken := t.repo.slotKeys[key]; taken || t.repo.reservedSlots[key] {
		return false, nil
	}
	t.repo.reservedSlots[key] = true
	t.resSlots = append(t.resSlots, key)
	t.slots[s.ID] = *s
	return true, nil
}

func (t *memTx) WorkingWindowExists(_ context.Context, providerID uuid.UUID, date civil.Date) (bool, error) {
	key := windowKey{providerID, date}
	for _, w := range t.windows {
		if (windowKey{w.ProviderID, w.Date}) == key {
			return true, nil
		}
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	_, ok := t.repo.windowKeys[key]
	return ok, nil
}

func (t *memTx) InsertWorkingWindow(_ context.Context, w *WorkingWindow) (bool, error) {
	key := windowKey{w.ProviderID, w.Date}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if _, taken := t.repo.windowKeys[key]; taken || t.repo.reservedWindows[key] {
		return false, nil
	}
	t.repo.reservedWindows[key] = true
	t.resWindows = append(t.resWindows, key)
	t.windows[w.ID] = *w
	return true, nil
}

func (t *memTx) HasActiveAppointment(_ context.Context, slotID uuid.UUID) (bool, error) {
	for _, a := range t.appointments {
		if a.SlotID == slotID && a.Status.Active() {
			return true, nil
		}
	}

	t.repo.mu.Lock()
	id, ok := t.repo.activeBySlot[slotID]
	t.repo.mu.Unlock()
	if !ok {
		return false, nil
	}
	if staged, ok := t.appointments[id]; ok && !staged.Status.Active() {
		return false, nil
	}
	return true, nil
}

func (t *memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	if a.Status.Active() {
		if id, ok := t.repo.activeBySlot[a.SlotID]; ok {
			if staged, mine := t.appointments[id]; !mine || staged.Status.Active() {
				return ErrSlotConflict
			}
		}
		if t.repo.reservedActive[a.SlotID] {
			return ErrSlotConflict
		}
		t.repo.reservedActive[a.SlotID] = true
		t.resActive = append(t.resActive, a.SlotID)
	}
	t.appointments[a.ID] = *a
	return nil
}

func (t *memTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if _, ok := t.appointment(id); !ok {
		return nil, ErrAppointmentNotFound
	}
	if err := t.lock(ctx, t.repo.apptLocks, id); err != nil {
		return nil, err
	}
	a, ok := t.appointment(id)
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (t *memTx) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	a, ok := t.appointment(id)
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	t.appointments[id] = a
	return &a, nil
}

func (t *memTx) DeleteProviderCascade(_ context.Context, providerID uuid.UUID) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if _, ok := t.repo.providers[providerID]; !ok {
		return ErrProviderNotFound
	}
	t.deleteProvider = &providerID
	return nil
}

func (t *memTx) commit() {
	r := t.repo
	r.mu.Lock()

	// a provider deleted by a concurrent transaction takes its rows with it;
	// staged writes against them are dropped instead of resurrecting them
	for id, w := range t.windows {
		if _, ok := r.providers[w.ProviderID]; !ok {
			continue
		}
		r.windows[id] = w
		r.windowKeys[windowKey{w.ProviderID, w.Date}] = id
	}
	for id, s := range t.slots {
		if _, ok := r.providers[s.ProviderID]; !ok {
			continue
		}
		r.slots[id] = s
		r.slotKeys[slotKey{s.ProviderID, s.Date, s.Start}] = id
	}
	for id, a := range t.appointments {
		if _, ok := r.slots[a.SlotID]; !ok {
			continue
		}
		r.appointments[id] = a
		r.tokens[a.CancellationToken] = id
		if a.Status.Active() {
			r.activeBySlot[a.SlotID] = id
		} else if r.activeBySlot[a.SlotID] == id {
			delete(r.activeBySlot, a.SlotID)
		}
	}
	if t.deleteProvider != nil {
		r.deleteProviderLocked(*t.deleteProvider)
	}
	t.clearReservationsLocked()

	r.mu.Unlock()
	t.releaseLocks()
}

func (t *memTx) rollback() {
	t.repo.mu.Lock()
	t.clearReservationsLocked()
	t.repo.mu.Unlock()
	t.releaseLocks()
}

func (t *memTx) clearReservationsLocked() {
	for _, k := range t.resSlots {
		delete(t.repo.reservedSlots, k)
	}
	for _, k := range t.resWindows {
		delete(t.repo.reservedWindows, k)
	}
	for _, k := range t.resActive {
		delete(t.repo.reservedActive, k)
	}
	t.resSlots, t.resWindows, t.resActive = nil, nil, nil
}

func (t *memTx) releaseLocks() {
	for i := len(t.releases) - 1; i >= 0; i-- {
		t.releases[i]()
	}
	t.releases = nil
}

func (r *MemoryRepository) deleteProviderLocked(providerID uuid.UUID) {
	for id, s := range r.slots {
		if s.ProviderID != providerID {
			continue
		}
		for aid, a := range r.appointments {
			if a.SlotID == id {
				delete(r.tokens, a.CancellationToken)
				delete(r.appointments, aid)
			}
		}
		delete(r.activeBySlot, id)
		delete(r.slotKeys, slotKey{s.ProviderID, s.Date, s.Start})
		delete(r.slots, id)
	}
	for id, w := range r.windows {
		if w.ProviderID == providerID {
			delete(r.windowKeys, windowKey{w.ProviderID, w.Date})
			delete(r.windows, id)
		}
	}
	delete(r.providers, providerID)
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
