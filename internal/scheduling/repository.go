package scheduling

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// Repository contains all store interactions needed by the service.
// Reads outside a transaction see committed state only.
type Repository interface {
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// ListSlots orders by date then start time.
	ListSlots(ctx context.Context, f SlotFilter) ([]Slot, error)
	ListWorkingWindows(ctx context.Context, providerID uuid.UUID, from, to civil.Date) ([]WorkingWindow, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	GetAppointmentIDByToken(ctx context.Context, token uuid.UUID) (uuid.UUID, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, p Page) ([]AppointmentDetail, error)
	ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, p Page) ([]AppointmentDetail, error)

	// Reconciler
	FindSlotStatusDrift(ctx context.Context) (availableWithAppointment, claimedWithout []uuid.UUID, err error)

	InsertEvent(ctx context.Context, ev EventLog) error

	// WithinTx runs fn in one atomic unit: every write made through tx is
	// committed together or not at all.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write side of the store, only reachable inside WithinTx.
type Tx interface {
	// LockSlot takes the row-scoped exclusive lock, waiting at most the
	// store's lock timeout. A timeout surfaces as ErrSlotBusy.
	LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	UpdateSlotStatus(ctx context.Context, id uuid.UUID, status SlotStatus) (*Slot, error)

	SlotExists(ctx context.Context, providerID uuid.UUID, date civil.Date, start Clock) (bool, error)
	// InsertSlot reports false without error when the (provider, date, start)
	// triple is already taken.
	InsertSlot(ctx context.Context, s *Slot) (bool, error)

	WorkingWindowExists(ctx context.Context, providerID uuid.UUID, date civil.Date) (bool, error)
	InsertWorkingWindow(ctx context.Context, w *WorkingWindow) (bool, error)

	HasActiveAppointment(ctx context.Context, slotID uuid.UUID) (bool, error)
	// InsertAppointment maps a uniqueness violation on the slot reference to
	// ErrSlotConflict.
	InsertAppointment(ctx context.Context, a *Appointment) error
	LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error)

	// DeleteProviderCascade removes appointments, then slots, then working
	// windows, then the provider.
	DeleteProviderCascade(ctx context.Context, providerID uuid.UUID) error
}

// SlotLocker guards the critical section per slot across service replicas.
type SlotLocker interface {
	WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error
}
