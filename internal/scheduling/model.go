package scheduling

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotClaimed   SlotStatus = "CLAIMED"
)

// ParseSlotStatus accepts any casing and fails with ErrInvalidStatus for
// values outside the enumeration.
func ParseSlotStatus(raw string) (SlotStatus, error) {
	switch s := SlotStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case SlotAvailable, SlotClaimed:
		return s, nil
	default:
		return "", fmt.Errorf("%w: slot status %q", ErrInvalidStatus, raw)
	}
}

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "PENDING"
	StatusConfirmed AppointmentStatus = "CONFIRMED"
	StatusCompleted AppointmentStatus = "COMPLETED"
	StatusCancelled AppointmentStatus = "CANCELLED"
)

func ParseAppointmentStatus(raw string) (AppointmentStatus, error) {
	switch s := AppointmentStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: appointment status %q", ErrInvalidStatus, raw)
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Active appointments hold their slot.
func (s AppointmentStatus) Active() bool {
	return s != StatusCancelled
}

type Provider struct {
	ID             uuid.UUID
	Name           string
	SessionMinutes int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Slot struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Date       civil.Date
	Start      Clock
	End        Clock
	Status     SlotStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Overlaps uses half-open intervals, so back-to-back slots do not overlap.
func (s Slot) Overlaps(o Slot) bool {
	if s.ProviderID != o.ProviderID || s.Date != o.Date {
		return false
	}
	return s.Start < o.End && o.Start < s.End
}

type WorkingWindow struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Date       civil.Date
	DayStart   Clock
	DayEnd     Clock
	Break      *BreakWindow
	CreatedAt  time.Time
}

// WorkingWindowWithSlots is a day's window together with the slots generated
// from it, ordered by start.
type WorkingWindowWithSlots struct {
	WorkingWindow
	Slots []Slot
}

type BreakWindow struct {
	Start Clock
	End   Clock
}

// Valid breaks carve a hole in the day; anything else is ignored by the
// generator.
func (b *BreakWindow) Valid() bool {
	return b != nil && b.Start < b.End
}

type Appointment struct {
	ID                uuid.UUID
	SlotID            uuid.UUID
	PatientID         uuid.UUID
	CancellationToken uuid.UUID
	Reason            string
	Status            AppointmentStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AppointmentDetail is an appointment joined with the slot it claims.
type AppointmentDetail struct {
	Appointment
	Slot Slot
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	SlotID        *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type SlotFilter struct {
	ProviderID uuid.UUID
	Date       *civil.Date
	From       *civil.Date
	Status     *SlotStatus
}

type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
