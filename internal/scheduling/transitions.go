package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SetAppointmentStatus moves an appointment to status. Moving to CANCELLED
// frees the slot in the same transaction. Setting the current status again
// is a no-op; leaving CANCELLED or COMPLETED is rejected.
func (s *Service) SetAppointmentStatus(ctx context.Context, appointmentID uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	if _, err := ParseAppointmentStatus(string(status)); err != nil {
		return nil, err
	}

	return s.transition(ctx, appointmentID, "admin", func(cur *Appointment) (AppointmentStatus, error) {
		return status, nil
	})
}

// CancelAppointment is the patient facing cancel. It checks ownership before
// state, so a stranger learns nothing about the appointment's status.
func (s *Service) CancelAppointment(ctx context.Context, appointmentID, patientID uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, appointmentID, "patient", func(cur *Appointment) (AppointmentStatus, error) {
		if cur.PatientID != patientID {
			return "", ErrForbidden
		}
		if cur.Status == StatusCompleted {
			return "", ErrAppointmentCompleted
		}
		return StatusCancelled, nil
	})
}

// CancelByToken cancels using the secret token handed out at booking time.
func (s *Service) CancelByToken(ctx context.Context, token uuid.UUID) (*Appointment, error) {
	id, err := s.repo.GetAppointmentIDByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve cancellation token: %w", err)
	}

	return s.transition(ctx, id, "token", func(cur *Appointment) (AppointmentStatus, error) {
		if cur.Status == StatusCompleted {
			return "", ErrAppointmentCompleted
		}
		return StatusCancelled, nil
	})
}

// transition locks the slot then the appointment, asks decide for the
// target status and applies it together with the slot release. via labels
// the cancellation path in metrics.
func (s *Service) transition(ctx context.Context, appointmentID uuid.UUID, via string, decide func(cur *Appointment) (AppointmentStatus, error)) (*Appointment, error) {
	// slot_id never changes, so the unlocked read is enough to pick the lock
	current, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	slotID := current.SlotID

	var (
		result  *Appointment
		from    AppointmentStatus
		changed bool
	)
	err = s.withSlot(ctx, slotID, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockSlot(ctx, slotID); err != nil {
			return err
		}
		appt, err := tx.LockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}

		target, err := decide(appt)
		if err != nil {
			return err
		}
		if target == appt.Status {
			result = appt
			return nil
		}
		if appt.Status.Terminal() {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, appt.Status, target)
		}

		updated, err := tx.UpdateAppointmentStatus(ctx, appointmentID, target)
		if err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}
		if target == StatusCancelled {
			if _, err := tx.UpdateSlotStatus(ctx, slotID, SlotAvailable); err != nil {
				return fmt.Errorf("release slot: %w", err)
			}
		}

		from = appt.Status
		result = updated
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return result, nil
	}

	s.metrics.ObserveTransition(string(result.Status))
	s.log.Info("appointment status changed",
		zap.String("appointment_id", appointmentID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(result.Status)),
	)

	event := EventAppointmentStatusChanged
	if result.Status == StatusCancelled {
		event = EventAppointmentCancelled
		s.metrics.ObserveCancellation(via)
	}
	s.logEvent(ctx, EventLog{EventType: event, AppointmentID: &result.ID, SlotID: &slotID}, map[string]any{
		"from": from,
		"to":   result.Status,
	})
	return result, nil
}

// SetSlotStatus is the administrative override. It writes the slot status
// without touching appointments; the reconciler reports the drift it may
// leave behind.
func (s *Service) SetSlotStatus(ctx context.Context, slotID uuid.UUID, status SlotStatus) (*Slot, error) {
	if _, err := ParseSlotStatus(string(status)); err != nil {
		return nil, err
	}

	var (
		result *Slot
		from   SlotStatus
	)
	err := s.withSlot(ctx, slotID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		from = cur.Status
		if cur.Status == status {
			result = cur
			return nil
		}
		updated, err := tx.UpdateSlotStatus(ctx, slotID, status)
		if err != nil {
			return fmt.Errorf("update slot status: %w", err)
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from == status {
		return result, nil
	}

	s.log.Warn("slot status overridden",
		zap.String("slot_id", slotID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)
	s.logEvent(ctx, EventLog{EventType: EventSlotStatusOverridden, SlotID: &slotID}, map[string]any{
		"from": from,
		"to":   status,
	})
	return result, nil
}
