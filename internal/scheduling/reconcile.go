package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ReconcileReport struct {
	// Repaired slots were AVAILABLE while an active appointment held them
	// and have been flipped back to CLAIMED.
	Repaired []uuid.UUID
	// Orphaned slots are CLAIMED without an active appointment. They are
	// left alone since an administrator may have claimed them on purpose.
	Orphaned []uuid.UUID
}

// Reconcile repairs slot status drift between slots and appointments.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	availableWithAppt, claimedWithout, err := s.repo.FindSlotStatusDrift(ctx)
	if err != nil {
		return nil, fmt.Errorf("find slot drift: %w", err)
	}

	report := &ReconcileReport{Orphaned: claimedWithout}
	for _, slotID := range availableWithAppt {
		repaired, err := s.repairSlot(ctx, slotID)
		if err != nil {
			if KindOf(err) == KindTransient {
				s.log.Info("slot busy, repair deferred", zap.String("slot_id", slotID.String()))
				continue
			}
			return report, fmt.Errorf("repair slot %s: %w", slotID, err)
		}
		if repaired {
			report.Repaired = append(report.Repaired, slotID)
		}
	}

	s.metrics.ObserveReconcile(len(report.Repaired), len(report.Orphaned))
	for _, id := range report.Orphaned {
		s.log.Warn("slot claimed without appointment", zap.String("slot_id", id.String()))
	}
	return report, nil
}

func (s *Service) repairSlot(ctx context.Context, slotID uuid.UUID) (bool, error) {
	var repaired bool
	err := s.withSlot(ctx, slotID, func(ctx context.Context, tx Tx) error {
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Status != SlotAvailable {
			return nil
		}
		// recheck under the lock, a cancel may have landed since the scan
		active, err := tx.HasActiveAppointment(ctx, slotID)
		if err != nil {
			return err
		}
		if !active {
			return nil
		}
		if _, err := tx.UpdateSlotStatus(ctx, slotID, SlotClaimed); err != nil {
			return err
		}
		repaired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if repaired {
		s.log.Warn("slot status repaired", zap.String("slot_id", slotID.String()))
		s.logEvent(ctx, EventLog{EventType: EventSlotRepaired, SlotID: &slotID}, map[string]any{
			"status": SlotClaimed,
		})
	}
	return repaired, nil
}
