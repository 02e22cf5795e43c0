package credits

import (
	"context"
	"fmt"
)

// Reserve atomically checks and deducts cost under the per-account row
// lock, writing a pending spend entry in the same transaction. Insufficient
// balance is reported in the result, never as an error. The account is
// created with the welcome grant on first sight.
func (service *Service) Reserve(ctx context.Context, accountID AccountID, cost PositiveCredits) (ReserveResult, error) {
	var result ReserveResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, _, err := service.getOrCreateBalanceTx(ctx, transactionStore, accountID)
		if err != nil {
			return err
		}
		if balance.Credits.Int64() < cost.Int64() {
			result = ReserveResult{Insufficient: true}
			return nil
		}
		nowUnixUTC := service.nowFn()
		if _, err := service.applyCheckedDebit(ctx, transactionStore, operationReserve, balance, cost, nowUnixUTC); err != nil {
			return err
		}
		entryID, err := transactionStore.InsertEntry(ctx, LedgerEntry{
			AccountID:      accountID,
			Delta:          cost.Debit(),
			Kind:           EntrySpend,
			Status:         EntryStatusPending,
			Description:    descriptionReservation,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		result = ReserveResult{Reservation: Reservation{
			EntryID:   entryID,
			AccountID: accountID,
			Cost:      cost,
		}}
		return nil
	})
	logEntry := OperationLog{
		Operation: operationReserve,
		AccountID: accountID,
		EntryID:   result.Reservation.EntryID,
		Delta:     cost.Debit().Int64(),
		Error:     operationError,
	}
	if operationError == nil && result.Insufficient {
		logEntry.Status = operationStatusInsufficient
		logEntry.Delta = 0
	}
	service.logOperation(ctx, logEntry)
	if operationError == nil && !result.Insufficient {
		service.recordAudit(ctx, AuditEvent{
			Kind:      auditKindReserve,
			AccountID: accountID.String(),
			Reference: result.Reservation.EntryID.String(),
			Delta:     cost.Debit().Int64(),
			Status:    auditStatusApplied,
			AtUnixUTC: service.nowFn(),
		})
	}
	return result, operationError
}

// GetReservation rebuilds the reservation handle for a spend entry, for
// callers that carry only the entry id across requests. Entries of any other
// kind are reported as unknown.
func (service *Service) GetReservation(ctx context.Context, entryID EntryID) (Reservation, error) {
	var reservation Reservation
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entry, err := transactionStore.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Kind != EntrySpend {
			return fmt.Errorf("%w: entry %s is not a reservation", ErrEntryNotFound, entryID)
		}
		cost, err := NewPositiveCredits(-entry.Delta.Int64())
		if err != nil {
			return err
		}
		reservation = Reservation{
			EntryID:   entry.EntryID,
			AccountID: entry.AccountID,
			Cost:      cost,
		}
		return nil
	})
	return reservation, err
}

// Confirm transitions the reservation's pending entry to confirmed and
// attaches the produced artifact reference. Confirming an already-confirmed
// reservation is a no-op; confirming a refunded one is rejected.
func (service *Service) Confirm(ctx context.Context, reservation Reservation, reference EntryReference) error {
	var alreadyConfirmed bool
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entry, err := transactionStore.GetEntryForUpdate(ctx, reservation.EntryID)
		if err != nil {
			return err
		}
		switch entry.Status {
		case EntryStatusConfirmed:
			alreadyConfirmed = true
			return nil
		case EntryStatusPending:
		default:
			return WrapError(operationConfirm, subjectEntry, codeClosed, ErrEntryClosed)
		}
		return transactionStore.UpdateEntryStatus(ctx, reservation.EntryID, EntryStatusPending, EntryStatusConfirmed, &reference, "")
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationConfirm,
		AccountID: reservation.AccountID,
		EntryID:   reservation.EntryID,
		Reference: reference.ID,
		Error:     operationError,
	})
	if operationError == nil && !alreadyConfirmed {
		service.recordAudit(ctx, AuditEvent{
			Kind:      auditKindConfirm,
			AccountID: reservation.AccountID.String(),
			Reference: reservation.EntryID.String(),
			Status:    auditStatusApplied,
			Details:   map[string]string{"reference_type": reference.Type, "reference_id": reference.ID},
			AtUnixUTC: service.nowFn(),
		})
	}
	return operationError
}

// Refund credits the reservation's cost back through a new adjustment entry
// and marks the original entry refunded with the reason. The original entry
// is never mutated beyond its status; the credit is additive, independent of
// whatever the balance has become since the reservation. Refunding an
// already-refunded reservation is a no-op.
func (service *Service) Refund(ctx context.Context, accountID AccountID, reservation Reservation, reason string) error {
	var alreadyRefunded bool
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entry, err := transactionStore.GetEntryForUpdate(ctx, reservation.EntryID)
		if err != nil {
			return err
		}
		switch entry.Status {
		case EntryStatusRefunded:
			alreadyRefunded = true
			return nil
		case EntryStatusPending:
		default:
			return WrapError(operationRefund, subjectEntry, codeClosed, ErrEntryClosed)
		}
		if err := transactionStore.UpdateEntryStatus(ctx, reservation.EntryID, EntryStatusPending, EntryStatusRefunded, nil, reason); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.ApplyBalanceDelta(ctx, accountID, reservation.Cost.Credit(), false, nowUnixUTC); err != nil {
			return err
		}
		_, err = transactionStore.InsertEntry(ctx, LedgerEntry{
			AccountID:      accountID,
			Delta:          reservation.Cost.Credit(),
			Kind:           EntryAdjustment,
			Status:         EntryStatusSettled,
			Reference:      &EntryReference{Type: referenceTypeEntry, ID: reservation.EntryID.String()},
			Description:    descriptionRefundPrefix + reason,
			CreatedUnixUTC: nowUnixUTC,
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		AccountID: accountID,
		EntryID:   reservation.EntryID,
		Delta:     reservation.Cost.Credit().Int64(),
		Error:     operationError,
	})
	if operationError == nil && !alreadyRefunded {
		service.recordAudit(ctx, AuditEvent{
			Kind:      auditKindRefund,
			AccountID: accountID.String(),
			Reference: reservation.EntryID.String(),
			Delta:     reservation.Cost.Credit().Int64(),
			Status:    auditStatusApplied,
			Details:   map[string]string{"reason": reason},
			AtUnixUTC: service.nowFn(),
		})
	}
	return operationError
}

// SweepOrphanedReservations refunds pending spend entries older than the
// cutoff. A reservation abandoned between reserve and confirm/refund (caller
// crash, lost context) is otherwise stuck forever. Individual refund
// failures are logged and skipped so one bad row cannot stall the sweep.
func (service *Service) SweepOrphanedReservations(ctx context.Context, cutoffUnixUTC int64, limit int) (int, error) {
	stale, err := service.store.ListPendingSpendsBefore(ctx, cutoffUnixUTC, limit)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, entry := range stale {
		cost, costErr := NewPositiveCredits(-entry.Delta.Int64())
		if costErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationSweep,
				AccountID: entry.AccountID,
				EntryID:   entry.EntryID,
				Error:     costErr,
			})
			continue
		}
		reservation := Reservation{EntryID: entry.EntryID, AccountID: entry.AccountID, Cost: cost}
		if refundErr := service.Refund(ctx, entry.AccountID, reservation, reasonReservationTimeout); refundErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationSweep,
				AccountID: entry.AccountID,
				EntryID:   entry.EntryID,
				Error:     refundErr,
			})
			continue
		}
		service.recordAudit(ctx, AuditEvent{
			Kind:      auditKindSweepRefund,
			AccountID: entry.AccountID.String(),
			Reference: entry.EntryID.String(),
			Delta:     cost.Credit().Int64(),
			Status:    auditStatusApplied,
			AtUnixUTC: service.nowFn(),
		})
		swept++
	}
	return swept, nil
}
