package credits

import (
	"context"
	"errors"
	"fmt"
)

// ApplyPurchase processes a verified completed-purchase notification.
// Delivery is at-least-once: a notice whose external id was already recorded
// is a silent no-op. The payment row is committed first, then the credits
// are granted as a second unit of work; if the grant fails the payment is
// marked failed and an actionable audit event is recorded for manual
// reconciliation. The reverse failure mode, credits granted without a
// payment record, is unreachable by construction.
func (service *Service) ApplyPurchase(ctx context.Context, notice PurchaseNotice) error {
	if _, err := service.store.GetPaymentByExternalID(ctx, notice.Provider, notice.ExternalID); err == nil {
		service.noteDuplicate(ctx, notice)
		return nil
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return err
	}

	nowUnixUTC := service.nowFn()
	payment, err := service.store.InsertPayment(ctx, PaymentRecord{
		AccountID:        notice.AccountID,
		Provider:         notice.Provider,
		ExternalID:       notice.ExternalID,
		Status:           PaymentStatusPaid,
		AmountCents:      notice.AmountCents,
		Currency:         notice.Currency,
		CreditsPurchased: notice.Credits,
		Metadata:         notice.Metadata,
		CreatedUnixUTC:   nowUnixUTC,
		UpdatedUnixUTC:   nowUnixUTC,
	})
	if errors.Is(err, ErrDuplicatePayment) {
		// Lost an insert race against a concurrent delivery of the same notice.
		service.noteDuplicate(ctx, notice)
		return nil
	}
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationPurchase,
			AccountID: notice.AccountID,
			Reference: notice.ExternalID.String(),
			Error:     err,
		})
		return err
	}

	grantErr := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, _, err := service.getOrCreateBalanceTx(ctx, transactionStore, notice.AccountID); err != nil {
			return err
		}
		grantUnixUTC := service.nowFn()
		if _, err := transactionStore.ApplyBalanceDelta(ctx, notice.AccountID, notice.Credits.Credit(), false, grantUnixUTC); err != nil {
			return err
		}
		_, err := transactionStore.InsertEntry(ctx, LedgerEntry{
			AccountID:      notice.AccountID,
			Delta:          notice.Credits.Credit(),
			Kind:           EntryPurchase,
			Status:         EntryStatusSettled,
			Reference:      &EntryReference{Type: referenceTypePayment, ID: payment.PaymentID},
			Description:    descriptionPurchase,
			CreatedUnixUTC: grantUnixUTC,
		})
		return err
	})
	if grantErr != nil {
		return service.compensatePurchase(ctx, payment, grantErr)
	}

	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		AccountID: notice.AccountID,
		Delta:     notice.Credits.Credit().Int64(),
		Reference: notice.ExternalID.String(),
	})
	service.recordAudit(ctx, AuditEvent{
		Kind:      auditKindPurchase,
		AccountID: notice.AccountID.String(),
		Reference: payment.PaymentID,
		Delta:     notice.Credits.Credit().Int64(),
		Status:    auditStatusApplied,
		Details:   map[string]string{"provider": notice.Provider, "external_id": notice.ExternalID.String()},
		AtUnixUTC: service.nowFn(),
	})
	return nil
}

// compensatePurchase marks the committed payment row failed after the grant
// step broke. The mark failure itself is logged but never masks the grant
// error, which is what the caller has to act on.
func (service *Service) compensatePurchase(ctx context.Context, payment PaymentRecord, grantErr error) error {
	markErr := service.store.UpdatePaymentStatus(ctx, payment.PaymentID, PaymentStatusPaid, PaymentStatusFailed, service.nowFn())
	if markErr != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationPurchase,
			AccountID: payment.AccountID,
			Reference: payment.PaymentID,
			Error:     markErr,
		})
	}
	service.recordAudit(ctx, AuditEvent{
		Kind:      auditKindCompensation,
		AccountID: payment.AccountID.String(),
		Reference: payment.PaymentID,
		Delta:     payment.CreditsPurchased.Credit().Int64(),
		Status:    auditStatusActionable,
		Details: map[string]string{
			"provider":    payment.Provider,
			"external_id": payment.ExternalID.String(),
			"grant_error": grantErr.Error(),
		},
		AtUnixUTC: service.nowFn(),
	})
	wrapped := fmt.Errorf("%w: payment %s: %v", ErrCompensationRequired, payment.PaymentID, grantErr)
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		AccountID: payment.AccountID,
		Reference: payment.PaymentID,
		Error:     wrapped,
	})
	return WrapError(operationPurchase, subjectPayment, codeCompensation, wrapped)
}

// ApplyRefund processes a verified provider refund for a prior purchase.
// Idempotent on the payment's refunded status. The deduction is deliberately
// not floor-clamped: a refund corrects prior over-crediting, so a balance
// already spent down may go negative here rather than leave the books short.
func (service *Service) ApplyRefund(ctx context.Context, provider string, externalID ExternalID) error {
	var (
		payment   PaymentRecord
		duplicate bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		payment, err = transactionStore.GetPaymentByExternalID(ctx, provider, externalID)
		if err != nil {
			return err
		}
		if payment.Status == PaymentStatusRefunded {
			duplicate = true
			return nil
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.UpdatePaymentStatus(ctx, payment.PaymentID, payment.Status, PaymentStatusRefunded, nowUnixUTC); err != nil {
			return err
		}
		if _, err := transactionStore.ApplyBalanceDelta(ctx, payment.AccountID, payment.CreditsPurchased.Debit(), false, nowUnixUTC); err != nil {
			return err
		}
		_, err = transactionStore.InsertEntry(ctx, LedgerEntry{
			AccountID:      payment.AccountID,
			Delta:          payment.CreditsPurchased.Debit(),
			Kind:           EntryRefund,
			Status:         EntryStatusSettled,
			Reference:      &EntryReference{Type: referenceTypePayment, ID: payment.PaymentID},
			Description:    descriptionChargeback,
			CreatedUnixUTC: nowUnixUTC,
		})
		return err
	})
	if errors.Is(operationError, ErrPaymentClosed) {
		// Lost the transition race against a concurrent delivery; the winner
		// already applied the refund.
		duplicate = true
		operationError = nil
	}
	logEntry := OperationLog{
		Operation: operationChargeback,
		AccountID: payment.AccountID,
		Delta:     payment.CreditsPurchased.Debit().Int64(),
		Reference: externalID.String(),
		Error:     operationError,
	}
	if duplicate {
		logEntry.Status = operationStatusDuplicate
		logEntry.Delta = 0
	}
	service.logOperation(ctx, logEntry)
	if operationError == nil && !duplicate {
		service.recordAudit(ctx, AuditEvent{
			Kind:      auditKindChargeback,
			AccountID: payment.AccountID.String(),
			Reference: payment.PaymentID,
			Delta:     payment.CreditsPurchased.Debit().Int64(),
			Status:    auditStatusApplied,
			Details:   map[string]string{"provider": provider, "external_id": externalID.String()},
			AtUnixUTC: service.nowFn(),
		})
	}
	return operationError
}

func (service *Service) noteDuplicate(ctx context.Context, notice PurchaseNotice) {
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		AccountID: notice.AccountID,
		Reference: notice.ExternalID.String(),
		Status:    operationStatusDuplicate,
	})
	service.recordAudit(ctx, AuditEvent{
		Kind:      auditKindDuplicate,
		AccountID: notice.AccountID.String(),
		Reference: notice.ExternalID.String(),
		Status:    auditStatusSkipped,
		Details:   map[string]string{"provider": notice.Provider},
		AtUnixUTC: service.nowFn(),
	})
}
