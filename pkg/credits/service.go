package credits

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store          Store
	nowFn          func() int64
	opLogger       OperationLogger
	audit          AuditRecorder
	welcomeGrant   Credits
	guestAllowance int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		welcomeGrant:   defaultWelcomeGrant,
		guestAllowance: defaultGuestAllowance,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// BalanceOf returns the current balance without creating the account.
func (service *Service) BalanceOf(ctx context.Context, accountID AccountID) (Balance, error) {
	return service.store.GetBalance(ctx, accountID)
}

// GetOrCreateBalance returns the balance, creating the account with the
// welcome grant and its ledger entry as one unit of work on first sight.
func (service *Service) GetOrCreateBalance(ctx context.Context, accountID AccountID) (Balance, error) {
	var (
		balance Balance
		created bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		balance, created, err = service.getOrCreateBalanceTx(ctx, transactionStore, accountID)
		return err
	})
	if operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationBootstrap,
			AccountID: accountID,
			Error:     operationError,
		})
		return Balance{}, operationError
	}
	if created {
		service.logOperation(ctx, OperationLog{
			Operation: operationBootstrap,
			AccountID: accountID,
			Delta:     service.welcomeGrant.Int64(),
		})
		service.recordAudit(ctx, AuditEvent{
			Kind:      auditKindWelcome,
			AccountID: accountID.String(),
			Delta:     service.welcomeGrant.Int64(),
			Status:    auditStatusApplied,
			AtUnixUTC: service.nowFn(),
		})
	}
	return balance, nil
}

// ListHistory lists ledger entries for an account before a cutoff time.
func (service *Service) ListHistory(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

// getOrCreateBalanceTx runs inside an open transaction. It takes the row
// lock on the existing balance, or creates it with the welcome grant. A
// losing race on creation falls back to the freshly committed row.
func (service *Service) getOrCreateBalanceTx(ctx context.Context, transactionStore Store, accountID AccountID) (Balance, bool, error) {
	balance, err := transactionStore.GetBalanceForUpdate(ctx, accountID)
	if err == nil {
		return balance, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Balance{}, false, err
	}
	nowUnixUTC := service.nowFn()
	balance, err = transactionStore.CreateBalance(ctx, accountID, service.welcomeGrant, nowUnixUTC)
	if errors.Is(err, ErrAccountExists) {
		balance, err = transactionStore.GetBalanceForUpdate(ctx, accountID)
		return balance, false, err
	}
	if err != nil {
		return Balance{}, false, err
	}
	if service.welcomeGrant > 0 {
		welcomeDelta, deltaErr := NewCreditDelta(service.welcomeGrant.Int64())
		if deltaErr != nil {
			return Balance{}, false, deltaErr
		}
		_, err = transactionStore.InsertEntry(ctx, LedgerEntry{
			AccountID:      accountID,
			Delta:          welcomeDelta,
			Kind:           EntryWelcome,
			Status:         EntryStatusSettled,
			Description:    descriptionWelcomeGrant,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return Balance{}, false, err
		}
	}
	return balance, true, nil
}

// applyCheckedDebit deducts amount under the caller's row lock with the
// floor clamp armed. The caller has already verified sufficiency, so a
// clamped result is a defect and aborts the unit of work.
func (service *Service) applyCheckedDebit(ctx context.Context, transactionStore Store, operation string, before Balance, cost PositiveCredits, nowUnixUTC int64) (Balance, error) {
	updated, err := transactionStore.ApplyBalanceDelta(ctx, before.AccountID, cost.Debit(), true, nowUnixUTC)
	if err != nil {
		return Balance{}, err
	}
	expected := before.Credits.Int64() - cost.Int64()
	if updated.Credits.Int64() != expected {
		return Balance{}, WrapError(operation, subjectBalance, codeClampTriggered, ErrBalanceConstraint)
	}
	return updated, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.opLogger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.opLogger.LogOperation(ctx, entry)
}

// recordAudit forwards to the audit sink, if any. Called only after the
// mutation committed; the sink contract keeps its failures to itself.
func (service *Service) recordAudit(ctx context.Context, event AuditEvent) {
	if service.audit == nil {
		return
	}
	service.audit.Record(ctx, event)
}
