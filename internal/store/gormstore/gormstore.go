package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/arcanalabs/credits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore = "store"
	errorSubjectBalance = "balance"
	errorSubjectEntry   = "entry"
	errorSubjectPayment = "payment"
	errorSubjectQuota   = "quota"
	errorSubjectAudit   = "audit"
	errorCodeApply      = "apply"
	errorCodeCreate     = "create"
	errorCodeDuplicate  = "duplicate"
	errorCodeGet        = "get"
	errorCodeIncrement  = "increment"
	errorCodeInsert     = "insert"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodePurge      = "purge"
	errorCodeUpdate     = "update"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, accountID credits.AccountID) (credits.Balance, error) {
	return store.getBalance(ctx, accountID, false)
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, accountID credits.AccountID) (credits.Balance, error) {
	return store.getBalance(ctx, accountID, true)
}

func (store *Store) getBalance(ctx context.Context, accountID credits.AccountID, forUpdate bool) (credits.Balance, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Balance
	err := query.Where("account_id = ?", accountID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, credits.ErrAccountNotFound)
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(row)
}

func (store *Store) CreateBalance(ctx context.Context, accountID credits.AccountID, amount credits.Credits, nowUnixUTC int64) (credits.Balance, error) {
	row := Balance{
		AccountID: accountID.String(),
		Credits:   amount.Int64(),
		CreatedAt: time.Unix(nowUnixUTC, 0).UTC(),
		UpdatedAt: time.Unix(nowUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeDuplicate, credits.ErrAccountExists)
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return mapBalance(row)
}

func (store *Store) ApplyBalanceDelta(ctx context.Context, accountID credits.AccountID, delta credits.CreditDelta, floor bool, nowUnixUTC int64) (credits.Balance, error) {
	assignment := map[string]interface{}{
		"credits":    gorm.Expr("credits + ?", delta.Int64()),
		"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
	}
	if floor {
		// Portable rendition of GREATEST(0, credits + delta); SQLite has no
		// scalar GREATEST.
		assignment["credits"] = gorm.Expr("CASE WHEN credits + ? < 0 THEN 0 ELSE credits + ? END", delta.Int64(), delta.Int64())
	}
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("account_id = ?", accountID.String()).
		Updates(assignment)
	if result.Error != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeApply, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeApply, credits.ErrAccountNotFound)
	}
	return store.getBalance(ctx, accountID, false)
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.LedgerEntry) (credits.EntryID, error) {
	row := LedgerEntry{
		AccountID:   entry.AccountID.String(),
		Delta:       entry.Delta.Int64(),
		Kind:        entry.Kind.String(),
		Status:      entry.Status.String(),
		Description: entry.Description,
		StatusNote:  entry.StatusNote,
		CreatedAt:   time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.Reference != nil {
		referenceType := entry.Reference.Type
		referenceID := entry.Reference.ID
		row.ReferenceType = &referenceType
		row.ReferenceID = &referenceID
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return credits.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := credits.NewEntryID(row.EntryID)
	if err != nil {
		return credits.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entryID, nil
}

func (store *Store) GetEntryForUpdate(ctx context.Context, entryID credits.EntryID) (credits.LedgerEntry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entry_id = ?", entryID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, credits.ErrEntryNotFound)
	}
	if err != nil {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) UpdateEntryStatus(ctx context.Context, entryID credits.EntryID, from, to credits.EntryStatus, reference *credits.EntryReference, note string) error {
	assignment := map[string]interface{}{"status": to.String()}
	if reference != nil {
		assignment["reference_type"] = reference.Type
		assignment["reference_id"] = reference.ID
	}
	if note != "" {
		assignment["status_note"] = note
	}
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND status = ?", entryID.String(), from.String()).
		Updates(assignment)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, credits.ErrEntryClosed)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID credits.AccountID, beforeUnixUTC int64, limit int) ([]credits.LedgerEntry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListPendingSpendsBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]credits.LedgerEntry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND created_at < ?",
			credits.EntrySpend.String(), credits.EntryStatusPending.String(), time.Unix(cutoffUnixUTC, 0).UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) InsertPayment(ctx context.Context, payment credits.PaymentRecord) (credits.PaymentRecord, error) {
	row := Payment{
		AccountID:        payment.AccountID.String(),
		Provider:         payment.Provider,
		ExternalID:       payment.ExternalID.String(),
		Status:           payment.Status.String(),
		AmountCents:      payment.AmountCents,
		Currency:         payment.Currency,
		CreditsPurchased: payment.CreditsPurchased.Int64(),
		Metadata:         datatypesJSON(payment.Metadata.String()),
		CreatedAt:        time.Unix(payment.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:        time.Unix(payment.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, credits.ErrDuplicatePayment)
	}
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	stored, err := mapPayment(row)
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return stored, nil
}

func (store *Store) GetPaymentByExternalID(ctx context.Context, provider string, externalID credits.ExternalID) (credits.PaymentRecord, error) {
	var row Payment
	err := store.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, credits.ErrPaymentNotFound)
	}
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	payment, err := mapPayment(row)
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return payment, nil
}

func (store *Store) UpdatePaymentStatus(ctx context.Context, paymentID string, from, to credits.PaymentStatus, nowUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("payment_id = ? AND status = ?", paymentID, from.String()).
		Updates(map[string]interface{}{
			"status":     to.String(),
			"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		// Zero rows means a missing row or a row whose status already moved;
		// concurrent deliveries land in the second case.
		var row Payment
		err := store.db.WithContext(ctx).Where("payment_id = ?", paymentID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectPayment, errorCodeUpdate, credits.ErrPaymentNotFound)
		}
		if err != nil {
			return wrapStoreError(errorSubjectPayment, errorCodeUpdate, err)
		}
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, credits.ErrPaymentClosed)
	}
	return nil
}

func (store *Store) GetGuestQuota(ctx context.Context, sessionID credits.SessionID) (credits.GuestQuota, error) {
	var row GuestQuota
	err := store.db.WithContext(ctx).
		Where("session_id = ?", sessionID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeGet, credits.ErrGuestQuotaNotFound)
	}
	if err != nil {
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeGet, err)
	}
	return mapGuestQuota(row)
}

func (store *Store) CreateGuestQuota(ctx context.Context, sessionID credits.SessionID, nowUnixUTC int64, expiresUnixUTC int64) (credits.GuestQuota, error) {
	row := GuestQuota{
		SessionID: sessionID.String(),
		CreatedAt: time.Unix(nowUnixUTC, 0).UTC(),
		ExpiresAt: time.Unix(expiresUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		// Lost a creation race; the existing row wins.
		return store.GetGuestQuota(ctx, sessionID)
	}
	if err != nil {
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeCreate, err)
	}
	return mapGuestQuota(row)
}

func (store *Store) IncrementGuestQuota(ctx context.Context, sessionID credits.SessionID, allowance int, nowUnixUTC int64) (credits.GuestQuota, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&GuestQuota{}).
		Where("session_id = ? AND free_units_used < ? AND expires_at > ?", sessionID.String(), allowance, now).
		Update("free_units_used", gorm.Expr("free_units_used + 1"))
	if result.Error != nil {
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish a vanished or expired session from a spent allowance.
		quota, err := store.GetGuestQuota(ctx, sessionID)
		if err != nil {
			return credits.GuestQuota{}, err
		}
		if quota.ExpiresUnixUTC <= nowUnixUTC {
			return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeIncrement, credits.ErrGuestQuotaNotFound)
		}
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeIncrement, credits.ErrGuestQuotaExhausted)
	}
	return store.GetGuestQuota(ctx, sessionID)
}

func (store *Store) PurgeExpiredGuestQuotas(ctx context.Context, nowUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_at <= ?", time.Unix(nowUnixUTC, 0).UTC()).
		Delete(&GuestQuota{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectQuota, errorCodePurge, result.Error)
	}
	return result.RowsAffected, nil
}

// AppendAuditEvent satisfies the audit sink's database appender contract.
// Not part of credits.Store: the service never writes audit rows directly.
func (store *Store) AppendAuditEvent(ctx context.Context, event credits.AuditEvent) error {
	details := defaultMetadataJSON
	if len(event.Details) > 0 {
		encoded, err := json.Marshal(event.Details)
		if err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		details = string(encoded)
	}
	row := AuditEvent{
		Kind:      event.Kind,
		AccountID: event.AccountID,
		Reference: event.Reference,
		Delta:     event.Delta,
		Status:    event.Status,
		Details:   datatypes.JSON([]byte(details)),
		CreatedAt: time.Unix(event.AtUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapBalance(row Balance) (credits.Balance, error) {
	accountID, err := credits.NewAccountID(row.AccountID)
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	// Chargebacks may legitimately leave a negative stored balance; surface
	// it unvalidated rather than refusing to read the row.
	return credits.Balance{
		AccountID:      accountID,
		Credits:        credits.Credits(row.Credits),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

func mapLedgerEntries(rows []LedgerEntry) ([]credits.LedgerEntry, error) {
	entries := make([]credits.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (credits.LedgerEntry, error) {
	entryID, err := credits.NewEntryID(row.EntryID)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	accountID, err := credits.NewAccountID(row.AccountID)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	kind, err := credits.ParseEntryKind(row.Kind)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	status, err := credits.ParseEntryStatus(row.Status)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	delta, err := credits.NewCreditDelta(row.Delta)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	var reference *credits.EntryReference
	if row.ReferenceType != nil && row.ReferenceID != nil {
		reference = &credits.EntryReference{Type: *row.ReferenceType, ID: *row.ReferenceID}
	}
	return credits.LedgerEntry{
		EntryID:        entryID,
		AccountID:      accountID,
		Delta:          delta,
		Kind:           kind,
		Status:         status,
		Reference:      reference,
		Description:    row.Description,
		StatusNote:     row.StatusNote,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapPayment(row Payment) (credits.PaymentRecord, error) {
	accountID, err := credits.NewAccountID(row.AccountID)
	if err != nil {
		return credits.PaymentRecord{}, err
	}
	externalID, err := credits.NewExternalID(row.ExternalID)
	if err != nil {
		return credits.PaymentRecord{}, err
	}
	status, err := credits.ParsePaymentStatus(row.Status)
	if err != nil {
		return credits.PaymentRecord{}, err
	}
	purchased, err := credits.NewPositiveCredits(row.CreditsPurchased)
	if err != nil {
		return credits.PaymentRecord{}, err
	}
	metadata, err := credits.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return credits.PaymentRecord{}, err
	}
	return credits.PaymentRecord{
		PaymentID:        row.PaymentID,
		AccountID:        accountID,
		Provider:         row.Provider,
		ExternalID:       externalID,
		Status:           status,
		AmountCents:      row.AmountCents,
		Currency:         row.Currency,
		CreditsPurchased: purchased,
		Metadata:         metadata,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		UpdatedUnixUTC:   row.UpdatedAt.Unix(),
	}, nil
}

func mapGuestQuota(row GuestQuota) (credits.GuestQuota, error) {
	sessionID, err := credits.NewSessionID(row.SessionID)
	if err != nil {
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeInvalid, err)
	}
	return credits.GuestQuota{
		SessionID:      sessionID,
		FreeUnitsUsed:  row.FreeUnitsUsed,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		ExpiresUnixUTC: row.ExpiresAt.Unix(),
		Deleted:        row.DeletedAt.Valid,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
