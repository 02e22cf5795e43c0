package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintPaymentExternal = "uniq_payments_provider_external"
	pgUniqueViolationCode     = "23505"
	errorOperationStore       = "store"
	errorSubjectAudit         = "audit"
	errorSubjectBalance       = "balance"
	errorSubjectEntry         = "entry"
	errorSubjectPayment       = "payment"
	errorSubjectQuota         = "quota"
	errorSubjectTransaction   = "transaction"
	errorCodeApply            = "apply"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeIncrement        = "increment"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodePurge            = "purge"
	errorCodeUpdate           = "update"

	sqlSelectBalance = `
		select account_id, credits, extract(epoch from updated_at)::bigint
		from balances
		where account_id = $1
	`

	sqlSelectBalanceForUpdate = sqlSelectBalance + ` for update`

	// Conflicts report zero rows instead of raising 23505; a raised unique
	// violation inside an open transaction would abort it and break the
	// caller's read-the-winner fallback.
	sqlInsertBalance = `
		insert into balances(account_id, credits, created_at, updated_at)
		values($1, $2, to_timestamp($3), to_timestamp($3))
		on conflict (account_id) do nothing
	`

	sqlApplyDelta = `
		update balances
		set credits = credits + $2, updated_at = to_timestamp($3)
		where account_id = $1
		returning credits, extract(epoch from updated_at)::bigint
	`

	sqlApplyDeltaFloored = `
		update balances
		set credits = greatest(0, credits + $2), updated_at = to_timestamp($3)
		where account_id = $1
		returning credits, extract(epoch from updated_at)::bigint
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, delta, kind, status,
			reference_type, reference_id, description, status_note, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			nullif($5,''), nullif($6,''), $7, $8, to_timestamp($9)
		)
		returning entry_id::text
	`

	sqlEntryColumns = `
		entry_id::text,
		account_id,
		delta,
		kind,
		status,
		coalesce(reference_type,''),
		coalesce(reference_id,''),
		description,
		status_note,
		extract(epoch from created_at)::bigint
	`

	sqlSelectEntryForUpdate = `
		select ` + sqlEntryColumns + `
		from ledger_entries
		where entry_id = $1
		for update
	`

	sqlUpdateEntryStatus = `
		update ledger_entries
		set status = $3,
			reference_type = coalesce(nullif($4,''), reference_type),
			reference_id = coalesce(nullif($5,''), reference_id),
			status_note = case when $6 <> '' then $6 else status_note end
		where entry_id = $1 and status = $2
	`

	sqlListEntriesBefore = `
		select ` + sqlEntryColumns + `
		from ledger_entries
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlListPendingSpendsBefore = `
		select ` + sqlEntryColumns + `
		from ledger_entries
		where kind = 'spend' and status = 'pending' and created_at < to_timestamp($1)
		order by created_at asc
		limit $2
	`

	sqlInsertPayment = `
		insert into payments(
			payment_id, account_id, provider, external_id, status,
			amount_cents, currency, credits_purchased, metadata, created_at, updated_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			$5, $6, $7, coalesce(nullif($8,''),'{}')::jsonb, to_timestamp($9), to_timestamp($9)
		)
		returning payment_id::text
	`

	sqlSelectPaymentByExternalID = `
		select
			payment_id::text,
			account_id,
			provider,
			external_id,
			status,
			amount_cents,
			currency,
			credits_purchased,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from payments
		where provider = $1 and external_id = $2
	`

	sqlUpdatePaymentStatus = `
		update payments
		set status = $3, updated_at = to_timestamp($4)
		where payment_id = $1 and status = $2
	`

	sqlSelectPaymentStatus = `
		select status
		from payments
		where payment_id = $1
	`

	sqlSelectGuestQuota = `
		select session_id, free_units_used,
			extract(epoch from created_at)::bigint,
			extract(epoch from expires_at)::bigint
		from guest_quotas
		where session_id = $1 and deleted_at is null
	`

	sqlInsertGuestQuota = `
		insert into guest_quotas(session_id, free_units_used, created_at, expires_at)
		values($1, 0, to_timestamp($2), to_timestamp($3))
		on conflict (session_id) do nothing
	`

	sqlIncrementGuestQuota = `
		update guest_quotas
		set free_units_used = free_units_used + 1
		where session_id = $1
			and free_units_used < $2
			and expires_at > to_timestamp($3)
			and deleted_at is null
	`

	sqlPurgeGuestQuotas = `
		update guest_quotas
		set deleted_at = to_timestamp($1)
		where expires_at <= to_timestamp($1) and deleted_at is null
	`

	sqlInsertAuditEvent = `
		insert into audit_events(event_id, kind, account_id, reference, delta, status, details, created_at)
		values(gen_random_uuid(), $1, $2, $3, $4, $5, coalesce(nullif($6,''),'{}')::jsonb, to_timestamp($7))
	`
)

// querier is the query surface shared by *pgxpool.Pool and pgx.Tx, so one
// Store body serves both the autocommit and in-transaction cases.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store over PostgreSQL with pgx.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; nesting reuses it.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, accountID credits.AccountID) (credits.Balance, error) {
	return store.scanBalance(store.db.QueryRow(ctx, sqlSelectBalance, accountID.String()))
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, accountID credits.AccountID) (credits.Balance, error) {
	return store.scanBalance(store.db.QueryRow(ctx, sqlSelectBalanceForUpdate, accountID.String()))
}

func (store *Store) scanBalance(row pgx.Row) (credits.Balance, error) {
	var (
		accountValue   string
		creditsValue   int64
		updatedUnixUTC int64
	)
	err := row.Scan(&accountValue, &creditsValue, &updatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, credits.ErrAccountNotFound)
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	accountID, err := credits.NewAccountID(accountValue)
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return credits.Balance{
		AccountID:      accountID,
		Credits:        credits.Credits(creditsValue),
		UpdatedUnixUTC: updatedUnixUTC,
	}, nil
}

func (store *Store) CreateBalance(ctx context.Context, accountID credits.AccountID, amount credits.Credits, nowUnixUTC int64) (credits.Balance, error) {
	tag, err := store.db.Exec(ctx, sqlInsertBalance, accountID.String(), amount.Int64(), nowUnixUTC)
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	if tag.RowsAffected() == 0 {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeDuplicate, credits.ErrAccountExists)
	}
	return credits.Balance{AccountID: accountID, Credits: amount, UpdatedUnixUTC: nowUnixUTC}, nil
}

func (store *Store) ApplyBalanceDelta(ctx context.Context, accountID credits.AccountID, delta credits.CreditDelta, floor bool, nowUnixUTC int64) (credits.Balance, error) {
	statement := sqlApplyDelta
	if floor {
		statement = sqlApplyDeltaFloored
	}
	var (
		creditsValue   int64
		updatedUnixUTC int64
	)
	err := store.db.QueryRow(ctx, statement, accountID.String(), delta.Int64(), nowUnixUTC).Scan(&creditsValue, &updatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeApply, credits.ErrAccountNotFound)
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeApply, err)
	}
	return credits.Balance{
		AccountID:      accountID,
		Credits:        credits.Credits(creditsValue),
		UpdatedUnixUTC: updatedUnixUTC,
	}, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.LedgerEntry) (credits.EntryID, error) {
	referenceType := ""
	referenceID := ""
	if entry.Reference != nil {
		referenceType = entry.Reference.Type
		referenceID = entry.Reference.ID
	}
	var entryIDValue string
	err := store.db.QueryRow(ctx, sqlInsertEntry,
		entry.AccountID.String(),
		entry.Delta.Int64(),
		entry.Kind.String(),
		entry.Status.String(),
		referenceType,
		referenceID,
		entry.Description,
		entry.StatusNote,
		entry.CreatedUnixUTC,
	).Scan(&entryIDValue)
	if err != nil {
		return credits.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := credits.NewEntryID(entryIDValue)
	if err != nil {
		return credits.EntryID{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entryID, nil
}

func (store *Store) GetEntryForUpdate(ctx context.Context, entryID credits.EntryID) (credits.LedgerEntry, error) {
	entry, err := scanEntry(store.db.QueryRow(ctx, sqlSelectEntryForUpdate, entryID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, credits.ErrEntryNotFound)
	}
	if err != nil {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (store *Store) UpdateEntryStatus(ctx context.Context, entryID credits.EntryID, from, to credits.EntryStatus, reference *credits.EntryReference, note string) error {
	referenceType := ""
	referenceID := ""
	if reference != nil {
		referenceType = reference.Type
		referenceID = reference.ID
	}
	tag, err := store.db.Exec(ctx, sqlUpdateEntryStatus,
		entryID.String(), from.String(), to.String(), referenceType, referenceID, note)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, credits.ErrEntryClosed)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID credits.AccountID, beforeUnixUTC int64, limit int) ([]credits.LedgerEntry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Add(time.Second).Unix()
	}
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) ListPendingSpendsBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]credits.LedgerEntry, error) {
	rows, err := store.db.Query(ctx, sqlListPendingSpendsBefore, cutoffUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) InsertPayment(ctx context.Context, payment credits.PaymentRecord) (credits.PaymentRecord, error) {
	var paymentIDValue string
	err := store.db.QueryRow(ctx, sqlInsertPayment,
		payment.AccountID.String(),
		payment.Provider,
		payment.ExternalID.String(),
		payment.Status.String(),
		payment.AmountCents,
		payment.Currency,
		payment.CreditsPurchased.Int64(),
		payment.Metadata.String(),
		payment.CreatedUnixUTC,
	).Scan(&paymentIDValue)
	if isUniqueViolation(err, constraintPaymentExternal) {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, credits.ErrDuplicatePayment)
	}
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	stored := payment
	stored.PaymentID = paymentIDValue
	stored.UpdatedUnixUTC = payment.CreatedUnixUTC
	return stored, nil
}

func (store *Store) GetPaymentByExternalID(ctx context.Context, provider string, externalID credits.ExternalID) (credits.PaymentRecord, error) {
	var (
		paymentIDValue string
		accountValue   string
		providerValue  string
		externalValue  string
		statusValue    string
		amountCents    int64
		currencyValue  string
		purchasedValue int64
		metadataValue  string
		createdUnixUTC int64
		updatedUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlSelectPaymentByExternalID, provider, externalID.String()).Scan(
		&paymentIDValue,
		&accountValue,
		&providerValue,
		&externalValue,
		&statusValue,
		&amountCents,
		&currencyValue,
		&purchasedValue,
		&metadataValue,
		&createdUnixUTC,
		&updatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, credits.ErrPaymentNotFound)
	}
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	accountID, err := credits.NewAccountID(accountValue)
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	parsedExternalID, err := credits.NewExternalID(externalValue)
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	status, err := credits.ParsePaymentStatus(statusValue)
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	purchased, err := credits.NewPositiveCredits(purchasedValue)
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	metadata, err := credits.NewMetadataJSON(metadataValue)
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return credits.PaymentRecord{
		PaymentID:        paymentIDValue,
		AccountID:        accountID,
		Provider:         providerValue,
		ExternalID:       parsedExternalID,
		Status:           status,
		AmountCents:      amountCents,
		Currency:         currencyValue,
		CreditsPurchased: purchased,
		Metadata:         metadata,
		CreatedUnixUTC:   createdUnixUTC,
		UpdatedUnixUTC:   updatedUnixUTC,
	}, nil
}

func (store *Store) UpdatePaymentStatus(ctx context.Context, paymentID string, from, to credits.PaymentStatus, nowUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdatePaymentStatus, paymentID, from.String(), to.String(), nowUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		// Zero rows means a missing row or a row whose status already moved;
		// concurrent deliveries land in the second case.
		var statusValue string
		readErr := store.db.QueryRow(ctx, sqlSelectPaymentStatus, paymentID).Scan(&statusValue)
		if errors.Is(readErr, pgx.ErrNoRows) {
			return wrapStoreError(errorSubjectPayment, errorCodeUpdate, credits.ErrPaymentNotFound)
		}
		if readErr != nil {
			return wrapStoreError(errorSubjectPayment, errorCodeUpdate, readErr)
		}
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, credits.ErrPaymentClosed)
	}
	return nil
}

func (store *Store) GetGuestQuota(ctx context.Context, sessionID credits.SessionID) (credits.GuestQuota, error) {
	return store.scanGuestQuota(store.db.QueryRow(ctx, sqlSelectGuestQuota, sessionID.String()))
}

func (store *Store) scanGuestQuota(row pgx.Row) (credits.GuestQuota, error) {
	var (
		sessionValue   string
		freeUnitsUsed  int
		createdUnixUTC int64
		expiresUnixUTC int64
	)
	err := row.Scan(&sessionValue, &freeUnitsUsed, &createdUnixUTC, &expiresUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeGet, credits.ErrGuestQuotaNotFound)
	}
	if err != nil {
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeGet, err)
	}
	sessionID, err := credits.NewSessionID(sessionValue)
	if err != nil {
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeInvalid, err)
	}
	return credits.GuestQuota{
		SessionID:      sessionID,
		FreeUnitsUsed:  freeUnitsUsed,
		CreatedUnixUTC: createdUnixUTC,
		ExpiresUnixUTC: expiresUnixUTC,
	}, nil
}

func (store *Store) CreateGuestQuota(ctx context.Context, sessionID credits.SessionID, nowUnixUTC int64, expiresUnixUTC int64) (credits.GuestQuota, error) {
	tag, err := store.db.Exec(ctx, sqlInsertGuestQuota, sessionID.String(), nowUnixUTC, expiresUnixUTC)
	if err != nil {
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeCreate, err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a creation race; the existing row wins.
		return store.GetGuestQuota(ctx, sessionID)
	}
	return credits.GuestQuota{
		SessionID:      sessionID,
		CreatedUnixUTC: nowUnixUTC,
		ExpiresUnixUTC: expiresUnixUTC,
	}, nil
}

func (store *Store) IncrementGuestQuota(ctx context.Context, sessionID credits.SessionID, allowance int, nowUnixUTC int64) (credits.GuestQuota, error) {
	tag, err := store.db.Exec(ctx, sqlIncrementGuestQuota, sessionID.String(), allowance, nowUnixUTC)
	if err != nil {
		return credits.GuestQuota{}, wrapStoreError(errorSubjectQuota, errorCodeIncrement, err)
	}
	if tag.RowsAffected() == 0 {
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
	tag, err := store.db.Exec(ctx, sqlPurgeGuestQuotas, nowUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectQuota, errorCodePurge, err)
	}
	return tag.RowsAffected(), nil
}

// AppendAuditEvent writes one audit row. Used by the audit sink, not by
// Service.
func (store *Store) AppendAuditEvent(ctx context.Context, event credits.AuditEvent) error {
	details := ""
	if len(event.Details) > 0 {
		encoded, err := json.Marshal(event.Details)
		if err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		details = string(encoded)
	}
	_, err := store.db.Exec(ctx, sqlInsertAuditEvent,
		event.Kind, event.AccountID, event.Reference, event.Delta, event.Status, details, event.AtUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func scanEntries(rows pgx.Rows) ([]credits.LedgerEntry, error) {
	entries := make([]credits.LedgerEntry, 0, 32)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (credits.LedgerEntry, error) {
	var (
		entryIDValue   string
		accountValue   string
		deltaValue     int64
		kindValue      string
		statusValue    string
		referenceType  string
		referenceID    string
		description    string
		statusNote     string
		createdUnixUTC int64
	)
	if err := row.Scan(
		&entryIDValue,
		&accountValue,
		&deltaValue,
		&kindValue,
		&statusValue,
		&referenceType,
		&referenceID,
		&description,
		&statusNote,
		&createdUnixUTC,
	); err != nil {
		return credits.LedgerEntry{}, err
	}
	entryID, err := credits.NewEntryID(entryIDValue)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	accountID, err := credits.NewAccountID(accountValue)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	kind, err := credits.ParseEntryKind(kindValue)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	status, err := credits.ParseEntryStatus(statusValue)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	delta, err := credits.NewCreditDelta(deltaValue)
	if err != nil {
		return credits.LedgerEntry{}, err
	}
	var reference *credits.EntryReference
	if referenceType != "" && referenceID != "" {
		reference = &credits.EntryReference{Type: referenceType, ID: referenceID}
	}
	return credits.LedgerEntry{
		EntryID:        entryID,
		AccountID:      accountID,
		Delta:          delta,
		Kind:           kind,
		Status:         status,
		Reference:      reference,
		Description:    description,
		StatusNote:     statusNote,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
