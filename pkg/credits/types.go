package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative credit balance.
type Credits int64

// CreditDelta is a signed, non-zero balance change.
type CreditDelta int64

// PositiveCredits is a strictly positive credit amount.
type PositiveCredits int64

// AccountID identifies a balance owner.
type AccountID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// SessionID identifies a verified anonymous guest session.
type SessionID struct {
	value string
}

// ExternalID is a provider-assigned payment idempotency key.
type ExternalID struct {
	value string
}

// NewCredits validates a non-negative balance amount.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewCreditDelta validates a signed, non-zero balance change.
func NewCreditDelta(raw int64) (CreditDelta, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidCreditDelta)
	}
	return CreditDelta(raw), nil
}

// Int64 returns the raw signed amount.
func (delta CreditDelta) Int64() int64 {
	return int64(delta)
}

// NewPositiveCredits validates a strictly positive amount.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw amount.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits converts the amount to a balance value.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// Debit returns the amount as a negative balance change.
func (amount PositiveCredits) Debit() CreditDelta {
	return CreditDelta(-int64(amount))
}

// Credit returns the amount as a positive balance change.
func (amount PositiveCredits) Credit() CreditDelta {
	return CreditDelta(amount)
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewEntryID validates and normalizes a ledger entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewSessionID validates an already-verified guest session id.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SessionID) String() string {
	return id.value
}

// NewExternalID validates a provider-assigned idempotency key.
func NewExternalID(raw string) (ExternalID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalID{}, fmt.Errorf("%w: empty value", ErrInvalidExternalID)
	}
	return ExternalID{value: trimmed}, nil
}

// String returns the normalized key.
func (id ExternalID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary provider metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty input).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntrySpend      EntryKind = "spend"
	EntryPurchase   EntryKind = "purchase"
	EntryBonus      EntryKind = "bonus"
	EntryAdjustment EntryKind = "adjustment"
	EntryRefund     EntryKind = "refund"
	EntryWelcome    EntryKind = "welcome"
)

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntrySpend, EntryPurchase, EntryBonus, EntryAdjustment, EntryRefund, EntryWelcome:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// EntryStatus defines the ledger entry lifecycle. Only reservation spends
// start pending; every other entry is settled at birth. Legal transitions
// are pending->confirmed and pending->refunded, both terminal.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusConfirmed EntryStatus = "confirmed"
	EntryStatusRefunded  EntryStatus = "refunded"
	EntryStatusSettled   EntryStatus = "settled"
)

// String returns the stored representation.
func (status EntryStatus) String() string {
	return string(status)
}

// Terminal reports whether no further transition is legal.
func (status EntryStatus) Terminal() bool {
	return status != EntryStatusPending
}

// ParseEntryStatus validates a stored entry status.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch EntryStatus(raw) {
	case EntryStatusPending, EntryStatusConfirmed, EntryStatusRefunded, EntryStatusSettled:
		return EntryStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
}

// EntryReference points at the entity that caused an entry.
type EntryReference struct {
	Type string
	ID   string
}

// A single immutable line in the transaction log. Only Status and the
// reference columns ever move after insert, and only through the store's
// conditional transition.
type LedgerEntry struct {
	EntryID        EntryID
	AccountID      AccountID
	Delta          CreditDelta
	Kind           EntryKind
	Status         EntryStatus
	Reference      *EntryReference
	Description    string
	StatusNote     string
	CreatedUnixUTC int64
}

// Balance is the mutable per-account credit row.
type Balance struct {
	AccountID      AccountID
	Credits        Credits
	UpdatedUnixUTC int64
}

// Reservation is a provisional, already-applied deduction awaiting
// confirmation or refund.
type Reservation struct {
	EntryID   EntryID
	AccountID AccountID
	Cost      PositiveCredits
}

// ReserveResult carries the outcome of a reservation attempt. Insufficient
// balance is an expected business outcome, not an error.
type ReserveResult struct {
	Reservation  Reservation
	Insufficient bool
}

// PaymentStatus defines the payment record lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// String returns the stored representation.
func (status PaymentStatus) String() string {
	return string(status)
}

// ParsePaymentStatus validates a stored payment status.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch PaymentStatus(raw) {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return PaymentStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, raw)
}

// PaymentRecord mirrors one provider payment. ExternalID is the idempotency
// boundary for webhook deliveries.
type PaymentRecord struct {
	PaymentID        string
	AccountID        AccountID
	Provider         string
	ExternalID       ExternalID
	Status           PaymentStatus
	AmountCents      int64
	Currency         string
	CreditsPurchased PositiveCredits
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
	UpdatedUnixUTC   int64
}

// PurchaseNotice is a verified completed-purchase webhook payload.
type PurchaseNotice struct {
	Provider    string
	ExternalID  ExternalID
	AccountID   AccountID
	Credits     PositiveCredits
	AmountCents int64
	Currency    string
	Metadata    MetadataJSON
}

// GuestQuota tracks the free allowance of one anonymous session.
type GuestQuota struct {
	SessionID      SessionID
	FreeUnitsUsed  int
	CreatedUnixUTC int64
	ExpiresUnixUTC int64
	Deleted        bool
}

// Store is the persistence contract used by Service. Implementations must
// provide row-level exclusive locking for ForUpdate reads and run WithTx
// callbacks inside a single database transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetBalance(ctx context.Context, accountID AccountID) (Balance, error)
	GetBalanceForUpdate(ctx context.Context, accountID AccountID) (Balance, error)
	CreateBalance(ctx context.Context, accountID AccountID, amount Credits, nowUnixUTC int64) (Balance, error)
	// ApplyBalanceDelta adjusts the balance atomically. With floor set the
	// resulting balance is clamped at zero; the caller must verify the
	// returned balance against its own pre-check.
	ApplyBalanceDelta(ctx context.Context, accountID AccountID, delta CreditDelta, floor bool, nowUnixUTC int64) (Balance, error)

	InsertEntry(ctx context.Context, entry LedgerEntry) (EntryID, error)
	GetEntryForUpdate(ctx context.Context, entryID EntryID) (LedgerEntry, error)
	UpdateEntryStatus(ctx context.Context, entryID EntryID, from, to EntryStatus, reference *EntryReference, note string) error
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error)
	ListPendingSpendsBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]LedgerEntry, error)

	InsertPayment(ctx context.Context, payment PaymentRecord) (PaymentRecord, error)
	GetPaymentByExternalID(ctx context.Context, provider string, externalID ExternalID) (PaymentRecord, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, from, to PaymentStatus, nowUnixUTC int64) error

	GetGuestQuota(ctx context.Context, sessionID SessionID) (GuestQuota, error)
	CreateGuestQuota(ctx context.Context, sessionID SessionID, nowUnixUTC int64, expiresUnixUTC int64) (GuestQuota, error)
	// IncrementGuestQuota performs the conditional increment filtered by
	// allowance, expiry, and tombstone. A session that expired between check
	// and increment must fail the condition, never corrupt the counter.
	IncrementGuestQuota(ctx context.Context, sessionID SessionID, allowance int, nowUnixUTC int64) (GuestQuota, error)
	PurgeExpiredGuestQuotas(ctx context.Context, nowUnixUTC int64) (int64, error)
}
