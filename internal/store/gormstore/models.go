package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Balance represents the balances table, the only mutable row per account.
type Balance struct {
	AccountID string    `gorm:"primaryKey"`
	Credits   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	EntryID       string    `gorm:"type:uuid;primaryKey"`
	AccountID     string    `gorm:"not null;index:idx_entries_account_created,priority:1"`
	Delta         int64     `gorm:"not null"`
	Kind          string    `gorm:"not null"`
	Status        string    `gorm:"not null;index:idx_entries_status_created,priority:1"`
	ReferenceType *string   `gorm:""`
	ReferenceID   *string   `gorm:""`
	Description   string    `gorm:""`
	StatusNote    string    `gorm:""`
	CreatedAt     time.Time `gorm:"not null;index:idx_entries_account_created,priority:2;index:idx_entries_status_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Payment mirrors the payments table. The provider/external id pair is the
// idempotency boundary for webhook deliveries.
type Payment struct {
	PaymentID        string         `gorm:"type:uuid;primaryKey"`
	AccountID        string         `gorm:"not null;index"`
	Provider         string         `gorm:"not null;index:uniq_payments_provider_external,unique,priority:1"`
	ExternalID       string         `gorm:"not null;index:uniq_payments_provider_external,unique,priority:2"`
	Status           string         `gorm:"not null"`
	AmountCents      int64          `gorm:"not null"`
	Currency         string         `gorm:"not null"`
	CreditsPurchased int64          `gorm:"not null"`
	Metadata         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	return nil
}

// GuestQuota mirrors the guest_quotas table. Rows are soft-deleted so an
// expired session ends up tombstoned rather than reusable.
type GuestQuota struct {
	SessionID     string         `gorm:"primaryKey"`
	FreeUnitsUsed int            `gorm:"not null;default:0"`
	CreatedAt     time.Time      `gorm:"not null"`
	ExpiresAt     time.Time      `gorm:"not null;index"`
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}

func (GuestQuota) TableName() string { return "guest_quotas" }

// AuditEvent mirrors the append-only audit_events table.
type AuditEvent struct {
	EventID   string         `gorm:"type:uuid;primaryKey"`
	Kind      string         `gorm:"not null;index"`
	AccountID string         `gorm:"index"`
	Reference string         `gorm:""`
	Delta     int64          `gorm:"not null;default:0"`
	Status    string         `gorm:"not null"`
	Details   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

func (AuditEvent) TableName() string { return "audit_events" }

func (event *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Models lists every table for schema migration.
func Models() []interface{} {
	return []interface{}{&Balance{}, &LedgerEntry{}, &Payment{}, &GuestQuota{}, &AuditEvent{}}
}
