package credits

import (
	"context"
	"errors"
	"time"
)

// EnsureGuestQuota creates the quota row for a freshly issued guest session.
// Existing rows are returned as-is, so calling this on every request is safe.
func (service *Service) EnsureGuestQuota(ctx context.Context, sessionID SessionID, ttl time.Duration) (GuestQuota, error) {
	quota, err := service.store.GetGuestQuota(ctx, sessionID)
	if err == nil {
		return quota, nil
	}
	if !errors.Is(err, ErrGuestQuotaNotFound) {
		return GuestQuota{}, err
	}
	nowUnixUTC := service.nowFn()
	return service.store.CreateGuestQuota(ctx, sessionID, nowUnixUTC, nowUnixUTC+int64(ttl/time.Second))
}

// CanConsumeGuestQuota reports whether the session still has free units.
// A missing row means the session never had an allowance here.
func (service *Service) CanConsumeGuestQuota(ctx context.Context, sessionID SessionID) (bool, error) {
	quota, err := service.store.GetGuestQuota(ctx, sessionID)
	if errors.Is(err, ErrGuestQuotaNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if quota.Deleted || quota.ExpiresUnixUTC <= service.nowFn() {
		return false, nil
	}
	return quota.FreeUnitsUsed < service.guestAllowance, nil
}

// ConsumeGuestQuota spends one free unit through the store's conditional
// increment. A session that expired or was tombstoned between check and
// increment fails the condition instead of corrupting the counter.
func (service *Service) ConsumeGuestQuota(ctx context.Context, sessionID SessionID) (GuestQuota, error) {
	quota, err := service.store.IncrementGuestQuota(ctx, sessionID, service.guestAllowance, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationQuotaConsume,
		Reference: sessionID.String(),
		Error:     err,
	})
	if err != nil {
		return GuestQuota{}, err
	}
	service.recordAudit(ctx, AuditEvent{
		Kind:      auditKindQuotaConsume,
		Reference: sessionID.String(),
		Delta:     1,
		Status:    auditStatusApplied,
		AtUnixUTC: service.nowFn(),
	})
	return quota, nil
}

// PurgeExpiredGuestQuotas tombstones quota rows past their expiry. Run from
// the periodic scheduler; returns how many rows were soft-deleted.
func (service *Service) PurgeExpiredGuestQuotas(ctx context.Context) (int64, error) {
	return service.store.PurgeExpiredGuestQuotas(ctx, service.nowFn())
}
