package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes units of work behind a
// single mutex, which is exactly the linearization the real stores provide
// per account row.
type stubStore struct {
	mu         sync.Mutex
	balances   map[string]Balance
	entries    map[string]LedgerEntry
	entryOrder []string
	payments   map[string]PaymentRecord
	byExternal map[string]string
	quotas     map[string]GuestQuota
	sequence   int

	insertEntryErr error
	applyDeltaErr  error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:   map[string]Balance{},
		entries:    map[string]LedgerEntry{},
		payments:   map[string]PaymentRecord{},
		byExternal: map[string]string{},
		quotas:     map[string]GuestQuota{},
	}
}

func (store *stubStore) seedBalance(test *testing.T, accountID AccountID, amount int64) {
	test.Helper()
	credits, err := NewCredits(amount)
	if err != nil {
		test.Fatalf("seed balance: %v", err)
	}
	store.balances[accountID.String()] = Balance{AccountID: accountID, Credits: credits}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, (*txStubStore)(store))
}

// txStubStore exposes the same state without re-locking inside a unit of work.
type txStubStore stubStore

func (store *txStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(ctx context.Context, accountID AccountID) (Balance, error) {
	return (*txStubStore)(store).GetBalance(ctx, accountID)
}

func (store *txStubStore) GetBalance(_ context.Context, accountID AccountID) (Balance, error) {
	balance, ok := store.balances[accountID.String()]
	if !ok {
		return Balance{}, ErrAccountNotFound
	}
	return balance, nil
}

func (store *stubStore) GetBalanceForUpdate(ctx context.Context, accountID AccountID) (Balance, error) {
	return (*txStubStore)(store).GetBalanceForUpdate(ctx, accountID)
}

func (store *txStubStore) GetBalanceForUpdate(ctx context.Context, accountID AccountID) (Balance, error) {
	return store.GetBalance(ctx, accountID)
}

func (store *stubStore) CreateBalance(ctx context.Context, accountID AccountID, amount Credits, nowUnixUTC int64) (Balance, error) {
	return (*txStubStore)(store).CreateBalance(ctx, accountID, amount, nowUnixUTC)
}

func (store *txStubStore) CreateBalance(_ context.Context, accountID AccountID, amount Credits, nowUnixUTC int64) (Balance, error) {
	if _, exists := store.balances[accountID.String()]; exists {
		return Balance{}, ErrAccountExists
	}
	balance := Balance{AccountID: accountID, Credits: amount, UpdatedUnixUTC: nowUnixUTC}
	store.balances[accountID.String()] = balance
	return balance, nil
}

func (store *stubStore) ApplyBalanceDelta(ctx context.Context, accountID AccountID, delta CreditDelta, floor bool, nowUnixUTC int64) (Balance, error) {
	return (*txStubStore)(store).ApplyBalanceDelta(ctx, accountID, delta, floor, nowUnixUTC)
}

func (store *txStubStore) ApplyBalanceDelta(_ context.Context, accountID AccountID, delta CreditDelta, floor bool, nowUnixUTC int64) (Balance, error) {
	if store.applyDeltaErr != nil {
		return Balance{}, store.applyDeltaErr
	}
	balance, ok := store.balances[accountID.String()]
	if !ok {
		return Balance{}, ErrAccountNotFound
	}
	updated := balance.Credits.Int64() + delta.Int64()
	if floor && updated < 0 {
		updated = 0
	}
	balance.Credits = Credits(updated)
	balance.UpdatedUnixUTC = nowUnixUTC
	store.balances[accountID.String()] = balance
	return balance, nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry LedgerEntry) (EntryID, error) {
	return (*txStubStore)(store).InsertEntry(ctx, entry)
}

func (store *txStubStore) InsertEntry(_ context.Context, entry LedgerEntry) (EntryID, error) {
	if store.insertEntryErr != nil {
		return EntryID{}, store.insertEntryErr
	}
	store.sequence++
	entryID, err := NewEntryID(fmt.Sprintf("entry-%d", store.sequence))
	if err != nil {
		return EntryID{}, err
	}
	entry.EntryID = entryID
	store.entries[entryID.String()] = entry
	store.entryOrder = append(store.entryOrder, entryID.String())
	return entryID, nil
}

func (store *stubStore) GetEntryForUpdate(ctx context.Context, entryID EntryID) (LedgerEntry, error) {
	return (*txStubStore)(store).GetEntryForUpdate(ctx, entryID)
}

func (store *txStubStore) GetEntryForUpdate(_ context.Context, entryID EntryID) (LedgerEntry, error) {
	entry, ok := store.entries[entryID.String()]
	if !ok {
		return LedgerEntry{}, ErrEntryNotFound
	}
	return entry, nil
}

func (store *stubStore) UpdateEntryStatus(ctx context.Context, entryID EntryID, from, to EntryStatus, reference *EntryReference, note string) error {
	return (*txStubStore)(store).UpdateEntryStatus(ctx, entryID, from, to, reference, note)
}

func (store *txStubStore) UpdateEntryStatus(_ context.Context, entryID EntryID, from, to EntryStatus, reference *EntryReference, note string) error {
	entry, ok := store.entries[entryID.String()]
	if !ok {
		return ErrEntryNotFound
	}
	if entry.Status != from {
		return ErrEntryClosed
	}
	entry.Status = to
	if reference != nil {
		entry.Reference = reference
	}
	if note != "" {
		entry.StatusNote = note
	}
	store.entries[entryID.String()] = entry
	return nil
}

func (store *stubStore) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return (*txStubStore)(store).ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (store *txStubStore) ListEntries(_ context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	for index := len(store.entryOrder) - 1; index >= 0; index-- {
		entry := store.entries[store.entryOrder[index]]
		if entry.AccountID != accountID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (store *stubStore) ListPendingSpendsBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return (*txStubStore)(store).ListPendingSpendsBefore(ctx, cutoffUnixUTC, limit)
}

func (store *txStubStore) ListPendingSpendsBefore(_ context.Context, cutoffUnixUTC int64, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	for _, id := range store.entryOrder {
		entry := store.entries[id]
		if entry.Kind != EntrySpend || entry.Status != EntryStatusPending {
			continue
		}
		if entry.CreatedUnixUTC >= cutoffUnixUTC {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (store *stubStore) InsertPayment(ctx context.Context, payment PaymentRecord) (PaymentRecord, error) {
	return (*txStubStore)(store).InsertPayment(ctx, payment)
}

func (store *txStubStore) InsertPayment(_ context.Context, payment PaymentRecord) (PaymentRecord, error) {
	externalKey := payment.Provider + "|" + payment.ExternalID.String()
	if _, exists := store.byExternal[externalKey]; exists {
		return PaymentRecord{}, ErrDuplicatePayment
	}
	store.sequence++
	payment.PaymentID = fmt.Sprintf("payment-%d", store.sequence)
	store.payments[payment.PaymentID] = payment
	store.byExternal[externalKey] = payment.PaymentID
	return payment, nil
}

func (store *stubStore) GetPaymentByExternalID(ctx context.Context, provider string, externalID ExternalID) (PaymentRecord, error) {
	return (*txStubStore)(store).GetPaymentByExternalID(ctx, provider, externalID)
}

func (store *txStubStore) GetPaymentByExternalID(_ context.Context, provider string, externalID ExternalID) (PaymentRecord, error) {
	paymentID, ok := store.byExternal[provider+"|"+externalID.String()]
	if !ok {
		return PaymentRecord{}, ErrPaymentNotFound
	}
	return store.payments[paymentID], nil
}

func (store *stubStore) UpdatePaymentStatus(ctx context.Context, paymentID string, from, to PaymentStatus, nowUnixUTC int64) error {
	return (*txStubStore)(store).UpdatePaymentStatus(ctx, paymentID, from, to, nowUnixUTC)
}

func (store *txStubStore) UpdatePaymentStatus(_ context.Context, paymentID string, from, to PaymentStatus, nowUnixUTC int64) error {
	payment, ok := store.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if payment.Status != from {
		return ErrPaymentClosed
	}
	payment.Status = to
	payment.UpdatedUnixUTC = nowUnixUTC
	store.payments[paymentID] = payment
	return nil
}

func (store *stubStore) GetGuestQuota(ctx context.Context, sessionID SessionID) (GuestQuota, error) {
	return (*txStubStore)(store).GetGuestQuota(ctx, sessionID)
}

func (store *txStubStore) GetGuestQuota(_ context.Context, sessionID SessionID) (GuestQuota, error) {
	quota, ok := store.quotas[sessionID.String()]
	if !ok {
		return GuestQuota{}, ErrGuestQuotaNotFound
	}
	return quota, nil
}

func (store *stubStore) CreateGuestQuota(ctx context.Context, sessionID SessionID, nowUnixUTC int64, expiresUnixUTC int64) (GuestQuota, error) {
	return (*txStubStore)(store).CreateGuestQuota(ctx, sessionID, nowUnixUTC, expiresUnixUTC)
}

func (store *txStubStore) CreateGuestQuota(_ context.Context, sessionID SessionID, nowUnixUTC int64, expiresUnixUTC int64) (GuestQuota, error) {
	quota := GuestQuota{SessionID: sessionID, CreatedUnixUTC: nowUnixUTC, ExpiresUnixUTC: expiresUnixUTC}
	store.quotas[sessionID.String()] = quota
	return quota, nil
}

func (store *stubStore) IncrementGuestQuota(ctx context.Context, sessionID SessionID, allowance int, nowUnixUTC int64) (GuestQuota, error) {
	return (*txStubStore)(store).IncrementGuestQuota(ctx, sessionID, allowance, nowUnixUTC)
}

func (store *txStubStore) IncrementGuestQuota(_ context.Context, sessionID SessionID, allowance int, nowUnixUTC int64) (GuestQuota, error) {
	quota, ok := store.quotas[sessionID.String()]
	if !ok || quota.Deleted || quota.ExpiresUnixUTC <= nowUnixUTC {
		return GuestQuota{}, ErrGuestQuotaNotFound
	}
	if quota.FreeUnitsUsed >= allowance {
		return GuestQuota{}, ErrGuestQuotaExhausted
	}
	quota.FreeUnitsUsed++
	store.quotas[sessionID.String()] = quota
	return quota, nil
}

func (store *stubStore) PurgeExpiredGuestQuotas(ctx context.Context, nowUnixUTC int64) (int64, error) {
	return (*txStubStore)(store).PurgeExpiredGuestQuotas(ctx, nowUnixUTC)
}

func (store *txStubStore) PurgeExpiredGuestQuotas(_ context.Context, nowUnixUTC int64) (int64, error) {
	var purged int64
	for key, quota := range store.quotas {
		if !quota.Deleted && quota.ExpiresUnixUTC <= nowUnixUTC {
			quota.Deleted = true
			store.quotas[key] = quota
			purged++
		}
	}
	return purged, nil
}

func (store *stubStore) mustEntry(test *testing.T, entryID EntryID) LedgerEntry {
	test.Helper()
	entry, ok := store.entries[entryID.String()]
	if !ok {
		test.Fatalf("entry %s not found", entryID.String())
	}
	return entry
}

func (store *stubStore) entriesOfKind(kind EntryKind) []LedgerEntry {
	var entries []LedgerEntry
	for _, id := range store.entryOrder {
		if store.entries[id].Kind == kind {
			entries = append(entries, store.entries[id])
		}
	}
	return entries
}

// inflatedReadStore misreports the locked balance read so the floor clamp
// fires after a passing pre-check.
type inflatedReadStore struct {
	*stubStore
	inflateBy int64
}

func (store *inflatedReadStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, &inflatedReadTx{txStubStore: (*txStubStore)(store.stubStore), inflateBy: store.inflateBy})
}

type inflatedReadTx struct {
	*txStubStore
	inflateBy int64
}

func (store *inflatedReadTx) GetBalanceForUpdate(ctx context.Context, accountID AccountID) (Balance, error) {
	balance, err := store.txStubStore.GetBalanceForUpdate(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	balance.Credits = Credits(balance.Credits.Int64() + store.inflateBy)
	return balance, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	value, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustSessionID(test *testing.T, raw string) SessionID {
	test.Helper()
	value, err := NewSessionID(raw)
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	return value
}

func mustExternalID(test *testing.T, raw string) ExternalID {
	test.Helper()
	value, err := NewExternalID(raw)
	if err != nil {
		test.Fatalf("external id: %v", err)
	}
	return value
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	value, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	value, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func mustReserve(test *testing.T, service *Service, accountID AccountID, cost int64) Reservation {
	test.Helper()
	result, err := service.Reserve(context.Background(), accountID, mustPositiveCredits(test, cost))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if result.Insufficient {
		test.Fatalf("unexpected insufficient result")
	}
	return result.Reservation
}

func currentCredits(test *testing.T, store *stubStore, accountID AccountID) int64 {
	test.Helper()
	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance.Credits.Int64()
}

func TestGetOrCreateBalanceWritesWelcomeGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-new")

	balance, err := service.GetOrCreateBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if balance.Credits.Int64() != defaultWelcomeGrant {
		test.Fatalf("expected welcome grant %d, got %d", defaultWelcomeGrant, balance.Credits.Int64())
	}
	welcomes := store.entriesOfKind(EntryWelcome)
	if len(welcomes) != 1 {
		test.Fatalf("expected 1 welcome entry, got %d", len(welcomes))
	}
	if welcomes[0].Status != EntryStatusSettled {
		test.Fatalf("welcome entry should be settled, got %s", welcomes[0].Status)
	}
}

func TestGetOrCreateBalanceIsStable(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, WithWelcomeGrant(mustCredits(test, 25)))
	accountID := mustAccountID(test, "acct-repeat")

	if _, err := service.GetOrCreateBalance(context.Background(), accountID); err != nil {
		test.Fatalf("first call: %v", err)
	}
	balance, err := service.GetOrCreateBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("second call: %v", err)
	}
	if balance.Credits.Int64() != 25 {
		test.Fatalf("expected 25 credits, got %d", balance.Credits.Int64())
	}
	if got := len(store.entriesOfKind(EntryWelcome)); got != 1 {
		test.Fatalf("welcome entry written %d times", got)
	}
}

func TestBalanceOfUnknownAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.BalanceOf(context.Background(), mustAccountID(test, "missing"))
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil clock, got %v", err)
	}
}
