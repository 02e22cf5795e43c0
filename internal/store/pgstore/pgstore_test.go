package pgstore

import (
	"context"
	"errors"
	"testing"

	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeQuerier records statements and returns canned outcomes, standing in
// for the pool so command-tag handling can be exercised without a server.
type fakeQuerier struct {
	execTag   pgconn.CommandTag
	execErr   error
	execSQL   []string
	execArgs  [][]any
	queryErr  error
	querySQL  string
	queryArgs []any
	rowScan   func(dest ...any) error
}

func (fake *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	fake.execSQL = append(fake.execSQL, sql)
	fake.execArgs = append(fake.execArgs, args)
	return fake.execTag, fake.execErr
}

func (fake *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	fake.querySQL = sql
	fake.queryArgs = args
	return nil, fake.queryErr
}

func (fake *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	fake.querySQL = sql
	fake.queryArgs = args
	return fakeRow{scan: fake.rowScan}
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (row fakeRow) Scan(dest ...any) error {
	return row.scan(dest...)
}

func newFakeStore(fake *fakeQuerier) *Store {
	return &Store{db: fake}
}

func mustAccountID(test *testing.T, raw string) credits.AccountID {
	test.Helper()
	accountID, err := credits.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustSessionID(test *testing.T, raw string) credits.SessionID {
	test.Helper()
	sessionID, err := credits.NewSessionID(raw)
	if err != nil {
		test.Fatalf("session id %q: %v", raw, err)
	}
	return sessionID
}

func TestCreateBalanceInserts(test *testing.T) {
	test.Parallel()
	fake := &fakeQuerier{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	store := newFakeStore(fake)

	balance, err := store.CreateBalance(context.Background(), mustAccountID(test, "acct-1"), credits.Credits(25), 100)
	if err != nil {
		test.Fatalf("create balance: %v", err)
	}
	if balance.Credits != 25 || balance.UpdatedUnixUTC != 100 {
		test.Fatalf("unexpected balance %+v", balance)
	}
	if len(fake.execSQL) != 1 || fake.execSQL[0] != sqlInsertBalance {
		test.Fatalf("unexpected statements %v", fake.execSQL)
	}
}

// A lost creation race reports zero affected rows rather than raising a
// unique violation, so an enclosing transaction stays usable for the
// fallback read of the winning row.
func TestCreateBalanceLostRace(test *testing.T) {
	test.Parallel()
	fake := &fakeQuerier{execTag: pgconn.NewCommandTag("INSERT 0 0")}
	store := newFakeStore(fake)

	_, err := store.CreateBalance(context.Background(), mustAccountID(test, "acct-1"), credits.Credits(25), 100)
	if !errors.Is(err, credits.ErrAccountExists) {
		test.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestCreateGuestQuotaLostRaceReadsWinner(test *testing.T) {
	test.Parallel()
	fake := &fakeQuerier{
		execTag: pgconn.NewCommandTag("INSERT 0 0"),
		rowScan: func(dest ...any) error {
			*dest[0].(*string) = "guest-session-1"
			*dest[1].(*int) = 2
			*dest[2].(*int64) = 50
			*dest[3].(*int64) = 500
			return nil
		},
	}
	store := newFakeStore(fake)

	quota, err := store.CreateGuestQuota(context.Background(), mustSessionID(test, "guest-session-1"), 100, 700)
	if err != nil {
		test.Fatalf("create guest quota: %v", err)
	}
	if quota.FreeUnitsUsed != 2 || quota.ExpiresUnixUTC != 500 {
		test.Fatalf("expected the existing row, got %+v", quota)
	}
}

func TestListEntriesDefaultsCutoffToNow(test *testing.T) {
	test.Parallel()
	queryFailure := errors.New("query aborted")
	fake := &fakeQuerier{queryErr: queryFailure}
	store := newFakeStore(fake)

	_, err := store.ListEntries(context.Background(), mustAccountID(test, "acct-1"), 0, 20)
	if !errors.Is(err, queryFailure) {
		test.Fatalf("expected the query error, got %v", err)
	}
	if len(fake.queryArgs) != 3 {
		test.Fatalf("unexpected query args %v", fake.queryArgs)
	}
	cutoff, ok := fake.queryArgs[1].(int64)
	if !ok || cutoff <= 0 {
		test.Fatalf("zero cutoff must become a current timestamp, got %v", fake.queryArgs[1])
	}
}

func TestUpdatePaymentStatusStalePrecondition(test *testing.T) {
	test.Parallel()
	fake := &fakeQuerier{
		execTag: pgconn.NewCommandTag("UPDATE 0"),
		rowScan: func(dest ...any) error {
			*dest[0].(*string) = credits.PaymentStatusRefunded.String()
			return nil
		},
	}
	store := newFakeStore(fake)

	err := store.UpdatePaymentStatus(context.Background(), "payment-1", credits.PaymentStatusPaid, credits.PaymentStatusRefunded, 300)
	if !errors.Is(err, credits.ErrPaymentClosed) {
		test.Fatalf("expected ErrPaymentClosed on stale precondition, got %v", err)
	}
	if fake.querySQL != sqlSelectPaymentStatus {
		test.Fatalf("expected a status re-read, got %q", fake.querySQL)
	}
}

func TestUpdatePaymentStatusMissingRow(test *testing.T) {
	test.Parallel()
	fake := &fakeQuerier{
		execTag: pgconn.NewCommandTag("UPDATE 0"),
		rowScan: func(dest ...any) error {
			return pgx.ErrNoRows
		},
	}
	store := newFakeStore(fake)

	err := store.UpdatePaymentStatus(context.Background(), "missing-payment", credits.PaymentStatusPaid, credits.PaymentStatusRefunded, 300)
	if !errors.Is(err, credits.ErrPaymentNotFound) {
		test.Fatalf("expected ErrPaymentNotFound for unknown payment, got %v", err)
	}
}
