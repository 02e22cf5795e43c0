package counter

import (
	"context"
	"testing"
	"time"

	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/go-redis/redismock/v8"
)

func fixedClock() time.Time {
	return time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)
}

func mustAccountID(test *testing.T, raw string) credits.AccountID {
	test.Helper()
	accountID, err := credits.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func TestAddIncrementsDailyKey(test *testing.T) {
	client, mock := redismock.NewClientMock()
	counter := NewDailySpend(client, WithNowFn(fixedClock))
	accountID := mustAccountID(test, "user-1")

	key := "credits:spend:daily:user-1:2025-03-14"
	mock.ExpectIncrBy(key, 3).SetVal(3)
	mock.ExpectExpire(key, keyTTL).SetVal(true)

	total, err := counter.Add(context.Background(), accountID, 3)
	if err != nil {
		test.Fatalf("add: %v", err)
	}
	if total != 3 {
		test.Fatalf("expected total 3, got %d", total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		test.Fatalf("redis expectations: %v", err)
	}
}

func TestSpentReadsDailyKey(test *testing.T) {
	client, mock := redismock.NewClientMock()
	counter := NewDailySpend(client, WithNowFn(fixedClock))
	accountID := mustAccountID(test, "user-1")

	mock.ExpectGet("credits:spend:daily:user-1:2025-03-14").SetVal("7")

	total, err := counter.Spent(context.Background(), accountID)
	if err != nil {
		test.Fatalf("spent: %v", err)
	}
	if total != 7 {
		test.Fatalf("expected 7 spent, got %d", total)
	}
}

func TestSpentMissingKeyIsZero(test *testing.T) {
	client, mock := redismock.NewClientMock()
	counter := NewDailySpend(client, WithNowFn(fixedClock))
	accountID := mustAccountID(test, "user-1")

	mock.ExpectGet("credits:spend:daily:user-1:2025-03-14").RedisNil()

	total, err := counter.Spent(context.Background(), accountID)
	if err != nil {
		test.Fatalf("spent: %v", err)
	}
	if total != 0 {
		test.Fatalf("expected 0 for missing key, got %d", total)
	}
}

func TestNilClientDisablesCounter(test *testing.T) {
	counter := NewDailySpend(nil)
	accountID := mustAccountID(test, "user-1")

	total, err := counter.Add(context.Background(), accountID, 5)
	if err != nil || total != 0 {
		test.Fatalf("expected no-op add, got total=%d err=%v", total, err)
	}
	total, err = counter.Spent(context.Background(), accountID)
	if err != nil || total != 0 {
		test.Fatalf("expected no-op read, got total=%d err=%v", total, err)
	}
}
