package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/arcanalabs/credits/internal/store/gormstore"
	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(test *testing.T, clock func() int64) *credits.Service {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/credits.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	service, err := credits.NewService(gormstore.New(db), clock)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func TestSweepOnceRefundsStaleReservations(test *testing.T) {
	base := time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC)
	service := newTestService(test, func() int64 { return base.Unix() })

	accountID, err := credits.NewAccountID("user-1")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	cost, err := credits.NewPositiveCredits(3)
	if err != nil {
		test.Fatalf("cost: %v", err)
	}
	result, err := service.Reserve(context.Background(), accountID, cost)
	if err != nil || result.Insufficient {
		test.Fatalf("reserve failed: %v insufficient=%v", err, result.Insufficient)
	}

	scheduler := NewScheduler(service, zap.NewNop(), Config{ReservationTTL: 15 * time.Minute},
		WithNowFn(func() time.Time { return base.Add(time.Hour) }))

	swept, err := scheduler.SweepOnce(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		test.Fatalf("expected 1 swept reservation, got %d", swept)
	}

	balance, err := service.BalanceOf(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Credits.Int64() != 10 {
		test.Fatalf("expected balance restored to 10, got %d", balance.Credits.Int64())
	}
}

func TestSweepOnceLeavesFreshReservations(test *testing.T) {
	base := time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC)
	service := newTestService(test, func() int64 { return base.Unix() })

	accountID, err := credits.NewAccountID("user-1")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	cost, err := credits.NewPositiveCredits(3)
	if err != nil {
		test.Fatalf("cost: %v", err)
	}
	if _, err := service.Reserve(context.Background(), accountID, cost); err != nil {
		test.Fatalf("reserve failed: %v", err)
	}

	scheduler := NewScheduler(service, zap.NewNop(), Config{ReservationTTL: 15 * time.Minute},
		WithNowFn(func() time.Time { return base.Add(5 * time.Minute) }))

	swept, err := scheduler.SweepOnce(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if swept != 0 {
		test.Fatalf("expected fresh reservation untouched, got %d swept", swept)
	}
}

func TestPurgeOnceRemovesExpiredQuotas(test *testing.T) {
	clockUnix := time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC).Unix()
	service := newTestService(test, func() int64 { return clockUnix })

	sessionID, err := credits.NewSessionID("guest-1")
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	if _, err := service.EnsureGuestQuota(context.Background(), sessionID, -time.Minute); err != nil {
		test.Fatalf("ensure quota: %v", err)
	}

	scheduler := NewScheduler(service, zap.NewNop(), Config{})
	purged, err := scheduler.PurgeOnce(context.Background())
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		test.Fatalf("expected 1 purged quota, got %d", purged)
	}
}
