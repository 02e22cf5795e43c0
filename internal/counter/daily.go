// Package counter tracks per-account daily spend in Redis, outside the
// ledger transaction. The counter is advisory: the ledger stays the source
// of truth and a Redis outage degrades to an unenforced daily cap.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix = "credits:spend:daily"
	dayLayout = "2006-01-02"

	// Two days keeps the key readable across the UTC midnight boundary.
	keyTTL = 48 * time.Hour
)

// Option configures a DailySpend counter.
type Option func(*DailySpend)

// WithNowFn overrides the clock, for tests.
func WithNowFn(nowFn func() time.Time) Option {
	return func(counter *DailySpend) {
		counter.nowFn = nowFn
	}
}

// DailySpend accumulates confirmed spend per account per UTC day. A nil
// client disables the counter entirely.
type DailySpend struct {
	client *redis.Client
	nowFn  func() time.Time
}

// NewDailySpend builds a DailySpend over an optional Redis client.
func NewDailySpend(client *redis.Client, options ...Option) *DailySpend {
	counter := &DailySpend{
		client: client,
		nowFn:  time.Now,
	}
	for _, option := range options {
		option(counter)
	}
	return counter
}

// Add records spent credits against today's counter and returns the new
// total for the day.
func (counter *DailySpend) Add(ctx context.Context, accountID credits.AccountID, amount int64) (int64, error) {
	if counter.client == nil {
		return 0, nil
	}
	key := counter.key(accountID)
	total, err := counter.client.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("increment daily spend: %w", err)
	}
	if err := counter.client.Expire(ctx, key, keyTTL).Err(); err != nil {
		return total, fmt.Errorf("expire daily spend key: %w", err)
	}
	return total, nil
}

// Spent returns the credits spent today, zero when no spend was recorded.
func (counter *DailySpend) Spent(ctx context.Context, accountID credits.AccountID) (int64, error) {
	if counter.client == nil {
		return 0, nil
	}
	total, err := counter.client.Get(ctx, counter.key(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daily spend: %w", err)
	}
	return total, nil
}

func (counter *DailySpend) key(accountID credits.AccountID) string {
	day := counter.nowFn().UTC().Format(dayLayout)
	return fmt.Sprintf("%s:%s:%s", keyPrefix, accountID.String(), day)
}
