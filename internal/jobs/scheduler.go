// Package jobs runs the background maintenance loops: refunding orphaned
// reservations and purging expired guest quotas.
package jobs

import (
	"context"
	"time"

	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultSweepSpec      = "*/5 * * * *"
	defaultPurgeSpec      = "0 * * * *"
	defaultReservationTTL = 15 * time.Minute
	defaultSweepLimit     = 100
)

// Config shapes the maintenance schedule.
type Config struct {
	SweepSpec      string
	PurgeSpec      string
	ReservationTTL time.Duration
	SweepLimit     int
}

func (cfg Config) withDefaults() Config {
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = defaultSweepSpec
	}
	if cfg.PurgeSpec == "" {
		cfg.PurgeSpec = defaultPurgeSpec
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = defaultSweepLimit
	}
	return cfg
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNowFn overrides the clock, for tests.
func WithNowFn(nowFn func() time.Time) Option {
	return func(scheduler *Scheduler) {
		scheduler.nowFn = nowFn
	}
}

// Scheduler owns the cron loop over the credit service.
type Scheduler struct {
	cron    *cron.Cron
	service *credits.Service
	logger  *zap.Logger
	cfg     Config
	nowFn   func() time.Time
}

// NewScheduler builds a Scheduler; jobs are registered on Start.
func NewScheduler(service *credits.Service, logger *zap.Logger, cfg Config, options ...Option) *Scheduler {
	scheduler := &Scheduler{
		cron:    cron.New(),
		service: service,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		nowFn:   time.Now,
	}
	for _, option := range options {
		option(scheduler)
	}
	return scheduler
}

// Start registers the jobs and launches the cron loop.
func (scheduler *Scheduler) Start(ctx context.Context) error {
	if _, err := scheduler.cron.AddFunc(scheduler.cfg.SweepSpec, func() {
		swept, err := scheduler.SweepOnce(ctx)
		if err != nil {
			scheduler.logger.Error("reservation sweep failed", zap.Error(err))
			return
		}
		if swept > 0 {
			scheduler.logger.Info("orphaned reservations refunded", zap.Int("count", swept))
		}
	}); err != nil {
		return err
	}
	if _, err := scheduler.cron.AddFunc(scheduler.cfg.PurgeSpec, func() {
		purged, err := scheduler.PurgeOnce(ctx)
		if err != nil {
			scheduler.logger.Error("guest quota purge failed", zap.Error(err))
			return
		}
		if purged > 0 {
			scheduler.logger.Info("expired guest quotas purged", zap.Int64("count", purged))
		}
	}); err != nil {
		return err
	}
	scheduler.cron.Start()
	scheduler.logger.Info("maintenance scheduler started",
		zap.String("sweep_spec", scheduler.cfg.SweepSpec),
		zap.String("purge_spec", scheduler.cfg.PurgeSpec),
	)
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (scheduler *Scheduler) Stop() {
	stopCtx := scheduler.cron.Stop()
	<-stopCtx.Done()
}

// SweepOnce refunds reservations pending longer than the configured TTL.
func (scheduler *Scheduler) SweepOnce(ctx context.Context) (int, error) {
	cutoff := scheduler.nowFn().UTC().Add(-scheduler.cfg.ReservationTTL).Unix()
	return scheduler.service.SweepOrphanedReservations(ctx, cutoff, scheduler.cfg.SweepLimit)
}

// PurgeOnce tombstones guest quota rows past their expiry.
func (scheduler *Scheduler) PurgeOnce(ctx context.Context) (int64, error) {
	return scheduler.service.PurgeExpiredGuestQuotas(ctx)
}
