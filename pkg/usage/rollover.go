package usage

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

const (
	// DefaultHistoryRetention is how many archived periods are kept per user.
	DefaultHistoryRetention = 12

	// defaultSweepBatch bounds one sweep so a backlog cannot hold a
	// connection for minutes.
	defaultSweepBatch = 500
)

// RolloverSweeper archives superseded monthly ledger entries. The ledger
// itself rolls over lazily (a new period key simply starts at zero); the
// sweeper only moves finished periods into bounded history so the live table
// stays small. Missing a run costs nothing but disk.
type RolloverSweeper struct {
	store     entitlements.UsageStore
	logger    entitlements.Logger
	metrics   entitlements.Metrics
	retention int
	batch     int
	now       func() time.Time
}

// SweeperConfig holds the sweeper's collaborators.
type SweeperConfig struct {
	Store entitlements.UsageStore

	// Retention is the number of archived periods kept per user
	// (default 12).
	Retention int

	// Batch caps entries archived per run (default 500).
	Batch int

	Logger  entitlements.Logger
	Metrics entitlements.Metrics
}

// NewRolloverSweeper creates a ledger rollover sweeper.
func NewRolloverSweeper(cfg SweeperConfig) (*RolloverSweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("usage: sweeper requires a store")
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &entitlements.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &entitlements.NoopMetrics{}
	}
	return &RolloverSweeper{
		store:     cfg.Store,
		logger:    logger,
		metrics:   metrics,
		retention: retention,
		batch:     batch,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run archives every live ledger entry whose period has ended, up to the
// batch cap. It returns the number of entries archived. A failure on one
// entry stops the run; the next run picks up where this one failed since
// archived entries no longer match the stale listing.
func (s *RolloverSweeper) Run(ctx context.Context) (int, error) {
	cutoff := entitlements.MonthStart(s.now())

	stale, err := s.store.ListStaleUsage(ctx, cutoff, s.batch)
	if err != nil {
		s.metrics.RecordRolloverRun("error", 0)
		return 0, err
	}

	archived := 0
	for _, entry := range stale {
		if err := s.store.ArchiveUsage(ctx, entry.UserID, entry.Period, s.retention); err != nil {
			s.metrics.RecordRolloverRun("error", archived)
			s.logger.Error("ledger archive failed mid-sweep",
				entitlements.Field{Key: "user_id", Value: entry.UserID},
				entitlements.Field{Key: "period", Value: entry.Period.Format("2006-01")},
				entitlements.Field{Key: "archived_so_far", Value: archived},
				entitlements.Field{Key: "error", Value: err.Error()})
			return archived, err
		}
		archived++
	}

	s.metrics.RecordRolloverRun("success", archived)
	if archived > 0 {
		s.logger.Info("ledger rollover sweep completed",
			entitlements.Field{Key: "archived", Value: archived})
	}
	return archived, nil
}

// Scheduler runs the sweeper on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	logger entitlements.Logger
}

// NewScheduler schedules the sweeper with the given cron expression
// (standard 5-field syntax, e.g. "15 2 * * *" for 02:15 daily).
func NewScheduler(sweeper *RolloverSweeper, spec string, logger entitlements.Logger) (*Scheduler, error) {
	if sweeper == nil {
		return nil, errors.New("usage: scheduler requires a sweeper")
	}
	if logger == nil {
		logger = &entitlements.NoopLogger{}
	}

	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := sweeper.Run(ctx); err != nil {
			logger.Error("scheduled rollover sweep failed",
				entitlements.Field{Key: "error", Value: err.Error()})
		}
	})
	if err != nil {
		return nil, err
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start begins running scheduled sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
