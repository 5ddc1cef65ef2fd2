// Package maintenance runs cron-driven housekeeping for finished session versions.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/linsight/config"
)

// Pruner deletes task rows of terminal versions older than cutoff.
type Pruner interface {
	DeleteFinishedTasksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker elects one node per sweep.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLocker takes a SETNX lock that expires on its own.
type RedisLocker struct {
	Client *redis.Client
}

func (l RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.Client.SetNX(ctx, key, "1", ttl).Result()
}

// Sweeper deletes expired task trees on a cron schedule.
type Sweeper struct {
	expr      *cronexpr.Expression
	retention time.Duration
	pruner    Pruner
	locker    Locker
	lockKey   string
	logger    *log.Logger
	now       func() time.Time
}

// NewSweeper parses cfg.SweepCron. locker may be nil on single-node deployments.
func NewSweeper(cfg config.MaintenanceConfig, pruner Pruner, locker Locker, keyPrefix string) (*Sweeper, error) {
	cfg = cfg.Normalize()
	expr, err := cronexpr.Parse(cfg.SweepCron)
	if err != nil {
		return nil, fmt.Errorf("maintenance.sweep_cron %q: %w", cfg.SweepCron, err)
	}
	if keyPrefix == "" {
		keyPrefix = "linsight"
	}
	return &Sweeper{
		expr:      expr,
		retention: cfg.TaskRetention,
		pruner:    pruner,
		locker:    locker,
		lockKey:   keyPrefix + ":sweep:lock",
		logger:    log.New(os.Stdout, "[SWEEP] ", log.LstdFlags),
		now:       time.Now,
	}, nil
}

// Next returns the first scheduled sweep after t.
func (s *Sweeper) Next(t time.Time) time.Time { return s.expr.Next(t) }

// Run sweeps at every scheduled time until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := s.expr.Next(s.now())
		if next.IsZero() {
			s.logger.Printf("cron expression has no future run, sweeper stopped")
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Printf("sweep failed: %v", err)
		}
	}
}

// Sweep deletes task trees of versions that finished more than the retention window ago.
// It returns the number of deleted rows; a sweep skipped because another node holds the
// lock deletes nothing.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.locker != nil {
		// The lock outlives the sweep so a second node firing on the same tick skips it.
		ok, err := s.locker.TryLock(ctx, s.lockKey, time.Minute)
		if err != nil {
			return 0, fmt.Errorf("sweep lock: %w", err)
		}
		if !ok {
			return 0, nil
		}
	}
	cutoff := s.now().Add(-s.retention)
	n, err := s.pruner.DeleteFinishedTasksBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	recordSwept(ctx, n)
	if n > 0 {
		s.logger.Printf("deleted %d task rows finished before %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

var (
	metricsOnce  sync.Once
	sweptCounter otelmetric.Int64Counter
)

func recordSwept(ctx context.Context, n int64) {
	metricsOnce.Do(func() {
		var err error
		sweptCounter, err = otel.Meter("linsight/maintenance").Int64Counter("linsight_sweeper_tasks_deleted_total",
			otelmetric.WithDescription("Task rows removed by the retention sweeper"))
		if err != nil {
			log.Printf("warn: create sweeper counter failed: %v", err)
		}
	})
	if sweptCounter != nil {
		sweptCounter.Add(ctx, n)
	}
}
