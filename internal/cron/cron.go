package cron

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/go-co-op/gocron"
	"gorm.io/gorm"

	"github.com/strongroom/strongroom/config"
	"github.com/strongroom/strongroom/system"
)

const ErrCronRunning = errors.Sentinel("cron: job already running")

// Scheduler configures the background maintenance schedule for the daemon
// and returns it unstarted. Audit retention is the only job that runs on a
// timer. Stale lock markers are deliberately absent here: reclaiming one is
// an operator decision made through the locks command, never a scheduled
// sweep that could break a legitimately long held lock.
func Scheduler(ctx context.Context, cfg *config.Configuration, db *gorm.DB) (*gocron.Scheduler, error) {
	l, err := time.LoadLocation(cfg.System.Timezone)
	if err != nil {
		return nil, errors.Wrap(err, "cron: failed to parse configured system timezone")
	}

	interval := time.Duration(cfg.Audit.PruneInterval) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	retention := retentionCron{
		mu:   system.NewAtomicBool(false),
		db:   db,
		days: cfg.Audit.RetentionDays,
	}

	s := gocron.NewScheduler(l)
	_, _ = s.Tag("audit-retention").Every(interval).Do(func() {
		if err := retention.Run(ctx); err != nil {
			if errors.Is(err, ErrCronRunning) {
				log.WithField("cron", "audit-retention").Warn("cron: process is already running, skipping...")
			} else {
				log.WithField("error", err).Error("cron: failed to prune audit entries")
			}
		}
	})

	return s, nil
}
