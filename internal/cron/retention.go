package cron

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"gorm.io/gorm"

	"github.com/strongroom/strongroom/internal/models"
	"github.com/strongroom/strongroom/system"
)

type retentionCron struct {
	mu   *system.AtomicBool
	db   *gorm.DB
	days int
}

// Run deletes audit entries older than the configured retention window. A
// retention of zero or less keeps entries forever.
func (rc retentionCron) Run(ctx context.Context) error {
	if !rc.mu.SwapIf(true) {
		return errors.WithStack(ErrCronRunning)
	}
	defer rc.mu.Store(false)

	if rc.days <= 0 {
		return nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -rc.days)
	tx := rc.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.AuditEntry{})
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "cron: failed to prune audit entries")
	}
	if tx.RowsAffected > 0 {
		log.WithField("count", tx.RowsAffected).Info("pruned expired audit entries")
	}

	return nil
}
