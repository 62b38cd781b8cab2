package token

import (
	"context"
	"log"
	"time"

	"github.com/pysugar/session-mux/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// leaseTable is the cross-process half of the single-flight guard. A row per
// email marks an exchange in flight; expired rows are taken over.
type leaseTable struct {
	db     *gorm.DB
	holder string
	ttl    time.Duration
}

func (l *leaseTable) acquire(ctx context.Context, email string) (bool, error) {
	acquired := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if err := tx.Where("email = ? AND expires_at < ?", email, now).Delete(&models.RefreshLease{}).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.RefreshLease{
			Email:     email,
			Holder:    l.holder,
			ExpiresAt: now.Add(l.ttl),
		})
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	return acquired, err
}

func (l *leaseTable) release(ctx context.Context, email string) {
	err := l.db.WithContext(ctx).
		Where("email = ? AND holder = ?", email, l.holder).
		Delete(&models.RefreshLease{}).Error
	if err != nil {
		log.Printf("⚠️ Failed to release refresh lease for %s: %v", email, err)
	}
}
