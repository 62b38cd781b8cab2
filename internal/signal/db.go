package signal

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pysugar/session-mux/internal/db"
	"github.com/pysugar/session-mux/internal/db/models"
	"gorm.io/gorm"
)

// DBSignal keeps the marker in the settings table next to the active pointer.
type DBSignal struct {
	db *gorm.DB
}

func NewDBSignal(database *gorm.DB) *DBSignal {
	return &DBSignal{db: database}
}

func (s *DBSignal) Bump(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := readMarker(tx)
		if err != nil {
			return err
		}
		v = next(prev)
		return db.PutSetting(tx, models.SettingActiveSignal, strconv.FormatInt(v, 10))
	})
	if err != nil {
		return 0, fmt.Errorf("bump signal: %w", err)
	}
	return v, nil
}

func (s *DBSignal) Current(ctx context.Context) (int64, error) {
	v, err := readMarker(s.db.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("read signal: %w", err)
	}
	return v, nil
}

func readMarker(tx *gorm.DB) (int64, error) {
	raw, ok, err := db.GetSetting(tx, models.SettingActiveSignal)
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// a corrupt marker must not wedge readers; the next bump overwrites it
		return 0, nil
	}
	return v, nil
}
