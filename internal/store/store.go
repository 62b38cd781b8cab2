// Package store persists accounts, the active account pointer and ban notices.
//
// Every method is atomic on its own. Callers that read, decide and then write
// get no isolation across calls, so each write path re-checks its precondition
// inside the write itself.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/session-mux/internal/db"
	"github.com/pysugar/session-mux/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountBanned   = errors.New("account banned")
	// ErrStaleBundle is returned when a bundle write would not extend the stored expiry.
	ErrStaleBundle = errors.New("bundle does not extend expiry")
)

// Store is the durable account store.
type Store struct {
	db *gorm.DB
}

// New wraps an initialized database.
func New(database *gorm.DB) *Store {
	return &Store{db: database}
}

// DB exposes the underlying handle for collaborators sharing the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Upsert inserts an account or replaces its credential bundle (last write wins).
// Health and limit snapshot survive a replace, so a banned account stays banned.
func (s *Store) Upsert(ctx context.Context, email string, bundle models.Bundle, raw []byte) error {
	email = normalizeEmail(email)
	if email == "" {
		return errors.New("store: empty email")
	}

	acc := models.Account{
		Email:         email,
		AccessToken:   bundle.AccessToken,
		RefreshToken:  bundle.RefreshToken,
		ExpiryMs:      bundle.ExpiryMs,
		IssuerAPIKey:  bundle.IssuerAPIKey,
		Health:        models.HealthHealthy,
		LimitSnapshot: models.DefaultLimitSnapshot,
		Raw:           string(raw),
	}
	columns := []string{"access_token", "refresh_token", "expiry_ms", "issuer_api_key", "updated_at"}
	if len(raw) > 0 {
		columns = append(columns, "raw")
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&acc).Error
	if err != nil {
		return fmt.Errorf("upsert %s: %w", email, err)
	}
	return nil
}

// List returns all accounts ordered by email.
func (s *Store) List(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := s.db.WithContext(ctx).Order("email ASC").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// ListRefreshable returns non-banned accounts ordered by email.
func (s *Store) ListRefreshable(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).
		Where("health <> ?", models.HealthBanned).
		Order("email ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("list refreshable accounts: %w", err)
	}
	return accounts, nil
}

// Get loads one account.
func (s *Store) Get(ctx context.Context, email string) (*models.Account, error) {
	return getAccount(s.db.WithContext(ctx), normalizeEmail(email))
}

// SetHealth writes a non-terminal health state. A banned row is never rewritten;
// entering the banned state goes through MarkBanned.
func (s *Store) SetHealth(ctx context.Context, email string, health models.Health) error {
	if health == models.HealthBanned {
		return errors.New("store: banned state is entered through MarkBanned")
	}
	email = normalizeEmail(email)
	tx := s.db.WithContext(ctx)
	res := tx.Model(&models.Account{}).
		Where("email = ? AND health <> ?", email, models.HealthBanned).
		Updates(map[string]any{"health": health, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("set health %s: %w", email, res.Error)
	}
	if res.RowsAffected == 0 {
		return explainMiss(tx, email)
	}
	return nil
}

// SetLimitSnapshot stores the advisory usage text for an account.
func (s *Store) SetLimitSnapshot(ctx context.Context, email, text string) error {
	email = normalizeEmail(email)
	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("email = ?", email).
		Updates(map[string]any{"limit_snapshot": text, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("set limit snapshot %s: %w", email, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}
	return nil
}

// UpdateBundle persists a refreshed bundle. The write only lands when it
// strictly extends the stored expiry; otherwise ErrStaleBundle is returned.
func (s *Store) UpdateBundle(ctx context.Context, email string, bundle models.Bundle) error {
	email = normalizeEmail(email)
	updates := map[string]any{
		"access_token": bundle.AccessToken,
		"expiry_ms":    bundle.ExpiryMs,
		"updated_at":   time.Now(),
	}
	if bundle.RefreshToken != "" {
		updates["refresh_token"] = bundle.RefreshToken
	}
	if bundle.IssuerAPIKey != "" {
		updates["issuer_api_key"] = bundle.IssuerAPIKey
	}

	tx := s.db.WithContext(ctx)
	res := tx.Model(&models.Account{}).
		Where("email = ? AND expiry_ms < ?", email, bundle.ExpiryMs).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update bundle %s: %w", email, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := getAccount(tx, email); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrStaleBundle, email)
	}
	return nil
}

// SetActive points the active session at email. The ban check runs inside
// the same transaction as the pointer write, on a locked row, so a concurrent
// MarkBanned either commits first and is seen or waits for the pointer.
func (s *Store) SetActive(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := getAccount(forUpdate(tx), email)
		if err != nil {
			return err
		}
		if acc.IsBanned() {
			return fmt.Errorf("%w: %s", ErrAccountBanned, email)
		}
		return db.PutSetting(tx, models.SettingActiveAccount, email)
	})
}

// GetActive returns the active email, if any.
func (s *Store) GetActive(ctx context.Context) (string, bool, error) {
	value, ok, err := db.GetSetting(s.db.WithContext(ctx), models.SettingActiveAccount)
	if err != nil {
		return "", false, fmt.Errorf("get active account: %w", err)
	}
	if !ok || value == "" {
		return "", false, nil
	}
	return value, true, nil
}

// GetActiveAccount loads the active account. It returns nil when no pointer is
// set or when the pointer no longer references a usable account.
func (s *Store) GetActiveAccount(ctx context.Context) (*models.Account, error) {
	email, ok, err := s.GetActive(ctx)
	if err != nil || !ok {
		return nil, err
	}
	acc, err := s.Get(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if acc.IsBanned() {
		return nil, nil
	}
	return acc, nil
}

// ClearActive removes the active pointer and reports whether one was set.
func (s *Store) ClearActive(ctx context.Context) (bool, error) {
	cleared, err := db.DeleteSetting(s.db.WithContext(ctx), models.SettingActiveAccount)
	if err != nil {
		return false, fmt.Errorf("clear active account: %w", err)
	}
	return cleared, nil
}

// ClearActiveIf removes the active pointer only while it references email.
func (s *Store) ClearActiveIf(ctx context.Context, email string) (bool, error) {
	return clearActiveIf(s.db.WithContext(ctx), normalizeEmail(email))
}

// Delete removes an account and its lease. The active pointer is cleared in
// the same transaction when it referenced the account.
func (s *Store) Delete(ctx context.Context, email string) (clearedActive bool, err error) {
	email = normalizeEmail(email)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("email = ?", email).Delete(&models.Account{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, email)
		}
		if err := tx.Where("email = ?", email).Delete(&models.RefreshLease{}).Error; err != nil {
			return err
		}
		clearedActive, err = clearActiveIf(tx, email)
		return err
	})
	if err != nil {
		return false, err
	}
	return clearedActive, nil
}

// BanOutcome describes what MarkBanned changed.
type BanOutcome struct {
	AlreadyBanned bool
	WasActive     bool
	NoticeID      uint
}

// MarkBanned moves an account to the terminal banned state. In one transaction
// it clears the active pointer if it referenced the account and records a
// BanNotice. Banning an already banned account changes nothing.
func (s *Store) MarkBanned(ctx context.Context, email string) (BanOutcome, error) {
	email = normalizeEmail(email)
	var out BanOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Account{}).
			Where("email = ? AND health <> ?", email, models.HealthBanned).
			Updates(map[string]any{"health": models.HealthBanned, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := getAccount(tx, email); err != nil {
				return err
			}
			out.AlreadyBanned = true
		}

		wasActive, err := clearActiveIf(tx, email)
		if err != nil {
			return err
		}
		out.WasActive = wasActive
		if out.AlreadyBanned && !wasActive {
			return nil
		}

		notice := models.BanNotice{Email: email, WasActive: wasActive, BannedAt: time.Now()}
		if err := tx.Create(&notice).Error; err != nil {
			return err
		}
		out.NoticeID = notice.ID
		return nil
	})
	if err != nil {
		return BanOutcome{}, fmt.Errorf("mark banned %s: %w", email, err)
	}
	return out, nil
}

// PendingBanNotices returns unacknowledged notices, oldest first.
func (s *Store) PendingBanNotices(ctx context.Context) ([]models.BanNotice, error) {
	var notices []models.BanNotice
	err := s.db.WithContext(ctx).
		Where("acknowledged = ?", false).
		Order("id ASC").
		Find(&notices).Error
	return notices, err
}

// ListBanNotices returns the most recent notices.
func (s *Store) ListBanNotices(ctx context.Context, limit int) ([]models.BanNotice, error) {
	if limit <= 0 {
		limit = 50
	}
	var notices []models.BanNotice
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&notices).Error
	return notices, err
}

// AckBanNotice marks a notice as surfaced.
func (s *Store) AckBanNotice(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.BanNotice{}).
		Where("id = ?", id).
		Update("acknowledged", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ban notice %d not found", id)
	}
	return nil
}

func getAccount(tx *gorm.DB, email string) (*models.Account, error) {
	var acc models.Account
	err := tx.Where("email = ?", email).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", email, err)
	}
	return &acc, nil
}

// forUpdate locks the selected rows until the transaction ends. sqlite has no
// row locks and drops the clause; its single writer serializes instead.
func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func clearActiveIf(tx *gorm.DB, email string) (bool, error) {
	res := tx.Where("key = ? AND value = ?", models.SettingActiveAccount, email).Delete(&models.Config{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// explainMiss turns a zero-row conditional update into the matching error.
func explainMiss(tx *gorm.DB, email string) error {
	acc, err := getAccount(tx, email)
	if err != nil {
		return err
	}
	if acc.IsBanned() {
		return fmt.Errorf("%w: %s", ErrAccountBanned, email)
	}
	return nil
}

// normalizeEmail is the canonical account key: trimmed and lower-cased.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
