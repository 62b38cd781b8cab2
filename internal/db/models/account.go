package models

import "time"

// Health is the upstream standing of an account.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthBanned    Health = "banned" // terminal
)

// DefaultLimitSnapshot is stored until the first successful usage probe.
const DefaultLimitSnapshot = "not updated"

// Bundle is the credential set issued for one account.
type Bundle struct {
	AccessToken  string
	RefreshToken string
	ExpiryMs     int64 // epoch milliseconds
	IssuerAPIKey string
}

// Expiry returns the access token expiry as a time.
func (b Bundle) Expiry() time.Time {
	return time.UnixMilli(b.ExpiryMs)
}

// Account stores one upstream identity and its credential bundle.
type Account struct {
	Email         string    `gorm:"primaryKey" json:"email"`
	AccessToken   string    `gorm:"type:text" json:"-"`
	RefreshToken  string    `gorm:"type:text" json:"-"`
	ExpiryMs      int64     `json:"expiry_ms"`
	IssuerAPIKey  string    `json:"-"`
	Health        Health    `gorm:"not null;default:'healthy';index" json:"health"`
	LimitSnapshot string    `gorm:"not null;default:'not updated'" json:"limit_snapshot"`
	Raw           string    `gorm:"type:text" json:"-"` // ingested payload; export overlays the current bundle
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Bundle returns the account's credential bundle.
func (a Account) Bundle() Bundle {
	return Bundle{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		ExpiryMs:     a.ExpiryMs,
		IssuerAPIKey: a.IssuerAPIKey,
	}
}

// IsBanned reports whether the account reached the terminal state.
func (a Account) IsBanned() bool {
	return a.Health == HealthBanned
}
