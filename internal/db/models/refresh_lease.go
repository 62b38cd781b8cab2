package models

import "time"

// RefreshLease marks a refresh exchange in flight for an email, across processes.
type RefreshLease struct {
	Email     string `gorm:"primaryKey"`
	Holder    string `gorm:"not null"`
	ExpiresAt time.Time
}
