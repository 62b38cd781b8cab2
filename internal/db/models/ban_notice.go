package models

import "time"

// BanNotice records an account entering the banned state so the controller can surface it.
type BanNotice struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"index;not null" json:"email"`
	WasActive    bool      `json:"was_active"`
	Acknowledged bool      `gorm:"default:false;index" json:"acknowledged"`
	BannedAt     time.Time `json:"banned_at"`
}
