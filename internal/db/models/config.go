package models

import "time"

// Well-known keys in the settings table.
const (
	SettingActiveAccount = "active_account"
	SettingActiveSignal  = "active_signal"
)

// Config stores singleton settings such as the active account pointer
type Config struct {
	Key       string `gorm:"primaryKey"` // Config key name
	Value     string // Config value
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName keeps the key/value table under a stable name across drivers.
func (Config) TableName() string {
	return "settings"
}
