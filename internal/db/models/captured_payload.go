package models

import "time"

// CapturedPayload is a stored upstream response body substituted by the adapter.
type CapturedPayload struct {
	Name        string    `gorm:"primaryKey" json:"name"`
	Body        []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	SourceEmail string    `json:"source_email"`
	CapturedAt  time.Time `json:"captured_at"`
}
