package models

// HookLog stores one adapter decision for monitoring
type HookLog struct {
	ID        string `gorm:"primaryKey" json:"id"`
	Timestamp int64  `gorm:"index" json:"timestamp"`
	Phase     string `gorm:"index" json:"phase"` // request or response
	Method    string `json:"method"`
	Host      string `gorm:"index" json:"host"`
	Path      string `json:"path"`
	Status    int    `json:"status,omitempty"`
	Action    string `gorm:"index" json:"action"`
	Email     string `json:"email,omitempty"`
	Duration  int64  `json:"duration"` // microseconds
	Error     string `json:"error,omitempty"`
}

// HookStats holds aggregated counters for hook decisions
type HookStats struct {
	TotalCalls  int64 `json:"total_calls"`
	Rewritten   int64 `json:"rewritten"`
	Passthrough int64 `json:"passthrough"`
	ErrorCount  int64 `json:"error_count"`
}
