package monitor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/session-mux/internal/db/models"
	"gorm.io/gorm"
)

const (
	// MaxMemoryLogs limits in-memory log cache
	MaxMemoryLogs = 100
	// MaxErrorLen limits stored error text
	MaxErrorLen = 1024
)

// Action values counted as a rewrite in the stats.
var rewriteActions = map[string]bool{
	"rewrite":    true,
	"substitute": true,
	"block":      true,
}

// HookMonitor records adapter decisions and keeps running counters
type HookMonitor struct {
	db      *gorm.DB
	enabled atomic.Bool

	// In-memory cache for recent logs (thread-safe)
	recentLogs []models.HookLog
	logsMu     sync.RWMutex

	totalCalls  atomic.Int64
	rewritten   atomic.Int64
	passthrough atomic.Int64
	errorCount  atomic.Int64

	wg sync.WaitGroup
}

// NewHookMonitor creates a monitor. Recording starts disabled.
func NewHookMonitor(db *gorm.DB) *HookMonitor {
	hm := &HookMonitor{
		db:         db,
		recentLogs: make([]models.HookLog, 0, MaxMemoryLogs),
	}
	hm.loadStatsFromDB()
	return hm
}

// SetEnabled enables or disables decision logging
func (hm *HookMonitor) SetEnabled(enabled bool) {
	hm.enabled.Store(enabled)
	log.Printf("[Monitor] Decision logging %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])
}

// IsEnabled returns whether logging is enabled
func (hm *HookMonitor) IsEnabled() bool {
	return hm.enabled.Load()
}

// Record logs one decision (async, non-blocking)
func (hm *HookMonitor) Record(entry models.HookLog) {
	if !hm.IsEnabled() {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	if len(entry.Error) > MaxErrorLen {
		entry.Error = entry.Error[:MaxErrorLen] + "...[truncated]"
	}

	hm.totalCalls.Add(1)
	switch {
	case entry.Error != "":
		hm.errorCount.Add(1)
	case rewriteActions[entry.Action]:
		hm.rewritten.Add(1)
	default:
		hm.passthrough.Add(1)
	}

	hm.logsMu.Lock()
	hm.recentLogs = append([]models.HookLog{entry}, hm.recentLogs...)
	if len(hm.recentLogs) > MaxMemoryLogs {
		hm.recentLogs = hm.recentLogs[:MaxMemoryLogs]
	}
	hm.logsMu.Unlock()

	// Async save to DB
	hm.wg.Add(1)
	go func(e models.HookLog) {
		defer hm.wg.Done()
		if err := hm.db.Create(&e).Error; err != nil {
			log.Printf("[Monitor] Failed to save log: %v", err)
		}
	}(entry)
}

// Flush waits for pending async writes.
func (hm *HookMonitor) Flush() {
	hm.wg.Wait()
}

// GetLogs returns recent decisions, optionally limited to the last sinceMinutes
func (hm *HookMonitor) GetLogs(limit int, sinceMinutes int) []models.HookLog {
	if limit <= 0 {
		limit = 100
	}

	var logs []models.HookLog
	query := hm.db.Order("timestamp DESC").Limit(limit)
	if sinceMinutes > 0 {
		sinceTime := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute).UnixMilli()
		query = query.Where("timestamp >= ?", sinceTime)
	}

	if err := query.Find(&logs).Error; err != nil {
		log.Printf("[Monitor] Failed to get logs from DB: %v", err)
		// Fallback to memory
		hm.logsMu.RLock()
		defer hm.logsMu.RUnlock()
		if limit > len(hm.recentLogs) {
			limit = len(hm.recentLogs)
		}
		return append([]models.HookLog(nil), hm.recentLogs[:limit]...)
	}
	return logs
}

// GetStats returns counters. In a process that only reads (the controller)
// they are refreshed from the database first.
func (hm *HookMonitor) GetStats() models.HookStats {
	if !hm.IsEnabled() {
		hm.loadStatsFromDB()
	}
	return models.HookStats{
		TotalCalls:  hm.totalCalls.Load(),
		Rewritten:   hm.rewritten.Load(),
		Passthrough: hm.passthrough.Load(),
		ErrorCount:  hm.errorCount.Load(),
	}
}

// Clear clears all logs from memory and database
func (hm *HookMonitor) Clear() error {
	hm.Flush()
	hm.logsMu.Lock()
	hm.recentLogs = hm.recentLogs[:0]
	hm.logsMu.Unlock()

	hm.totalCalls.Store(0)
	hm.rewritten.Store(0)
	hm.passthrough.Store(0)
	hm.errorCount.Store(0)

	if err := hm.db.Where("1 = 1").Delete(&models.HookLog{}).Error; err != nil {
		log.Printf("[Monitor] Failed to clear logs: %v", err)
		return err
	}
	log.Printf("[Monitor] All logs cleared")
	return nil
}

// loadStatsFromDB loads statistics from database
func (hm *HookMonitor) loadStatsFromDB() {
	var total, rewritten, errs int64
	actions := make([]string, 0, len(rewriteActions))
	for a := range rewriteActions {
		actions = append(actions, a)
	}

	hm.db.Model(&models.HookLog{}).Count(&total)
	hm.db.Model(&models.HookLog{}).Where("error <> '' AND error IS NOT NULL").Count(&errs)
	hm.db.Model(&models.HookLog{}).Where("(error = '' OR error IS NULL) AND action IN ?", actions).Count(&rewritten)

	hm.totalCalls.Store(total)
	hm.rewritten.Store(rewritten)
	hm.errorCount.Store(errs)
	hm.passthrough.Store(total - rewritten - errs)
}
