package upstream

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// retryInfo is the Google-style error body some upstream endpoints return
// with a 429.
type retryInfo struct {
	Error struct {
		Details []struct {
			RetryDelay string            `json:"retryDelay"` // e.g. "3.5s"
			Metadata   map[string]string `json:"metadata"`
		} `json:"details"`
	} `json:"error"`
}

// ParseRetryDelay extracts how long to back off after a rate-limited
// response. The Retry-After header wins; otherwise the body's retryDelay is
// used. Returns 0 when neither is present.
func ParseRetryDelay(header http.Header, body []byte) time.Duration {
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return 0
		}
	}

	var info retryInfo
	if len(body) == 0 || json.Unmarshal(body, &info) != nil {
		return 0
	}
	for _, detail := range info.Error.Details {
		delay := detail.RetryDelay
		if delay == "" {
			delay = detail.Metadata["retryDelay"]
		}
		if d, err := time.ParseDuration(delay); err == nil && d > 0 {
			return d
		}
	}
	return 0
}
