// Package capture stores upstream response payloads that the hook adapter
// substitutes for bulk-read responses.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/pysugar/session-mux/internal/db/models"
	"github.com/pysugar/session-mux/internal/upstream"
	"github.com/pysugar/session-mux/internal/util"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BulkRead names the payload substituted for bulk-read responses.
const BulkRead = "bulk_read"

// maxPayloadSize caps captured bodies.
const maxPayloadSize = 32 << 20

// Store persists captured payloads by name.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Save replaces the payload stored under p.Name.
func (s *Store) Save(ctx context.Context, p models.CapturedPayload) error {
	if p.CapturedAt.IsZero() {
		p.CapturedAt = time.Now()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&p).Error
}

// Load returns the payload stored under name, or nil when none is.
func (s *Store) Load(ctx context.Context, name string) (*models.CapturedPayload, error) {
	var p models.CapturedPayload
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payload %s: %w", name, err)
	}
	return &p, nil
}

// Delete removes a stored payload.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Where("name = ?", name).Delete(&models.CapturedPayload{}).Error
}

// Cache holds one payload in memory for lock-free reads.
type Cache struct {
	store *Store
	name  string
	cur   atomic.Pointer[models.CapturedPayload]
}

func NewCache(store *Store, name string) *Cache {
	return &Cache{store: store, name: name}
}

// Reload re-reads the payload from the store. A missing payload empties the cache.
func (c *Cache) Reload(ctx context.Context) error {
	p, err := c.store.Load(ctx, c.name)
	if err != nil {
		return err
	}
	c.cur.Store(p)
	if p != nil {
		log.Printf("📦 Loaded captured payload %s (%d bytes)", c.name, len(p.Body))
	}
	return nil
}

// Payload returns the cached payload or nil.
func (c *Cache) Payload() *models.CapturedPayload {
	return c.cur.Load()
}

// FetcherConfig configures the out-of-band capture request.
type FetcherConfig struct {
	URL string
	// RequestFile holds the JSON body posted to URL. Capture is disabled without it.
	RequestFile string
	HTTPClient  *http.Client
}

// Fetcher performs the bulk-read request with an account's credential and
// stores the response.
type Fetcher struct {
	url        string
	body       []byte
	httpClient *http.Client
	store      *Store
}

// NewFetcher loads the request body up front so a bad file fails at startup.
func NewFetcher(cfg FetcherConfig, store *Store) (*Fetcher, error) {
	f := &Fetcher{url: cfg.URL, httpClient: cfg.HTTPClient, store: store}
	if f.httpClient == nil {
		f.httpClient = upstream.NewHTTPClient(upstream.DefaultTimeout, upstream.DefaultMarker())
	}
	if cfg.RequestFile == "" {
		return f, nil
	}
	body, err := os.ReadFile(cfg.RequestFile)
	if err != nil {
		return nil, fmt.Errorf("read capture request: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("capture request %s is not valid JSON", cfg.RequestFile)
	}
	f.body = body
	return f, nil
}

// Enabled reports whether a capture request is configured.
func (f *Fetcher) Enabled() bool {
	return f != nil && len(f.body) > 0 && f.url != ""
}

// EnsureCaptured fetches the payload only when none is stored yet.
func (f *Fetcher) EnsureCaptured(ctx context.Context, acc *models.Account) error {
	if !f.Enabled() {
		return nil
	}
	existing, err := f.store.Load(ctx, BulkRead)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return f.Fetch(ctx, acc)
}

// Fetch performs the capture request and stores a successful JSON response.
func (f *Fetcher) Fetch(ctx context.Context, acc *models.Account) error {
	if !f.Enabled() {
		return errors.New("capture request not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(f.body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("capture request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
	if err != nil {
		return fmt.Errorf("read capture response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, util.TruncateLog(string(body), 256))
	}
	if !json.Valid(body) {
		return errors.New("capture response is not valid JSON")
	}

	err = f.store.Save(ctx, models.CapturedPayload{
		Name:        BulkRead,
		Body:        body,
		ContentType: "application/json",
		SourceEmail: acc.Email,
	})
	if err != nil {
		return err
	}
	log.Printf("📥 Captured bulk-read payload for %s (%d bytes)", acc.Email, len(body))
	return nil
}
