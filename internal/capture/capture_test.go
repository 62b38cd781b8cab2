package capture

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pysugar/session-mux/internal/db/dbtest"
	"github.com/pysugar/session-mux/internal/db/models"
)

func writeRequest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write request file: %v", err)
	}
	return path
}

func TestStore_SaveLoadReplace(t *testing.T) {
	ctx := context.Background()
	s := NewStore(dbtest.New(t))

	p, err := s.Load(ctx, BulkRead)
	if err != nil || p != nil {
		t.Fatalf("expected no payload, got %v, %v", p, err)
	}

	if err := s.Save(ctx, models.CapturedPayload{Name: BulkRead, Body: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, models.CapturedPayload{Name: BulkRead, Body: []byte(`{"a":2}`)}); err != nil {
		t.Fatalf("save again: %v", err)
	}
	p, err = s.Load(ctx, BulkRead)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(p.Body) != `{"a":2}` {
		t.Errorf("body = %s, want the replacement", p.Body)
	}
	if p.CapturedAt.IsZero() {
		t.Error("captured_at not set")
	}
}

func TestCache_Reload(t *testing.T) {
	ctx := context.Background()
	s := NewStore(dbtest.New(t))
	c := NewCache(s, BulkRead)

	if err := c.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if c.Payload() != nil {
		t.Fatal("expected empty cache")
	}

	s.Save(ctx, models.CapturedPayload{Name: BulkRead, Body: []byte(`[]`)})
	if c.Payload() != nil {
		t.Fatal("cache must not change before reload")
	}
	c.Reload(ctx)
	if p := c.Payload(); p == nil || string(p.Body) != `[]` {
		t.Fatalf("payload = %v", p)
	}

	s.Delete(ctx, BulkRead)
	c.Reload(ctx)
	if c.Payload() != nil {
		t.Error("expected cache emptied after delete")
	}
}

func TestFetcher_DisabledWithoutRequestFile(t *testing.T) {
	f, err := NewFetcher(FetcherConfig{URL: "http://example.invalid"}, NewStore(dbtest.New(t)))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if f.Enabled() {
		t.Error("fetcher should be disabled")
	}
	if err := f.EnsureCaptured(context.Background(), &models.Account{Email: "a@x"}); err != nil {
		t.Errorf("EnsureCaptured on disabled fetcher: %v", err)
	}
}

func TestNewFetcher_RejectsInvalidRequestFile(t *testing.T) {
	_, err := NewFetcher(FetcherConfig{URL: "http://x", RequestFile: writeRequest(t, "not json")}, nil)
	if err == nil {
		t.Fatal("expected error for invalid JSON request file")
	}
}

func TestFetcher_EnsureCapturedFetchesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer tok-a" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"query":"bulk"}` {
			t.Errorf("request body = %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"objects":[]}}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	s := NewStore(dbtest.New(t))
	f, err := NewFetcher(FetcherConfig{URL: srv.URL, RequestFile: writeRequest(t, `{"query":"bulk"}`), HTTPClient: srv.Client()}, s)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	acc := &models.Account{Email: "a@x", AccessToken: "tok-a"}

	for i := 0; i < 2; i++ {
		if err := f.EnsureCaptured(ctx, acc); err != nil {
			t.Fatalf("EnsureCaptured: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	p, _ := s.Load(ctx, BulkRead)
	if p == nil || p.SourceEmail != "a@x" || string(p.Body) != `{"data":{"objects":[]}}` {
		t.Fatalf("stored payload = %+v", p)
	}
}

func TestFetcher_FailureStoresNothing(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>"))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			ctx := context.Background()
			s := NewStore(dbtest.New(t))
			f, _ := NewFetcher(FetcherConfig{URL: srv.URL, RequestFile: writeRequest(t, `{}`), HTTPClient: srv.Client()}, s)
			if err := f.Fetch(ctx, &models.Account{Email: "a@x", AccessToken: "t"}); err == nil {
				t.Fatal("expected error")
			}
			if p, _ := s.Load(ctx, BulkRead); p != nil {
				t.Error("nothing should be stored")
			}
		})
	}
}
