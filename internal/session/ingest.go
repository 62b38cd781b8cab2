package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/session-mux/internal/db/models"
)

// ErrInvalidPayload is matched by every *ValidationError.
var ErrInvalidPayload = errors.New("invalid account payload")

// ValidationError rejects an ingestion payload. Nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid account payload: " + e.Reason
	}
	return fmt.Sprintf("invalid account payload: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidPayload }

// accountPayload is the account record exported by the browser extension.
type accountPayload struct {
	Email           string           `json:"email"`
	APIKey          string           `json:"apiKey"`
	STSTokenManager *stsTokenManager `json:"stsTokenManager"`
}

type stsTokenManager struct {
	AccessToken    *string     `json:"accessToken"`
	RefreshToken   *string     `json:"refreshToken"`
	ExpirationTime json.Number `json:"expirationTime"`
}

// Ingest validates an account record and stores it, replacing any record with
// the same email. It returns the normalized email.
func (c *Coordinator) Ingest(ctx context.Context, payload []byte) (string, error) {
	p, err := parsePayload(payload)
	if err != nil {
		return "", err
	}
	sts := p.STSTokenManager
	bundle := models.Bundle{
		AccessToken:  *sts.AccessToken,
		RefreshToken: *sts.RefreshToken,
		IssuerAPIKey: p.APIKey,
	}
	if ms, err := sts.ExpirationTime.Int64(); err == nil && ms > 0 {
		bundle.ExpiryMs = ms
	} else if exp, ok := jwtExpiry(bundle.AccessToken); ok {
		bundle.ExpiryMs = exp
	} else {
		// treated as expired: the next sweep or activation refreshes it
		log.Printf("⚠️ No expiry for %s, the account will be refreshed before use", p.Email)
	}

	email := strings.ToLower(strings.TrimSpace(p.Email))
	if err := c.store.Upsert(ctx, email, bundle, compact(payload)); err != nil {
		return "", err
	}
	log.Printf("➕ Ingested account: %s", email)
	return email, nil
}

func parsePayload(payload []byte) (*accountPayload, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, &ValidationError{Reason: "empty body"}
	}
	var p accountPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &ValidationError{Reason: "malformed JSON: " + err.Error()}
	}
	if strings.TrimSpace(p.Email) == "" {
		return nil, &ValidationError{Field: "email", Reason: "is required"}
	}
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return nil, &ValidationError{Field: "email", Reason: "is not an address"}
	}
	if p.STSTokenManager == nil {
		return nil, &ValidationError{Field: "stsTokenManager", Reason: "is required"}
	}
	if p.STSTokenManager.AccessToken == nil || *p.STSTokenManager.AccessToken == "" {
		return nil, &ValidationError{Field: "stsTokenManager.accessToken", Reason: "is required"}
	}
	if p.STSTokenManager.RefreshToken == nil || *p.STSTokenManager.RefreshToken == "" {
		return nil, &ValidationError{Field: "stsTokenManager.refreshToken", Reason: "is required"}
	}
	return &p, nil
}

// jwtExpiry reads the exp claim of an access token in epoch milliseconds. The
// signature is not checked.
func jwtExpiry(accessToken string) (int64, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return 0, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, false
	}
	return exp.UnixMilli(), true
}

func compact(payload []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return payload
	}
	return buf.Bytes()
}
