package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pysugar/session-mux/internal/db/models"
)

// Export renders an account in the ingestion format, starting from the
// payload it was ingested with and overlaying the current bundle, so the
// result can be imported again elsewhere.
func (c *Coordinator) Export(ctx context.Context, email string) (json.RawMessage, error) {
	acc, err := c.store.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	return exportAccount(acc)
}

// ExportAll exports every stored account, ordered by email.
func (c *Coordinator) ExportAll(ctx context.Context) ([]json.RawMessage, error) {
	accounts, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(accounts))
	for i := range accounts {
		record, err := exportAccount(&accounts[i])
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func exportAccount(acc *models.Account) (json.RawMessage, error) {
	record := map[string]any{}
	if acc.Raw != "" {
		if err := json.Unmarshal([]byte(acc.Raw), &record); err != nil {
			return nil, fmt.Errorf("export %s: stored payload: %w", acc.Email, err)
		}
	}
	sts, _ := record["stsTokenManager"].(map[string]any)
	if sts == nil {
		sts = map[string]any{}
	}
	sts["accessToken"] = acc.AccessToken
	sts["refreshToken"] = acc.RefreshToken
	sts["expirationTime"] = acc.ExpiryMs

	record["email"] = acc.Email
	record["stsTokenManager"] = sts
	if acc.IssuerAPIKey != "" {
		record["apiKey"] = acc.IssuerAPIKey
	}
	return json.Marshal(record)
}
