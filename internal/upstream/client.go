package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/pysugar/session-mux/internal/util"
)

// DefaultProbeURL is the GraphQL endpoint answering usage queries.
const DefaultProbeURL = "https://app.warp.dev/graphql/v2?op=GetRequestLimitInfo"

// DefaultClientVersion is sent as the client version header and request context.
const DefaultClientVersion = "v0.2025.08.27.08.11.stable_04"

// ErrProbeFailed matches every usage probe failure.
var ErrProbeFailed = errors.New("usage probe failed")

// ProbeFailedError carries why a probe failed.
type ProbeFailedError struct {
	Status int
	Reason string
	Cause  error
	// RetryAfter is set when the upstream rate-limited the probe.
	RetryAfter time.Duration
}

func (e *ProbeFailedError) Error() string {
	msg := "usage probe failed"
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProbeFailedError) Is(target error) bool { return target == ErrProbeFailed }

func (e *ProbeFailedError) Unwrap() error { return e.Cause }

// Usage is the subset of limit counters the controller keeps.
type Usage struct {
	Used      int  `json:"requestsUsedSinceLastRefresh"`
	Limit     int  `json:"requestLimit"`
	Unlimited bool `json:"isUnlimited"`
}

// String renders the limit snapshot stored on the account.
func (u Usage) String() string {
	if u.Unlimited {
		return strconv.Itoa(u.Used) + "/unlimited"
	}
	return strconv.Itoa(u.Used) + "/" + strconv.Itoa(u.Limit)
}

// ClientConfig configures the usage probe client.
type ClientConfig struct {
	ProbeURL      string
	ClientVersion string
	HTTPClient    *http.Client
}

// Client talks to the upstream usage endpoint.
type Client struct {
	probeURL      string
	clientVersion string
	httpClient    *http.Client
}

// NewClient creates a probe client. A nil HTTPClient gets the marker transport
// and the default timeout.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		probeURL:      cfg.ProbeURL,
		clientVersion: cfg.ClientVersion,
		httpClient:    cfg.HTTPClient,
	}
	if c.probeURL == "" {
		c.probeURL = DefaultProbeURL
	}
	if c.clientVersion == "" {
		c.clientVersion = DefaultClientVersion
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient(DefaultTimeout, DefaultMarker())
	}
	return c
}

const limitInfoQuery = `query GetRequestLimitInfo($requestContext: RequestContext!) {
  user(requestContext: $requestContext) {
    __typename
    ... on UserOutput {
      user {
        requestLimitInfo {
          isUnlimited
          nextRefreshTime
          requestLimit
          requestsUsedSinceLastRefresh
        }
      }
    }
    ... on UserFacingError {
      error {
        __typename
        message
      }
    }
  }
}`

type limitInfoResponse struct {
	Data struct {
		User struct {
			Typename string `json:"__typename"`
			User     struct {
				RequestLimitInfo *Usage `json:"requestLimitInfo"`
			} `json:"user"`
			Error struct {
				Typename string `json:"__typename"`
				Message  string `json:"message"`
			} `json:"error"`
		} `json:"user"`
	} `json:"data"`
}

// ProbeUsage asks the upstream how much of the account's quota is used.
func (c *Client) ProbeUsage(ctx context.Context, accessToken string) (Usage, error) {
	payload := map[string]interface{}{
		"query":         limitInfoQuery,
		"operationName": "GetRequestLimitInfo",
		"variables": map[string]interface{}{
			"requestContext": map[string]interface{}{
				"clientContext": map[string]string{"version": c.clientVersion},
				"osContext":     osContext(),
			},
		},
	}

	resp, err := c.doRequest(ctx, http.MethodPost, c.probeURL, accessToken, payload)
	if err != nil {
		return Usage{}, &ProbeFailedError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Usage{}, &ProbeFailedError{Status: resp.StatusCode, Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		perr := &ProbeFailedError{Status: resp.StatusCode, Reason: util.TruncateLog(string(body), 256)}
		if resp.StatusCode == http.StatusTooManyRequests {
			perr.RetryAfter = ParseRetryDelay(resp.Header, body)
		}
		return Usage{}, perr
	}

	var parsed limitInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Usage{}, &ProbeFailedError{Status: resp.StatusCode, Reason: "malformed response", Cause: err}
	}
	user := parsed.Data.User
	switch user.Typename {
	case "UserOutput":
		if user.User.RequestLimitInfo == nil {
			return Usage{}, &ProbeFailedError{Status: resp.StatusCode, Reason: "missing requestLimitInfo"}
		}
		return *user.User.RequestLimitInfo, nil
	case "UserFacingError":
		reason := user.Error.Typename
		if user.Error.Message != "" {
			reason += ": " + user.Error.Message
		}
		return Usage{}, &ProbeFailedError{Status: resp.StatusCode, Reason: reason}
	default:
		return Usage{}, &ProbeFailedError{Status: resp.StatusCode, Reason: fmt.Sprintf("unexpected result type %q", user.Typename)}
	}
}

// doRequest performs a JSON request with bearer auth
func (c *Client) doRequest(ctx context.Context, method, url, accessToken string, payload interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if util.IsVerbose() {
		log.Printf("🔄 [VERBOSE] Probe request to %s: %s", url, util.TruncateBytes(jsonData))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("X-Warp-Client-Version", c.clientVersion)
	osInfo := osContext()
	req.Header.Set("X-Warp-Os-Category", osInfo["category"])
	req.Header.Set("X-Warp-Os-Name", osInfo["name"])

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func osContext() map[string]string {
	switch runtime.GOOS {
	case "darwin":
		return map[string]string{"category": "macOS", "name": "macOS"}
	case "windows":
		return map[string]string{"category": "Windows", "name": "Windows"}
	default:
		return map[string]string{"category": "Linux", "name": "Linux"}
	}
}
