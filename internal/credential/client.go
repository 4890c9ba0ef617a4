// Package credential exchanges a display name for a time-boxed room
// credential issued by the gateway. One call, one round-trip, one fresh
// credential: nothing is cached or retried here. Retry policy belongs to
// the caller.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// SessionCredential is the result of a successful token exchange. It is
// immutable and owned by the session connection until teardown, after which
// it must be discarded; reconnects request a fresh one.
type SessionCredential struct {
	Token        string
	Room         string
	RoomEndpoint string
	ExpiresAt    time.Time
}

// Failure is the single normalized outcome for anything that goes wrong
// during the exchange: network errors, non-2xx statuses, and malformed
// responses all land here.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("credential request failed: %s: %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("credential request failed: %s", f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Client requests credentials from the gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a credential client against the gateway base URL.
// httpClient may be nil, in which case http.DefaultClient is used; request
// deadlines come from the caller's context either way.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Room      string    `json:"room"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Error     string    `json:"error,omitempty"`
}

// RequestCredential performs exactly one round-trip to the token endpoint.
// displayName is assumed already validated (non-empty after trimming) by the
// caller. The ctx deadline bounds the request; on expiry the result is a
// Failure, never a hang.
func (c *Client) RequestCredential(ctx context.Context, displayName string) (*SessionCredential, error) {
	endpoint := fmt.Sprintf("%s/api/token?name=%s", c.baseURL, url.QueryEscape(displayName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Failure{Reason: "building request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Failure{Reason: "network error", Err: err}
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &Failure{Reason: "malformed response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		reason := body.Error
		if reason == "" {
			reason = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return nil, &Failure{Reason: reason}
	}
	if body.Error != "" {
		return nil, &Failure{Reason: body.Error}
	}
	if body.Token == "" || body.URL == "" {
		return nil, &Failure{Reason: "malformed response: missing token or endpoint"}
	}

	return &SessionCredential{
		Token:        body.Token,
		Room:         body.Room,
		RoomEndpoint: body.URL,
		ExpiresAt:    body.ExpiresAt,
	}, nil
}

// TutorConfig is the static tutoring configuration served by the gateway.
type TutorConfig struct {
	Topic   string `json:"topic"`
	Subject string `json:"subject"`
	Style   string `json:"style"`
}

// FetchConfig reads the read-only tutoring configuration endpoint.
func (c *Client) FetchConfig(ctx context.Context) (*TutorConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/config", nil)
	if err != nil {
		return nil, &Failure{Reason: "building request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Failure{Reason: "network error", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Failure{Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var cfg TutorConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, &Failure{Reason: "malformed response", Err: err}
	}
	return &cfg, nil
}
