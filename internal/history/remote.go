package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// RemoteStore forwards entries to the gateway's transcript endpoint. It is
// the client-side Store: session clients record through it, the gateway owns
// the actual backend.
type RemoteStore struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteStore creates a store against the gateway base URL. httpClient may
// be nil for http.DefaultClient.
func NewRemoteStore(baseURL string, httpClient *http.Client) *RemoteStore {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RemoteStore{baseURL: baseURL, httpClient: httpClient}
}

func (s *RemoteStore) SaveUtterance(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/api/transcripts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post entry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("save rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (s *RemoteStore) ListByRoom(ctx context.Context, room string) ([]Entry, error) {
	endpoint := fmt.Sprintf("%s/api/transcripts?room=%s", s.baseURL, url.QueryEscape(room))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list rejected with status %d", resp.StatusCode)
	}

	var body struct {
		Utterances []Entry `json:"utterances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return body.Utterances, nil
}
