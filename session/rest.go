package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is the concrete API implementation over HTTP. Every request carries
// the bearer credential in the Authorization header.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client for the given service base URL and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Race fetches one race snapshot.
func (c *Client) Race(ctx context.Context, id string) (*Race, error) {
	race := &Race{}
	if err := c.get(ctx, "/races/"+id, race); err != nil {
		return nil, err
	}
	return race, nil
}

// Circuit fetches one circuit.
func (c *Client) Circuit(ctx context.Context, id string) (*Circuit, error) {
	circuit := &Circuit{}
	if err := c.get(ctx, "/circuits/"+id, circuit); err != nil {
		return nil, err
	}
	return circuit, nil
}

// Leaderboard fetches a race's ranked participant list.
func (c *Client) Leaderboard(ctx context.Context, raceID string) ([]LeaderboardEntry, error) {
	var entries []LeaderboardEntry
	if err := c.get(ctx, "/races/"+raceID+"/leaderboard", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Join requests addition to a race's participant set.
func (c *Client) Join(ctx context.Context, raceID string) error {
	return c.post(ctx, "/races/"+raceID+"/join", nil, nil)
}

// Start requests the race transition to active.
func (c *Client) Start(ctx context.Context, raceID string) error {
	return c.post(ctx, "/races/"+raceID+"/start", nil, nil)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	return nil
}

// statusError maps a non-2xx response onto the session failure taxonomy.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := serverMessage(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, msg)
	}
}

// serverMessage pulls the human-readable message out of an error body.
func serverMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return "no detail"
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return string(raw)
}
