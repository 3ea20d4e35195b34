// Package rest fetches authoritative attendance state over HTTP. It is used to
// reconcile the live view after every (re)connection.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gympulse/internal/domain/connection"
	"gympulse/internal/domain/event"
	"gympulse/internal/domain/visit"
)

const (
	historyPath = "/api/attendance/history"
	statsPath   = "/api/attendance/stats"
	tokenPath   = "/api/auth/token"
)

// Client calls the reconciliation endpoints with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for baseURL (e.g. http://localhost:8080).
func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

// History returns every visit the server knows about.
// POST: records are normalized; invalid rows are dropped by the caller's reconcile
func (c *Client) History(ctx context.Context) ([]visit.Record, error) {
	var payloads []event.VisitPayload
	if err := c.get(ctx, historyPath, &payloads); err != nil {
		return nil, err
	}
	out := make([]visit.Record, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, p.Record())
	}
	return out, nil
}

// Stats returns the server's aggregate statistics.
func (c *Client) Stats(ctx context.Context) (event.StatsPayload, error) {
	var p event.StatsPayload
	if err := c.get(ctx, statsPath, &p); err != nil {
		return event.StatsPayload{}, err
	}
	return p, nil
}

// get performs an authenticated GET and decodes the JSON body into dst.
// 401/403 map to connection.ErrAuthentication; every other failure to
// connection.ErrReconciliation.
func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", connection.ErrReconciliation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", connection.ErrReconciliation, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: GET %s: status %d", connection.ErrAuthentication, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: GET %s: status %d: %s", connection.ErrReconciliation, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", connection.ErrReconciliation, path, err)
	}
	return nil
}

// Login exchanges owner credentials for a bearer token.
// POST: a rejected login wraps connection.ErrAuthentication
func Login(ctx context.Context, baseURL, email, password string, hc *http.Client) (string, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+tokenPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: POST %s: %v", connection.ErrTransport, tokenPath, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusLocked:
		return "", fmt.Errorf("%w: POST %s: status %d", connection.ErrAuthentication, tokenPath, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: POST %s: status %d", connection.ErrTransport, tokenPath, resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Token == "" {
		return "", fmt.Errorf("%w: POST %s: no token in response", connection.ErrTransport, tokenPath)
	}
	return out.Token, nil
}
