// Package analytics ships interaction events and interview reports to the
// remote sink. Everything here is best-effort: callers fire and log, a sink
// outage never fails a coaching request.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one sink call.
const DefaultTimeout = 10 * time.Second

// Config contains construction parameters for Client.
type Config struct {
	// Endpoint is the sink base URL. Empty disables the client entirely.
	Endpoint string
	// Token is sent as a bearer credential when non-empty.
	Token   string
	Timeout time.Duration
}

// Interaction is one logged coaching event.
type Interaction struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Mode      string    `json:"mode,omitempty"`
	Problem   string    `json:"problem,omitempty"`
}

// Client posts events to the analytics sink.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	logger   *slog.Logger
}

// New creates a sink client. With no endpoint configured the client is
// disabled: every call succeeds without network I/O.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if cfg.Endpoint == "" {
		logger.Info("analytics sink not configured, events will be dropped")
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool { return c.endpoint != "" }

// CloseIdleConnections releases pooled sink connections. Shutdown path.
func (c *Client) CloseIdleConnections() { c.http.CloseIdleConnections() }

// LogInteraction records one coaching event for the conversation.
func (c *Client) LogInteraction(ctx context.Context, conversationKey string, in Interaction) error {
	return c.post(ctx, "/v1/interactions", map[string]any{
		"conversationKey": conversationKey,
		"interaction":     in,
	})
}

// SaveInterviewReport uploads a finished interview report.
func (c *Client) SaveInterviewReport(ctx context.Context, conversationKey, interviewID string, report any) error {
	return c.post(ctx, "/v1/reports", map[string]any{
		"conversationKey": conversationKey,
		"interviewId":     interviewID,
		"report":          report,
	})
}

// SyncProgress uploads a progress snapshot for cross-device continuity.
func (c *Client) SyncProgress(ctx context.Context, conversationKey string, snapshot any) error {
	return c.post(ctx, "/v1/progress", map[string]any{
		"conversationKey": conversationKey,
		"snapshot":        snapshot,
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if !c.Enabled() {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding analytics payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building analytics request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to analytics sink: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("analytics sink returned status %d", resp.StatusCode)
	}
	return nil
}
