// Package client is the HTTP client for the dccwallet daemon.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Network is a supported network.
type Network struct {
	ID             byte   `json:"id"`
	Name           string `json:"name"`
	Code           string `json:"code"`
	RPCEndpoint    string `json:"rpc_endpoint"`
	ExplorerOrigin string `json:"explorer_origin,omitempty"`
	SignerOrigin   string `json:"signer_origin,omitempty"`
}

// Account is the connected account.
type Account struct {
	Address        string  `json:"address"`
	PublicKey      string  `json:"public_key"`
	Name           string  `json:"name,omitempty"`
	Network        Network `json:"network"`
	IsSmartAccount bool    `json:"is_smart_account"`
}

// State is the daemon's connection state.
type State struct {
	Connection string   `json:"connection"`
	Browser    string   `json:"browser,omitempty"`
	Account    *Account `json:"account,omitempty"`
	Network    *Network `json:"network,omitempty"`
}

// Outcome is the state of a submitted transaction.
type Outcome struct {
	ID           string `json:"id,omitempty"`
	Status       string `json:"status"`
	ExplorerLink string `json:"explorer_link,omitempty"`
	Network      string `json:"network,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SignedTx is a signed but unpublished transaction.
type SignedTx struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"raw"`
}

// Notification is a user notification from the daemon.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Title     string    `json:"title,omitempty"`
	Link      string    `json:"link,omitempty"`
	LinkTitle string    `json:"link_title,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	TxID      string    `json:"tx_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// APIError is a failed request. Kind is the daemon's error kind, e.g.
// "authorization_pending", when it reported one.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
	Title      string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed: %s", e.Message)
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// Client is the HTTP client for the wallet daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. A nil httpClient gets a 30s timeout, which
// StreamNotifications ignores.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Health checks that the daemon is up.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// State returns the connection state.
func (c *Client) State(ctx context.Context) (*State, error) {
	var st State
	if err := c.getJSON(ctx, "/api/v1/state", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Networks lists the supported networks.
func (c *Client) Networks(ctx context.Context) ([]Network, error) {
	var out []Network
	if err := c.getJSON(ctx, "/api/v1/networks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Network resolves a network by byte ("63"), code ("?") or name ("mainnet").
func (c *Client) Network(ctx context.Context, id string) (*Network, error) {
	var out Network
	if err := c.getJSON(ctx, "/api/v1/networks/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login asks the connector for its account. An *APIError of kind
// "authorization_pending" means the user has not approved the site yet.
func (c *Client) Login(ctx context.Context) (*State, error) {
	var st State
	if err := c.postJSON(ctx, "/api/v1/login", nil, &st, http.StatusOK); err != nil {
		return nil, err
	}
	c.logger.Debug("logged in", "connection", st.Connection)
	return &st, nil
}

// Logout forgets the connected account.
func (c *Client) Logout(ctx context.Context) (*State, error) {
	var st State
	if err := c.postJSON(ctx, "/api/v1/logout", nil, &st, http.StatusOK); err != nil {
		return nil, err
	}
	return &st, nil
}

// SendTransaction signs and broadcasts tx. With wait it returns the terminal
// outcome, otherwise the submitted one. Rejected and timed out transactions
// are outcomes, not errors.
func (c *Client) SendTransaction(ctx context.Context, tx json.RawMessage, wait bool) (*Outcome, error) {
	body := map[string]any{"tx": tx, "wait": wait}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/transactions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out Outcome
	if err := json.Unmarshal(data, &out); err == nil && out.Status != "" {
		c.logger.Debug("transaction outcome", "tx_id", out.ID, "status", out.Status)
		return &out, nil
	}
	return nil, errorFromBody(resp.StatusCode, data)
}

// SignTransaction signs tx without publishing it.
func (c *Client) SignTransaction(ctx context.Context, tx json.RawMessage) (*SignedTx, error) {
	var out SignedTx
	if err := c.postJSON(ctx, "/api/v1/transactions/sign", map[string]any{"tx": tx}, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecentNotifications returns up to limit recent notifications, oldest first.
func (c *Client) RecentNotifications(ctx context.Context, limit int) ([]Notification, error) {
	var out []Notification
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v1/notifications?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamNotifications calls fn for every notification until ctx is done, the
// stream ends or fn returns an error. filter is an optional jq expression
// evaluated server side.
func (c *Client) StreamNotifications(ctx context.Context, filter string, fn func(Notification) error) error {
	u := c.baseURL + "/api/v1/stream/notifications"
	if filter != "" {
		u += "?filter=" + url.QueryEscape(filter)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// same transport, no overall timeout
	stream := &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if event == "notification" && data != "" {
				var n Notification
				if err := json.Unmarshal([]byte(data), &n); err != nil {
					c.logger.Warn("failed to decode notification", "error", err)
				} else if err := fn(n); err != nil {
					return err
				}
			}
			event, data = "", ""
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any, wantStatus int) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return errorFromBody(resp.StatusCode, body)
}

func errorFromBody(statusCode int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("status %d: %s", statusCode, strings.TrimSpace(string(body))),
		}
	}
	return &APIError{
		StatusCode: statusCode,
		Message:    errResp.Error,
		Kind:       errResp.Kind,
		Title:      errResp.Title,
	}
}
