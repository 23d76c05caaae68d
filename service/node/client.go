// Package node is a small REST client for DecentralChain nodes: script info,
// transaction status and broadcast.
package node

import (
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
	"sync"
	"time"

	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/brojonat/dccwallet/service/network"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

// Transaction statuses reported by /transactions/status.
const (
	StatusConfirmed   = "confirmed"
	StatusUnconfirmed = "unconfirmed"
	StatusNotFound    = "not_found"
)

// Application statuses of a confirmed transaction.
const (
	ApplicationSucceeded             = "succeeded"
	ApplicationScriptExecutionFailed = "script_execution_failed"
)

// ScriptInfo is the response of /addresses/scriptInfo/{address}.
type ScriptInfo struct {
	Address    string  `json:"address"`
	Script     *string `json:"script"`
	Complexity int64   `json:"complexity"`
	ExtraFee   int64   `json:"extraFee"`
}

// HasScript reports whether a script is attached to the account.
func (s ScriptInfo) HasScript() bool {
	return s.Script != nil && *s.Script != ""
}

// TxStatus is one entry of /transactions/status.
type TxStatus struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Height            int64  `json:"height,omitempty"`
	Confirmations     int64  `json:"confirmations,omitempty"`
	ApplicationStatus string `json:"applicationStatus,omitempty"`
}

// Terminal reports whether the transaction made it into a block.
func (s TxStatus) Terminal() bool {
	return s.Status == StatusConfirmed
}

// ScriptFailed reports whether the transaction was mined with a failed script.
func (s TxStatus) ScriptFailed() bool {
	return s.ApplicationStatus == ApplicationScriptExecutionFailed
}

// BroadcastResult is the transaction echoed back by /transactions/broadcast.
type BroadcastResult struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"-"`
}

// APIError is a non-2xx node response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("node returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("node returned %d", e.StatusCode)
}

// ErrUnavailable is returned while the breaker for a node is open.
var ErrUnavailable = errors.New("node unavailable")

// Config configures a Client.
type Config struct {
	Timeout           time.Duration
	RequestsPerSecond int
	HTTPClient        *http.Client
}

// Client talks to the node of whichever network a call names. Requests share
// one rate limiter; each node has its own circuit breaker.
type Client struct {
	http    *http.Client
	limiter ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a node client. If metrics is nil, no metrics are recorded.
func NewClient(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}
	return &Client{
		http:     httpClient,
		limiter:  limiter,
		metrics:  m,
		logger:   logger.With("component", "node_client"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// ScriptInfo fetches the script attached to address.
func (c *Client) ScriptInfo(ctx context.Context, d network.Descriptor, address string) (ScriptInfo, error) {
	var info ScriptInfo
	path := "/addresses/scriptInfo/" + url.PathEscape(address)
	if err := c.do(ctx, d, "ScriptInfo", http.MethodGet, path, nil, &info); err != nil {
		return ScriptInfo{}, err
	}
	return info, nil
}

// HasScript reports whether address is a smart account.
func (c *Client) HasScript(ctx context.Context, d network.Descriptor, address string) (bool, error) {
	info, err := c.ScriptInfo(ctx, d, address)
	if err != nil {
		return false, err
	}
	return info.HasScript(), nil
}

// TransactionStatus returns the status of one transaction.
func (c *Client) TransactionStatus(ctx context.Context, d network.Descriptor, id string) (TxStatus, error) {
	var statuses []TxStatus
	path := "/transactions/status?id=" + url.QueryEscape(id)
	if err := c.do(ctx, d, "TransactionStatus", http.MethodGet, path, nil, &statuses); err != nil {
		return TxStatus{}, err
	}
	for _, s := range statuses {
		if s.ID == id {
			return s, nil
		}
	}
	return TxStatus{ID: id, Status: StatusNotFound}, nil
}

// Broadcast submits a signed transaction.
func (c *Client) Broadcast(ctx context.Context, d network.Descriptor, signedTx json.RawMessage) (BroadcastResult, error) {
	var raw json.RawMessage
	if err := c.do(ctx, d, "Broadcast", http.MethodPost, "/transactions/broadcast", signedTx, &raw); err != nil {
		return BroadcastResult{}, err
	}
	var result BroadcastResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return BroadcastResult{}, fmt.Errorf("failed to decode broadcast response: %w", err)
	}
	if result.ID == "" {
		return BroadcastResult{}, errors.New("broadcast response has no transaction id")
	}
	result.Raw = raw
	return result, nil
}

func (c *Client) breaker(endpoint string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// the node answering 4xx is healthy
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("node circuit breaker changed state",
				"endpoint", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	c.breakers[endpoint] = cb
	return cb
}

func (c *Client) do(ctx context.Context, d network.Descriptor, method, httpMethod, path string, body []byte, out any) error {
	if d.RPCEndpoint == "" {
		return fmt.Errorf("network %s has no node endpoint", d)
	}
	endpoint := strings.TrimRight(d.RPCEndpoint, "/")

	start := time.Now()
	_, err := c.breaker(endpoint).Execute(func() (interface{}, error) {
		c.limiter.Take()
		return nil, c.roundTrip(ctx, httpMethod, endpoint+path, body, out)
	})
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.RecordBreakerRejection(d.Name)
			err = fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
		}
		c.logger.DebugContext(ctx, "node request failed",
			"method", method,
			"endpoint", endpoint,
			"error", err,
		)
	}
	c.metrics.RecordRPCCall(method, status, d.Name, duration)
	return err
}

func (c *Client) roundTrip(ctx context.Context, httpMethod, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
