// Package remote is the HTTP client for the central order API. It maps the
// wire contract onto a small error taxonomy the sync engine dispatches on:
// ConflictError (409), ValidationError (other 4xx) and TransientError
// (5xx, timeout, transport failure).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SubmitRequest is the body for POST /orders. OfflineID is the
// client-generated record id the server uses as an idempotency/dedup key;
// OfflineTimestamp is the client-side creation time in unix milliseconds.
type SubmitRequest struct {
	Items            json.RawMessage `json:"items"`
	Total            float64         `json:"total"`
	CustomerInfo     json.RawMessage `json:"customerInfo,omitempty"`
	OfflineID        string          `json:"offlineId"`
	OfflineTimestamp int64           `json:"offlineTimestamp"`
}

// ServerOrder is the accepted-order response from the server.
type ServerOrder struct {
	OrderID string `json:"orderId"`
}

// ConflictError reports a 409: the offline id already exists server-side
// with content the server refuses to overwrite.
type ConflictError struct {
	// Existing is the server's copy of the order, from the response body.
	Existing json.RawMessage
}

func (e *ConflictError) Error() string { return "order conflict: id already exists on server" }

// ValidationError reports a non-conflict 4xx: the server rejected the payload
// on business-rule grounds. Not retryable.
type ValidationError struct {
	StatusCode int
	Body       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order rejected: status %d: %s", e.StatusCode, e.Body)
}

// TransientError reports a 5xx, timeout or transport failure. Retryable with
// backoff.
type TransientError struct {
	StatusCode int // 0 when the request never produced a response
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient order api error: %v", e.Err)
	}
	return fmt.Sprintf("transient order api error: status %d", e.StatusCode)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Client talks to the order API. All calls share a single http.Client whose
// Timeout bounds each request; a timed-out submission surfaces as a
// TransientError.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient returns a client for the order API at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Submit posts an order for idempotent creation. The server deduplicates on
// OfflineID, so replaying the same submission can never create a second
// order.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*ServerOrder, error) {
	return c.post(ctx, "/orders", req)
}

// ForceSubmit posts an order to the forced-write endpoint, bypassing the
// server's duplicate check. Used only by conflict resolution.
func (c *Client) ForceSubmit(ctx context.Context, req SubmitRequest) (*ServerOrder, error) {
	return c.post(ctx, "/orders/force", req)
}

// Health probes application-level reachability. A nil return means the
// server answered the health endpoint with a 2xx.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, req SubmitRequest) (*ServerOrder, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.OfflineID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var order ServerOrder
		// the order id is informational; a 2xx with an unparseable body is
		// still a success
		if err := json.Unmarshal(respBody, &order); err != nil {
			c.logger.Warn("unparseable success body from order api",
				"path", path, "status", resp.StatusCode)
		}
		return &order, nil

	case resp.StatusCode == http.StatusConflict:
		var conflictBody struct {
			ExistingOrder json.RawMessage `json:"existingOrder"`
		}
		if err := json.Unmarshal(respBody, &conflictBody); err != nil {
			return nil, fmt.Errorf("parse conflict body: %w", err)
		}
		return nil, &ConflictError{Existing: conflictBody.ExistingOrder}

	case resp.StatusCode >= 400 && resp.StatusCode <= 499:
		return nil, &ValidationError{StatusCode: resp.StatusCode, Body: string(respBody)}

	default:
		return nil, &TransientError{StatusCode: resp.StatusCode}
	}
}
