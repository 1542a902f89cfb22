package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/leviathan-sh/leviathan/pkg/api"
	"github.com/leviathan-sh/leviathan/pkg/autonomy"
	"github.com/leviathan-sh/leviathan/pkg/errdefs"
	"github.com/leviathan-sh/leviathan/pkg/projection"
	"github.com/leviathan-sh/leviathan/pkg/types"
)

// Client talks to the control-plane API. It is used by the operator CLI and
// by workers submitting event bundles.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a client for the given base URL and bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit appends a bundle via POST /v1/events/ingest.
func (c *Client) Submit(ctx context.Context, bundle *types.Bundle) error {
	var out api.IngestResponse
	return c.do(ctx, http.MethodPost, "/v1/events/ingest", bundle, &out)
}

// SubmitWithResult appends a bundle and returns the assigned range and tip.
func (c *Client) SubmitWithResult(ctx context.Context, bundle *types.Bundle) (*api.IngestResponse, error) {
	var out api.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/v1/events/ingest", bundle, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GraphSummary fetches the projection summary.
func (c *Client) GraphSummary(ctx context.Context) (*projection.Summary, error) {
	var out projection.Summary
	if err := c.do(ctx, http.MethodGet, "/v1/graph/summary", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Attempt fetches one attempt with its journal history and artifacts.
func (c *Client) Attempt(ctx context.Context, id string) (*api.AttemptDetail, error) {
	var out api.AttemptDetail
	if err := c.do(ctx, http.MethodGet, "/v1/attempts/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Attempts lists attempts.
func (c *Client) Attempts(ctx context.Context, target string, limit int) ([]*types.Attempt, error) {
	var out struct {
		Attempts []*types.Attempt `json:"attempts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/attempts"+listQuery(target, limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Attempts, nil
}

// Failures lists recent failed attempts.
func (c *Client) Failures(ctx context.Context, target string, limit int) ([]*types.Attempt, error) {
	var out struct {
		Failures []*types.Attempt `json:"failures"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/failures"+listQuery(target, limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Failures, nil
}

// Invalidate marks an attempt invalidated.
func (c *Client) Invalidate(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/attempts/"+url.PathEscape(id)+"/invalidate",
		api.InvalidateRequest{Reason: reason}, nil)
}

// AutonomyStatus reads the kill-switch state.
func (c *Client) AutonomyStatus(ctx context.Context) (*autonomy.Snapshot, error) {
	var out autonomy.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/autonomy/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyChain triggers a server-side chain verification.
func (c *Client) VerifyChain(ctx context.Context) (*api.VerifyChainResponse, error) {
	var out api.VerifyChainResponse
	if err := c.do(ctx, http.MethodPost, "/v1/admin/verify-chain", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AckIntegrity clears the integrity-alarm latch.
func (c *Client) AckIntegrity(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/ack-integrity", nil, nil)
}

func listQuery(target string, limit int) string {
	q := url.Values{}
	if target != "" {
		q.Set("target", target)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errdefs.Wrap(errdefs.KindTimeout, "control plane request", ctx.Err())
		}
		return errdefs.Wrap(errdefs.KindTransportFailed, "control plane request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransportFailed, "read response", err)
	}

	if resp.StatusCode >= 400 {
		return kindedError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// kindedError rebuilds a kinded error from the server's error envelope so
// callers can branch on errdefs.KindOf exactly as they would in-process.
func kindedError(status int, data []byte) error {
	var envelope api.ErrorResponse
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Kind != "" {
		return errdefs.New(errdefs.Kind(envelope.Kind), envelope.Error)
	}

	msg := fmt.Sprintf("control plane returned %d", status)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errdefs.New(errdefs.KindAuthFailed, msg)
	case http.StatusNotFound:
		return errdefs.New(errdefs.KindNotFound, msg)
	case http.StatusConflict:
		return errdefs.New(errdefs.KindConflict, msg)
	case http.StatusBadRequest:
		return errdefs.New(errdefs.KindValidationFailed, msg)
	case http.StatusServiceUnavailable:
		return errdefs.New(errdefs.KindIntegrityAlarm, msg)
	case http.StatusTooManyRequests:
		return errdefs.New(errdefs.KindRateLimited, msg)
	default:
		return errdefs.New(errdefs.KindInternal, msg)
	}
}
