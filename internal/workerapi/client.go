// Package workerapi is the HTTP client the server uses to drive workers in
// push mode. Workers expose a small JSON API under /rustic/; every call is
// authenticated with the worker's sync token as a bearer credential and
// bounded by a hard per-call deadline.
package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CallTimeout is the hard deadline for a single worker call. Backup calls
// are synchronous on the worker side, so this also bounds push-mode runs.
const CallTimeout = 30 * time.Second

// maxResponseBytes caps how much of a worker response is read and persisted.
const maxResponseBytes = 4 << 20

// BackupRequest is the payload of POST /rustic/backup. The same shape is
// queued verbatim for pull-mode workers.
type BackupRequest struct {
	Backend    string            `json:"backend"`
	Options    map[string]string `json:"options,omitempty"`
	Repository string            `json:"repository"`
	Password   string            `json:"password,omitempty"`
	Paths      []string          `json:"paths"`
	Tags       []string          `json:"tags,omitempty"`
	DryRun     bool              `json:"dryRun"`
}

// ForgetRequest is the payload of POST /rustic/forget.
type ForgetRequest struct {
	Backend     string            `json:"backend"`
	Options     map[string]string `json:"options,omitempty"`
	Repository  string            `json:"repository"`
	Password    string            `json:"password,omitempty"`
	Prune       bool              `json:"prune"`
	KeepLast    *int              `json:"keepLast,omitempty"`
	KeepDaily   *int              `json:"keepDaily,omitempty"`
	KeepWeekly  *int              `json:"keepWeekly,omitempty"`
	KeepMonthly *int              `json:"keepMonthly,omitempty"`
	KeepYearly  *int              `json:"keepYearly,omitempty"`
	KeepWithin  *string           `json:"keepWithin,omitempty"`
}

// SnapshotsRequest is the payload of POST /rustic/repository-snapshots.
type SnapshotsRequest struct {
	Backend    string            `json:"backend"`
	Options    map[string]string `json:"options,omitempty"`
	Repository string            `json:"repository"`
	Password   string            `json:"password,omitempty"`
}

// Result is the interpreted outcome of one worker call. Body is the raw
// response, persisted verbatim as the run output; Decoded is its parsed
// form, nil when the body is not JSON.
type Result struct {
	StatusCode int
	Body       string
	Decoded    any
	// Success is true when the response carries rustic.success = true, or,
	// absent that field, when the HTTP status is 2xx.
	Success bool
	// ErrorMessage is the response's top-level error field, if any.
	ErrorMessage string
}

// Client calls worker endpoints. Safe for concurrent use.
type Client struct {
	http *http.Client
	log  *zap.Logger
}

// NewClient returns a worker API client with the default call deadline.
func NewClient(log *zap.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: CallTimeout},
		log:  log.Named("workerapi"),
	}
}

// Backup runs a synchronous backup on the worker.
func (c *Client) Backup(ctx context.Context, endpoint, syncToken string, req BackupRequest) (*Result, error) {
	return c.post(ctx, endpoint, "/rustic/backup", syncToken, req)
}

// Forget applies retention rules, pruning unreferenced data when req.Prune
// is set.
func (c *Client) Forget(ctx context.Context, endpoint, syncToken string, req ForgetRequest) (*Result, error) {
	return c.post(ctx, endpoint, "/rustic/forget", syncToken, req)
}

// Snapshots lists the snapshots the worker currently sees in a repository.
func (c *Client) Snapshots(ctx context.Context, endpoint, syncToken string, req SnapshotsRequest) (*Result, error) {
	return c.post(ctx, endpoint, "/rustic/repository-snapshots", syncToken, req)
}

func (c *Client) post(ctx context.Context, endpoint, path, syncToken string, payload any) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("workerapi: marshal request: %w", err)
	}

	url := strings.TrimRight(endpoint, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("workerapi: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+syncToken)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		// The wrapped error may repeat the URL but never the token or the
		// request body, so it is safe to surface.
		return nil, fmt.Errorf("workerapi: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("workerapi: read response: %w", err)
	}

	result := interpret(resp.StatusCode, raw)
	c.log.Debug("worker call finished",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Bool("success", result.Success),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// interpret decides success and extracts the error message from a worker
// response. rustic.success, when present, overrides the HTTP status.
func interpret(statusCode int, raw []byte) *Result {
	result := &Result{
		StatusCode: statusCode,
		Body:       string(raw),
		Success:    statusCode >= 200 && statusCode < 300,
	}

	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		result.Decoded = decoded
	}

	obj, _ := decoded.(map[string]any)
	if obj == nil {
		return result
	}
	if rustic, ok := obj["rustic"].(map[string]any); ok {
		if success, ok := rustic["success"].(bool); ok {
			result.Success = success
		}
	}
	if msg, ok := obj["error"].(string); ok {
		result.ErrorMessage = msg
	}
	return result
}
