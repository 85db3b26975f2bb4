// Package client provides a Go client for workers connecting to a remote
// dispatch instance over its REST API.
//
// Usage:
//
//	c := client.New("https://dispatch.example.com",
//	    client.WithToken("vxw_..."),
//	)
//
//	// Run the full worker loop: register, heartbeat, poll, execute, report.
//	err := c.Run(ctx, "worker-eu-1", nil, func(ctx context.Context, j *job.Job) error {
//	    return runEvaluation(ctx, j)
//	})
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/backoff"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/registry"
	"github.com/voxeval/dispatch/reporter"
)

// Handler executes one claimed job. A nil return reports the job completed;
// a non-nil return reports it failed with the error text.
type Handler func(ctx context.Context, j *job.Job) error

// Client talks to a dispatch server's REST API.
type Client struct {
	baseURL   string
	token     string
	httpc     *http.Client
	logger    *slog.Logger
	bo        backoff.Strategy
	beatEvery time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the worker token used for registration.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithBackoff sets the poll backoff strategy used between empty claims.
func WithBackoff(b backoff.Strategy) Option {
	return func(c *Client) { c.bo = b }
}

// WithHeartbeatInterval sets how often the run loop heartbeats. It must be
// comfortably below the server's heartbeat timeout.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.beatEvery = d }
}

// New creates a Client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   baseURL,
		httpc:     &http.Client{Timeout: 30 * time.Second},
		logger:    slog.Default(),
		bo:        backoff.DefaultStrategy(),
		beatEvery: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ──────────────────────────────────────────────────
// Protocol calls
// ──────────────────────────────────────────────────

// Register authenticates the client's token and returns the worker bound
// to it. Registration is idempotent per token.
func (c *Client) Register(ctx context.Context, name string, metadata map[string]string) (*registry.Worker, error) {
	req := map[string]any{
		"token":    c.token,
		"name":     name,
		"metadata": metadata,
	}
	var w registry.Worker
	if err := c.do(ctx, http.MethodPost, "/v1/workers/register", req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Heartbeat records a liveness signal for the worker.
func (c *Client) Heartbeat(ctx context.Context, workerID id.WorkerID) error {
	req := map[string]any{"worker_id": workerID.String()}
	return c.do(ctx, http.MethodPost, "/v1/workers/heartbeat", req, nil)
}

// Claim asks for the next job in the worker's region. (nil, nil) means no
// job is available.
func (c *Client) Claim(ctx context.Context, workerID id.WorkerID, region dispatch.Region) (*job.Job, error) {
	req := map[string]any{
		"worker_id": workerID.String(),
		"region":    string(region),
	}
	var j job.Job
	found, err := c.doMaybe(ctx, http.MethodPost, "/v1/jobs/claim", req, &j)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &j, nil
}

// Report finalizes a claimed job with the worker's verdict.
func (c *Client) Report(ctx context.Context, workerID id.WorkerID, jobID id.JobID, outcome reporter.Outcome, errText string) (*job.Job, error) {
	req := map[string]any{
		"worker_id": workerID.String(),
		"outcome":   string(outcome),
		"error":     errText,
	}
	var j job.Job
	path := "/v1/jobs/" + jobID.String() + "/report"
	if err := c.do(ctx, http.MethodPost, path, req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ──────────────────────────────────────────────────
// Run loop
// ──────────────────────────────────────────────────

// Run registers the worker, then runs the heartbeat and poll loops until
// the context is cancelled. Each claimed job is executed by the handler and
// its verdict reported back. Empty polls back off per the client's backoff
// strategy; context cancellation returns nil.
func (c *Client) Run(ctx context.Context, name string, metadata map[string]string, handler Handler) error {
	w, err := c.Register(ctx, name, metadata)
	if err != nil {
		return fmt.Errorf("dispatch/client: register: %w", err)
	}
	c.logger.Info("worker registered",
		slog.String("worker_id", w.ID.String()),
		slog.String("region", string(w.Region)),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.heartbeatLoop(ctx, w.ID) })
	g.Go(func() error { return c.pollLoop(ctx, w, handler) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context, workerID id.WorkerID) error {
	ticker := time.NewTicker(c.beatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Heartbeat(ctx, workerID); err != nil {
				// A missed beat is recoverable until the server's
				// timeout lapses; keep trying.
				c.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Client) pollLoop(ctx context.Context, w *registry.Worker, handler Handler) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		j, err := c.Claim(ctx, w.ID, w.Region)
		if err != nil {
			return fmt.Errorf("dispatch/client: claim: %w", err)
		}

		if j == nil {
			attempt++
			if err := sleep(ctx, c.bo.Delay(attempt)); err != nil {
				return err
			}
			continue
		}
		attempt = 0

		outcome := reporter.OutcomeCompleted
		errText := ""
		if execErr := handler(ctx, j); execErr != nil {
			outcome = reporter.OutcomeFailed
			errText = execErr.Error()
		}

		if _, reportErr := c.Report(ctx, w.ID, j.ID, outcome, errText); reportErr != nil {
			// A lease mismatch means the job was reaped and moved on;
			// the local result is moot either way.
			c.logger.Warn("report rejected",
				slog.String("job_id", j.ID.String()),
				slog.String("error", reportErr.Error()),
			)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ──────────────────────────────────────────────────
// HTTP plumbing
// ──────────────────────────────────────────────────

// do performs a JSON request and decodes the response into out (skipped
// when out is nil or the response has no content).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doMaybe(ctx, method, path, body, out)
	return err
}

// doMaybe is do, but reports whether the server returned content. A 204
// response returns (false, nil).
func (c *Client) doMaybe(ctx context.Context, method, path string, body, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("dispatch/client: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("dispatch/client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("dispatch/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body close error is not actionable

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, statusError(resp)
	}

	if out != nil {
		if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
			return false, fmt.Errorf("dispatch/client: decode response: %w", decErr)
		}
	}
	return true, nil
}

// statusError maps well-known HTTP statuses back to dispatch sentinels so
// callers can use errors.Is across the wire.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck // best-effort error body

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", dispatch.ErrInvalidCredential, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", dispatch.ErrLeaseMismatch, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownWorker, msg)
	}
	return fmt.Errorf("dispatch/client: unexpected status %d: %s", resp.StatusCode, msg)
}
