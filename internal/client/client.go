// Package client submits OCR jobs to a hosted or local endpoint and polls
// for their results.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/chandra-ocr/worker-go/internal/config"
	"github.com/example/chandra-ocr/worker-go/internal/model"
)

var (
	// ErrJobFailed is returned when the job ends FAILED, CANCELLED or
	// TIMED_OUT.
	ErrJobFailed = errors.New("job failed")
	// ErrTimeout is returned when the job is still running at the deadline.
	ErrTimeout = errors.New("timed out waiting for job")
)

// JobError describes a job that ended without a result. It matches
// ErrJobFailed with errors.Is.
type JobError struct {
	ID     string
	Status model.JobStatus
	Detail string
}

func (e *JobError) Error() string {
	return "job failed: " + e.Summary()
}

// Summary is the status followed by the runtime's detail, if any.
func (e *JobError) Summary() string {
	if e.Detail == "" {
		return string(e.Status)
	}
	return string(e.Status) + " " + e.Detail
}

func (e *JobError) Is(target error) bool { return target == ErrJobFailed }

const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 120 * time.Second
)

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func New(cfg config.Client) *Client {
	return &Client{
		BaseURL:    cfg.BaseURL(),
		APIKey:     cfg.APIKey,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// StatusResponse is the body of GET /status/{id}.
type StatusResponse struct {
	ID            string          `json:"id"`
	Status        model.JobStatus `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	DelayTime     int64           `json:"delayTime,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
}

// Submit queues one image and returns the job id.
func (c *Client) Submit(ctx context.Context, payload, promptType string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"input": model.Input{ImageBase64: payload, PromptType: promptType},
	})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/run", body, &out); err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("submit job: response has no id")
	}
	return out.ID, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, id string) (StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status/"+id, nil, &out); err != nil {
		return StatusResponse{}, fmt.Errorf("job status: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusChecker is the part of Client the Poller needs.
type StatusChecker interface {
	Status(ctx context.Context, id string) (StatusResponse, error)
}

// Poller waits for a job to finish by polling its status at a fixed
// interval.
type Poller struct {
	Client   StatusChecker
	Interval time.Duration
	Timeout  time.Duration
	// Sleep and Now default to the wall clock.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	// OnStatus is called after every poll that found the job unfinished.
	OnStatus func(StatusResponse)
}

// Wait returns the job's result once it completes. A completed job whose
// output is an error comes back as a Result with Error set, not as an error.
func (p *Poller) Wait(ctx context.Context, id string) (model.Result, error) {
	interval, timeout := p.Interval, p.Timeout
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now, sleep := p.Now, p.Sleep
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = sleepCtx
	}

	deadline := now().Add(timeout)
	for now().Before(deadline) {
		st, err := p.Client.Status(ctx, id)
		if err != nil {
			return model.Result{}, err
		}
		switch st.Status {
		case model.JobCompleted:
			if len(st.Output) == 0 || string(st.Output) == "null" {
				return model.Result{}, fmt.Errorf("job %s completed without output", id)
			}
			var res model.Result
			if err := json.Unmarshal(st.Output, &res); err != nil {
				return model.Result{}, fmt.Errorf("decode output: %w", err)
			}
			return res, nil
		case model.JobFailed, model.JobCancelled, model.JobTimedOut:
			detail := st.Error
			if detail == "" {
				detail = string(st.Output)
			}
			return model.Result{}, &JobError{ID: id, Status: st.Status, Detail: detail}
		}
		if p.OnStatus != nil {
			p.OnStatus(st)
		}
		if err := sleep(ctx, interval); err != nil {
			return model.Result{}, err
		}
	}
	return model.Result{}, ErrTimeout
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
