package runtime

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
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/chandra-ocr/worker-go/internal/config"
	"github.com/example/chandra-ocr/worker-go/internal/model"
)

const (
	defaultIdleWait  = time.Second
	defaultErrorWait = 5 * time.Second
)

// Serverless pulls jobs from the hosted queue's worker webhooks, runs them
// and posts results back, pinging while jobs are in flight.
type Serverless struct {
	Config      config.Serverless
	Handler     JobHandler
	Concurrency int
	HTTPClient  *http.Client
	Logger      *slog.Logger
	// IdleWait is the pause after an empty take; ErrorWait after a failed one.
	IdleWait  time.Duration
	ErrorWait time.Duration

	mu         sync.Mutex
	inProgress map[string]struct{}
}

type takenJob struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// Run serves jobs until ctx is cancelled. A job already taken is finished and
// reported before Run returns.
func (s *Serverless) Run(ctx context.Context) error {
	if !s.Config.Enabled() {
		return errors.New("serverless webhooks are not configured")
	}
	if s.HTTPClient == nil {
		s.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.IdleWait <= 0 {
		s.IdleWait = defaultIdleWait
	}
	if s.ErrorWait <= 0 {
		s.ErrorWait = defaultErrorWait
	}
	s.inProgress = map[string]struct{}{}

	s.Logger.Info("serverless worker started",
		slog.String("worker_id", s.Config.WorkerID),
		slog.Int("concurrency", max(s.Concurrency, 1)),
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(s.Concurrency, 1); i++ {
		g.Go(func() error { return s.takeLoop(gctx) })
	}
	if s.Config.PingURL != "" && s.Config.PingInterval > 0 {
		g.Go(func() error { return s.pingLoop(gctx) })
	}
	return g.Wait()
}

func (s *Serverless) takeLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		job, err := s.take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Logger.Warn("take job", slog.Any("err", err))
			sleep(ctx, s.ErrorWait)
			continue
		}
		if job == nil {
			sleep(ctx, s.IdleWait)
			continue
		}
		s.run(context.WithoutCancel(ctx), *job)
	}
	return nil
}

func (s *Serverless) run(ctx context.Context, job takenJob) {
	logger := s.Logger.With(slog.String("job_id", job.ID))
	s.track(job.ID, true)
	defer s.track(job.ID, false)

	logger.Info("job taken")
	res := s.Handler.HandleRaw(ctx, job.Input)
	if err := s.post(ctx, job.ID, res); err != nil {
		logger.Error("post job output", slog.Any("err", err))
		return
	}
	logger.Info("job output posted", slog.Bool("ok", res.OK()))
}

func (s *Serverless) endpoint(raw string) string {
	return strings.ReplaceAll(raw, "$ID", url.PathEscape(s.Config.WorkerID))
}

func (s *Serverless) take(ctx context.Context) (*takenJob, error) {
	u, err := url.Parse(s.endpoint(s.Config.JobURL))
	if err != nil {
		return nil, fmt.Errorf("job url: %w", err)
	}
	q := u.Query()
	q.Set("job_in_progress", "0")
	if len(s.inFlight()) > 0 {
		q.Set("job_in_progress", "1")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.Config.APIKey)
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("job take returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var job takenJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

func (s *Serverless) post(ctx context.Context, jobID string, res model.Result) error {
	u, err := url.Parse(s.endpoint(s.Config.OutputURL))
	if err != nil {
		return fmt.Errorf("output url: %w", err)
	}
	q := u.Query()
	q.Set("id", jobID)
	q.Set("isStream", "false")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]any{"output": res})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", s.Config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("job output returned %s", resp.Status)
	}
	return nil
}

func (s *Serverless) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.Config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.ping(ctx); err != nil && ctx.Err() == nil {
				s.Logger.Debug("heartbeat failed", slog.Any("err", err))
			}
		}
	}
}

func (s *Serverless) ping(ctx context.Context) error {
	u, err := url.Parse(s.endpoint(s.Config.PingURL))
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("job_id", strings.Join(s.inFlight(), ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", s.Config.APIKey)
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (s *Serverless) track(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.inProgress[id] = struct{}{}
	} else {
		delete(s.inProgress, id)
	}
}

func (s *Serverless) inFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inProgress))
	for id := range s.inProgress {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
