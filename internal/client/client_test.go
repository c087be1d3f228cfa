package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/chandra-ocr/worker-go/internal/config"
	"github.com/example/chandra-ocr/worker-go/internal/model"
)

func TestSubmitAndStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/ep/run":
			var body struct {
				Input model.Input `json:"input"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Input.ImageBase64 != "aGk=" || body.Input.PromptType != "ocr" {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"id":"job-1","status":"IN_QUEUE"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v2/ep/status/job-1":
			_, _ = w.Write([]byte(`{"id":"job-1","status":"COMPLETED","output":{"markdown":"# hi","raw":"<h1>hi</h1>"},"delayTime":12,"executionTime":340}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	c := New(config.Client{APIKey: "key", EndpointID: "ep", APIBase: srv.URL + "/v2"})
	id, err := c.Submit(context.Background(), "aGk=", "ocr")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if id != "job-1" {
		t.Errorf("id = %q, want job-1", id)
	}
	st, err := c.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if st.Status != model.JobCompleted || st.ExecutionTime != 340 {
		t.Errorf("unexpected status: %+v", st)
	}

	bad := New(config.Client{APIKey: "nope", EndpointID: "ep", APIBase: srv.URL + "/v2"})
	if _, err := bad.Submit(context.Background(), "aGk=", "ocr"); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Submit() with a bad key error = %v, want 401", err)
	}
}

// scripted replays statuses in order, repeating the last one.
type scripted struct {
	statuses []StatusResponse
	calls    int
}

func (s *scripted) Status(context.Context, string) (StatusResponse, error) {
	i := min(s.calls, len(s.statuses)-1)
	s.calls++
	return s.statuses[i], nil
}

// fakeClock advances only when the poller sleeps.
type fakeClock struct {
	now    time.Time
	sleeps int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps++
	c.now = c.now.Add(d)
	return nil
}

func newPoller(s StatusChecker, clock *fakeClock) *Poller {
	return &Poller{Client: s, Interval: 2 * time.Second, Timeout: 120 * time.Second, Now: clock.Now, Sleep: clock.Sleep}
}

func TestPoller_CompletesAfterRunning(t *testing.T) {
	t.Parallel()
	s := &scripted{statuses: []StatusResponse{
		{Status: "IN_PROGRESS"},
		{Status: "IN_PROGRESS"},
		{Status: model.JobCompleted, Output: json.RawMessage(`{"markdown":"# Page","raw":"<h1>Page</h1>"}`)},
	}}
	clock := &fakeClock{now: time.Unix(0, 0)}
	var seen []model.JobStatus
	p := newPoller(s, clock)
	p.OnStatus = func(st StatusResponse) { seen = append(seen, st.Status) }

	res, err := p.Wait(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if !res.OK() || res.Output.Markdown != "# Page" {
		t.Errorf("unexpected result: %+v", res)
	}
	if clock.sleeps != 2 || s.calls != 3 {
		t.Errorf("sleeps = %d polls = %d, want 2 and 3", clock.sleeps, s.calls)
	}
	if len(seen) != 2 {
		t.Errorf("OnStatus called %d times, want 2", len(seen))
	}
}

func TestPoller_CompletedWithErrorOutput(t *testing.T) {
	t.Parallel()
	s := &scripted{statuses: []StatusResponse{
		{Status: model.JobCompleted, Output: json.RawMessage(`{"error":"Missing 'image_base64' in input"}`)},
	}}
	res, err := newPoller(s, &fakeClock{}).Wait(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if res.OK() || res.Error != "Missing 'image_base64' in input" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestPoller_TerminalFailures(t *testing.T) {
	t.Parallel()
	for _, status := range []model.JobStatus{model.JobFailed, model.JobCancelled, model.JobTimedOut} {
		s := &scripted{statuses: []StatusResponse{{Status: "IN_QUEUE"}, {Status: status, Error: "worker crashed"}}}
		_, err := newPoller(s, &fakeClock{}).Wait(context.Background(), "job-1")
		if !errors.Is(err, ErrJobFailed) {
			t.Errorf("%s: error = %v, want ErrJobFailed", status, err)
		}
		var jobErr *JobError
		if !errors.As(err, &jobErr) {
			t.Fatalf("%s: error %T is not a *JobError", status, err)
		}
		if got, want := jobErr.Summary(), string(status)+" worker crashed"; got != want {
			t.Errorf("Summary() = %q, want %q", got, want)
		}
		if got, want := err.Error(), "job failed: "+string(status)+" worker crashed"; got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	}
}

func TestPoller_Timeout(t *testing.T) {
	t.Parallel()
	s := &scripted{statuses: []StatusResponse{{Status: "IN_PROGRESS"}}}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newPoller(s, clock)
	p.Timeout = 10 * time.Second

	_, err := p.Wait(context.Background(), "job-1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if s.calls != 5 {
		t.Errorf("polls = %d, want 5", s.calls)
	}
}

func TestPoller_CompletedWithoutOutput(t *testing.T) {
	t.Parallel()
	s := &scripted{statuses: []StatusResponse{{Status: model.JobCompleted}}}
	if _, err := newPoller(s, &fakeClock{}).Wait(context.Background(), "job-1"); err == nil {
		t.Fatal("expected error for completed job without output")
	}
}

func TestPoller_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &Poller{Client: &scripted{statuses: []StatusResponse{{Status: "IN_QUEUE"}}}, Interval: time.Hour}
	if _, err := p.Wait(ctx, "job-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
