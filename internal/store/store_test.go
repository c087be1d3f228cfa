package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/chandra-ocr/worker-go/internal/model"
)

func newJob(id string, created time.Time) model.Job {
	return model.Job{
		ID:        id,
		CreatedAt: created,
		UpdatedAt: created,
		Status:    model.JobInQueue,
		InputJSON: `{"image_base64":"` + id + `"}`,
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	for i, id := range []string{"a", "b", "c"} {
		if err := s.CreateJob(ctx, newJob(id, t0.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("CreateJob(%s) error: %v", id, err)
		}
	}

	got, err := s.GetJob(ctx, "a")
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Status != model.JobInQueue || got.InputJSON != `{"image_base64":"a"}` || !got.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected job: %+v", got)
	}
	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("GetJob(missing) error = %v, want ErrNotFound", err)
	}

	cancelled, err := s.CancelJob(ctx, "b")
	if err != nil {
		t.Fatalf("CancelJob error: %v", err)
	}
	if cancelled.Status != model.JobCancelled || cancelled.FinishedAt == nil {
		t.Fatalf("unexpected cancelled job: %+v", cancelled)
	}

	claimed, err := s.ClaimQueued(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimQueued error: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "a" || claimed[1].ID != "c" {
		t.Fatalf("claimed = %+v, want [a c]", claimed)
	}
	for _, job := range claimed {
		if job.Status != model.JobInProgress || job.StartedAt == nil {
			t.Errorf("claimed job not in progress: %+v", job)
		}
	}
	if again, err := s.ClaimQueued(ctx, 10); err != nil || len(again) != 0 {
		t.Fatalf("second ClaimQueued = %v, %v; want nothing", again, err)
	}

	stillRunning, err := s.CancelJob(ctx, "c")
	if err != nil || stillRunning.Status != model.JobInProgress {
		t.Fatalf("CancelJob(in progress) = %+v, %v; want unchanged", stillRunning, err)
	}

	done := model.JobCompleted
	out := `{"markdown":"x","raw":"<p>x</p>"}`
	finished := time.Now()
	if err := s.UpdateJob(ctx, "a", model.JobPatch{Status: &done, OutputJSON: &out, FinishedAt: &finished}); err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}
	got, _ = s.GetJob(ctx, "a")
	if got.Status != model.JobCompleted || got.OutputJSON != out || got.FinishedAt == nil || got.StartedAt == nil {
		t.Fatalf("unexpected completed job: %+v", got)
	}
	if err := s.UpdateJob(ctx, "a", model.JobPatch{Status: &done}); !errors.Is(err, ErrFinished) {
		t.Fatalf("UpdateJob(finished) error = %v, want ErrFinished", err)
	}
	if err := s.UpdateJob(ctx, "missing", model.JobPatch{Status: &done}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("UpdateJob(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.CancelJob(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("CancelJob(missing) error = %v, want ErrNotFound", err)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus error: %v", err)
	}
	want := map[model.JobStatus]int{model.JobCompleted: 1, model.JobCancelled: 1, model.JobInProgress: 1}
	for st, n := range want {
		if counts[st] != n {
			t.Errorf("count[%s] = %d, want %d (all: %v)", st, counts[st], n, counts)
		}
	}
	if counts[model.JobInQueue] != 0 {
		t.Errorf("count[IN_QUEUE] = %d, want 0", counts[model.JobInQueue])
	}

	all, err := s.ListJobs(ctx, nil, 10)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListJobs() = %d jobs, %v; want 3", len(all), err)
	}
	completed, err := s.ListJobs(ctx, &done, 10)
	if err != nil || len(completed) != 1 || completed[0].ID != "a" {
		t.Fatalf("ListJobs(COMPLETED) = %+v, %v", completed, err)
	}
}

// exerciseRecovery covers jobs left IN_PROGRESS by a worker that died.
func exerciseRecovery(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		if err := s.CreateJob(ctx, newJob(id, t0.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("CreateJob(%s) error: %v", id, err)
		}
	}
	if claimed, err := s.ClaimQueued(ctx, 10); err != nil || len(claimed) != 3 {
		t.Fatalf("ClaimQueued = %d jobs, %v; want 3", len(claimed), err)
	}
	longAgo := t0.Add(-time.Hour)
	if err := s.UpdateJob(ctx, "a", model.JobPatch{StartedAt: &longAgo}); err != nil {
		t.Fatalf("UpdateJob(started_at) error: %v", err)
	}

	expired, err := s.ExpireInProgress(ctx, t0.Add(-30*time.Minute), "worker gone")
	if err != nil {
		t.Fatalf("ExpireInProgress error: %v", err)
	}
	if len(expired) != 1 || expired[0] != "a" {
		t.Fatalf("expired = %v, want [a]", expired)
	}
	a, _ := s.GetJob(ctx, "a")
	if a.Status != model.JobTimedOut || a.Error != "worker gone" || a.FinishedAt == nil {
		t.Fatalf("unexpected expired job: %+v", a)
	}

	n, err := s.RequeueInProgress(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RequeueInProgress = %d, %v; want 2", n, err)
	}
	b, _ := s.GetJob(ctx, "b")
	if b.Status != model.JobInQueue || b.StartedAt != nil {
		t.Fatalf("unexpected requeued job: %+v", b)
	}
	again, err := s.ClaimQueued(ctx, 10)
	if err != nil || len(again) != 2 || again[0].ID != "b" || again[1].ID != "c" {
		t.Fatalf("ClaimQueued after requeue = %+v, %v; want [b c]", again, err)
	}
	if a, _ := s.GetJob(ctx, "a"); a.Status != model.JobTimedOut {
		t.Errorf("timed out job changed to %s", a.Status)
	}
}

func newMiniredisStore(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	s := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "t:")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Recovery(t *testing.T) {
	t.Parallel()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exerciseRecovery(t, s)
}

func TestRedisStore_Recovery(t *testing.T) {
	t.Parallel()
	exerciseRecovery(t, newMiniredisStore(t))
}

func TestSQLiteStore_RequeueAfterReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite error: %v", err)
	}
	if err := s.CreateJob(ctx, newJob("crashed", time.Now())); err != nil {
		t.Fatal(err)
	}
	if claimed, err := s.ClaimQueued(ctx, 1); err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimQueued = %v, %v", claimed, err)
	}
	_ = s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if claimed, _ := s.ClaimQueued(ctx, 1); len(claimed) != 0 {
		t.Fatalf("in-progress job claimed without requeue: %+v", claimed)
	}
	if n, err := s.RequeueInProgress(ctx); err != nil || n != 1 {
		t.Fatalf("RequeueInProgress = %d, %v; want 1", n, err)
	}
	claimed, err := s.ClaimQueued(ctx, 1)
	if err != nil || len(claimed) != 1 || claimed[0].ID != "crashed" {
		t.Fatalf("ClaimQueued after requeue = %+v, %v", claimed, err)
	}
}

// cancelAfter cancels a context once a command with the given name has run.
type cancelAfter struct {
	name   string
	cancel context.CancelFunc
}

func (h cancelAfter) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h cancelAfter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == h.name {
			h.cancel()
		}
		return err
	}
}

func (h cancelAfter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisStore_ClaimCancelledMidwayKeepsJob(t *testing.T) {
	t.Parallel()
	s := newMiniredisStore(t)
	bg := context.Background()
	if err := s.CreateJob(bg, newJob("1", time.Now())); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	s.client.AddHook(cancelAfter{name: "lindex", cancel: cancel})
	first, err := s.ClaimQueued(ctx, 1)
	cancel()

	if err == nil && len(first) == 1 && first[0].ID == "1" {
		// The claim committed before the cancellation was noticed.
		return
	}
	job, getErr := s.GetJob(bg, "1")
	if getErr != nil {
		t.Fatalf("GetJob error: %v", getErr)
	}
	if job.Status != model.JobInQueue {
		t.Fatalf("status = %s after an aborted claim (err %v), want IN_QUEUE", job.Status, err)
	}
	if n, _ := s.client.LLen(bg, s.queueKey()).Result(); n != 1 {
		t.Fatalf("queue length = %d after an aborted claim, want 1", n)
	}
}

func TestRedisStore_DropsStaleQueueIDs(t *testing.T) {
	t.Parallel()
	s := newMiniredisStore(t)
	ctx := context.Background()
	for _, id := range []string{"gone", "keep"} {
		if err := s.CreateJob(ctx, newJob(id, time.Now())); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.client.Del(ctx, s.jobKey("gone")).Err(); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimQueued(ctx, 5)
	if err != nil || len(claimed) != 1 || claimed[0].ID != "keep" {
		t.Fatalf("ClaimQueued = %+v, %v; want [keep]", claimed, err)
	}
	if n, _ := s.client.LLen(ctx, s.queueKey()).Result(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("OpenRedis error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)

	if !mr.Exists(defaultRedisPrefix + "job:a") {
		t.Error("expected job document under the default prefix")
	}
}

func TestRedisStore_ClaimLimit(t *testing.T) {
	t.Parallel()
	s := newMiniredisStore(t)

	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"1", "2", "3"} {
		if err := s.CreateJob(ctx, newJob(id, now)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateJob(ctx, newJob("1", now)); err == nil {
		t.Error("duplicate CreateJob should fail")
	}
	first, err := s.ClaimQueued(ctx, 2)
	if err != nil || len(first) != 2 || first[0].ID != "1" || first[1].ID != "2" {
		t.Fatalf("ClaimQueued(2) = %+v, %v", first, err)
	}
	rest, err := s.ClaimQueued(ctx, 2)
	if err != nil || len(rest) != 1 || rest[0].ID != "3" {
		t.Fatalf("ClaimQueued(2) = %+v, %v", rest, err)
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "nested")
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, DataDir: dir})
	if err != nil {
		t.Fatalf("Open(sqlite) error: %v", err)
	}
	_ = s.Close()

	if _, err := Open(context.Background(), Config{Driver: "postgres"}); err == nil {
		t.Error("Open(postgres) should fail")
	}
	if _, err := Open(context.Background(), Config{Driver: DriverRedis, RedisURL: "not a url"}); err == nil {
		t.Error("Open(redis) with a bad url should fail")
	}
}
