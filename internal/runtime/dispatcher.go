package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/chandra-ocr/worker-go/internal/model"
	"github.com/example/chandra-ocr/worker-go/internal/store"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	staleSweepInterval  = 30 * time.Second
	// staleGrace is added to ExecutionTimeout before a job counts as
	// abandoned, so a live worker times its own jobs out first.
	staleGrace = time.Minute
)

// Dispatcher claims queued jobs from the store and runs them on at most
// Concurrency goroutines.
type Dispatcher struct {
	Store        store.Store
	Handler      JobHandler
	Concurrency  int
	PollInterval time.Duration
	// ExecutionTimeout bounds one handler run; the job becomes TIMED_OUT
	// when it expires. Jobs left IN_PROGRESS longer than that by a dead
	// worker are timed out too. Zero disables both.
	ExecutionTimeout time.Duration
	// RequeueOnStart puts jobs left IN_PROGRESS back in the queue before
	// claiming. Set it only when this dispatcher owns the store.
	RequeueOnStart bool
	Logger         *slog.Logger

	once    sync.Once
	wake    chan struct{}
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func (d *Dispatcher) init() {
	d.once.Do(func() {
		d.wake = make(chan struct{}, 1)
		d.waiters = map[string][]chan struct{}{}
		if d.Concurrency < 1 {
			d.Concurrency = 1
		}
		if d.PollInterval <= 0 {
			d.PollInterval = defaultPollInterval
		}
		if d.Logger == nil {
			d.Logger = slog.Default()
		}
	})
}

// Notify tells the dispatcher a job was queued so it claims without waiting
// for the next poll.
func (d *Dispatcher) Notify() {
	d.init()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run claims and processes jobs until ctx is cancelled, then waits for
// in-flight jobs to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.init()
	var g errgroup.Group
	slots := make(chan struct{}, d.Concurrency)
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	d.Logger.Info("dispatcher started", slog.Int("concurrency", d.Concurrency))
	d.recoverInterrupted(ctx)
	lastSweep := time.Now()
	for {
		if d.ExecutionTimeout > 0 && time.Since(lastSweep) >= staleSweepInterval {
			d.expireStale(ctx)
			lastSweep = time.Now()
		}
		// Only this loop fills slots, so free never over-counts.
		if free := cap(slots) - len(slots); free > 0 {
			jobs, err := d.Store.ClaimQueued(ctx, free)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.Logger.Error("claim queued jobs", slog.Any("err", err))
			}
			for _, job := range jobs {
				slots <- struct{}{}
				g.Go(func() error {
					defer func() {
						<-slots
						d.Notify()
					}()
					d.process(context.WithoutCancel(ctx), job)
					return nil
				})
			}
		}

		select {
		case <-ctx.Done():
			d.Logger.Info("dispatcher stopping; waiting for in-flight jobs")
			return g.Wait()
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// recoverInterrupted deals with jobs a previous worker left IN_PROGRESS.
func (d *Dispatcher) recoverInterrupted(ctx context.Context) {
	if d.RequeueOnStart {
		n, err := d.Store.RequeueInProgress(ctx)
		if err != nil {
			d.Logger.Error("requeue interrupted jobs", slog.Any("err", err))
		} else if n > 0 {
			d.Logger.Warn("requeued interrupted jobs", slog.Int("count", n))
		}
	}
	if d.ExecutionTimeout > 0 {
		d.expireStale(ctx)
	}
}

func (d *Dispatcher) expireStale(ctx context.Context) {
	cutoff := time.Now().Add(-(d.ExecutionTimeout + staleGrace))
	ids, err := d.Store.ExpireInProgress(ctx, cutoff, "worker stopped before the job finished")
	if err != nil && !errors.Is(err, context.Canceled) {
		d.Logger.Error("expire stale jobs", slog.Any("err", err))
	}
	for _, id := range ids {
		d.Logger.Warn("job timed out", slog.String("job_id", id), slog.String("reason", "abandoned"))
		d.finished(id)
	}
}

func (d *Dispatcher) process(ctx context.Context, job model.Job) {
	logger := d.Logger.With(slog.String("job_id", job.ID))
	logger.Info("job started", slog.Duration("delay", job.DelayTime()))
	start := time.Now()

	if d.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ExecutionTimeout)
		defer cancel()
	}
	res := d.Handler.HandleRaw(ctx, json.RawMessage(job.InputJSON))
	patch := model.JobPatch{}
	now := time.Now()
	patch.FinishedAt = &now

	data, err := json.Marshal(res)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		status, msg := model.JobTimedOut, "execution timed out after "+d.ExecutionTimeout.String()
		patch.Status, patch.Error = &status, &msg
	} else if err != nil {
		status, msg := model.JobFailed, "encode result: "+err.Error()
		patch.Status, patch.Error = &status, &msg
	} else {
		// Handler errors are part of the output, not a job failure.
		status, out := model.JobCompleted, string(data)
		patch.Status, patch.OutputJSON = &status, &out
	}

	if err := d.Store.UpdateJob(context.WithoutCancel(ctx), job.ID, patch); errors.Is(err, store.ErrFinished) {
		logger.Warn("job was finished elsewhere; result dropped")
	} else if err != nil {
		logger.Error("store job result", slog.Any("err", err))
	} else {
		logger.Info("job finished", slog.Bool("ok", res.OK()), slog.Duration("took", time.Since(start)))
	}
	d.finished(job.ID)
}

// Wait blocks until job id reaches a terminal state or ctx is done, and
// returns the latest stored state either way.
func (d *Dispatcher) Wait(ctx context.Context, id string) (model.Job, error) {
	d.init()
	ch := make(chan struct{}, 1)
	d.mu.Lock()
	d.waiters[id] = append(d.waiters[id], ch)
	d.mu.Unlock()
	defer d.unsubscribe(id, ch)

	for {
		job, err := d.Store.GetJob(context.WithoutCancel(ctx), id)
		if err != nil || job.Status.Terminal() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ch:
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *Dispatcher) unsubscribe(id string, ch chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.waiters, id)
	} else {
		d.waiters[id] = list
	}
}

func (d *Dispatcher) finished(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.waiters[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
