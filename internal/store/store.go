// Package store persists local jobs.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/example/chandra-ocr/worker-go/internal/model"
)

// Drivers selectable with OCR_STORE.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// ErrFinished is returned when updating a job that is already terminal.
var ErrFinished = errors.New("job already finished")

// Store is the job queue and result table shared by the HTTP API and the
// dispatcher. Terminal jobs are never modified.
type Store interface {
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error)
	UpdateJob(ctx context.Context, id string, patch model.JobPatch) error
	// ClaimQueued moves up to limit of the oldest queued jobs to
	// IN_PROGRESS and returns them.
	ClaimQueued(ctx context.Context, limit int) ([]model.Job, error)
	// CancelJob cancels a queued job and returns its current state. Jobs in
	// any other state are returned unchanged.
	CancelJob(ctx context.Context, id string) (model.Job, error)
	// RequeueInProgress puts every IN_PROGRESS job back in the queue. Only
	// safe when no other worker shares the store.
	RequeueInProgress(ctx context.Context) (int, error)
	// ExpireInProgress marks IN_PROGRESS jobs started before startedBefore
	// as TIMED_OUT with reason as their error, returning their ids.
	ExpireInProgress(ctx context.Context, startedBefore time.Time, reason string) ([]string, error)
	CountByStatus(ctx context.Context) (map[model.JobStatus]int, error)
	Close() error
}

// Config selects and configures a Store.
type Config struct {
	Driver   string
	DataDir  string
	RedisURL string
}

// Open builds the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return OpenSQLite(filepath.Join(cfg.DataDir, "jobs.db"))
	case DriverRedis:
		return OpenRedis(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported job store driver: %s", cfg.Driver)
	}
}
