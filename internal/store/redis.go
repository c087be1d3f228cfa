package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/chandra-ocr/worker-go/internal/model"
)

const (
	defaultRedisPrefix = "ocr:"
	maxTxRetries       = 10
)

var allStatuses = []model.JobStatus{
	model.JobInQueue, model.JobInProgress, model.JobCompleted,
	model.JobFailed, model.JobCancelled, model.JobTimedOut,
}

// Redis keeps each job as a JSON document with a FIFO list of queued ids,
// one id set per status and a sorted set of ids by update time.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to url (redis://[user:pass@]host:port/db).
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, defaultRedisPrefix), nil
}

// NewRedis wraps an existing client. Keys are namespaced under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (s *Redis) Close() error { return s.client.Close() }

func (s *Redis) jobKey(id string) string { return s.prefix + "job:" + id }

func (s *Redis) statusKey(st model.JobStatus) string { return s.prefix + "status:" + string(st) }

func (s *Redis) queueKey() string { return s.prefix + "queue" }

func (s *Redis) updatedKey() string { return s.prefix + "updated" }

func (s *Redis) CreateJob(ctx context.Context, job model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.statusKey(job.Status), job.ID)
		pipe.ZAdd(ctx, s.updatedKey(), redis.Z{Score: float64(job.UpdatedAt.UnixMilli()), Member: job.ID})
		if job.Status == model.JobInQueue {
			pipe.RPush(ctx, s.queueKey(), job.ID)
		}
		return nil
	})
	return err
}

func (s *Redis) GetJob(ctx context.Context, id string) (model.Job, error) {
	return s.getJob(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Redis) getJob(ctx context.Context, c getter, id string) (model.Job, error) {
	raw, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Job{}, model.ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return model.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (s *Redis) ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []string
	var err error
	if status == nil {
		ids, err = s.client.ZRevRange(ctx, s.updatedKey(), 0, int64(limit-1)).Result()
	} else {
		ids, err = s.client.SMembers(ctx, s.statusKey(*status)).Result()
	}
	if err != nil {
		return nil, err
	}

	out := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mutate applies fn to the stored job under WATCH, retrying on conflicting
// writers. fn returns false to leave the job untouched.
func (s *Redis) mutate(ctx context.Context, id string, fn func(job *model.Job) (bool, error), extra func(pipe redis.Pipeliner)) (model.Job, bool, error) {
	key := s.jobKey(id)
	var (
		result  model.Job
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		job, err := s.getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		old := job.Status
		ok, err := fn(&job)
		if err != nil {
			return err
		}
		result, changed = job, ok
		if !ok {
			return nil
		}
		job.UpdatedAt = time.Now()
		result = job
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if old != job.Status {
				pipe.SRem(ctx, s.statusKey(old), id)
				pipe.SAdd(ctx, s.statusKey(job.Status), id)
			}
			pipe.ZAdd(ctx, s.updatedKey(), redis.Z{Score: float64(job.UpdatedAt.UnixMilli()), Member: id})
			if extra != nil {
				extra(pipe)
			}
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, changed, err
	}
	return model.Job{}, false, fmt.Errorf("job %s: too many concurrent updates", id)
}

func (s *Redis) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	_, _, err := s.mutate(ctx, id, func(job *model.Job) (bool, error) {
		if job.Status.Terminal() {
			return false, ErrFinished
		}
		if patch.Status != nil {
			job.Status = *patch.Status
		}
		if patch.OutputJSON != nil {
			job.OutputJSON = *patch.OutputJSON
		}
		if patch.Error != nil {
			job.Error = *patch.Error
		}
		if patch.StartedAt != nil {
			job.StartedAt = patch.StartedAt
		}
		if patch.FinishedAt != nil {
			job.FinishedAt = patch.FinishedAt
		}
		return true, nil
	}, nil)
	return err
}

func (s *Redis) ClaimQueued(ctx context.Context, limit int) ([]model.Job, error) {
	var claimed []model.Job
	for len(claimed) < limit {
		job, ok, empty, err := s.claimNext(ctx)
		if err != nil {
			return claimed, err
		}
		if empty {
			break
		}
		if ok {
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

// claimNext pops the queue head and moves its job to IN_PROGRESS in one
// MULTI/EXEC, so an id never leaves the queue while its job is still queued.
// Ids of jobs that are gone or no longer queued are dropped.
func (s *Redis) claimNext(ctx context.Context) (job model.Job, ok, empty bool, err error) {
	txf := func(tx *redis.Tx) error {
		ok, empty = false, false
		id, err := tx.LIndex(ctx, s.queueKey(), 0).Result()
		if errors.Is(err, redis.Nil) {
			empty = true
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Watch(ctx, s.jobKey(id)).Err(); err != nil {
			return err
		}
		current, err := s.getJob(ctx, tx, id)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		claimable := err == nil && current.Status == model.JobInQueue

		var data []byte
		if claimable {
			now := time.Now()
			current.Status = model.JobInProgress
			current.StartedAt = &now
			current.UpdatedAt = now
			if data, err = json.Marshal(current); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPop(ctx, s.queueKey())
			if claimable {
				pipe.Set(ctx, s.jobKey(id), data, 0)
				pipe.SRem(ctx, s.statusKey(model.JobInQueue), id)
				pipe.SAdd(ctx, s.statusKey(model.JobInProgress), id)
				pipe.ZAdd(ctx, s.updatedKey(), redis.Z{Score: float64(current.UpdatedAt.UnixMilli()), Member: id})
			}
			return nil
		})
		if err == nil && claimable {
			job, ok = current, true
		}
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txf, s.queueKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return job, ok, empty, err
	}
	return model.Job{}, false, false, errors.New("claim queued job: too many concurrent updates")
}

func (s *Redis) RequeueInProgress(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(model.JobInProgress)).Result()
	if err != nil {
		return 0, err
	}
	sort.Strings(ids)
	n := 0
	for _, id := range ids {
		_, changed, err := s.mutate(ctx, id, func(job *model.Job) (bool, error) {
			if job.Status != model.JobInProgress {
				return false, nil
			}
			job.Status = model.JobInQueue
			job.StartedAt = nil
			return true, nil
		}, func(pipe redis.Pipeliner) {
			pipe.RPush(ctx, s.queueKey(), id)
		})
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (s *Redis) ExpireInProgress(ctx context.Context, startedBefore time.Time, reason string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(model.JobInProgress)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	var expired []string
	for _, id := range ids {
		_, changed, err := s.mutate(ctx, id, func(job *model.Job) (bool, error) {
			if job.Status != model.JobInProgress || job.StartedAt == nil || !job.StartedAt.Before(startedBefore) {
				return false, nil
			}
			now := time.Now()
			job.Status = model.JobTimedOut
			job.FinishedAt = &now
			job.Error = reason
			return true, nil
		}, nil)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		if changed {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (s *Redis) CancelJob(ctx context.Context, id string) (model.Job, error) {
	job, _, err := s.mutate(ctx, id, func(job *model.Job) (bool, error) {
		if job.Status != model.JobInQueue {
			return false, nil
		}
		now := time.Now()
		job.Status = model.JobCancelled
		job.FinishedAt = &now
		return true, nil
	}, func(pipe redis.Pipeliner) {
		pipe.LRem(ctx, s.queueKey(), 0, id)
	})
	return job, err
}

func (s *Redis) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	cmds := make(map[model.JobStatus]*redis.IntCmd, len(allStatuses))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range allStatuses {
			cmds[st] = pipe.SCard(ctx, s.statusKey(st))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := map[model.JobStatus]int{}
	for st, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			out[st] = int(n)
		}
	}
	return out, nil
}
