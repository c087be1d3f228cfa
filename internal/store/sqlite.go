package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/chandra-ocr/worker-go/internal/model"
)

type SQLite struct {
	db *sql.DB
}

const jobColumns = `id, created_at, updated_at, started_at, finished_at, status, input_json, output_json, error_message`

const notTerminal = `status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED', 'TIMED_OUT')`

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  started_at INTEGER,
  finished_at INTEGER,
  status TEXT NOT NULL,
  input_json TEXT NOT NULL,
  output_json TEXT,
  error_message TEXT
);
CREATE INDEX IF NOT EXISTS jobs_status_created ON jobs (status, created_at);
`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, created_at, updated_at, status, input_json)
         VALUES (?, ?, ?, ?, ?)`,
		job.ID,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		string(job.Status),
		job.InputJSON,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		jid, statusStr, inputJSON string
		createdMs, updatedMs      int64
		startedMs, finishedMs     sql.NullInt64
		outputJSON, errorMsg      sql.NullString
	)
	if err := row.Scan(&jid, &createdMs, &updatedMs, &startedMs, &finishedMs, &statusStr, &inputJSON, &outputJSON, &errorMsg); err != nil {
		return model.Job{}, err
	}
	job := model.Job{
		ID:        jid,
		CreatedAt: time.UnixMilli(createdMs),
		UpdatedAt: time.UnixMilli(updatedMs),
		Status:    model.JobStatus(statusStr),
		InputJSON: inputJSON,
	}
	if startedMs.Valid {
		t := time.UnixMilli(startedMs.Int64)
		job.StartedAt = &t
	}
	if finishedMs.Valid {
		t := time.UnixMilli(finishedMs.Int64)
		job.FinishedAt = &t
	}
	if outputJSON.Valid {
		job.OutputJSON = outputJSON.String
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	return job, err
}

func (s *SQLite) ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) ClaimQueued(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		string(model.JobInQueue), limit,
	)
	if err != nil {
		return nil, err
	}
	var claimed []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, job)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
			string(model.JobInProgress), now.UnixMilli(), now.UnixMilli(), claimed[i].ID,
		); err != nil {
			return nil, err
		}
		started := time.UnixMilli(now.UnixMilli())
		claimed[i].Status = model.JobInProgress
		claimed[i].StartedAt = &started
		claimed[i].UpdatedAt = started
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLite) RequeueInProgress(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL, updated_at = ? WHERE status = ?`,
		string(model.JobInQueue), time.Now().UnixMilli(), string(model.JobInProgress),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) ExpireInProgress(ctx context.Context, startedBefore time.Time, reason string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? AND started_at < ? ORDER BY started_at ASC`,
		string(model.JobInProgress), startedBefore.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, finished_at = ?, updated_at = ?, error_message = ? WHERE id = ?`,
			string(model.JobTimedOut), now, now, reason, id,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	now := time.Now().UnixMilli()
	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
         SET updated_at = ?,
             status = COALESCE(?, status),
             output_json = COALESCE(?, output_json),
             error_message = COALESCE(?, error_message),
             started_at = COALESCE(?, started_at),
             finished_at = COALESCE(?, finished_at)
         WHERE id = ? AND `+notTerminal,
		now,
		nullableString(status),
		nullableString(patch.OutputJSON),
		nullableString(patch.Error),
		nullableMillis(patch.StartedAt),
		nullableMillis(patch.FinishedAt),
		id,
	)
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, id)
}

func (s *SQLite) checkUpdated(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrFinished
}

func (s *SQLite) CancelJob(ctx context.Context, id string) (model.Job, error) {
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.JobCancelled), now, now, id, string(model.JobInQueue),
	); err != nil {
		return model.Job{}, err
	}
	return s.GetJob(ctx, id)
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.JobStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.JobStatus(status)] = n
	}
	return out, rows.Err()
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableMillis(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}
