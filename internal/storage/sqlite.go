package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"taskd/internal/recurrence"
	"taskd/internal/task"
	logx "taskd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	var (
		rec        TaskRecord
		enabled    int
		cfg        sql.NullString
		last, next sql.NullInt64
		updated    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, enabled, config, last_run, next_run, updated_at FROM tasks WHERE id = ?`, id,
	).Scan(&rec.ID, &enabled, &cfg, &last, &next, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, ErrNotFound
	}
	if err != nil {
		return TaskRecord{}, err
	}
	rec.Enabled = enabled != 0
	rec.LastRun = fromMillis(last)
	rec.NextRun = fromMillis(next)
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &rec.Config); err != nil {
			return TaskRecord{}, fmt.Errorf("task %s config: %w", id, err)
		}
	}
	return rec, nil
}

func (s *sqliteStore) PutTask(ctx context.Context, rec TaskRecord) error {
	cfg, err := jsonOrNull(rec.Config, len(rec.Config) == 0)
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, enabled, config, last_run, next_run, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET enabled=excluded.enabled, config=excluded.config,
		   last_run=excluded.last_run, next_run=excluded.next_run, updated_at=excluded.updated_at`,
		rec.ID, boolInt(rec.Enabled), cfg, millisOrNull(rec.LastRun), millisOrNull(rec.NextRun), rec.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListSchedules(ctx context.Context, taskID string) ([]ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, position, spec, enabled, last_run, next_run FROM schedules
		 WHERE task_id = ? ORDER BY position, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleRecord
	for rows.Next() {
		var (
			rec        ScheduleRecord
			spec       string
			enabled    int
			last, next sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Position, &spec, &enabled, &last, &next); err != nil {
			return nil, err
		}
		var sp recurrence.Spec
		if err := json.Unmarshal([]byte(spec), &sp); err != nil {
			return nil, fmt.Errorf("schedule %s spec: %w", rec.ID, err)
		}
		rec.Spec = sp
		rec.Enabled = enabled != 0
		rec.LastRun = fromMillis(last)
		rec.NextRun = fromMillis(next)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutSchedule(ctx context.Context, rec ScheduleRecord) error {
	spec, err := json.Marshal(rec.Spec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, task_id, position, spec, enabled, last_run, next_run) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET task_id=excluded.task_id, position=excluded.position, spec=excluded.spec,
		   enabled=excluded.enabled, last_run=excluded.last_run, next_run=excluded.next_run`,
		rec.ID, rec.TaskID, rec.Position, string(spec), boolInt(rec.Enabled), millisOrNull(rec.LastRun), millisOrNull(rec.NextRun),
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, taskID, scheduleID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ? AND task_id = ?`, scheduleID, taskID)
	return err
}

func (s *sqliteStore) DueSchedules(ctx context.Context, now time.Time) ([]DueSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.task_id, s.id, s.next_run FROM schedules s
		 JOIN tasks t ON t.id = s.task_id
		 WHERE s.enabled = 1 AND t.enabled = 1 AND s.next_run IS NOT NULL AND s.next_run <= ?
		 ORDER BY s.next_run, s.task_id, s.position`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueSchedule
	for rows.Next() {
		var (
			d    DueSchedule
			next int64
		)
		if err := rows.Scan(&d.TaskID, &d.ScheduleID, &next); err != nil {
			return nil, err
		}
		d.NextRun = time.UnixMilli(next).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

const executionColumns = `id, task_id, triggered_by, status, success, message, started_at, completed_at,
	total_items, success_count, failed_count, skipped_count, error_code, failed_items, details, updated_at`

func (s *sqliteStore) InsertExecution(ctx context.Context, rec ExecutionRecord) error {
	args, err := executionArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions(`+executionColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (s *sqliteStore) UpdateExecution(ctx context.Context, rec ExecutionRecord) error {
	args, err := executionArgs(rec)
	if err != nil {
		return err
	}
	// id moves to the WHERE clause.
	args = append(args[1:], args[0])
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET task_id=?, triggered_by=?, status=?, success=?, message=?, started_at=?, completed_at=?,
		   total_items=?, success_count=?, failed_count=?, skipped_count=?, error_code=?, failed_items=?, details=?, updated_at=?
		 WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func executionArgs(rec ExecutionRecord) ([]any, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	failed, err := jsonOrNull(rec.FailedItems, len(rec.FailedItems) == 0)
	if err != nil {
		return nil, err
	}
	details, err := jsonOrNull(rec.Details, len(rec.Details) == 0)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.ExecutionID, rec.TaskID, nullStr(string(rec.TriggeredBy)), string(rec.Status), boolInt(rec.Success),
		nullStr(rec.Message), rec.StartedAt.UnixMilli(), millisOrNull(rec.CompletedAt),
		rec.TotalItems, rec.SuccessCount, rec.FailedCount, rec.SkippedCount,
		nullStr(string(rec.ErrorCode)), failed, details, rec.UpdatedAt.UnixMilli(),
	}, nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]ExecutionRecord, error) {
	limit, offset = clampPage(limit, offset)
	q := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanExecution(rows *sql.Rows) (ExecutionRecord, error) {
	var (
		rec                              ExecutionRecord
		trig, msg, code, failed, details sql.NullString
		status                           string
		success                          int
		started, updated                 int64
		completed                        sql.NullInt64
	)
	err := rows.Scan(&rec.ExecutionID, &rec.TaskID, &trig, &status, &success, &msg, &started, &completed,
		&rec.TotalItems, &rec.SuccessCount, &rec.FailedCount, &rec.SkippedCount, &code, &failed, &details, &updated)
	if err != nil {
		return ExecutionRecord{}, err
	}
	rec.TriggeredBy = task.Trigger(trig.String)
	rec.Status = task.Status(status)
	rec.Success = success != 0
	rec.Message = msg.String
	rec.StartedAt = time.UnixMilli(started).UTC()
	rec.CompletedAt = fromMillis(completed)
	rec.ErrorCode = task.ErrorCode(code.String)
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	if failed.Valid && failed.String != "" {
		if err := json.Unmarshal([]byte(failed.String), &rec.FailedItems); err != nil {
			return ExecutionRecord{}, fmt.Errorf("execution %s failed_items: %w", rec.ExecutionID, err)
		}
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
			return ExecutionRecord{}, fmt.Errorf("execution %s details: %w", rec.ExecutionID, err)
		}
	}
	return rec, nil
}

func (s *sqliteStore) PurgeExecutionsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func millisOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func jsonOrNull(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
