// Package sqlite provides a SQLite-backed task store for single-node
// deployments and local development. The pure-Go modernc driver is used, so
// no CGO toolchain is required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

const taskColumns = `id, status, sort_id, scraper_name, is_sync, parent_task_id, data, metadata,
	cached_key, result, result_count, started_at, finished_at, aggregated_at, created_at, updated_at`

// TaskStore persists tasks in a SQLite database.
type TaskStore struct {
	db *sql.DB
}

// Open creates or opens the database file at path and applies the schema.
// SQLite is single-writer, so the pool is limited to one connection and
// every transaction is serialized.
func Open(ctx context.Context, path string) (*TaskStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &TaskStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema runs the idempotent schema migrations.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			status         TEXT NOT NULL DEFAULT 'pending',
			sort_id        INTEGER NOT NULL,
			scraper_name   TEXT NOT NULL,
			is_sync        BOOLEAN NOT NULL DEFAULT 0,
			parent_task_id INTEGER,
			data           TEXT,
			metadata       TEXT,
			cached_key     TEXT NOT NULL DEFAULT '',
			result         TEXT,
			result_count   INTEGER NOT NULL DEFAULT 0,
			started_at     INTEGER,
			finished_at    INTEGER,
			aggregated_at  INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_sort ON tasks(sort_id DESC, is_sync DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_cached_key ON tasks(cached_key)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migrate tasks: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database file is reachable.
func (s *TaskStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close cleanly shuts down the database.
func (s *TaskStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// CreateTasks inserts the tasks in one transaction.
func (s *TaskStore) CreateTasks(ctx context.Context, newTasks []tasks.NewTask) ([]tasks.Task, error) {
	if len(newTasks) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create tasks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if parents := parentIDs(newTasks); len(parents) > 0 {
		var found int
		query := `SELECT count(*) FROM tasks WHERE id IN (` + placeholders(len(parents)) + `)`
		if err := tx.QueryRowContext(ctx, query, int64Args(parents)...).Scan(&found); err != nil {
			return nil, fmt.Errorf("check parent tasks: %w", err)
		}
		if found != len(parents) {
			return nil, fmt.Errorf("%w: %v", tasks.ErrParentNotFound, parents)
		}
	}

	const insert = `INSERT INTO tasks
		(status, sort_id, scraper_name, is_sync, parent_task_id, data, metadata, cached_key, created_at, updated_at)
		VALUES ('pending', ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	out := make([]tasks.Task, 0, len(newTasks))
	for _, nt := range newTasks {
		created := nt.CreatedAt.UnixNano()
		res, err := tx.ExecContext(ctx, insert,
			nt.SortID, nt.ScraperName, nt.IsSync, nullInt64(nt.ParentTaskID),
			nullJSON(nt.Data), nullJSON(nt.Metadata), nt.CachedKey, created, created)
		if err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert task id: %w", err)
		}
		out = append(out, tasks.Task{
			ID:           id,
			Status:       tasks.StatusPending,
			SortID:       nt.SortID,
			ScraperName:  nt.ScraperName,
			IsSync:       nt.IsSync,
			ParentTaskID: nt.ParentTaskID,
			Data:         nt.Data,
			Metadata:     nt.Metadata,
			CachedKey:    nt.CachedKey,
			CreatedAt:    fromNanos(created),
			UpdatedAt:    fromNanos(created),
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create tasks: %w", err)
	}
	return out, nil
}

// FindByCachedKeys returns pending or completed tasks keyed by fingerprint.
func (s *TaskStore) FindByCachedKeys(ctx context.Context, keys []string) (map[string]tasks.Task, error) {
	found := make(map[string]tasks.Task)
	if len(keys) == 0 {
		return found, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE cached_key IN (` + placeholders(len(keys)) + `) AND status IN ('pending', 'completed')
		ORDER BY id DESC`
	list, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find cached tasks: %w", err)
	}
	for _, t := range list {
		if _, seen := found[t.CachedKey]; !seen {
			found[t.CachedKey] = t
		}
	}
	return found, nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, id int64) (tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tasks.Task{}, tasks.ErrNotFound
		}
		return tasks.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTasks returns the matching tasks ordered by sort_id desc, is_sync desc.
func (s *TaskStore) GetTasks(ctx context.Context, ids []int64) ([]tasks.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE id IN (` + placeholders(len(ids)) + `)
		ORDER BY sort_id DESC, is_sync DESC`
	list, err := s.queryTasks(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	return list, nil
}

// ListTasks returns one page ordered by sort_id desc.
func (s *TaskStore) ListTasks(ctx context.Context, opts tasks.ListOptions) (tasks.TaskPage, error) {
	var page tasks.TaskPage
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM tasks`).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count tasks: %w", err)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY sort_id DESC, id DESC LIMIT ? OFFSET ?`
	limit := int64(opts.PerPage)
	if limit <= 0 {
		limit = -1
	}
	list, err := s.queryTasks(ctx, query, limit, opts.Offset())
	if err != nil {
		return page, fmt.Errorf("list tasks: %w", err)
	}
	if !opts.WithResults {
		for i := range list {
			list[i] = list[i].WithoutResult()
		}
	}
	page.Tasks = list
	return page, nil
}

// ClaimTasks moves the tasks and their unstarted parents to InProgress in a
// single statement.
func (s *TaskStore) ClaimTasks(ctx context.Context, ids []int64, parentIDs []int64, at time.Time) (int64, error) {
	query := `UPDATE tasks SET status = 'in_progress', started_at = ?, updated_at = ?
		WHERE (id IN (` + placeholders(len(ids)) + `) AND status IN ('pending', 'in_progress'))
		   OR (id IN (` + placeholders(len(parentIDs)) + `) AND status = 'pending' AND started_at IS NULL)`
	args := []any{at.UnixNano(), at.UnixNano()}
	args = append(args, int64Args(ids)...)
	args = append(args, int64Args(parentIDs)...)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("claim tasks: %w", err)
	}
	return rowsAffected(res)
}

// MarkCompleted records a successful result if the task is still InProgress.
func (s *TaskStore) MarkCompleted(
	ctx context.Context,
	id int64,
	result json.RawMessage,
	count int,
	at time.Time,
) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks
		SET status = 'completed', result = ?, result_count = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress'`,
		nullJSON(result), count, at.UnixNano(), at.UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("mark task completed: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// MarkFailed records failures for tasks that are not yet terminal.
func (s *TaskStore) MarkFailed(ctx context.Context, failures []tasks.Failure, at time.Time) (int64, error) {
	if len(failures) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	var total int64
	for _, f := range failures {
		res, err := tx.ExecContext(ctx, `UPDATE tasks
			SET status = 'failed', result = json_object('error', ?), finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('pending', 'in_progress')`,
			f.Message, at.UnixNano(), at.UnixNano(), f.TaskID)
		if err != nil {
			return 0, fmt.Errorf("mark task failed: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark failed: %w", err)
	}
	return total, nil
}

// Abort moves a non-terminal task to Aborted once.
func (s *TaskStore) Abort(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = 'aborted', finished_at = ?, updated_at = ?
		WHERE id = ? AND finished_at IS NULL AND status IN ('pending', 'in_progress')`,
		at.UnixNano(), at.UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("abort task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Delete removes a task row. Related tasks are left untouched.
func (s *TaskStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// AggregateChild folds a terminal child's items into its parent inside one
// transaction.
func (s *TaskStore) AggregateChild(
	ctx context.Context,
	parentID, childID int64,
	items []json.RawMessage,
	at time.Time,
) (tasks.AggregateOutcome, error) {
	var out tasks.AggregateOutcome
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin aggregate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET aggregated_at = ?
		WHERE id = ? AND aggregated_at IS NULL AND status IN ('completed', 'failed', 'aborted')`,
		at.UnixNano(), childID)
	if err != nil {
		return out, fmt.Errorf("mark child aggregated: %w", err)
	}
	if n, err := rowsAffected(res); err != nil || n == 0 {
		return out, err
	}

	// json_insert applies its path/value pairs left to right, so each '$[#]'
	// appends after the previous item.
	expr := "COALESCE(result, '[]')"
	args := make([]any, 0, len(items)+4)
	if len(items) > 0 {
		expr = "json_insert(" + expr + strings.Repeat(", '$[#]', json(?)", len(items)) + ")"
		for _, item := range items {
			args = append(args, string(item))
		}
	}
	args = append(args, len(items), at.UnixNano(), parentID)
	res, err = tx.ExecContext(ctx, `UPDATE tasks SET result = `+expr+`,
		result_count = result_count + ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')`, args...)
	if err != nil {
		return out, fmt.Errorf("append parent result: %w", err)
	}
	if n, err := rowsAffected(res); err != nil || n == 0 {
		return out, err
	}
	out.Appended = true

	err = tx.QueryRowContext(ctx, `SELECT count(*),
		count(*) FILTER (WHERE status IN ('completed', 'failed', 'aborted') AND aggregated_at IS NOT NULL)
		FROM tasks WHERE parent_task_id = ?`, parentID).Scan(&out.Children, &out.Settled)
	if err != nil {
		return tasks.AggregateOutcome{}, fmt.Errorf("count children: %w", err)
	}
	if out.Children == out.Settled {
		res, err = tx.ExecContext(ctx, `UPDATE tasks SET status = 'completed', finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('pending', 'in_progress')`, at.UnixNano(), at.UnixNano(), parentID)
		if err != nil {
			return tasks.AggregateOutcome{}, fmt.Errorf("complete parent: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return tasks.AggregateOutcome{}, err
		}
		out.Completed = n == 1
	}
	if err := tx.Commit(); err != nil {
		return tasks.AggregateOutcome{}, fmt.Errorf("commit aggregate: %w", err)
	}
	return out, nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var list []tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return list, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (tasks.Task, error) {
	var (
		t          tasks.Task
		status     string
		parent     sql.NullInt64
		data       sql.NullString
		meta       sql.NullString
		result     sql.NullString
		started    sql.NullInt64
		finished   sql.NullInt64
		aggregated sql.NullInt64
		created    int64
		updated    int64
	)
	err := row.Scan(&t.ID, &status, &t.SortID, &t.ScraperName, &t.IsSync, &parent,
		&data, &meta, &t.CachedKey, &result, &t.ResultCount,
		&started, &finished, &aggregated, &created, &updated)
	if err != nil {
		return tasks.Task{}, err
	}
	t.Status = tasks.Status(status)
	if parent.Valid {
		p := parent.Int64
		t.ParentTaskID = &p
	}
	t.Data = rawOrNil(data)
	t.Metadata = rawOrNil(meta)
	t.Result = rawOrNil(result)
	t.StartedAt = timeOrNil(started)
	t.FinishedAt = timeOrNil(finished)
	t.AggregatedAt = timeOrNil(aggregated)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return t, nil
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func parentIDs(newTasks []tasks.NewTask) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, nt := range newTasks {
		if nt.ParentTaskID == nil {
			continue
		}
		if _, ok := seen[*nt.ParentTaskID]; ok {
			continue
		}
		seen[*nt.ParentTaskID] = struct{}{}
		ids = append(ids, *nt.ParentTaskID)
	}
	return ids
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
