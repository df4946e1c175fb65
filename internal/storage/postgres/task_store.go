// Package postgres provides the Postgres-backed task store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const taskColumns = `id, status, sort_id, scraper_name, is_sync, parent_task_id, data, metadata,
	cached_key, result, result_count, started_at, finished_at, aggregated_at, created_at, updated_at`

// Config controls the Postgres connection pool used for task rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// TaskStore persists tasks in Postgres.
type TaskStore struct {
	pool  Pool
	table string
}

// NewPool opens a pgxpool using the provided config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// NewTaskStore constructs a store over an existing pool. The store owns the
// pool and closes it in Close.
func NewTaskStore(pool Pool, table string) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TaskStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the task table and its indexes when missing.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	sort_id BIGINT NOT NULL,
	scraper_name TEXT NOT NULL,
	is_sync BOOLEAN NOT NULL DEFAULT FALSE,
	parent_task_id BIGINT,
	data JSONB,
	metadata JSONB,
	cached_key TEXT NOT NULL DEFAULT '',
	result JSONB,
	result_count INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	aggregated_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_sort_idx ON %[1]s (sort_id DESC, is_sync DESC)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_cached_key_idx ON %[1]s (cached_key) WHERE cached_key <> ''`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_parent_idx ON %[1]s (parent_task_id) WHERE parent_task_id IS NOT NULL`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

// CreateTasks inserts the tasks in one transaction.
func (s *TaskStore) CreateTasks(ctx context.Context, newTasks []tasks.NewTask) ([]tasks.Task, error) {
	if len(newTasks) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create tasks: %w", err)
	}
	if err := s.checkParents(ctx, tx, newTasks); err != nil {
		rollback(ctx, tx)
		return nil, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (status, sort_id, scraper_name, is_sync, parent_task_id, data, metadata, cached_key, created_at, updated_at)
VALUES ('pending', $1, $2, $3, $4, $5, $6, $7, $8, $8)
RETURNING id`, s.table)
	out := make([]tasks.Task, 0, len(newTasks))
	for _, nt := range newTasks {
		var id int64
		err := tx.QueryRow(ctx, query,
			nt.SortID,
			nt.ScraperName,
			nt.IsSync,
			nt.ParentTaskID,
			jsonArg(nt.Data),
			jsonArg(nt.Metadata),
			nt.CachedKey,
			nt.CreatedAt,
		).Scan(&id)
		if err != nil {
			rollback(ctx, tx)
			return nil, fmt.Errorf("insert task: %w", err)
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
			CreatedAt:    nt.CreatedAt,
			UpdatedAt:    nt.CreatedAt,
		})
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create tasks: %w", err)
	}
	return out, nil
}

func (s *TaskStore) checkParents(ctx context.Context, tx pgx.Tx, newTasks []tasks.NewTask) error {
	parents := parentIDs(newTasks)
	if len(parents) == 0 {
		return nil
	}
	var found int
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE id = ANY($1)`, s.table)
	if err := tx.QueryRow(ctx, query, parents).Scan(&found); err != nil {
		return fmt.Errorf("check parent tasks: %w", err)
	}
	if found != len(parents) {
		return fmt.Errorf("%w: %v", tasks.ErrParentNotFound, parents)
	}
	return nil
}

// FindByCachedKeys returns pending or completed tasks keyed by fingerprint.
func (s *TaskStore) FindByCachedKeys(ctx context.Context, keys []string) (map[string]tasks.Task, error) {
	found := make(map[string]tasks.Task)
	if len(keys) == 0 {
		return found, nil
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE cached_key = ANY($1) AND status IN ('pending', 'completed')
ORDER BY id DESC`, taskColumns, s.table)
	list, err := s.queryTasks(ctx, query, keys)
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
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, taskColumns, s.table)
	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE id = ANY($1)
ORDER BY sort_id DESC, is_sync DESC`, taskColumns, s.table)
	list, err := s.queryTasks(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	return list, nil
}

// ListTasks returns one page ordered by sort_id desc.
func (s *TaskStore) ListTasks(ctx context.Context, opts tasks.ListOptions) (tasks.TaskPage, error) {
	var page tasks.TaskPage
	countQuery := fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)
	if err := s.pool.QueryRow(ctx, countQuery).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count tasks: %w", err)
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
ORDER BY sort_id DESC, id DESC
LIMIT $1 OFFSET $2`, taskColumns, s.table)
	// NULL is LIMIT ALL.
	var limit any
	if opts.PerPage > 0 {
		limit = opts.PerPage
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
	if parentIDs == nil {
		parentIDs = []int64{}
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = 'in_progress', started_at = $3, updated_at = $3
WHERE (id = ANY($1) AND status IN ('pending', 'in_progress'))
   OR (id = ANY($2) AND status = 'pending' AND started_at IS NULL)`, s.table)
	tag, err := s.pool.Exec(ctx, query, ids, parentIDs, at)
	if err != nil {
		return 0, fmt.Errorf("claim tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkCompleted records a successful result if the task is still InProgress.
func (s *TaskStore) MarkCompleted(
	ctx context.Context,
	id int64,
	result json.RawMessage,
	count int,
	at time.Time,
) (bool, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'completed', result = $2, result_count = $3, finished_at = $4, updated_at = $4
WHERE id = $1 AND status = 'in_progress'`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, jsonArg(result), count, at)
	if err != nil {
		return false, fmt.Errorf("mark task completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed records failures for tasks that are not yet terminal.
func (s *TaskStore) MarkFailed(ctx context.Context, failures []tasks.Failure, at time.Time) (int64, error) {
	if len(failures) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(failures))
	messages := make([]string, len(failures))
	for i, f := range failures {
		ids[i] = f.TaskID
		messages[i] = f.Message
	}
	query := fmt.Sprintf(`
UPDATE %s AS t SET status = 'failed', result = jsonb_build_object('error', f.message),
	finished_at = $1, updated_at = $1
FROM unnest($2::bigint[], $3::text[]) AS f(id, message)
WHERE t.id = f.id AND t.status IN ('pending', 'in_progress')`, s.table)
	tag, err := s.pool.Exec(ctx, query, at, ids, messages)
	if err != nil {
		return 0, fmt.Errorf("mark tasks failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Abort moves a non-terminal task to Aborted once.
func (s *TaskStore) Abort(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'aborted', finished_at = $2, updated_at = $2
WHERE id = $1 AND finished_at IS NULL AND status IN ('pending', 'in_progress')`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("abort task: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Delete removes a task row. Related tasks are left untouched.
func (s *TaskStore) Delete(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AggregateChild folds a terminal child's items into its parent. The parent
// row lock taken by the append serializes concurrent children, so exactly
// one of them observes every sibling settled.
func (s *TaskStore) AggregateChild(
	ctx context.Context,
	parentID, childID int64,
	items []json.RawMessage,
	at time.Time,
) (tasks.AggregateOutcome, error) {
	var out tasks.AggregateOutcome
	if items == nil {
		items = []json.RawMessage{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return out, fmt.Errorf("encode child items: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("begin aggregate: %w", err)
	}

	markChild := fmt.Sprintf(`
UPDATE %s SET aggregated_at = $2
WHERE id = $1 AND aggregated_at IS NULL AND status IN ('completed', 'failed', 'aborted')`, s.table)
	tag, err := tx.Exec(ctx, markChild, childID, at)
	if err != nil {
		rollback(ctx, tx)
		return out, fmt.Errorf("mark child aggregated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		rollback(ctx, tx)
		return out, nil
	}

	appendParent := fmt.Sprintf(`
UPDATE %s SET result = COALESCE(result, '[]'::jsonb) || $2::jsonb,
	result_count = result_count + $3, updated_at = $4
WHERE id = $1 AND status IN ('pending', 'in_progress')`, s.table)
	tag, err = tx.Exec(ctx, appendParent, parentID, payload, len(items), at)
	if err != nil {
		rollback(ctx, tx)
		return out, fmt.Errorf("append parent result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		rollback(ctx, tx)
		return out, nil
	}
	out.Appended = true

	countChildren := fmt.Sprintf(`
SELECT count(*),
	count(*) FILTER (WHERE status IN ('completed', 'failed', 'aborted') AND aggregated_at IS NOT NULL)
FROM %s WHERE parent_task_id = $1`, s.table)
	if err := tx.QueryRow(ctx, countChildren, parentID).Scan(&out.Children, &out.Settled); err != nil {
		rollback(ctx, tx)
		return tasks.AggregateOutcome{}, fmt.Errorf("count children: %w", err)
	}

	if out.Children == out.Settled {
		completeParent := fmt.Sprintf(`
UPDATE %s SET status = 'completed', finished_at = $2, updated_at = $2
WHERE id = $1 AND status IN ('pending', 'in_progress')`, s.table)
		tag, err = tx.Exec(ctx, completeParent, parentID, at)
		if err != nil {
			rollback(ctx, tx)
			return tasks.AggregateOutcome{}, fmt.Errorf("complete parent: %w", err)
		}
		out.Completed = tag.RowsAffected() == 1
	}
	if err := tx.Commit(ctx); err != nil {
		return tasks.AggregateOutcome{}, fmt.Errorf("commit aggregate: %w", err)
	}
	return out, nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]tasks.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
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
		t      tasks.Task
		status string
		data   []byte
		meta   []byte
		result []byte
	)
	err := row.Scan(
		&t.ID,
		&status,
		&t.SortID,
		&t.ScraperName,
		&t.IsSync,
		&t.ParentTaskID,
		&data,
		&meta,
		&t.CachedKey,
		&result,
		&t.ResultCount,
		&t.StartedAt,
		&t.FinishedAt,
		&t.AggregatedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return tasks.Task{}, err
	}
	t.Status = tasks.Status(status)
	t.Data = rawOrNil(data)
	t.Metadata = rawOrNil(meta)
	t.Result = rawOrNil(result)
	return t, nil
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
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

func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
