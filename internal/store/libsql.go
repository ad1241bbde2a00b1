package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/taskflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
// Entities are stored as JSON documents next to the columns used for filtering.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes read-modify-write transactions.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, version, name, document, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id, version) DO UPDATE SET name=excluded.name, document=excluded.document`,
		def.ID, def.Version, nullStr(def.Name), string(doc), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM definitions WHERE id = ? ORDER BY version DESC LIMIT 1`, id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("definition", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc[schema.WorkflowDefinition](doc, "definition")
}

func (s *LibSQLStore) GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM definitions WHERE id = ? AND version = ?`, id, version,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("definition", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc[schema.WorkflowDefinition](doc, "definition")
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.document FROM definitions d
		 WHERE d.version = (SELECT MAX(version) FROM definitions WHERE id = d.id)
		 ORDER BY d.id`)
	if err != nil {
		return nil, err
	}
	return scanDocs[schema.WorkflowDefinition](rows, "definition")
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, definition_id, definition_version, status, document, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, string(inst.Status), string(doc),
		timeOrNow(inst.StartedAt), timeOrNow(inst.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM instances WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc[schema.WorkflowInstance](doc, "instance")
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, mutate func(*schema.WorkflowInstance) error) (*schema.WorkflowInstance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin instance update: %w", err)
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT document FROM instances WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	inst, err := decodeDoc[schema.WorkflowInstance](doc, "instance")
	if err != nil {
		return nil, err
	}
	if err := mutate(inst); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("marshal instance: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET status = ?, document = ?, updated_at = ? WHERE id = ?`,
		string(inst.Status), string(updated), timeOrNow(inst.UpdatedAt), id,
	)
	if err != nil {
		return nil, err
	}
	if err := checkRowsAffected(res, "instance", id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit instance update: %w", err)
	}
	return inst, nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error) {
	query := `SELECT document FROM instances WHERE 1=1`
	var args []any

	if filter.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY started_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanDocs[schema.WorkflowInstance](rows, "instance")
}

func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *schema.NodeExecution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal node execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_executions (id, instance_id, node_id, status, document, started_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM node_executions WHERE instance_id = ?))
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, document=excluded.document`,
		exec.ID, exec.InstanceID, exec.NodeID, string(exec.Status), string(doc),
		timeOrNow(exec.StartedAt), exec.InstanceID,
	)
	return err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, instanceID string) ([]*schema.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM node_executions WHERE instance_id = ? ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	return scanDocs[schema.NodeExecution](rows, "node execution")
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *schema.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, priority, assignee, instance_id, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Status), string(task.Priority), nullStr(task.Assignee), nullStr(task.InstanceID),
		string(doc), timeOrNow(task.CreatedAt), timeOrNow(task.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", task.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM tasks WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc[schema.Task](doc, "task")
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, mutate func(*schema.Task) error) (*schema.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin task update: %w", err)
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT document FROM tasks WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	task, err := decodeDoc[schema.Task](doc, "task")
	if err != nil {
		return nil, err
	}
	if err := mutate(task); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, priority = ?, assignee = ?, document = ?, updated_at = ? WHERE id = ?`,
		string(task.Status), string(task.Priority), nullStr(task.Assignee), string(updated), timeOrNow(task.UpdatedAt), id,
	)
	if err != nil {
		return nil, err
	}
	if err := checkRowsAffected(res, "task", id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task update: %w", err)
	}
	return task, nil
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	query := `SELECT document FROM tasks WHERE 1=1`
	var args []any

	if filter.Assignee != "" {
		query += ` AND assignee = ?`
		args = append(args, filter.Assignee)
	}
	if filter.InstanceID != "" {
		query += ` AND instance_id = ?`
		args = append(args, filter.InstanceID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanDocs[schema.Task](rows, "task")
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	vars, err := marshalMapOrDefault(job.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, definition_id, cron_expression, variables, initiator, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.DefinitionID, job.CronExpression, string(vars), nullStr(job.Initiator),
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus),
		timeOrNow(job.CreatedAt),
	)
	return err
}

const jobColumns = `id, definition_id, cron_expression, variables, initiator, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	sets := []string{}
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		_, err := s.GetScheduledJob(ctx, id)
		return err
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE 1=1`
	var args []any
	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, *filter.Enabled)
	}
	if filter.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, filter.DefinitionID)
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		vars                  string
		initiator, lastStatus sql.NullString
		lastRunAt, nextRunAt  sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.DefinitionID, &job.CronExpression, &vars, &initiator,
		&job.Enabled, &lastRunAt, &nextRunAt, &lastStatus, &job.CreatedAt); err != nil {
		return nil, err
	}
	if vars != "" && vars != "{}" {
		if err := json.Unmarshal([]byte(vars), &job.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal job variables: %w", err)
		}
	}
	job.Initiator = initiator.String
	job.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		job.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		job.NextRunAt = &nextRunAt.Time
	}
	return job, nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func decodeDoc[T any](doc, resource string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode %s: %s", resource, err.Error()).WithCause(err)
	}
	return &v, nil
}

func scanDocs[T any](rows *sql.Rows, resource string) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		v, err := decodeDoc[T](doc, resource)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
