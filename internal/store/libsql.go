package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentrt/internal/scheduler"
	"github.com/rendis/agentrt/pkg/schema"
)

// LibSQLStore implements Persister using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/agent.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (used by the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum reclaims space left by deleted tasks and evicted events.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Tasks ---

// SaveTask upserts a task snapshot. Values that cannot be encoded are
// replaced by placeholders first.
func (s *LibSQLStore) SaveTask(ctx context.Context, rec *TaskRecord) error {
	metadata, err := marshalMapOrDefault(SanitizeMap(rec.Metadata))
	if err != nil {
		return storeError("marshal metadata", rec.ID, err)
	}
	state, err := marshalMapOrDefault(SanitizeMap(rec.State))
	if err != nil {
		return storeError("marshal state", rec.ID, err)
	}
	checkpoints, err := json.Marshal(sanitizeCheckpoints(rec))
	if err != nil {
		return storeError("marshal checkpoint_nodes", rec.ID, err)
	}
	var sched any
	if rec.Schedule != nil {
		b, err := json.Marshal(rec.Schedule)
		if err != nil {
			return storeError("marshal schedule", rec.ID, err)
		}
		sched = string(b)
	}
	rec.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, agent_id, run_id, session_id, name, description, skill, status, metadata, state, resume_from, trigger_kind, schedule, checkpoint_nodes, priority, last_run_datetime, already_run_flag, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   agent_id=excluded.agent_id, run_id=excluded.run_id, session_id=excluded.session_id,
		   name=excluded.name, description=excluded.description, skill=excluded.skill,
		   status=excluded.status, metadata=excluded.metadata, state=excluded.state,
		   resume_from=excluded.resume_from, trigger_kind=excluded.trigger_kind, schedule=excluded.schedule,
		   checkpoint_nodes=excluded.checkpoint_nodes, priority=excluded.priority,
		   last_run_datetime=excluded.last_run_datetime, already_run_flag=excluded.already_run_flag,
		   updated_at=excluded.updated_at`,
		rec.ID, rec.AgentID, rec.RunID, nullStr(rec.SessionID), rec.Name, nullStr(rec.Description), rec.Skill,
		string(rec.Status), string(metadata), string(state), nullStr(rec.ResumeFrom), rec.Trigger, sched,
		string(checkpoints), rec.Priority, nullTime(rec.LastRunAt), boolInt(rec.AlreadyRun), rec.UpdatedAt,
	)
	if err != nil {
		return storeError("save task", rec.ID, err)
	}
	return nil
}

const taskColumns = `id, agent_id, run_id, session_id, name, description, skill, status, metadata, state, resume_from, trigger_kind, schedule, checkpoint_nodes, priority, last_run_datetime, already_run_flag, updated_at`

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return rec, err
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var where []string
	var args []any
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "task", id); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*TaskRecord, error) {
	rec := &TaskRecord{}
	var (
		sessionID, description, resumeFrom, sched sql.NullString
		status, metadata, state, checkpoints      string
		lastRun                                   sql.NullTime
		alreadyRun                                int
	)
	if err := row.Scan(&rec.ID, &rec.AgentID, &rec.RunID, &sessionID, &rec.Name, &description, &rec.Skill,
		&status, &metadata, &state, &resumeFrom, &rec.Trigger, &sched, &checkpoints, &rec.Priority,
		&lastRun, &alreadyRun, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.SessionID = sessionID.String
	rec.Description = description.String
	rec.ResumeFrom = resumeFrom.String
	rec.Status = schema.TaskState(status)
	rec.AlreadyRun = alreadyRun != 0
	if lastRun.Valid {
		t := lastRun.Time
		rec.LastRunAt = &t
	}
	if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal task metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &rec.State); err != nil {
		return nil, fmt.Errorf("unmarshal task state: %w", err)
	}
	if err := json.Unmarshal([]byte(checkpoints), &rec.CheckpointNodes); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint_nodes: %w", err)
	}
	if sched.Valid && sched.String != "" {
		rec.Schedule = &scheduler.Schedule{}
		if err := json.Unmarshal([]byte(sched.String), rec.Schedule); err != nil {
			return nil, fmt.Errorf("unmarshal schedule: %w", err)
		}
	}
	return rec, nil
}

// --- Events ---

// AppendEvent appends through the event log so sequences stay monotone.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return NewEventLog(s).AppendEvent(ctx, event)
}

// Replay folds a task's history into its last known status.
func (s *LibSQLStore) Replay(ctx context.Context, taskID string) (*Replayed, error) {
	return NewEventLog(s).Replay(ctx, taskID)
}

// GetEvents returns events for a task with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, taskID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, run_id, event_type, payload, timestamp, sequence
		 FROM task_events WHERE task_id = ? AND sequence > ? ORDER BY sequence ASC`, taskID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var runID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &runID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.RunID = runID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RuntimeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op, id string, err error) *schema.RuntimeError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err).WithTask(id).WithCause(err)
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

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
