package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/task/models"
)

// SQLiteRepository is the durable Store backed by SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if absent) a SQLite-backed Store at
// dbPath and initializes its schema.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, apperrors.Database("open", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Database("init_schema", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL,
		current_turn TEXT NOT NULL,
		priority TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		estimated_duration INTEGER,
		actual_duration INTEGER,
		project_path TEXT,
		ssh_host TEXT,
		ssh_user TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		last_error TEXT,
		ai_contexts TEXT DEFAULT '{}',
		created_by TEXT DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		related_file TEXT,
		created_at DATETIME NOT NULL,
		creator_id TEXT DEFAULT '',
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_deleted ON tasks(deleted);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// CreateTask inserts a new task row.
func (r *SQLiteRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.AIContexts == nil {
		task.AIContexts = make(map[string]models.AgentContext)
	}

	aiContexts, err := json.Marshal(task.AIContexts)
	if err != nil {
		aiContexts = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, title, description, status, current_turn, priority, progress,
			created_at, updated_at, started_at, completed_at, estimated_duration, actual_duration,
			project_path, ssh_host, ssh_user, retry_count, max_retries, last_error,
			ai_contexts, created_by, deleted, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)
	`,
		task.ID, task.Title, task.Description, task.Status, task.CurrentTurn, task.Priority, task.Progress,
		task.CreatedAt, task.UpdatedAt, task.StartedAt, task.CompletedAt, task.EstimatedSeconds, task.ActualSeconds,
		task.ProjectPath, task.SSHHost, task.SSHUser, task.RetryCount, task.MaxRetries, task.LastError,
		string(aiContexts), task.CreatedBy,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return apperrors.Duplicate("task", "id")
		}
		return apperrors.Database("create_task", err)
	}
	return nil
}

// GetTask reads a task row, optionally joined with its messages.
func (r *SQLiteRepository) GetTask(ctx context.Context, id string, includeMessages bool) (*models.Task, []*models.Message, error) {
	task, err := r.scanOneTask(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return nil, nil, err
	}

	var msgs []*models.Message
	if includeMessages {
		msgs, err = r.ListMessages(ctx, id)
		if err != nil {
			return nil, nil, err
		}
	}
	return task, msgs, nil
}

const taskColumns = `id, title, description, status, current_turn, priority, progress,
	created_at, updated_at, started_at, completed_at, estimated_duration, actual_duration,
	project_path, ssh_host, ssh_user, retry_count, max_retries, last_error,
	ai_contexts, created_by, deleted, deleted_at`

func (r *SQLiteRepository) scanOneTask(ctx context.Context, query string, args ...interface{}) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	task, aiContexts, err := scanTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		id := ""
		if len(args) > 0 {
			id, _ = args[0].(string)
		}
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, apperrors.Database("get_task", err)
	}
	_ = json.Unmarshal([]byte(aiContexts), &task.AIContexts)
	return task, nil
}

// scanTaskRow scans a task row via a caller-supplied Scan function, so the
// same column layout serves both QueryRow and Query result sets.
func scanTaskRow(scan func(dest ...interface{}) error) (*models.Task, string, error) {
	task := &models.Task{}
	var aiContexts string
	var deletedInt int
	err := scan(
		&task.ID, &task.Title, &task.Description, &task.Status, &task.CurrentTurn, &task.Priority, &task.Progress,
		&task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.CompletedAt, &task.EstimatedSeconds, &task.ActualSeconds,
		&task.ProjectPath, &task.SSHHost, &task.SSHUser, &task.RetryCount, &task.MaxRetries, &task.LastError,
		&aiContexts, &task.CreatedBy, &deletedInt, &task.DeletedAt,
	)
	task.Deleted = deletedInt != 0
	return task, aiContexts, err
}

// ListTasks applies filter, skip, and limit via a dynamically built WHERE clause.
func (r *SQLiteRepository) ListTasks(ctx context.Context, filter ListFilter, skip, limit int) (*Page, error) {
	where, args := buildTaskWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM tasks WHERE ` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, apperrors.Database("count_tasks", err)
	}

	if limit <= 0 {
		limit = total
		if limit == 0 {
			limit = 1
		}
	}
	if skip < 0 {
		skip = 0
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, skip)...)
	if err != nil {
		return nil, apperrors.Database("list_tasks", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, aiContexts, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, apperrors.Database("list_tasks", err)
		}
		_ = json.Unmarshal([]byte(aiContexts), &task.AIContexts)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Database("list_tasks", err)
	}

	end := skip + len(tasks)
	return &Page{
		Tasks:   tasks,
		Total:   total,
		Skip:    skip,
		Limit:   limit,
		HasNext: end < total,
		HasPrev: skip > 0,
	}, nil
}

func buildTaskWhere(f ListFilter) (string, []interface{}) {
	clauses := []string{"deleted = 0"}
	var args []interface{}

	if f.Search != "" {
		clauses = append(clauses, "(LOWER(title) LIKE ? OR LOWER(description) LIKE ?)")
		q := "%" + strings.ToLower(f.Search) + "%"
		args = append(args, q, q)
	}
	if f.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, *f.Status)
	}
	if f.Priority != nil {
		clauses = append(clauses, "priority = ?")
		args = append(args, *f.Priority)
	}
	if f.CurrentTurn != nil {
		clauses = append(clauses, "current_turn = ?")
		args = append(args, *f.CurrentTurn)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	if f.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, *f.CreatedBefore)
	}
	if f.IsRemoteSSH != nil {
		if *f.IsRemoteSSH {
			clauses = append(clauses, "ssh_host IS NOT NULL")
		} else {
			clauses = append(clauses, "ssh_host IS NULL")
		}
	}
	return strings.Join(clauses, " AND "), args
}

// UpdateTask loads the task, applies patch, and persists the full row back
// inside a single transaction so the patch observes a consistent snapshot.
func (r *SQLiteRepository) UpdateTask(ctx context.Context, id string, patch func(*models.Task) error) (*models.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Database("update_task", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND deleted = 0`, id)
	task, aiContexts, err := scanTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, apperrors.Database("update_task", err)
	}
	_ = json.Unmarshal([]byte(aiContexts), &task.AIContexts)

	if err := patch(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = time.Now().UTC()

	newAIContexts, err := json.Marshal(task.AIContexts)
	if err != nil {
		newAIContexts = []byte("{}")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, description = ?, status = ?, current_turn = ?, priority = ?, progress = ?,
			updated_at = ?, started_at = ?, completed_at = ?, estimated_duration = ?, actual_duration = ?,
			project_path = ?, ssh_host = ?, ssh_user = ?, retry_count = ?, max_retries = ?, last_error = ?,
			ai_contexts = ?, created_by = ?
		WHERE id = ?
	`,
		task.Title, task.Description, task.Status, task.CurrentTurn, task.Priority, task.Progress,
		task.UpdatedAt, task.StartedAt, task.CompletedAt, task.EstimatedSeconds, task.ActualSeconds,
		task.ProjectPath, task.SSHHost, task.SSHUser, task.RetryCount, task.MaxRetries, task.LastError,
		string(newAIContexts), task.CreatedBy, task.ID,
	)
	if err != nil {
		return nil, apperrors.Database("update_task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Database("update_task", err)
	}
	return task, nil
}

// SoftDeleteTask marks a task deleted; idempotent.
func (r *SQLiteRepository) SoftDeleteTask(ctx context.Context, id string, actor string) error {
	var deleted int
	err := r.db.QueryRowContext(ctx, `SELECT deleted FROM tasks WHERE id = ?`, id).Scan(&deleted)
	if err == sql.ErrNoRows {
		return apperrors.NotFound("task", id)
	}
	if err != nil {
		return apperrors.Database("soft_delete_task", err)
	}
	if deleted != 0 {
		return nil
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `UPDATE tasks SET deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return apperrors.Database("soft_delete_task", err)
	}
	return nil
}

// AppendMessage inserts a message, enforcing the foreign key against the
// owning (non-deleted) task.
func (r *SQLiteRepository) AppendMessage(ctx context.Context, taskID string, msg *models.Message) error {
	var deleted int
	err := r.db.QueryRowContext(ctx, `SELECT deleted FROM tasks WHERE id = ?`, taskID).Scan(&deleted)
	if err == sql.ErrNoRows || (err == nil && deleted != 0) {
		return apperrors.NotFound("task", taskID)
	}
	if err != nil {
		return apperrors.Database("append_message", err)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.TaskID = taskID

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, task_id, sender, content, related_file, created_at, creator_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.TaskID, msg.Sender, msg.Content, msg.RelatedFile, msg.CreatedAt, msg.CreatedBy)
	if err != nil {
		return apperrors.Database("append_message", err)
	}
	return nil
}

// ListMessages returns a task's messages ordered by creation time.
func (r *SQLiteRepository) ListMessages(ctx context.Context, taskID string) ([]*models.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_id, sender, content, related_file, created_at, creator_id
		FROM messages WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, apperrors.Database("list_messages", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.Sender, &msg.Content, &msg.RelatedFile, &msg.CreatedAt, &msg.CreatedBy); err != nil {
			return nil, apperrors.Database("list_messages", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
