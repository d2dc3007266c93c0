package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tasksTable    = "locus_tasks"
	sprintsTable  = "locus_sprints"
	commentsTable = "locus_task_comments"

	taskColumns = `id, workspace_id, sprint_id, title, description, acceptance_criteria, status,
		priority, tier, assigned_to, locked_by, lock_expires_at, created_at, updated_at`
	sprintColumns = `id, workspace_id, name, status, mindmap, mindmap_updated_at, created_at`

	// priorityRank mirrors Priority.Rank.
	priorityRank = `CASE priority
		WHEN 'CRITICAL' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 WHEN 'LOW' THEN 3 ELSE 4 END`
)

// PostgresStore is a Store on Postgres. Dispatch is a single
// UPDATE ... WHERE id = (SELECT ... FOR UPDATE SKIP LOCKED) statement.
type PostgresStore struct {
	pool  *pgxpool.Pool
	lease time.Duration
	now   func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps pool. A zero leaseDuration uses DefaultLeaseDuration.
func NewPostgresStore(pool *pgxpool.Pool, leaseDuration time.Duration) *PostgresStore {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	return &PostgresStore{
		pool:  pool,
		lease: leaseDuration,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables and indices if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + sprintsTable + ` (
    id                 TEXT PRIMARY KEY,
    workspace_id       TEXT NOT NULL,
    name               TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'ACTIVE',
    mindmap            TEXT NOT NULL DEFAULT '',
    mindmap_updated_at TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    id                  TEXT PRIMARY KEY,
    workspace_id        TEXT NOT NULL,
    sprint_id           TEXT NOT NULL DEFAULT '',
    title               TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    acceptance_criteria TEXT[] NOT NULL DEFAULT '{}',
    status              TEXT NOT NULL DEFAULT 'BACKLOG',
    priority            TEXT NOT NULL DEFAULT '',
    tier                INTEGER,
    assigned_to         TEXT,
    locked_by           TEXT,
    lock_expires_at     TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_locus_tasks_claim
    ON ` + tasksTable + ` (workspace_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_locus_tasks_sprint
    ON ` + tasksTable + ` (sprint_id)`,
		`CREATE TABLE IF NOT EXISTS ` + commentsTable + ` (
    id         TEXT PRIMARY KEY,
    task_id    TEXT NOT NULL REFERENCES ` + tasksTable + `(id) ON DELETE CASCADE,
    author     TEXT NOT NULL,
    text       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_locus_task_comments_task
    ON ` + commentsTable + ` (task_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

// CreateSprint inserts a sprint.
func (s *PostgresStore) CreateSprint(ctx context.Context, sp Sprint) error {
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	if sp.Status == "" {
		sp.Status = SprintActive
	}
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+sprintsTable+` (id, workspace_id, name, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		sp.ID, sp.WorkspaceID, sp.Name, string(sp.Status), sp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create sprint %s: %w", sp.ID, err)
	}
	return nil
}

// CreateTask inserts a task.
func (s *PostgresStore) CreateTask(ctx context.Context, t Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusBacklog
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.AcceptanceCriteria == nil {
		t.AcceptanceCriteria = []string{}
	}
	t.UpdatedAt = t.CreatedAt
	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+tasksTable+` (id, workspace_id, sprint_id, title, description, acceptance_criteria,
			status, priority, tier, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 RETURNING `+taskColumns,
		t.ID, t.WorkspaceID, t.SprintID, t.Title, t.Description, t.AcceptanceCriteria,
		string(t.Status), string(t.Priority), t.Tier, t.CreatedAt,
	)
	created, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return created, nil
}

func (s *PostgresStore) Dispatch(ctx context.Context, workspaceID, agentID, sprintID string) (*Task, error) {
	return s.dispatch(ctx, workspaceID, agentID, sprintID, nil)
}

func (s *PostgresStore) DispatchTier(ctx context.Context, workspaceID, agentID, sprintID string, tier int) (*Task, error) {
	return s.dispatch(ctx, workspaceID, agentID, sprintID, &tier)
}

func (s *PostgresStore) dispatch(ctx context.Context, workspaceID, agentID, sprintID string, tier *int) (*Task, error) {
	// Lease times come from the database clock so orchestrators sharing
	// the database agree on expiry.
	row := s.pool.QueryRow(ctx,
		`UPDATE `+tasksTable+` SET
			assigned_to = $1, locked_by = $1,
			lock_expires_at = now() + make_interval(secs => $2), updated_at = now()
		WHERE id = (
			SELECT id FROM `+tasksTable+`
			WHERE workspace_id = $3
			  AND ($4::text = '' OR sprint_id = $4)
			  AND ($5::int IS NULL OR tier = $5)
			  AND status = 'BACKLOG'
			  AND (locked_by IS NULL OR lock_expires_at IS NULL OR lock_expires_at < now())
			ORDER BY `+priorityRank+`, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+taskColumns,
		agentID, s.lease.Seconds(), workspaceID, sprintID, tier,
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if task.Comments, err = s.comments(ctx, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *PostgresStore) Renew(ctx context.Context, taskID, agentID string) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE `+tasksTable+` SET
			lock_expires_at = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = $1 AND locked_by = $2 AND status = 'BACKLOG'
		RETURNING `+taskColumns,
		taskID, agentID, s.lease.Seconds(),
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("task %s: %w", taskID, ErrLeaseLost)
	}
	if err != nil {
		return nil, fmt.Errorf("renew %s: %w", taskID, err)
	}
	if task.Comments, err = s.comments(ctx, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *PostgresStore) Update(ctx context.Context, taskID string, u Update) (*Task, error) {
	if u.Status != "" && !u.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", u.Status)
	}
	var assign, clearAssign bool
	var assignee string
	if u.AssignedTo != nil {
		assign = true
		assignee = *u.AssignedTo
		clearAssign = assignee == ""
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE `+tasksTable+` SET
			status          = CASE WHEN $2::text = '' THEN status ELSE $2::text END,
			locked_by       = CASE WHEN $2::text = '' THEN locked_by ELSE NULL END,
			lock_expires_at = CASE WHEN $2::text = '' THEN lock_expires_at ELSE NULL END,
			assigned_to     = CASE WHEN NOT $3::bool THEN assigned_to WHEN $4::bool THEN NULL ELSE $5::text END,
			updated_at      = $6
		WHERE id = $1
		RETURNING `+taskColumns,
		taskID, string(u.Status), assign, clearAssign, assignee, s.now(),
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", taskID, err)
	}
	return task, nil
}

func (s *PostgresStore) AddComment(ctx context.Context, taskID string, c NewComment) (*Comment, error) {
	comment := Comment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Author:    c.Author,
		Text:      c.Text,
		CreatedAt: s.now(),
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+commentsTable+` (id, task_id, author, text, created_at)
		 SELECT $1, id, $3, $4, $5 FROM `+tasksTable+` WHERE id = $2`,
		comment.ID, taskID, comment.Author, comment.Text, comment.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("add comment to %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return &comment, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM `+tasksTable+` WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if task.Comments, err = s.comments(ctx, taskID); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, sprintID string) ([]Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM `+tasksTable+`
		 WHERE ($1::text = '' OR sprint_id = $1)
		 ORDER BY created_at ASC, id ASC`,
		sprintID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) ActiveSprint(ctx context.Context, workspaceID string) (*Sprint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sprintColumns+` FROM `+sprintsTable+`
		 WHERE workspace_id = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`,
		workspaceID, string(SprintActive),
	)
	return s.sprintWithTasks(ctx, row, "active sprint for workspace "+workspaceID)
}

func (s *PostgresStore) GetSprint(ctx context.Context, sprintID string) (*Sprint, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sprintColumns+` FROM `+sprintsTable+` WHERE id = $1`, sprintID)
	return s.sprintWithTasks(ctx, row, "sprint "+sprintID)
}

func (s *PostgresStore) sprintWithTasks(ctx context.Context, row pgx.Row, what string) (*Sprint, error) {
	var sp Sprint
	var status string
	err := row.Scan(&sp.ID, &sp.WorkspaceID, &sp.Name, &status, &sp.Mindmap, &sp.MindmapUpdatedAt, &sp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	sp.Status = SprintStatus(status)
	if sp.Tasks, err = s.ListTasks(ctx, sp.ID); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (s *PostgresStore) SaveMindmap(ctx context.Context, sprintID, mindmap string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+sprintsTable+` SET mindmap = $2, mindmap_updated_at = $3 WHERE id = $1`,
		sprintID, mindmap, s.now(),
	)
	if err != nil {
		return fmt.Errorf("save mindmap for %s: %w", sprintID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sprint %s: %w", sprintID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) comments(ctx context.Context, taskID string) ([]Comment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, author, text, created_at FROM `+commentsTable+`
		 WHERE task_id = $1 ORDER BY created_at ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list comments for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Text, &c.CreatedAt); err != nil {
			return out, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t                    Task
		status, priority     string
		tier                 *int32
		assignedTo, lockedBy *string
	)
	if err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.SprintID, &t.Title, &t.Description, &t.AcceptanceCriteria,
		&status, &priority, &tier, &assignedTo, &lockedBy, &t.LockExpiresAt,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Priority = Priority(priority)
	if tier != nil {
		n := int(*tier)
		t.Tier = &n
	}
	if assignedTo != nil {
		t.AssignedTo = *assignedTo
	}
	if lockedBy != nil {
		t.LockedBy = *lockedBy
	}
	return &t, nil
}
