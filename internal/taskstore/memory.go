package taskstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. The mutex makes Dispatch's
// select-and-lock atomic.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	sprints  map[string]*Sprint
	lease    time.Duration
	now      func() time.Time
	sequence int64
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithLeaseDuration sets the dispatch lease.
func WithLeaseDuration(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.lease = d
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		tasks:   make(map[string]*Task),
		sprints: make(map[string]*Sprint),
		lease:   DefaultLeaseDuration,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSprint adds a sprint. Tasks on s are ignored.
func (m *MemoryStore) CreateSprint(_ context.Context, s Sprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	if s.Status == "" {
		s.Status = SprintActive
	}
	s.Tasks = nil
	m.sprints[s.ID] = &s
	return nil
}

// CreateTask adds a task. Tasks created in the same instant keep their
// insertion order.
func (m *MemoryStore) CreateTask(_ context.Context, t Task) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := m.tasks[t.ID]; ok {
		return nil, fmt.Errorf("task %s already exists", t.ID)
	}
	if t.Status == "" {
		t.Status = StatusBacklog
	}
	if t.CreatedAt.IsZero() {
		m.sequence++
		t.CreatedAt = m.now().Add(time.Duration(m.sequence))
	}
	t.UpdatedAt = t.CreatedAt
	m.tasks[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (m *MemoryStore) Dispatch(_ context.Context, workspaceID, agentID, sprintID string) (*Task, error) {
	return m.dispatch(workspaceID, agentID, sprintID, nil)
}

func (m *MemoryStore) DispatchTier(_ context.Context, workspaceID, agentID, sprintID string, tier int) (*Task, error) {
	return m.dispatch(workspaceID, agentID, sprintID, &tier)
}

func (m *MemoryStore) dispatch(workspaceID, agentID, sprintID string, tier *int) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *Task
	for _, t := range m.tasks {
		if workspaceID != "" && t.WorkspaceID != workspaceID {
			continue
		}
		if sprintID != "" && t.SprintID != sprintID {
			continue
		}
		if tier != nil && (t.Tier == nil || *t.Tier != *tier) {
			continue
		}
		if !t.Claimable(now) {
			continue
		}
		if best == nil || ClaimBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNoTask
	}

	expires := now.Add(m.lease)
	best.AssignedTo = agentID
	best.LockedBy = agentID
	best.LockExpiresAt = &expires
	best.UpdatedAt = now
	return best.Clone(), nil
}

func (m *MemoryStore) Renew(_ context.Context, taskID, agentID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status != StatusBacklog || t.LockedBy != agentID {
		return nil, fmt.Errorf("task %s held by %q: %w", taskID, t.LockedBy, ErrLeaseLost)
	}
	now := m.now()
	expires := now.Add(m.lease)
	t.LockExpiresAt = &expires
	t.UpdatedAt = now
	return t.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, taskID string, u Update) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if u.Status != "" {
		if !u.Status.Valid() {
			return nil, fmt.Errorf("invalid status %q", u.Status)
		}
		t.Status = u.Status
		t.LockedBy = ""
		t.LockExpiresAt = nil
	}
	if u.AssignedTo != nil {
		t.AssignedTo = *u.AssignedTo
	}
	t.UpdatedAt = m.now()
	return t.Clone(), nil
}

func (m *MemoryStore) AddComment(_ context.Context, taskID string, c NewComment) (*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	comment := Comment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Author:    c.Author,
		Text:      c.Text,
		CreatedAt: m.now(),
	}
	t.Comments = append(t.Comments, comment)
	return &comment, nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, sprintID string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sprintTasks(sprintID), nil
}

func (m *MemoryStore) sprintTasks(sprintID string) []Task {
	var out []Task
	for _, t := range m.tasks {
		if sprintID == "" || t.SprintID == sprintID {
			out = append(out, *t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (m *MemoryStore) ActiveSprint(_ context.Context, workspaceID string) (*Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active *Sprint
	for _, s := range m.sprints {
		if s.Status != SprintActive || (workspaceID != "" && s.WorkspaceID != workspaceID) {
			continue
		}
		if active == nil || s.CreatedAt.After(active.CreatedAt) {
			active = s
		}
	}
	if active == nil {
		return nil, fmt.Errorf("active sprint for workspace %s: %w", workspaceID, ErrNotFound)
	}
	return m.withTasks(active), nil
}

func (m *MemoryStore) GetSprint(_ context.Context, sprintID string) (*Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sprints[sprintID]
	if !ok {
		return nil, fmt.Errorf("sprint %s: %w", sprintID, ErrNotFound)
	}
	return m.withTasks(s), nil
}

func (m *MemoryStore) withTasks(s *Sprint) *Sprint {
	c := *s
	if s.MindmapUpdatedAt != nil {
		at := *s.MindmapUpdatedAt
		c.MindmapUpdatedAt = &at
	}
	c.Tasks = m.sprintTasks(s.ID)
	return &c
}

func (m *MemoryStore) SaveMindmap(_ context.Context, sprintID, mindmap string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sprints[sprintID]
	if !ok {
		return fmt.Errorf("sprint %s: %w", sprintID, ErrNotFound)
	}
	now := m.now()
	s.Mindmap = mindmap
	s.MindmapUpdatedAt = &now
	return nil
}
