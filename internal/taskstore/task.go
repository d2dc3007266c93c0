// Package taskstore defines tasks and sprints and the store contract the
// orchestrator claims work through.
package taskstore

import (
	"slices"
	"time"
)

// Status is a task's workflow state.
type Status string

const (
	StatusBacklog      Status = "BACKLOG"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusInReview     Status = "IN_REVIEW"
	StatusVerification Status = "VERIFICATION"
	StatusBlocked      Status = "BLOCKED"
	StatusDone         Status = "DONE"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusInProgress, StatusInReview, StatusVerification, StatusBlocked, StatusDone:
		return true
	}
	return false
}

// Priority orders claimable tasks. The empty priority sorts last.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Rank is 0 for CRITICAL through 3 for LOW, and 4 when unset.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Task is one unit of work. AssignedTo and LockedBy are empty when unset.
type Task struct {
	ID                 string     `json:"id"`
	WorkspaceID        string     `json:"workspaceId,omitempty"`
	SprintID           string     `json:"sprintId,omitempty"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria,omitempty"`
	Status             Status     `json:"status"`
	Priority           Priority   `json:"priority,omitempty"`
	Tier               *int       `json:"tier"`
	AssignedTo         string     `json:"assignedTo,omitempty"`
	LockedBy           string     `json:"lockedBy,omitempty"`
	LockExpiresAt      *time.Time `json:"lockExpiresAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	Comments           []Comment  `json:"comments,omitempty"`
}

// Claimable reports whether t can be leased at now: it is in BACKLOG and
// either unlocked or its lease has expired.
func (t *Task) Claimable(now time.Time) bool {
	if t.Status != StatusBacklog {
		return false
	}
	return t.LockedBy == "" || t.LockExpiresAt == nil || t.LockExpiresAt.Before(now)
}

// Dispatchable reports whether the execution strategy should still run t:
// BACKLOG, or IN_PROGRESS with nobody assigned.
func (t *Task) Dispatchable() bool {
	return t.Status == StatusBacklog || (t.Status == StatusInProgress && t.AssignedTo == "")
}

// HasTier reports whether t belongs to a tier.
func (t *Task) HasTier() bool { return t.Tier != nil }

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	c.AcceptanceCriteria = slices.Clone(t.AcceptanceCriteria)
	c.Comments = slices.Clone(t.Comments)
	if t.Tier != nil {
		tier := *t.Tier
		c.Tier = &tier
	}
	if t.LockExpiresAt != nil {
		exp := *t.LockExpiresAt
		c.LockExpiresAt = &exp
	}
	return &c
}

// ClaimBefore is the dispatch order: priority, then creation time.
func ClaimBefore(a, b *Task) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Update is a status/assignee mutation. A nil AssignedTo leaves the assignee
// unchanged; a pointer to "" clears it. Any status change releases the lease.
type Update struct {
	Status     Status  `json:"status,omitempty"`
	AssignedTo *string `json:"assignedTo,omitempty"`
}

// Unassigned is the AssignedTo value that clears the assignee.
func Unassigned() *string {
	s := ""
	return &s
}

// Comment is a note on a task.
type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewComment is the payload of AddComment.
type NewComment struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// SprintStatus is a sprint's lifecycle state.
type SprintStatus string

const (
	SprintPlanned   SprintStatus = "PLANNED"
	SprintActive    SprintStatus = "ACTIVE"
	SprintCompleted SprintStatus = "COMPLETED"
)

// Sprint groups tasks. Mindmap is the cached sprint plan.
type Sprint struct {
	ID               string       `json:"id"`
	WorkspaceID      string       `json:"workspaceId,omitempty"`
	Name             string       `json:"name"`
	Status           SprintStatus `json:"status"`
	Mindmap          string       `json:"mindmap,omitempty"`
	MindmapUpdatedAt *time.Time   `json:"mindmapUpdatedAt,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	Tasks            []Task       `json:"tasks,omitempty"`
}

// MindmapStale reports whether the cached plan is missing or older than the
// newest task.
func (s *Sprint) MindmapStale() bool {
	if s.Mindmap == "" || s.MindmapUpdatedAt == nil {
		return true
	}
	for i := range s.Tasks {
		if s.Tasks[i].CreatedAt.After(*s.MindmapUpdatedAt) {
			return true
		}
	}
	return false
}
