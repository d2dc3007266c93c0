package taskstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoTask is returned by Dispatch when nothing is claimable.
	ErrNoTask = errors.New("no claimable task")
	// ErrNotFound is returned for unknown task or sprint ids.
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost is returned by Renew when the task is no longer locked by
	// the agent: its status changed or another agent claimed it.
	ErrLeaseLost = errors.New("lease lost")
)

// DefaultLeaseDuration is how long a dispatched task stays locked without a
// renewal.
const DefaultLeaseDuration = time.Hour

// DefaultRenewInterval is how often an executing agent renews its lease. It
// leaves several renewals inside one lease.
const DefaultRenewInterval = DefaultLeaseDuration / 6

// Store is the task backend.
type Store interface {
	// Dispatch atomically selects the first claimable task of the workspace
	// (restricted to sprintID when set), assigns it to agentID and locks it
	// for the lease duration. It returns ErrNoTask when nothing is claimable.
	Dispatch(ctx context.Context, workspaceID, agentID, sprintID string) (*Task, error)
	// DispatchTier is Dispatch restricted to tasks of one tier.
	DispatchTier(ctx context.Context, workspaceID, agentID, sprintID string, tier int) (*Task, error)
	// Renew extends agentID's lease on a dispatched task by a full lease
	// duration from now. It returns ErrLeaseLost when the task is no longer
	// BACKLOG and locked by agentID.
	Renew(ctx context.Context, taskID, agentID string) (*Task, error)
	Update(ctx context.Context, taskID string, u Update) (*Task, error)
	AddComment(ctx context.Context, taskID string, c NewComment) (*Comment, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, sprintID string) ([]Task, error)
	// ActiveSprint returns the workspace's active sprint with its tasks, or
	// ErrNotFound.
	ActiveSprint(ctx context.Context, workspaceID string) (*Sprint, error)
	GetSprint(ctx context.Context, sprintID string) (*Sprint, error)
	SaveMindmap(ctx context.Context, sprintID, mindmap string) error
}
