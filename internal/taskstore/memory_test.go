package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func intPtr(n int) *int { return &n }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemoryStore(WithClock(clock.Now), WithLeaseDuration(time.Hour)), clock
}

func mustCreate(t *testing.T, s *MemoryStore, task Task) *Task {
	t.Helper()
	created, err := s.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("CreateTask(%s): %v", task.ID, err)
	}
	return created
}

func TestDispatchConcurrentClaimHasOneWinner(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, Task{ID: "T1", WorkspaceID: "ws", SprintID: "sprint-9", Title: "one", Priority: PriorityHigh})

	const callers = 2
	results := make([]*Task, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Dispatch(context.Background(), "ws", "agent-1", "sprint-9")
		}(i)
	}
	wg.Wait()

	var winners, empty int
	for i := range results {
		switch {
		case errs[i] == nil:
			winners++
			if results[i].ID != "T1" || results[i].LockedBy != "agent-1" || results[i].AssignedTo != "agent-1" {
				t.Fatalf("winner got %+v", results[i])
			}
			if results[i].LockExpiresAt == nil {
				t.Fatal("winner has no lease expiry")
			}
		case errors.Is(errs[i], ErrNoTask):
			empty++
		default:
			t.Fatalf("Dispatch error: %v", errs[i])
		}
	}
	if winners != 1 || empty != 1 {
		t.Fatalf("winners=%d empty=%d, want 1/1", winners, empty)
	}
}

func TestDispatchOrdersByPriorityThenAge(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, Task{ID: "low", WorkspaceID: "ws", Priority: PriorityLow})
	clock.Advance(time.Minute)
	mustCreate(t, s, Task{ID: "none", WorkspaceID: "ws"})
	clock.Advance(time.Minute)
	mustCreate(t, s, Task{ID: "crit", WorkspaceID: "ws", Priority: PriorityCritical})
	clock.Advance(time.Minute)
	mustCreate(t, s, Task{ID: "high-old", WorkspaceID: "ws", Priority: PriorityHigh})
	clock.Advance(time.Minute)
	mustCreate(t, s, Task{ID: "high-new", WorkspaceID: "ws", Priority: PriorityHigh})

	var order []string
	for {
		task, err := s.Dispatch(ctx, "ws", "agent-1", "")
		if errors.Is(err, ErrNoTask) {
			break
		}
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		order = append(order, task.ID)
	}
	want := []string{"crit", "high-old", "high-new", "low", "none"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestDispatchFiltersWorkspaceAndSprint(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, Task{ID: "other-ws", WorkspaceID: "other", SprintID: "s1"})
	mustCreate(t, s, Task{ID: "other-sprint", WorkspaceID: "ws", SprintID: "s2"})

	if _, err := s.Dispatch(ctx, "ws", "agent-1", "s1"); !errors.Is(err, ErrNoTask) {
		t.Fatalf("Dispatch = %v, want ErrNoTask", err)
	}
	task, err := s.Dispatch(ctx, "ws", "agent-1", "")
	if err != nil || task.ID != "other-sprint" {
		t.Fatalf("Dispatch without sprint = %v, %v", task, err)
	}
}

func TestDispatchTierOnlyClaimsThatTier(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, Task{ID: "t0", WorkspaceID: "ws", SprintID: "s1", Tier: intPtr(0), Priority: PriorityLow})
	mustCreate(t, s, Task{ID: "t1", WorkspaceID: "ws", SprintID: "s1", Tier: intPtr(1), Priority: PriorityCritical})
	mustCreate(t, s, Task{ID: "untiered", WorkspaceID: "ws", SprintID: "s1", Priority: PriorityCritical})

	task, err := s.DispatchTier(ctx, "ws", "agent-1", "s1", 0)
	if err != nil || task.ID != "t0" {
		t.Fatalf("DispatchTier(0) = %v, %v", task, err)
	}
	if _, err := s.DispatchTier(ctx, "ws", "agent-2", "s1", 0); !errors.Is(err, ErrNoTask) {
		t.Fatalf("DispatchTier(0) again = %v, want ErrNoTask", err)
	}
	if _, err := s.DispatchTier(ctx, "ws", "agent-2", "s1", 2); !errors.Is(err, ErrNoTask) {
		t.Fatalf("DispatchTier(2) = %v, want ErrNoTask", err)
	}
}

func TestLeaseExpiryMakesTaskClaimableAgain(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, Task{ID: "T1", WorkspaceID: "ws"})

	if _, err := s.Dispatch(ctx, "ws", "agent-1", ""); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if _, err := s.Dispatch(ctx, "ws", "agent-2", ""); !errors.Is(err, ErrNoTask) {
		t.Fatalf("second Dispatch before expiry = %v, want ErrNoTask", err)
	}

	// agent-1 crashed; nobody releases the lease.
	clock.Advance(time.Hour + time.Second)
	task, err := s.Dispatch(ctx, "ws", "agent-2", "")
	if err != nil {
		t.Fatalf("Dispatch after expiry: %v", err)
	}
	if task.LockedBy != "agent-2" {
		t.Fatalf("LockedBy = %q, want agent-2", task.LockedBy)
	}
}

func TestRenewExtendsOnlyTheHoldersLease(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, Task{ID: "T1", WorkspaceID: "ws"})
	if _, err := s.Dispatch(ctx, "ws", "agent-1", ""); err != nil {
		t.Fatal(err)
	}

	clock.Advance(50 * time.Minute)
	renewed, err := s.Renew(ctx, "T1", "agent-1")
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if want := clock.Now().Add(time.Hour); !renewed.LockExpiresAt.Equal(want) {
		t.Fatalf("LockExpiresAt = %v, want %v", renewed.LockExpiresAt, want)
	}
	// Past the original lease, still held.
	clock.Advance(30 * time.Minute)
	if _, err := s.Dispatch(ctx, "ws", "agent-2", ""); !errors.Is(err, ErrNoTask) {
		t.Fatalf("Dispatch after renewal = %v, want ErrNoTask", err)
	}

	if _, err := s.Renew(ctx, "T1", "agent-2"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Renew by another agent = %v, want ErrLeaseLost", err)
	}
	if _, err := s.Update(ctx, "T1", Update{Status: StatusVerification}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Renew(ctx, "T1", "agent-1"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Renew after status change = %v, want ErrLeaseLost", err)
	}
	if _, err := s.Renew(ctx, "missing", "agent-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Renew(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpdateReleasesLease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, Task{ID: "ok", WorkspaceID: "ws", Priority: PriorityHigh})
	mustCreate(t, s, Task{ID: "bad", WorkspaceID: "ws"})

	if _, err := s.Dispatch(ctx, "ws", "agent-1", ""); err != nil {
		t.Fatal(err)
	}
	done, err := s.Update(ctx, "ok", Update{Status: StatusVerification})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if done.LockedBy != "" || done.LockExpiresAt != nil || done.AssignedTo != "agent-1" {
		t.Fatalf("after success: %+v", done)
	}

	if _, err := s.Dispatch(ctx, "ws", "agent-1", ""); err != nil {
		t.Fatal(err)
	}
	back, err := s.Update(ctx, "bad", Update{Status: StatusBacklog, AssignedTo: Unassigned()})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if back.AssignedTo != "" || back.LockedBy != "" {
		t.Fatalf("after failure: %+v", back)
	}
	again, err := s.Dispatch(ctx, "ws", "agent-2", "")
	if err != nil || again.ID != "bad" {
		t.Fatalf("failed task should be claimable again: %v, %v", again, err)
	}

	if _, err := s.Update(ctx, "missing", Update{Status: StatusDone}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update(missing) = %v, want ErrNotFound", err)
	}
}

func TestCommentsAndMindmap(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSprint(ctx, Sprint{ID: "sp", WorkspaceID: "ws", Name: "Sprint 1"}); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, s, Task{ID: "a", WorkspaceID: "ws", SprintID: "sp", Tier: intPtr(0)})

	if _, err := s.AddComment(ctx, "a", NewComment{Author: "agent-1", Text: "started"}); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	task, err := s.GetTask(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(task.Comments) != 1 || task.Comments[0].Text != "started" {
		t.Fatalf("comments = %+v", task.Comments)
	}

	sprint, err := s.ActiveSprint(ctx, "ws")
	if err != nil {
		t.Fatalf("ActiveSprint: %v", err)
	}
	if !sprint.MindmapStale() {
		t.Fatal("sprint without mindmap should be stale")
	}

	clock.Advance(time.Minute)
	if err := s.SaveMindmap(ctx, "sp", "plan"); err != nil {
		t.Fatal(err)
	}
	sprint, _ = s.GetSprint(ctx, "sp")
	if sprint.MindmapStale() {
		t.Fatal("fresh mindmap reported stale")
	}

	clock.Advance(time.Minute)
	mustCreate(t, s, Task{ID: "b", WorkspaceID: "ws", SprintID: "sp"})
	sprint, _ = s.GetSprint(ctx, "sp")
	if !sprint.MindmapStale() {
		t.Fatal("mindmap older than newest task should be stale")
	}

	if _, err := s.ActiveSprint(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveSprint(nope) = %v", err)
	}
}

func TestDispatchLeaseExclusivityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := NewMemoryStore()
		ctx := context.Background()
		statuses := []Status{StatusBacklog, StatusBacklog, StatusInProgress, StatusDone}
		priorities := []Priority{"", PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

		nTasks := rapid.IntRange(0, 12).Draw(rt, "tasks")
		claimable := 0
		for i := 0; i < nTasks; i++ {
			st := rapid.SampledFrom(statuses).Draw(rt, "status")
			if st == StatusBacklog {
				claimable++
			}
			if _, err := s.CreateTask(ctx, Task{
				ID:          fmt.Sprintf("task-%d", i),
				WorkspaceID: "ws",
				Status:      st,
				Priority:    rapid.SampledFrom(priorities).Draw(rt, "priority"),
			}); err != nil {
				rt.Fatal(err)
			}
		}

		agents := rapid.IntRange(1, 16).Draw(rt, "agents")
		claimed := make(chan string, agents)
		var wg sync.WaitGroup
		for a := 0; a < agents; a++ {
			wg.Add(1)
			go func(a int) {
				defer wg.Done()
				task, err := s.Dispatch(ctx, "ws", fmt.Sprintf("agent-%d", a), "")
				if err == nil {
					claimed <- task.ID
				}
			}(a)
		}
		wg.Wait()
		close(claimed)

		seen := map[string]bool{}
		for id := range claimed {
			if seen[id] {
				rt.Fatalf("task %s claimed twice", id)
			}
			seen[id] = true
		}
		if want := min(agents, claimable); len(seen) != want {
			rt.Fatalf("claimed %d tasks, want %d", len(seen), want)
		}
	})
}
