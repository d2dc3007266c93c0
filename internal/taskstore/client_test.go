package taskstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, apiKey string) (*MemoryStore, *httptest.Server) {
	t.Helper()
	mem, _ := newTestStore(t)
	srv := httptest.NewServer(NewHandler(mem, apiKey))
	t.Cleanup(srv.Close)
	return mem, srv
}

func TestClientRoundTrip(t *testing.T) {
	mem, srv := newTestServer(t, "secret")
	ctx := context.Background()
	if err := mem.CreateSprint(ctx, Sprint{ID: "sprint-9", WorkspaceID: "ws"}); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, mem, Task{ID: "T1", WorkspaceID: "ws", SprintID: "sprint-9", Title: "Add login", Priority: PriorityHigh, Tier: intPtr(0)})

	c := NewClient(srv.URL, "secret", nil)

	task, err := c.Dispatch(ctx, "ws", "agent-1", "sprint-9")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if task.ID != "T1" || task.LockedBy != "agent-1" || task.Tier == nil || *task.Tier != 0 {
		t.Fatalf("dispatched %+v", task)
	}
	if _, err := c.Dispatch(ctx, "ws", "agent-2", "sprint-9"); !errors.Is(err, ErrNoTask) {
		t.Fatalf("second Dispatch = %v, want ErrNoTask", err)
	}
	mustCreate(t, mem, Task{ID: "T2", WorkspaceID: "ws", SprintID: "sprint-9", Title: "Add logout", Tier: intPtr(1)})
	if _, err := c.DispatchTier(ctx, "ws", "agent-2", "sprint-9", 0); !errors.Is(err, ErrNoTask) {
		t.Fatalf("DispatchTier(0) = %v, want ErrNoTask", err)
	}
	if task, err := c.DispatchTier(ctx, "ws", "agent-2", "sprint-9", 1); err != nil || task.ID != "T2" {
		t.Fatalf("DispatchTier(1) = %v, %v", task, err)
	}

	if renewed, err := c.Renew(ctx, "T1", "agent-1"); err != nil || renewed.LockedBy != "agent-1" {
		t.Fatalf("Renew = %v, %v", renewed, err)
	}
	if _, err := c.Renew(ctx, "T1", "agent-9"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Renew by another agent = %v, want ErrLeaseLost", err)
	}

	if _, err := c.AddComment(ctx, "T1", NewComment{Author: "agent-1", Text: "done"}); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	updated, err := c.Update(ctx, "T1", Update{Status: StatusVerification})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != StatusVerification || updated.LockedBy != "" {
		t.Fatalf("updated %+v", updated)
	}

	got, err := c.GetTask(ctx, "T1")
	if err != nil || len(got.Comments) != 1 {
		t.Fatalf("GetTask = %+v, %v", got, err)
	}

	if err := c.SaveMindmap(ctx, "sprint-9", "plan"); err != nil {
		t.Fatalf("SaveMindmap: %v", err)
	}
	sprint, err := c.ActiveSprint(ctx, "ws")
	if err != nil {
		t.Fatalf("ActiveSprint: %v", err)
	}
	if sprint.Mindmap != "plan" || len(sprint.Tasks) != 2 {
		t.Fatalf("sprint %+v", sprint)
	}

	tasks, err := c.ListTasks(ctx, "sprint-9")
	if err != nil || len(tasks) != 2 {
		t.Fatalf("ListTasks = %v, %v", tasks, err)
	}
}

func TestClientNotFoundAndAuth(t *testing.T) {
	_, srv := newTestServer(t, "secret")
	ctx := context.Background()

	c := NewClient(srv.URL, "secret", nil)
	if _, err := c.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask(missing) = %v, want ErrNotFound", err)
	}
	if _, err := c.GetSprint(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSprint(missing) = %v, want ErrNotFound", err)
	}

	anon := NewClient(srv.URL, "", nil)
	_, err := anon.GetTask(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated GetTask = %v, want 401", err)
	}
}

func TestHandlerRejectsInvalidStatus(t *testing.T) {
	mem, srv := newTestServer(t, "")
	mustCreate(t, mem, Task{ID: "T1", WorkspaceID: "ws"})

	c := NewClient(srv.URL, "", nil)
	_, err := c.Update(context.Background(), "T1", Update{Status: "SHIPPED"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("Update(SHIPPED) = %v, want 400", err)
	}
}
