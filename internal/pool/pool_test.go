package pool

import (
	"context"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/locusai/locus/internal/airunner"
	"github.com/locusai/locus/internal/airunner/airunnertest"
	"github.com/locusai/locus/internal/gitcmd/gittest"
	"github.com/locusai/locus/internal/taskstore"
	"github.com/locusai/locus/internal/worker"
	"github.com/locusai/locus/internal/worktree"
)

func TestEffectiveAgentCount(t *testing.T) {
	tests := []struct{ configured, tasks, want int }{
		{3, 10, 3},
		{3, 2, 2},
		{3, 0, 0},
		{1, 1, 1},
	}
	for _, tt := range tests {
		if got := EffectiveAgentCount(tt.configured, tt.tasks); got != tt.want {
			t.Errorf("EffectiveAgentCount(%d, %d) = %d, want %d", tt.configured, tt.tasks, got, tt.want)
		}
	}
}

func TestNewAgentID(t *testing.T) {
	re := regexp.MustCompile(`^agent-3-[0-9a-f]{8}$`)
	a, b := NewAgentID(3), NewAgentID(3)
	if !re.MatchString(a) {
		t.Fatalf("NewAgentID(3) = %q", a)
	}
	if a == b {
		t.Fatal("agent ids should be unique")
	}
}

type sleepLog struct {
	mu sync.Mutex
	ds []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.ds = append(s.ds, d)
	s.mu.Unlock()
	return nil
}

func (s *sleepLog) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.ds {
		if x == d {
			n++
		}
	}
	return n
}

func seedTasks(t *testing.T, store *taskstore.MemoryStore, n int) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateSprint(ctx, taskstore.Sprint{ID: "s1", WorkspaceID: "ws", Name: "one"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if _, err := store.CreateTask(ctx, taskstore.Task{
			ID: "task-" + string(rune('a'+i)), WorkspaceID: "ws", SprintID: "s1", Title: "Task " + string(rune('A'+i)),
		}); err != nil {
			t.Fatal(err)
		}
	}
	// Skip the sprint plan in these tests.
	store.SaveMindmap(ctx, "s1", "plan")
}

func fakeRunners(fake *airunnertest.Fake, seen *[]airunner.Options, mu *sync.Mutex) func(airunner.Provider, airunner.Options) (airunner.Runner, error) {
	return func(_ airunner.Provider, opts airunner.Options) (airunner.Runner, error) {
		mu.Lock()
		*seen = append(*seen, opts)
		mu.Unlock()
		return fake, nil
	}
}

func newTestPool(store taskstore.Store, fake *airunnertest.Fake, sleeps *sleepLog) (*Pool, *[]airunner.Options) {
	var (
		mu   sync.Mutex
		opts []airunner.Options
	)
	p := &Pool{
		Config: Config{
			WorkspaceID:   "ws",
			Provider:      airunner.ProviderClaude,
			Worker:        worker.Config{MaxEmptyPolls: 1, PollInterval: time.Millisecond},
			WorkDir:       "/tmp/project",
			CheckInterval: 5 * time.Millisecond,
		},
		Store:     store,
		NewRunner: fakeRunners(fake, &opts, &mu),
		Sleep:     sleeps.sleep,
	}
	return p, &opts
}

func TestSpawnStaggersAndRunsAllTasks(t *testing.T) {
	store := taskstore.NewMemoryStore()
	seedTasks(t, store, 3)
	fake := &airunnertest.Fake{}
	sleeps := &sleepLog{}
	p, opts := newTestPool(store, fake, sleeps)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := p.Spawn(ctx, i, "s1", "main"); err != nil {
			t.Fatalf("Spawn(%d): %v", i, err)
		}
	}
	if err := p.WaitForAll(ctx, func() bool { return true }); err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}

	if n := sleeps.count(DefaultStagger); n != 2 {
		t.Fatalf("stagger sleeps = %d, want 2", n)
	}
	for _, o := range *opts {
		if o.WorkDir != "/tmp/project" {
			t.Fatalf("runner WorkDir = %q", o.WorkDir)
		}
	}
	tasks, _ := store.ListTasks(ctx, "s1")
	for _, task := range tasks {
		if task.Status != taskstore.StatusVerification {
			t.Fatalf("task %s status = %s", task.ID, task.Status)
		}
	}
	agents := p.Agents()
	if len(agents) != 3 {
		t.Fatalf("agents = %+v", agents)
	}
	completed := 0
	for _, a := range agents {
		if a.State != worker.StateTerminated {
			t.Fatalf("agent %s state = %v", a.AgentID, a.State)
		}
		completed += a.Stats.TasksCompleted
	}
	if completed != 3 || p.Active() != 0 || p.Err() != nil {
		t.Fatalf("completed = %d, active = %d, err = %v", completed, p.Active(), p.Err())
	}
}

func TestWaitForAllReturnsWhenStopped(t *testing.T) {
	store := taskstore.NewMemoryStore()
	seedTasks(t, store, 1)
	release := make(chan struct{})
	fake := &airunnertest.Fake{Respond: func(ctx context.Context, _ string) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	}}
	p, _ := newTestPool(store, fake, &sleepLog{})
	ctx := context.Background()
	if err := p.Spawn(ctx, 0, "s1", "main"); err != nil {
		t.Fatal(err)
	}

	var stopped sync.Once
	stop := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		stopped.Do(func() { close(stop) })
	}()
	isRunning := func() bool {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}

	done := make(chan error, 1)
	go func() { done <- p.WaitForAll(ctx, isRunning) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForAll: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForAll ignored the stop predicate")
	}
	if p.Active() != 1 {
		t.Fatalf("Active() = %d, want the busy agent", p.Active())
	}

	drained := make(chan error, 1)
	go func() { drained <- p.Wait(ctx) }()
	select {
	case <-drained:
		t.Fatal("Wait returned while an agent was still executing")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	if err := <-drained; err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if p.Active() != 0 {
		t.Fatalf("Active() = %d after Wait", p.Active())
	}
	task, _ := store.GetTask(ctx, "task-a")
	if task.Status != taskstore.StatusVerification {
		t.Fatalf("task status = %s", task.Status)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	store := taskstore.NewMemoryStore()
	seedTasks(t, store, 1)
	fake := &airunnertest.Fake{Respond: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	p, _ := newTestPool(store, fake, &sleepLog{})
	runCtx, stopAgents := context.WithCancel(context.Background())
	defer stopAgents()
	if err := p.Spawn(runCtx, 0, "s1", "main"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait = %v, want deadline", err)
	}
	stopAgents()
	p.group.Wait()
}

func TestSpawnWithWorktrees(t *testing.T) {
	repo, _ := gittest.InitWithRemote(t)
	store := taskstore.NewMemoryStore()
	seedTasks(t, store, 2)
	fake := &airunnertest.Fake{}
	p, opts := newTestPool(store, fake, &sleepLog{})
	p.Worktrees = worktree.NewManager(repo)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := p.Spawn(ctx, i, "s1", "main"); err != nil {
			t.Fatalf("Spawn(%d): %v", i, err)
		}
	}
	// Worktrees exist while agents run.
	for _, a := range p.Agents() {
		if a.WorktreePath == "" {
			t.Fatalf("agent %s has no worktree", a.AgentID)
		}
	}
	if err := p.WaitForAll(ctx, nil); err != nil {
		t.Fatal(err)
	}
	for i, o := range *opts {
		if o.WorkDir != p.Agents()[i].WorktreePath {
			t.Fatalf("runner %d WorkDir = %q, want the agent worktree", i, o.WorkDir)
		}
	}
	for _, a := range p.Agents() {
		if _, err := os.Stat(a.WorktreePath); !os.IsNotExist(err) {
			t.Fatalf("worktree %s not removed", a.WorktreePath)
		}
	}
}

func TestKeepWorktrees(t *testing.T) {
	repo, _ := gittest.InitWithRemote(t)
	store := taskstore.NewMemoryStore()
	seedTasks(t, store, 1)
	p, _ := newTestPool(store, &airunnertest.Fake{}, &sleepLog{})
	p.Worktrees = worktree.NewManager(repo)
	p.Config.KeepWorktrees = true
	ctx := context.Background()

	if err := p.Spawn(ctx, 0, "s1", "main"); err != nil {
		t.Fatal(err)
	}
	if err := p.WaitForAll(ctx, nil); err != nil {
		t.Fatal(err)
	}
	path := p.Agents()[0].WorktreePath
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("kept worktree missing: %v", err)
	}
	p.Worktrees.CleanupAll(ctx)
}

func TestSpawnUnknownBaseFails(t *testing.T) {
	repo := gittest.InitRepo(t)
	p, _ := newTestPool(taskstore.NewMemoryStore(), &airunnertest.Fake{}, &sleepLog{})
	p.Worktrees = worktree.NewManager(repo)
	if err := p.Spawn(context.Background(), 0, "s1", "missing"); err == nil {
		t.Fatal("Spawn from a missing base should fail")
	}
	if len(p.Agents()) != 0 {
		t.Fatal("failed spawn should not be tracked")
	}
}
