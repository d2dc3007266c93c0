package tiermerge

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/locusai/locus/internal/console"
	"github.com/locusai/locus/internal/gitcmd/gittest"
	"github.com/locusai/locus/internal/taskstore"
	"pgregory.net/rapid"
)

func tier(n int) *int { return &n }

func TestBranchName(t *testing.T) {
	tests := []struct {
		tier   int
		sprint string
		want   string
	}{
		{0, "abcdef1234", "locus/tier-0-abcdef12"},
		{2, "", "locus/tier-2"},
		{1, "abc", "locus/tier-1-abc"},
	}
	for _, tt := range tests {
		if got := BranchName(tt.tier, tt.sprint); got != tt.want {
			t.Errorf("BranchName(%d, %q) = %q, want %q", tt.tier, tt.sprint, got, tt.want)
		}
	}
}

func TestBranchNameProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 1000).Draw(t, "tier")
		sprint := rapid.StringMatching(`[a-z0-9-]{0,40}`).Draw(t, "sprint")
		name := BranchName(n, sprint)
		if !strings.HasPrefix(name, "locus/tier-") {
			t.Fatalf("%q lacks prefix", name)
		}
		if sprint != "" && !strings.HasSuffix(name, "-"+truncate(sprint, 8)) {
			t.Fatalf("%q does not end with the sprint prefix", name)
		}
		if BranchName(n, sprint) != name {
			t.Fatal("BranchName is not deterministic")
		}
	})
}

func TestBranchMatchesTask(t *testing.T) {
	tests := []struct {
		rest, id string
		want     bool
	}{
		{"0f3a9c21-add-login", "0f3a9c21-77aa-4bb1-9d0e-3e0b8f7c1a22", true},
		{"0f3a9c21-77aa-4bb1-9d0e-3e0b8f7c1a22-add-login", "0f3a9c21-77aa-4bb1-9d0e-3e0b8f7c1a22", true},
		{"0f3a9c22-add-login", "0f3a9c21-77aa", false},
		{"A-add-login", "A", true},
		{"AB-add-login", "A", false},
		{"A", "A", true},
		{"anything", "", false},
	}
	for _, tt := range tests {
		if got := branchMatchesTask(tt.rest, tt.id); got != tt.want {
			t.Errorf("branchMatchesTask(%q, %q) = %v, want %v", tt.rest, tt.id, got, tt.want)
		}
	}
}

func TestCreateMergeBranchToleratesConflicts(t *testing.T) {
	repo, remote := gittest.InitWithRemote(t)
	ctx := context.Background()

	gittest.PushBranch(t, remote, "main", "agent/aaaaaaaa-1111-task-a", map[string]string{
		"main.txt": "from A\n",
		"a.txt":    "A\n",
	})
	gittest.PushBranch(t, remote, "main", "agent/bbbbbbbb-2222-task-b", map[string]string{
		"main.txt": "from B\n",
		"b.txt":    "B\n",
	})
	gittest.PushBranch(t, remote, "main", "agent/cccccccc-3333-task-c", map[string]string{
		"c.txt": "C\n",
	})
	gittest.PushBranch(t, remote, "main", "agent/dddddddd-4444-other-tier", map[string]string{
		"d.txt": "D\n",
	})

	var out bytes.Buffer
	svc := New(repo, "abcdef1234", console.New(&out), nil)
	svc.RegisterTierTasks([]taskstore.Task{
		{ID: "aaaaaaaa-1111", Tier: tier(0)},
		{ID: "bbbbbbbb-2222", Tier: tier(0)},
		{ID: "cccccccc-3333", Tier: tier(0)},
		{ID: "dddddddd-4444", Tier: tier(1)},
		{ID: "untiered"},
	})

	branch, err := svc.CreateMergeBranch(ctx, 0, "main")
	if err != nil {
		t.Fatalf("CreateMergeBranch: %v", err)
	}
	if branch != "locus/tier-0-abcdef12" {
		t.Fatalf("branch = %q", branch)
	}

	check := gittest.Clone(t, remote)
	gittest.Git(t, check, "checkout", branch)
	for _, f := range []string{"a.txt", "c.txt"} {
		if _, err := os.Stat(filepath.Join(check, f)); err != nil {
			t.Errorf("merge branch missing %s: %v", f, err)
		}
	}
	for _, f := range []string{"b.txt", "d.txt"} {
		if _, err := os.Stat(filepath.Join(check, f)); !os.IsNotExist(err) {
			t.Errorf("merge branch should not contain %s", f)
		}
	}
	if data, _ := os.ReadFile(filepath.Join(check, "main.txt")); string(data) != "from A\n" {
		t.Errorf("main.txt = %q, want A's version", data)
	}

	if !strings.Contains(out.String(), "agent/bbbbbbbb-2222-task-b") {
		t.Errorf("conflict for B was not logged:\n%s", out.String())
	}
	if head := gittest.Git(t, repo, "rev-parse", "--abbrev-ref", "HEAD"); head != "main" {
		t.Errorf("repo left on %q, want main", head)
	}
	if status := gittest.Git(t, repo, "status", "--porcelain", "--untracked-files=no"); status != "" {
		t.Errorf("repo left dirty: %q", status)
	}
	if !svc.RemoteBranchExists(ctx, branch) {
		t.Error("merge branch not on remote")
	}
}

func TestCreateMergeBranchWithoutBranchesIsNoop(t *testing.T) {
	repo, _ := gittest.InitWithRemote(t)
	svc := New(repo, "", console.Discard(), nil)
	svc.RegisterTierTasks([]taskstore.Task{{ID: "eeeeeeee", Tier: tier(0)}})

	branch, err := svc.CreateMergeBranch(context.Background(), 0, "main")
	if err != nil || branch != "" {
		t.Fatalf("CreateMergeBranch = %q, %v; want no-op", branch, err)
	}
	if svc.RemoteBranchExists(context.Background(), "locus/tier-0") {
		t.Fatal("no merge branch should be pushed")
	}
}

func TestCreateMergeBranchReplacesStaleBranch(t *testing.T) {
	repo, remote := gittest.InitWithRemote(t)
	ctx := context.Background()
	gittest.Git(t, repo, "branch", "locus/tier-0")
	gittest.PushBranch(t, remote, "main", "agent/ffffffff-task", map[string]string{"f.txt": "F\n"})

	svc := New(repo, "", console.Discard(), nil)
	svc.RegisterTierTasks([]taskstore.Task{{ID: "ffffffff", Tier: tier(0)}})
	branch, err := svc.CreateMergeBranch(ctx, 0, "main")
	if err != nil || branch != "locus/tier-0" {
		t.Fatalf("CreateMergeBranch = %q, %v", branch, err)
	}
}

func TestCreateMergeBranchFailsWithoutRemote(t *testing.T) {
	repo := gittest.InitRepo(t)
	svc := New(repo, "", console.Discard(), nil)
	svc.RegisterTierTasks([]taskstore.Task{{ID: "a", Tier: tier(0)}})
	if _, err := svc.CreateMergeBranch(context.Background(), 0, "main"); err == nil {
		t.Fatal("CreateMergeBranch without origin should fail")
	}
}

func TestTaskBranchesOrder(t *testing.T) {
	repo, remote := gittest.InitWithRemote(t)
	ctx := context.Background()
	gittest.PushBranch(t, remote, "main", "agent/22222222-second", map[string]string{"2.txt": "2"})
	gittest.PushBranch(t, remote, "main", "agent/11111111-first", map[string]string{"1.txt": "1"})
	gittest.Git(t, repo, "fetch", "origin")

	svc := New(repo, "", console.Discard(), nil)
	svc.RegisterTierTasks([]taskstore.Task{
		{ID: "22222222-x", Tier: tier(3)},
		{ID: "11111111-y", Tier: tier(3)},
	})
	got, err := svc.TaskBranches(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"agent/22222222-second", "agent/11111111-first"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("TaskBranches = %v, want %v", got, want)
	}
}
