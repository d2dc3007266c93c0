package gitcmd

import (
	"context"
	"errors"
	"testing"

	"github.com/locusai/locus/internal/gitcmd/gittest"
)

func TestRunReturnsOutputAndErrors(t *testing.T) {
	repo := gittest.InitRepo(t)
	g := New(repo, "test")
	ctx := context.Background()

	branch, err := g.Output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || branch != "main" {
		t.Fatalf("current branch = %q, %v", branch, err)
	}

	_, err = g.Run(ctx, "checkout", "does-not-exist")
	var gitErr *Error
	if !errors.As(err, &gitErr) {
		t.Fatalf("error = %T, want *Error", err)
	}
	if gitErr.ExitCode == 0 || ExitCode(err) != gitErr.ExitCode {
		t.Fatalf("exit code = %d", gitErr.ExitCode)
	}
	if ExitCode(errors.New("x")) != -1 {
		t.Fatal("ExitCode of a foreign error should be -1")
	}
}

func TestRemoteBranchExists(t *testing.T) {
	repo, _ := gittest.InitWithRemote(t)
	g := New(repo, "test")
	ctx := context.Background()

	ok, err := g.RemoteBranchExists(ctx, "origin", "main")
	if err != nil || !ok {
		t.Fatalf("main exists = %v, %v", ok, err)
	}
	ok, err = g.RemoteBranchExists(ctx, "origin", "locus/tier-0")
	if err != nil || ok {
		t.Fatalf("missing branch exists = %v, %v", ok, err)
	}
	if _, err := g.RemoteBranchExists(ctx, "nowhere", "main"); err == nil {
		t.Fatal("unknown remote should be an error")
	}
}

func TestRefExistsAndCommit(t *testing.T) {
	repo := gittest.InitRepo(t)
	g := New(repo, "test")
	ctx := context.Background()

	if !g.RefExists(ctx, "main") || g.RefExists(ctx, "origin/main") {
		t.Fatal("RefExists mismatch")
	}
	if _, err := g.Commit(ctx, "commit", "--allow-empty", "-m", "empty"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	author := gittest.Git(t, repo, "log", "-1", "--format=%an")
	if author != "Locus" {
		t.Fatalf("author = %q, want Locus", author)
	}
}
