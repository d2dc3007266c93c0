// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

var identity = []string{"-c", "user.name=Test", "-c", "user.email=test@example.com"}

// Git runs git in dir and fails the test on error.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out))
}

// Commit writes files in dir and commits them.
func Commit(t testing.TB, dir, message string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	Git(t, dir, "add", "-A")
	Git(t, dir, append(append([]string{}, identity...), "commit", "-m", message)...)
}

// InitRepo creates a repository on branch main with one commit.
func InitRepo(t testing.TB) string {
	t.Helper()
	repo := t.TempDir()
	Git(t, repo, "init")
	Git(t, repo, "checkout", "-b", "main")
	Commit(t, repo, "initial commit", map[string]string{"main.txt": "initial\n"})
	return repo
}

// InitWithRemote creates a repository whose origin is a bare repository in
// another temp dir, with main pushed. It returns (repo, remote).
func InitWithRemote(t testing.TB) (string, string) {
	t.Helper()
	remote := t.TempDir()
	Git(t, remote, "init", "--bare")
	Git(t, remote, "symbolic-ref", "HEAD", "refs/heads/main")
	repo := InitRepo(t)
	Git(t, repo, "remote", "add", "origin", remote)
	Git(t, repo, "push", "-u", "origin", "main")
	return repo, remote
}

// Clone clones remote into a new temp dir.
func Clone(t testing.TB, remote string) string {
	t.Helper()
	dir := t.TempDir()
	Git(t, dir, "clone", remote, ".")
	return dir
}

// PushBranch commits files on a new branch cut from origin/base in a fresh
// clone of remote and pushes it.
func PushBranch(t testing.TB, remote, base, branch string, files map[string]string) {
	t.Helper()
	dir := Clone(t, remote)
	Git(t, dir, "checkout", "-b", branch, "origin/"+base)
	Commit(t, dir, "work on "+branch, files)
	Git(t, dir, "push", "origin", branch)
}
