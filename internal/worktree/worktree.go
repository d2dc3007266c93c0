// Package worktree gives each agent an isolated git worktree and a branch
// per claimed task.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/gitcmd"
)

// Dir is the directory under the repository root holding agent worktrees.
const Dir = ".locus-worktrees"

// Remote is the remote agents fetch from and push to.
const Remote = "origin"

const (
	// BranchPrefix starts every task branch.
	BranchPrefix = "agent/"
	maxSlugLen   = 40
)

// Info describes a worktree listed by git.
type Info struct {
	Path   string
	Branch string
	Head   string
}

// Worktree is an agent's checkout.
type Worktree struct {
	Path    string
	AgentID string
	// BaseBranch is the branch the worktree was rooted at; StartPoint the ref
	// it resolved to (origin/<base> when the remote has it).
	BaseBranch string
	StartPoint string
	// Branch is the current task branch, empty until StartTask.
	Branch string
}

// Manager creates and removes agent worktrees.
type Manager struct {
	repoRoot string
	git      *gitcmd.Runner
}

// NewManager creates a Manager for the repository at repoRoot.
func NewManager(repoRoot string) *Manager {
	return &Manager{repoRoot: repoRoot, git: gitcmd.New(repoRoot, "worktree")}
}

// RepoRoot returns the repository root.
func (m *Manager) RepoRoot() string { return m.repoRoot }

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases title, collapses non-alphanumerics to "-" and caps the
// result at 40 characters.
func Slug(title string) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	return s
}

// BranchName is the task branch agent/<taskID>-<slug>.
func BranchName(taskID, title string) string {
	slug := Slug(title)
	if slug == "" {
		return BranchPrefix + taskID
	}
	return BranchPrefix + taskID + "-" + slug
}

// Create adds a detached worktree for agentID at the tip of baseBranch. The
// remote is fetched first; when origin/<base> is unknown the local branch is
// used.
func (m *Manager) Create(ctx context.Context, agentID, baseBranch string) (*Worktree, error) {
	debug.LogKV("worktree", "Create()", "agent", agentID, "base", baseBranch, "repo_root", m.repoRoot)
	base := filepath.Join(m.repoRoot, Dir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree dir: %w", err)
	}

	m.ensureExcluded(ctx)

	if _, err := m.git.Run(ctx, "fetch", Remote); err != nil {
		debug.LogKV("worktree", "fetch failed, using local refs", "error", err)
	}
	start := Remote + "/" + baseBranch
	if !m.git.RefExists(ctx, start) {
		start = baseBranch
		if !m.git.RefExists(ctx, start) {
			return nil, fmt.Errorf("base branch %s not found locally or on %s", baseBranch, Remote)
		}
	}

	wtPath := filepath.Join(base, sanitize(agentID))
	if _, err := os.Stat(wtPath); err == nil {
		// Left over from a crashed run.
		if err := m.Remove(ctx, wtPath, ""); err != nil {
			return nil, err
		}
	}
	if _, err := m.git.Run(ctx, "worktree", "add", "--detach", wtPath, start); err != nil {
		return nil, fmt.Errorf("worktree add: %w", err)
	}

	debug.LogKV("worktree", "created", "agent", agentID, "path", wtPath, "start", start)
	return &Worktree{Path: wtPath, AgentID: agentID, BaseBranch: baseBranch, StartPoint: start}, nil
}

// StartTask resets wt to a fresh task branch from its start point, dropping
// anything left from the previous task.
func (m *Manager) StartTask(ctx context.Context, wt *Worktree, taskID, title string) (string, error) {
	branch := BranchName(taskID, title)
	g := m.git.In(wt.Path)
	if _, err := g.Run(ctx, "reset", "--hard"); err != nil {
		return "", fmt.Errorf("reset worktree %s: %w", wt.Path, err)
	}
	if _, err := g.Run(ctx, "clean", "-fd"); err != nil {
		return "", fmt.Errorf("clean worktree %s: %w", wt.Path, err)
	}
	if _, err := g.Run(ctx, "checkout", "-B", branch, wt.StartPoint); err != nil {
		return "", fmt.Errorf("checkout %s: %w", branch, err)
	}
	wt.Branch = branch
	debug.LogKV("worktree", "task branch ready", "agent", wt.AgentID, "branch", branch, "start", wt.StartPoint)
	return branch, nil
}

// FinishTask detaches wt from its task branch and deletes the local branch,
// so another agent can check the same task out after a failure.
func (m *Manager) FinishTask(ctx context.Context, wt *Worktree) error {
	if wt.Branch == "" {
		return nil
	}
	g := m.git.In(wt.Path)
	if _, err := g.Run(ctx, "checkout", "--detach"); err != nil {
		return fmt.Errorf("detach %s: %w", wt.Path, err)
	}
	if _, err := g.Run(ctx, "branch", "-D", wt.Branch); err != nil {
		return fmt.Errorf("delete %s: %w", wt.Branch, err)
	}
	wt.Branch = ""
	return nil
}

// AutoCommitIfDirty stages and commits all changes in a worktree when needed.
// It returns (commitHash, committed, error). If there are no changes, committed=false.
func (m *Manager) AutoCommitIfDirty(ctx context.Context, worktreePath, message string) (string, bool, error) {
	debug.LogKV("worktree", "AutoCommitIfDirty()", "path", worktreePath)
	if strings.TrimSpace(worktreePath) == "" {
		return "", false, fmt.Errorf("worktree path is empty")
	}
	g := m.git.In(worktreePath)

	status, err := g.Output(ctx, "status", "--porcelain")
	if err != nil {
		return "", false, fmt.Errorf("status in worktree %s: %w", worktreePath, err)
	}
	if status == "" {
		return "", false, nil
	}
	if _, err := g.Run(ctx, "add", "-A"); err != nil {
		return "", false, fmt.Errorf("staging changes in worktree %s: %w", worktreePath, err)
	}
	if _, err := g.Commit(ctx, "commit", "-m", message); err != nil {
		return "", false, fmt.Errorf("auto-commit in worktree %s: %w", worktreePath, err)
	}
	hash, err := g.Output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", false, fmt.Errorf("rev-parse HEAD in worktree %s: %w", worktreePath, err)
	}
	return hash, true, nil
}

// HasCommits reports whether the task branch is ahead of its start point.
func (m *Manager) HasCommits(ctx context.Context, wt *Worktree) (bool, error) {
	out, err := m.git.In(wt.Path).Output(ctx, "rev-list", "--count", wt.StartPoint+"..HEAD")
	if err != nil {
		return false, err
	}
	return out != "0", nil
}

// Head returns the commit wt has checked out.
func (m *Manager) Head(ctx context.Context, wt *Worktree) (string, error) {
	return m.git.In(wt.Path).Output(ctx, "rev-parse", "HEAD")
}

// Push force-pushes the task branch and sets its upstream.
func (m *Manager) Push(ctx context.Context, wt *Worktree) error {
	if wt.Branch == "" {
		return fmt.Errorf("worktree %s has no task branch", wt.Path)
	}
	if _, err := m.git.In(wt.Path).Run(ctx, "push", "-u", Remote, wt.Branch, "--force"); err != nil {
		return fmt.Errorf("push %s: %w", wt.Branch, err)
	}
	return nil
}

// Remove removes a worktree and, when branch is set, its local branch.
func (m *Manager) Remove(ctx context.Context, wtPath, branch string) error {
	if _, err := m.git.Run(ctx, "worktree", "remove", "--force", wtPath); err != nil {
		// Fallback: manual cleanup.
		if removeErr := os.RemoveAll(wtPath); removeErr != nil {
			m.git.Run(ctx, "worktree", "prune")
			return fmt.Errorf("worktree remove failed (%w) and manual cleanup also failed: %v", err, removeErr)
		}
		m.git.Run(ctx, "worktree", "prune")
	}
	if branch != "" {
		if _, err := m.git.Run(ctx, "branch", "-D", branch); err != nil {
			debug.LogKV("worktree", "branch delete failed", "branch", branch, "error", err)
		}
	}
	return nil
}

// ListActive returns the worktrees under Dir.
func (m *Manager) ListActive(ctx context.Context) ([]Info, error) {
	out, err := m.git.Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	base := m.baseDir()
	var result []Info
	var current Info
	flush := func() {
		if current.Path != "" && strings.HasPrefix(resolve(current.Path), base) {
			result = append(result, current)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = Info{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return result, nil
}

// CleanupAll removes every agent worktree and its task branch. Used for
// crash recovery.
func (m *Manager) CleanupAll(ctx context.Context) (int, error) {
	active, err := m.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, wt := range active {
		if err := m.Remove(ctx, wt.Path, wt.Branch); err != nil {
			debug.LogKV("worktree", "CleanupAll: remove failed", "path", wt.Path, "branch", wt.Branch, "error", err)
			continue
		}
		removed++
	}
	os.RemoveAll(filepath.Join(m.repoRoot, Dir))
	m.git.Run(ctx, "worktree", "prune")
	return removed, nil
}

// ensureExcluded keeps Dir out of the main checkout's status.
func (m *Manager) ensureExcluded(ctx context.Context) {
	path, err := m.git.Output(ctx, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.repoRoot, path)
	}
	entry := "/" + Dir + "/"
	data, err := os.ReadFile(path)
	if err == nil && slices.Contains(strings.Split(string(data), "\n"), entry) {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		debug.LogKV("worktree", "exclude update failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		entry = "\n" + entry
	}
	fmt.Fprintln(f, entry)
}

func (m *Manager) baseDir() string {
	return resolve(filepath.Join(m.repoRoot, Dir))
}

// resolve follows symlinks so paths reported by git (which resolves them,
// e.g. /private/var on macOS) compare equal to ours.
func resolve(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}
