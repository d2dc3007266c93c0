// Package tiermerge folds the task branches pushed by one tier's agents into
// a single merge branch that the next tier starts from.
package tiermerge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/locusai/locus/internal/console"
	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/gitcmd"
	"github.com/locusai/locus/internal/metrics"
	"github.com/locusai/locus/internal/taskstore"
	"github.com/locusai/locus/internal/worktree"
)

// prefixLen is how much of a task id is compared when matching branches.
// Ids sharing their first prefixLen characters are indistinguishable.
const prefixLen = 8

// BranchName is locus/tier-<tier>, suffixed with the first 8 characters of
// sprintID when one is set.
func BranchName(tier int, sprintID string) string {
	name := fmt.Sprintf("locus/tier-%d", tier)
	if sprintID == "" {
		return name
	}
	return name + "-" + truncate(sprintID, prefixLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// branchMatchesTask reports whether a task branch name (without the
// "agent/" prefix) belongs to taskID by comparing 8-character prefixes.
// Shorter ids must be followed by the "-" that starts the slug.
func branchMatchesTask(rest, taskID string) bool {
	if taskID == "" {
		return false
	}
	n := min(prefixLen, len(taskID))
	if len(rest) < n || rest[:n] != taskID[:n] {
		return false
	}
	if len(taskID) >= prefixLen || len(rest) == n {
		return true
	}
	return rest[n] == '-'
}

// Service merges tier branches in the repository at the orchestrator's root.
type Service struct {
	git      *gitcmd.Runner
	sprintID string
	log      *console.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	tiers map[int][]string
}

// New creates a Service for the repository at repoRoot.
func New(repoRoot, sprintID string, log *console.Logger, m *metrics.Metrics) *Service {
	return &Service{
		git:      gitcmd.New(repoRoot, "tiermerge"),
		sprintID: sprintID,
		log:      log.With("merge"),
		metrics:  m,
		tiers:    make(map[int][]string),
	}
}

// TierBranchName is BranchName for the service's sprint.
func (s *Service) TierBranchName(tier int) string {
	return BranchName(tier, s.sprintID)
}

// RemoteBranchExists reports whether origin has branch. Lookup failures are
// logged and reported as missing.
func (s *Service) RemoteBranchExists(ctx context.Context, branch string) bool {
	ok, err := s.git.RemoteBranchExists(ctx, worktree.Remote, branch)
	if err != nil {
		debug.LogKV("tiermerge", "ls-remote failed", "branch", branch, "error", err)
		return false
	}
	return ok
}

// RegisterTierTasks records which task ids belong to which tier. Tasks
// without a tier are ignored.
func (s *Service) RegisterTierTasks(tasks []taskstore.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers = make(map[int][]string)
	for _, t := range tasks {
		if t.Tier == nil {
			continue
		}
		s.tiers[*t.Tier] = append(s.tiers[*t.Tier], t.ID)
	}
}

// TaskBranches lists the remote task branches that belong to tier, in the
// order the tier's tasks were registered. The caller fetches first.
func (s *Service) TaskBranches(ctx context.Context, tier int) ([]string, error) {
	s.mu.Lock()
	ids := append([]string(nil), s.tiers[tier]...)
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil, nil
	}

	out, err := s.git.Run(ctx, "branch", "-r", "--list", worktree.Remote+"/"+worktree.BranchPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list remote task branches: %w", err)
	}
	var remote []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.Contains(name, " -> ") {
			continue
		}
		remote = append(remote, strings.TrimPrefix(name, worktree.Remote+"/"))
	}
	sort.Strings(remote)

	var matched []string
	seen := make(map[string]bool)
	for _, id := range ids {
		for _, b := range remote {
			if seen[b] {
				continue
			}
			if branchMatchesTask(strings.TrimPrefix(b, worktree.BranchPrefix), id) {
				matched = append(matched, b)
				seen[b] = true
			}
		}
	}
	return matched, nil
}

// CreateMergeBranch merges the tier's pushed task branches, one at a time,
// into a fresh branch cut from origin/<baseBranch> and force-pushes it. A
// branch that conflicts is aborted and left out; the rest are still merged.
// It returns "" with a nil error when the tier pushed nothing, and an error
// when the merge branch could not be produced at all.
func (s *Service) CreateMergeBranch(ctx context.Context, tier int, baseBranch string) (string, error) {
	target := s.TierBranchName(tier)
	log := s.log.With(fmt.Sprintf("tier %d", tier))

	if _, err := s.git.Run(ctx, "fetch", worktree.Remote); err != nil {
		s.metrics.TierMerge("failed")
		return "", fmt.Errorf("fetch: %w", err)
	}

	branches, err := s.TaskBranches(ctx, tier)
	if err != nil {
		s.metrics.TierMerge("failed")
		return "", err
	}
	if len(branches) == 0 {
		log.Warnf("no pushed task branches found, skipping merge")
		s.metrics.TierMerge("empty")
		return "", nil
	}
	log.Infof("merging %d branch(es) into %s", len(branches), target)

	// A stale local branch from an earlier run would block checkout -b.
	if _, err := s.git.Run(ctx, "branch", "-D", target); err != nil {
		debug.LogKV("tiermerge", "no stale branch to delete", "branch", target)
	}
	if _, err := s.git.Run(ctx, "checkout", "-b", target, worktree.Remote+"/"+baseBranch); err != nil {
		s.metrics.TierMerge("failed")
		return "", fmt.Errorf("create %s from %s/%s: %w", target, worktree.Remote, baseBranch, err)
	}

	var merged, failed []string
	for _, b := range branches {
		ref := worktree.Remote + "/" + b
		if _, err := s.git.Commit(ctx, "merge", ref, "--no-edit"); err != nil {
			log.Errorf("merge of %s failed, excluding it: %v", b, err)
			if _, abortErr := s.git.Run(ctx, "merge", "--abort"); abortErr != nil {
				debug.LogKV("tiermerge", "merge --abort failed", "branch", b, "error", abortErr)
			}
			failed = append(failed, b)
			continue
		}
		merged = append(merged, b)
	}

	if _, err := s.git.Run(ctx, "push", "-u", worktree.Remote, target, "--force"); err != nil {
		s.checkoutBase(ctx, baseBranch)
		s.metrics.TierMerge("failed")
		return "", fmt.Errorf("push %s: %w", target, err)
	}
	s.checkoutBase(ctx, baseBranch)

	debug.LogKV("tiermerge", "merge branch pushed",
		"tier", tier,
		"branch", target,
		"merged", strings.Join(merged, ","),
		"failed", strings.Join(failed, ","),
	)
	if len(failed) > 0 {
		log.Warnf("%s pushed with %d of %d branch(es); excluded: %s",
			target, len(merged), len(branches), strings.Join(failed, ", "))
	} else {
		log.Successf("%s pushed with %d branch(es)", target, len(merged))
	}
	s.metrics.TierMerge("merged")
	return target, nil
}

func (s *Service) checkoutBase(ctx context.Context, baseBranch string) {
	if _, err := s.git.Run(ctx, "checkout", baseBranch); err != nil {
		s.log.Warnf("could not check out %s after merge: %v", baseBranch, err)
	}
}
