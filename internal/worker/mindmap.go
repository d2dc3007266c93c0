package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/locusai/locus/internal/debug"
	"github.com/locusai/locus/internal/taskstore"
)

// BuildMindmapPrompt asks the agent for a short plan of how the sprint's
// tasks fit together.
func BuildMindmapPrompt(s *taskstore.Sprint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are planning sprint %q. Several agents will work on its tasks in parallel.\n\n", s.Name)
	b.WriteString("## Tasks\n\n")
	for _, t := range s.Tasks {
		tier := "-"
		if t.Tier != nil {
			tier = fmt.Sprint(*t.Tier)
		}
		fmt.Fprintf(&b, "- [%s] (tier %s, %s) %s\n", t.ID, tier, t.Status, t.Title)
		if desc := strings.TrimSpace(t.Description); desc != "" {
			fmt.Fprintf(&b, "  %s\n", strings.ReplaceAll(desc, "\n", "\n  "))
		}
	}
	b.WriteString("\n## Output\n\n")
	b.WriteString("Write a concise plan: which areas of the codebase each task touches, ")
	b.WriteString("shared interfaces the tasks must agree on, and ordering constraints. ")
	b.WriteString("Do not modify any files.\n")
	return b.String()
}

// prepareMindmap loads the sprint plan into the executor, regenerating it
// when missing or older than the newest task. Single-task sprints skip it.
// Workers sharing Mindmaps generate a sprint's plan once.
func (w *Worker) prepareMindmap(ctx context.Context) {
	sprint, err := w.sprint(ctx)
	if err != nil {
		debug.LogKV("worker", "no sprint for mindmap", "agent", w.Config.AgentID, "error", err)
		return
	}
	if len(sprint.Tasks) <= 1 {
		return
	}
	if !sprint.MindmapStale() {
		w.Executor.SetPlan(sprint.Mindmap)
		return
	}
	if w.Runner == nil {
		return
	}

	var (
		v      any
		shared bool
	)
	if w.Mindmaps != nil {
		v, err, shared = w.Mindmaps.Do(sprint.ID, func() (any, error) {
			return w.generateMindmap(ctx, sprint)
		})
	} else {
		v, err = w.generateMindmap(ctx, sprint)
	}
	if err != nil {
		w.Log.Warnf("sprint plan failed: %v", err)
		return
	}
	debug.LogKV("worker", "sprint plan ready", "agent", w.Config.AgentID, "sprint", sprint.ID, "shared", shared)
	w.Executor.SetPlan(v.(string))
}

func (w *Worker) generateMindmap(ctx context.Context, sprint *taskstore.Sprint) (any, error) {
	// Another worker may have saved a plan since the first check.
	if current, err := w.sprint(ctx); err == nil && !current.MindmapStale() {
		return current.Mindmap, nil
	}
	w.Log.Infof("generating sprint plan for %s", sprint.Name)
	plan, err := w.Runner.Run(ctx, BuildMindmapPrompt(sprint))
	if err != nil {
		return nil, err
	}
	plan = strings.TrimSpace(plan)
	if err := w.Store.SaveMindmap(ctx, sprint.ID, plan); err != nil {
		w.Log.Warnf("saving sprint plan: %v", err)
	}
	return plan, nil
}

func (w *Worker) sprint(ctx context.Context) (*taskstore.Sprint, error) {
	if w.Config.SprintID != "" {
		return w.Store.GetSprint(ctx, w.Config.SprintID)
	}
	return w.Store.ActiveSprint(ctx, w.Config.WorkspaceID)
}
