package executor

import (
	"fmt"
	"strings"

	"github.com/locusai/locus/internal/taskstore"
)

const maxRecentComments = 5

// BuildPrompt renders the task prompt: title, description, acceptance
// criteria, the latest comments and the sprint plan when one is set.
func BuildPrompt(task *taskstore.Task, plan string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", strings.TrimSpace(task.Title))
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	if task.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", task.Priority)
	}
	if task.Tier != nil {
		fmt.Fprintf(&b, "Tier: %d\n", *task.Tier)
	}
	b.WriteString("\n")

	if desc := strings.TrimSpace(task.Description); desc != "" {
		b.WriteString("## Description\n\n")
		b.WriteString(desc)
		b.WriteString("\n\n")
	}

	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance Criteria\n\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(c))
		}
		b.WriteString("\n")
	}

	if comments := task.Comments; len(comments) > 0 {
		if len(comments) > maxRecentComments {
			comments = comments[len(comments)-maxRecentComments:]
		}
		b.WriteString("## Recent Comments\n\n")
		for _, c := range comments {
			fmt.Fprintf(&b, "- [%s, %s] %s\n", c.Author, c.CreatedAt.UTC().Format("2006-01-02 15:04"), strings.TrimSpace(c.Text))
		}
		b.WriteString("\n")
	}

	if plan = strings.TrimSpace(plan); plan != "" {
		b.WriteString("## Sprint Plan\n\n")
		b.WriteString("Other agents are working on the rest of this sprint in parallel. ")
		b.WriteString("Stay within your task and avoid touching areas owned by other tasks.\n\n")
		b.WriteString(plan)
		b.WriteString("\n\n")
	}

	b.WriteString("## Instructions\n\n")
	b.WriteString("- Implement the task in the current working directory.\n")
	b.WriteString("- Do not commit, push or switch branches; that is handled for you.\n")
	b.WriteString("- Finish with a short summary of what you changed.\n")
	fmt.Fprintf(&b, "- If the task cannot be completed, reply with a line starting with `%s` followed by the reason.\n", FailureMarker)

	return b.String()
}
