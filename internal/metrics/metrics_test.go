package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.TaskClaimed()
	m.TaskClaimed()
	m.TaskCompleted(true)
	m.TaskCompleted(false)
	m.RunnerAttempt("claude", nil)
	m.RunnerAttempt("claude", errors.New("rate limited"))
	m.TierMerge("merged")
	m.AgentStarted()
	m.AgentStarted()
	m.AgentStopped()

	if got := testutil.ToFloat64(m.tasksClaimed); got != 2 {
		t.Fatalf("tasks claimed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.tasksCompleted.WithLabelValues("failure")); got != 1 {
		t.Fatalf("failed tasks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.runnerAttempts.WithLabelValues("claude", "error")); got != 1 {
		t.Fatalf("runner errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.agentsActive); got != 1 {
		t.Fatalf("agents active = %v, want 1", got)
	}
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNew(reg)
	b := MustNew(reg)

	a.TaskClaimed()
	b.TaskClaimed()
	if got := testutil.ToFloat64(a.tasksClaimed); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskClaimed()
	m.TaskCompleted(true)
	m.RunnerAttempt("codex", nil)
	m.TierMerge("failed")
	m.AgentStarted()
	m.AgentStopped()
}
