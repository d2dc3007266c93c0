// Package metrics holds the Prometheus collectors for orchestrator runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/locusai/locus/internal/debug"
)

const namespace = "locus"

// Metrics records task claims, task outcomes, runner attempts, tier merges and
// the number of live agents. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tasksClaimed   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	runnerAttempts *prometheus.CounterVec
	tierMerges     *prometheus.CounterVec
	agentsActive   prometheus.Gauge
}

// New creates the collectors and registers them with reg. Collectors that are
// already registered are reused, so several runs in one process share them.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Tasks claimed through the lease primitive.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks executed by agents, by outcome.",
		}, []string{"outcome"}),
		runnerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_attempts_total",
			Help:      "AI backend process attempts, by backend and result.",
		}, []string{"backend", "result"}),
		tierMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_merges_total",
			Help:      "Tier merge branch creations, by result.",
		}, []string{"result"}),
		agentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_active",
			Help:      "Agent workers currently running.",
		}),
	}

	var err error
	if m.tasksClaimed, err = register(reg, m.tasksClaimed); err != nil {
		return nil, err
	}
	if m.tasksCompleted, err = register(reg, m.tasksCompleted); err != nil {
		return nil, err
	}
	if m.runnerAttempts, err = register(reg, m.runnerAttempts); err != nil {
		return nil, err
	}
	if m.tierMerges, err = register(reg, m.tierMerges); err != nil {
		return nil, err
	}
	if m.agentsActive, err = register(reg, m.agentsActive); err != nil {
		return nil, err
	}
	return m, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// TaskClaimed counts a successful dispatch.
func (m *Metrics) TaskClaimed() {
	if m == nil {
		return
	}
	m.tasksClaimed.Inc()
}

// TaskCompleted counts a reported task outcome.
func (m *Metrics) TaskCompleted(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.tasksCompleted.WithLabelValues(outcome).Inc()
}

// RunnerAttempt counts one backend process attempt.
func (m *Metrics) RunnerAttempt(backend string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runnerAttempts.WithLabelValues(backend, result).Inc()
}

// TierMerge counts a tier merge attempt. result is "merged", "empty" or "failed".
func (m *Metrics) TierMerge(result string) {
	if m == nil {
		return
	}
	m.tierMerges.WithLabelValues(result).Inc()
}

func (m *Metrics) AgentStarted() {
	if m == nil {
		return
	}
	m.agentsActive.Inc()
}

func (m *Metrics) AgentStopped() {
	if m == nil {
		return
	}
	m.agentsActive.Dec()
}

// Serve exposes g on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		debug.LogKV("metrics", "listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
