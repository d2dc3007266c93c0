package cli

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/locusai/locus/internal/console"
)

// stopper turns the first interrupt into a graceful stop (agents finish
// their current task) and the second into cancellation.
type stopper struct {
	stopping atomic.Bool
}

func (s *stopper) running() bool { return !s.stopping.Load() }

func withInterrupts(parent context.Context, log *console.Logger) (context.Context, *stopper, func()) {
	ctx, cancel := context.WithCancel(parent)
	st := &stopper{}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			select {
			case <-sigCh:
				if st.stopping.CompareAndSwap(false, true) {
					log.Warnf("stopping after current tasks; interrupt again to abort")
					continue
				}
				log.Errorf("aborting")
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return ctx, st, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
