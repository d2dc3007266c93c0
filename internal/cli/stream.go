package cli

import (
	"os"

	"github.com/locusai/locus/internal/stream"
)

// startDisplay renders chunks on stderr until the returned stop function is
// called. It returns a nil channel when streaming is off.
func startDisplay(enabled bool, prefix string) (chan<- stream.Chunk, func()) {
	if !enabled {
		return nil, func() {}
	}
	ch := make(chan stream.Chunk, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d := stream.NewDisplay(os.Stderr, prefix)
		for c := range ch {
			d.Handle(c)
		}
		d.Finish()
	}()
	return ch, func() {
		close(ch)
		<-done
	}
}
