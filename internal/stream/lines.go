package stream

import (
	"bufio"
	"context"
	"io"
)

const maxLineSize = 1024 * 1024 // 1 MB

// ScanLines calls fn for every line read from r until EOF, a read error or
// ctx cancellation. Lines are copied, so fn may retain them.
func ScanLines(ctx context.Context, r io.Reader, fn func(line []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		fn(append([]byte(nil), scanner.Bytes()...))
	}
	return scanner.Err()
}
