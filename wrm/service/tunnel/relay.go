// Package tunnel relays bytes between two streams once a CONNECT request
// has been accepted.
package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BufferSize is the copy buffer used for each direction.
const BufferSize = 16 << 10

// Relay copies a→b and b→a concurrently. When either direction ends, fails,
// or ctx is cancelled, both sides are closed and Relay returns once the other
// direction has stopped. End of stream and errors caused by the closing
// itself are not reported.
func Relay(ctx context.Context, a, b io.ReadWriteCloser) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return pump(b, a)
	})
	g.Go(func() error {
		defer closeBoth()
		return pump(a, b)
	})
	return g.Wait()
}

func pump(dst io.Writer, src io.Reader) error {
	buf := make([]byte, BufferSize)
	// hide ReaderFrom/WriterTo so the fixed buffer is always used
	_, err := io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, buf)
	if err == nil || isClosed(err) {
		return nil
	}
	return err
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled)
}
