package http2

import (
	"io"
	"sync"
	"sync/atomic"
)

// streamConn exposes a CONNECT stream as a byte stream for the tunnel relay.
// Inbound DATA is delivered by the read loop; writes become DATA frames.
type streamConn struct {
	id       uint32
	framer   *Framer
	maxFrame int

	pr *io.PipeReader
	pw *io.PipeWriter

	closeOnce sync.Once
	finished  atomic.Bool
}

func newStreamConn(id uint32, framer *Framer, maxFrame uint32) *streamConn {
	pr, pw := io.Pipe()
	return &streamConn{id: id, framer: framer, maxFrame: int(maxFrame), pr: pr, pw: pw}
}

func (c *streamConn) Read(p []byte) (int, error) {
	return c.pr.Read(p)
}

func (c *streamConn) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > c.maxFrame {
			chunk = p[:c.maxFrame]
		}
		if err := c.framer.WriteData(c.id, false, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close ends our side of the stream with an empty END_STREAM DATA frame.
func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.finished.Store(true)
		_ = c.pr.Close()
		err = c.framer.WriteData(c.id, true, nil)
	})
	return err
}

// deliver hands inbound DATA to the relay. It blocks until the relay reads.
func (c *streamConn) deliver(p []byte) {
	if len(p) > 0 {
		_, _ = c.pw.Write(p) // closed pipe means the relay already finished
	}
}

// done reports if our side of the stream has ended.
func (c *streamConn) done() bool { return c.finished.Load() }

// closeRead signals END_STREAM from the client.
func (c *streamConn) closeRead() {
	_ = c.pw.Close()
}

// abort tears the relay down without sending END_STREAM.
func (c *streamConn) abort() {
	c.closeOnce.Do(func() {})
	c.finished.Store(true)
	_ = c.pw.CloseWithError(io.ErrClosedPipe)
	_ = c.pr.Close()
}
