// Package pipeline composes ordered connection stages into a single handler
// invoked once per accepted connection.
package pipeline

import (
	"net"
	"sync"
	"time"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
	"github.com/go-appsec/wrm/wrm/service/sniff"
)

// Decision is the policy outcome for the current exchange.
type Decision int

const (
	Allow Decision = iota
	Block
)

func (d Decision) String() string {
	if d == Block {
		return "block"
	}
	return "allow"
}

// Context is the per-connection state shared by every stage. It is owned by
// the connection's goroutine and must not be retained after the pipeline returns.
type Context struct {
	// ID identifies the connection in logs and history.
	ID string
	// Conn is the current view of the connection. Stages may replace it with
	// a wrapper (replay, TLS) that later stages read from.
	Conn       net.Conn
	RemoteAddr net.Addr
	Accepted   time.Time

	Protocol sniff.Protocol
	TLS      bool

	// Exchange fields, reset by BeginExchange for each request.
	Request  *httpmsg.Request
	Response *httpmsg.Response
	Decision Decision
	Started  time.Time

	values    map[any]any
	closeOnce sync.Once
	closeErr  error
}

// NewContext creates the context for a freshly accepted connection.
func NewContext(id string, conn net.Conn) *Context {
	return &Context{
		ID:         id,
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr(),
		Accepted:   time.Now(),
	}
}

// BeginExchange resets the exchange fields for a newly parsed request.
func (c *Context) BeginExchange(req *httpmsg.Request) {
	c.Request = req
	c.Response = nil
	c.Decision = Allow
	c.Started = time.Now()
}

// Close closes the current connection view. Only the first call has an effect.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

type valueKey[T any] struct{}

// SetValue stores a value keyed by its type for later stages.
func SetValue[T any](c *Context, v T) {
	if c.values == nil {
		c.values = make(map[any]any)
	}
	c.values[valueKey[T]{}] = v
}

// Value returns the value of type T previously stored with SetValue.
func Value[T any](c *Context) (T, bool) {
	v, ok := c.values[valueKey[T]{}].(T)
	return v, ok
}
