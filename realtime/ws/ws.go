// Package ws wraps gorilla/websocket with context-aware reads and writes
// and an Origin allow-list, for the admin event stream.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a websocket connection whose reads and writes honor a context.
// gorilla/websocket only unblocks on socket deadlines, so cancellation is
// implemented by forcing the deadline to now when the context fires.
type Conn struct {
	c *websocket.Conn
}

// UpgraderOptions carries the upgrader knobs the event stream needs.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade hijacks the HTTP request into a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// ReadMessage reads one frame, failing fast when ctx is already done and
// waking promptly when it becomes done mid-read.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	release := armWake(ctx, c.c.SetReadDeadline)
	defer release()
	mt, b, err := c.c.ReadMessage()
	if err != nil {
		return 0, nil, mapTimeout(ctx, err)
	}
	return mt, b, nil
}

// WriteMessage writes one frame under the same cancellation contract as
// ReadMessage.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release := armWake(ctx, c.c.SetWriteDeadline)
	defer release()
	if err := c.c.WriteMessage(messageType, data); err != nil {
		return mapTimeout(ctx, err)
	}
	return nil
}

// Close closes the websocket connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// armWake applies the context deadline to the socket and registers a
// watcher that yanks the deadline to now on cancellation, waking whichever
// read or write is in flight. The returned release disarms the watcher;
// callers must invoke it before the next operation reuses the deadline.
func armWake(ctx context.Context, setDeadline func(time.Time) error) (release func()) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = setDeadline(deadline)
	} else {
		_ = setDeadline(time.Time{})
	}
	if ctx.Done() == nil {
		return func() {}
	}
	var armed atomic.Bool
	armed.Store(true)
	stop := context.AfterFunc(ctx, func() {
		if armed.Load() {
			_ = setDeadline(time.Now())
		}
	})
	return func() {
		armed.Store(false)
		stop()
	}
}

// mapTimeout folds a deadline-induced I/O timeout back into the context's
// error, so callers see ctx.Err() rather than a bare net timeout. The socket
// deadline can race slightly ahead of the context timer, hence the explicit
// deadline check.
func mapTimeout(ctx context.Context, err error) error {
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}
