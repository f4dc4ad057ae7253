// Package files implements the file-transfer sub-protocol spoken over a
// files relay tunnel: directory operations as JSON request/response
// pairs, windowed chunked uploads, and stop-and-wait downloads.
//
// The relay stream carries no correlation ids, so every operation runs
// through a strict FIFO queue: at most one request consumes the wire at
// a time, and the next is dispatched only once the current one settles.
package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshwire/meshwire/internal/metrics"
	"github.com/meshwire/meshwire/internal/session"
	"github.com/meshwire/meshwire/internal/wire"
)

// conn is what the explorer needs from its tunnel. *session.Tunnel
// satisfies it; tests substitute fakes.
type conn interface {
	WriteText(ctx context.Context, data []byte) error
	WriteBinary(ctx context.Context, data []byte) error
	Alive() bool
	Close() error
}

// Files drives the file sub-protocol on one tunnel. Methods may be
// called concurrently; requests are served in call order.
type Files struct {
	tunnel  conn
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	queue    []*request
	active   *request
	closed   bool
	closeErr error
	nextReq  int
}

// request is one queued operation. Exactly one of the settle paths
// (reply, failure, transport loss) closes done.
type request struct {
	kind    string
	id      int
	msg     wire.Map
	up      *upload
	down    *download
	reply   wire.Map
	err     error
	settled bool
	done    chan struct{}
}

// Attach opens a files tunnel to nodeID and returns the explorer over it.
func Attach(ctx context.Context, sess *session.Session, nodeID string, logger *slog.Logger) (*Files, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Files{logger: logger, metrics: sess.Metrics()}
	t, err := sess.DialTunnel(ctx, nodeID, wire.ProtocolFiles, f)
	if err != nil {
		return nil, err
	}
	f.tunnel = t
	return f, nil
}

// AttachCached returns the session's cached live explorer for nodeID, or
// attaches a fresh one.
func AttachCached(ctx context.Context, sess *session.Session, nodeID string, logger *slog.Logger) (*Files, error) {
	u, err := sess.Reuse(nodeID, func() (session.TunnelUser, error) {
		return Attach(ctx, sess, nodeID, logger)
	})
	if err != nil {
		return nil, err
	}
	return u.(*Files), nil
}

// List returns the directory listing reply for path.
func (f *Files) List(ctx context.Context, path string) (wire.Map, error) {
	return f.simple(ctx, "ls", wire.Map{"action": "ls", "path": path})
}

// Mkdir creates a directory at path.
func (f *Files) Mkdir(ctx context.Context, path string) error {
	_, err := f.simple(ctx, "mkdir", wire.Map{"action": "mkdir", "path": path})
	return err
}

// Remove deletes the named entries under path.
func (f *Files) Remove(ctx context.Context, path string, names []string, recursive bool) error {
	if len(names) == 0 {
		return fmt.Errorf("remove: no names given")
	}
	_, err := f.simple(ctx, "rm", wire.Map{
		"action":   "rm",
		"path":     path,
		"delfiles": names,
		"rec":      recursive,
	})
	return err
}

// Rename renames one entry under path.
func (f *Files) Rename(ctx context.Context, path, oldName, newName string) error {
	_, err := f.simple(ctx, "rename", wire.Map{
		"action":  "rename",
		"path":    path,
		"oldname": oldName,
		"newname": newName,
	})
	return err
}

func (f *Files) simple(ctx context.Context, kind string, msg wire.Map) (wire.Map, error) {
	r := &request{kind: kind, msg: msg, done: make(chan struct{})}
	return f.run(ctx, r)
}

// run enqueues r and blocks until it settles. If the context expires
// while r is still queued, r is withdrawn; once r is active it owns the
// wire and is left to settle on its own.
func (f *Files) run(ctx context.Context, r *request) (wire.Map, error) {
	f.mu.Lock()
	if f.closed {
		err := f.closeErr
		f.mu.Unlock()
		return nil, err
	}
	f.nextReq++
	r.id = f.nextReq
	r.msg["reqid"] = r.id
	if r.down != nil {
		// Download sub-messages correlate on an id field of their own.
		r.msg["id"] = r.id
	}
	f.queue = append(f.queue, r)
	f.dispatchLocked()
	f.mu.Unlock()

	select {
	case <-r.done:
		f.metrics.Transfer(r.kind, outcomeLabel(r.err))
		return r.reply, r.err
	case <-ctx.Done():
		f.withdraw(r)
		f.metrics.Transfer(r.kind, "cancelled")
		return nil, ctx.Err()
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCanceled):
		return "peer_cancel"
	default:
		return "error"
	}
}

// dispatchLocked starts the oldest queued request if the wire is free.
// The transport is alive by construction: Attach only returns once the
// tunnel handshake completes, and closure settles the queue.
func (f *Files) dispatchLocked() {
	if f.active != nil || len(f.queue) == 0 || f.closed {
		return
	}
	f.active = f.queue[0]
	f.queue = f.queue[1:]
	r := f.active
	go f.sendInitial(r)
}

func (f *Files) sendInitial(r *request) {
	data, err := wire.Encode(r.msg)
	if err == nil {
		err = f.tunnel.WriteText(context.Background(), data)
	}
	if err != nil {
		f.settle(r, nil, err)
	}
}

// withdraw removes a queued, not-yet-active request.
func (f *Files) withdraw(r *request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, q := range f.queue {
		if q == r {
			f.queue = append(f.queue[:i:i], f.queue[i+1:]...)
			return
		}
	}
}

// settle completes a request exactly once and dispatches the next one.
func (f *Files) settle(r *request, reply wire.Map, err error) {
	f.mu.Lock()
	if r.settled {
		f.mu.Unlock()
		return
	}
	r.settled = true
	if f.active == r {
		f.active = nil
	}
	r.reply = reply
	r.err = err
	f.dispatchLocked()
	f.mu.Unlock()
	close(r.done)
}

// HandleFrame implements session.FrameHandler, routing inbound frames to
// the active request's state machine.
func (f *Files) HandleFrame(binary bool, data []byte) {
	f.mu.Lock()
	r := f.active
	f.mu.Unlock()
	if r == nil {
		f.logger.Debug("discarding frame with no active request", "binary", binary, "len", len(data))
		return
	}

	if binary || (len(data) > 0 && data[0] != '{') {
		if r.down != nil {
			f.downloadData(r, data)
		}
		return
	}

	m, err := wire.Decode(data)
	if err != nil {
		f.logger.Warn("discarding unparseable control frame", "error", err)
		return
	}
	switch {
	case r.up != nil:
		f.uploadControl(r, m)
	case r.down != nil:
		f.downloadControl(r, m)
	default:
		if wire.Action(m) == r.kind {
			f.settle(r, m, wire.ResultErr(r.kind, m))
		} else {
			f.logger.Debug("ignoring control frame for simple request",
				"want", r.kind, "got", wire.Action(m))
		}
	}
}

// HandleClose implements session.FrameHandler: transport loss fails the
// active request and every queued one.
func (f *Files) HandleClose(cause error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	if cause == nil {
		cause = wire.Closed()
	}
	f.closeErr = cause
	active := f.active
	queued := f.queue
	f.active = nil
	f.queue = nil
	f.mu.Unlock()

	if active != nil {
		f.settle(active, nil, cause)
	}
	for _, r := range queued {
		f.settle(r, nil, cause)
	}
}

// Alive implements session.TunnelUser.
func (f *Files) Alive() bool { return f.tunnel.Alive() }

// Close implements session.TunnelUser, shutting the tunnel and failing
// everything queued.
func (f *Files) Close() error { return f.tunnel.Close() }
