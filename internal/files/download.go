package files

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/meshwire/meshwire/internal/wire"
)

// ErrCanceled is returned when the peer cancels a download mid-stream.
// The byte count returned alongside it reports the partial result.
var ErrCanceled = errors.New("transfer canceled by peer")

// download tracks the receiver-side state of a stop-and-wait download.
// Exactly one data frame is outstanding at a time: every non-final frame
// is acknowledged before the peer sends the next.
type download struct {
	mu      sync.Mutex
	dst     io.Writer
	started bool
	written int64
}

// Download streams the remote file at path into dst, returning the
// number of payload bytes written. A peer cancel ends the transfer early
// with ErrCanceled and the partial count.
func (f *Files) Download(ctx context.Context, dst io.Writer, path string) (int64, error) {
	down := &download{dst: dst}
	r := &request{
		kind: "download",
		down: down,
		msg: wire.Map{
			"action": "download",
			"sub":    "start",
			"path":   path,
		},
		done: make(chan struct{}),
	}
	_, err := f.run(ctx, r)
	down.mu.Lock()
	written := down.written
	down.mu.Unlock()
	return written, err
}

// downloadControl advances the download state machine on a JSON frame.
func (f *Files) downloadControl(r *request, m wire.Map) {
	if wire.Str(m, "action") != "download" {
		f.logger.Debug("ignoring control frame during download", "action", wire.Str(m, "action"))
		return
	}
	switch wire.Str(m, "sub") {
	case "startack":
		r.down.mu.Lock()
		r.down.started = true
		r.down.mu.Unlock()
	case "cancel":
		f.settle(r, m, ErrCanceled)
	default:
		f.logger.Debug("ignoring download control frame", "sub", wire.Str(m, "sub"))
	}
}

// downloadData consumes one binary data frame: a 4-byte header whose
// fourth byte's low bit flags end-of-stream, then payload. Non-final
// frames are acknowledged; the final frame ends the transfer without an
// acknowledgment.
func (f *Files) downloadData(r *request, data []byte) {
	d := r.down
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		f.logger.Debug("discarding data frame before startack", "len", len(data))
		return
	}
	if len(data) < 4 {
		f.logger.Debug("discarding short data frame", "len", len(data))
		return
	}
	final := data[3]&1 == 1
	payload := data[4:]

	if len(payload) > 0 {
		if _, err := d.dst.Write(payload); err != nil {
			f.settle(r, nil, err)
			return
		}
		d.mu.Lock()
		d.written += int64(len(payload))
		d.mu.Unlock()
		f.metrics.TransferBytes("down", len(payload))
	}

	if final {
		f.settle(r, nil, nil)
		return
	}
	ack := wire.Map{"action": "download", "sub": "ack", "id": r.id}
	frame, _ := wire.Encode(ack)
	if err := f.tunnel.WriteText(context.Background(), frame); err != nil {
		f.settle(r, nil, err)
	}
}
