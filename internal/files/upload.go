package files

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/meshwire/meshwire/internal/wire"
)

const (
	// chunkSize is the content size of one upload data frame.
	chunkSize = 65536

	// uploadWindow bounds the number of unacknowledged chunks in
	// flight.
	uploadWindow = 8
)

// upload tracks the sender-side state of a windowed upload.
type upload struct {
	mu       sync.Mutex
	src      io.Reader
	inflight int
	eof      bool
	sent     int64
	failed   bool
}

// Upload streams src to the remote file name under dir. size is
// advisory (stated to the server; src is read to exhaustion). It returns
// the number of content bytes sent.
//
// Multiple chunks are kept in flight at once; the upload completes only
// when the source is exhausted and every chunk has been acknowledged.
func (f *Files) Upload(ctx context.Context, src io.Reader, size int64, dir, name string) (int64, error) {
	up := &upload{src: src}
	r := &request{
		kind: "upload",
		up:   up,
		msg: wire.Map{
			"action": "upload",
			"path":   dir,
			"name":   name,
			"size":   size,
		},
		done: make(chan struct{}),
	}
	_, err := f.run(ctx, r)
	up.mu.Lock()
	sent := up.sent
	up.mu.Unlock()
	return sent, err
}

// uploadControl advances the upload state machine on a JSON frame from
// the peer.
func (f *Files) uploadControl(r *request, m wire.Map) {
	switch wire.Str(m, "action") {
	case "uploadstart":
		f.pumpUpload(r)
	case "uploadack":
		r.up.mu.Lock()
		if r.up.inflight > 0 {
			r.up.inflight--
		}
		r.up.mu.Unlock()
		f.pumpUpload(r)
	case "uploaderror":
		r.up.mu.Lock()
		r.up.failed = true
		r.up.mu.Unlock()
		f.settle(r, m, &wire.ServerError{Action: "upload", Result: wire.Str(m, "result"), Payload: m})
	case "uploaddone":
		// Some agents confirm completion; the transfer is already
		// settled locally by then.
	default:
		f.logger.Debug("ignoring control frame during upload", "action", wire.Str(m, "action"))
	}
}

// pumpUpload fills the in-flight window from the source, and settles the
// request once the source is exhausted and the window has drained.
func (f *Files) pumpUpload(r *request) {
	up := r.up
	for {
		up.mu.Lock()
		if up.failed || up.inflight >= uploadWindow || up.eof {
			eof, inflight := up.eof, up.inflight
			failed := up.failed
			up.mu.Unlock()
			if !failed && eof && inflight == 0 {
				f.finishUpload(r)
			}
			return
		}
		up.mu.Unlock()

		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(up.src, buf)
		if n > 0 {
			frame := encodeChunk(buf[:n])
			if werr := f.tunnel.WriteBinary(context.Background(), frame); werr != nil {
				f.settle(r, nil, werr)
				return
			}
			up.mu.Lock()
			up.inflight++
			up.sent += int64(n)
			up.mu.Unlock()
			f.metrics.TransferBytes("up", n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				up.mu.Lock()
				up.eof = true
				up.mu.Unlock()
				continue
			}
			f.settle(r, nil, err)
			return
		}
	}
}

func (f *Files) finishUpload(r *request) {
	done := wire.Map{"action": "uploaddone", "reqid": r.msg["reqid"]}
	data, _ := wire.Encode(done)
	if err := f.tunnel.WriteText(context.Background(), data); err != nil {
		f.settle(r, nil, err)
		return
	}
	f.settle(r, nil, nil)
}

// encodeChunk frames upload content so it can never be mistaken for a
// JSON control frame, whose first transmitted byte is '{'. Every data
// frame leads with a single zero byte: content is laid down at offset 1
// of a zero-initialized frame, which doubles as the explicit zero prefix
// for content that itself begins with 0x00 or '{'.
func encodeChunk(content []byte) []byte {
	frame := make([]byte, len(content)+1)
	copy(frame[1:], content)
	return frame
}
