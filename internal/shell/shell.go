package shell

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/meshwire/meshwire/internal/session"
	"github.com/meshwire/meshwire/internal/wire"
)

// ctrlChannelID tags the server's internal liveness probes on a terminal
// tunnel. Frames that are exactly this sentinel never reach the buffer.
const ctrlChannelID = "102938"

// transport is what a shell needs from its tunnel. *session.Tunnel
// satisfies it; tests substitute fakes.
type transport interface {
	WriteBinary(ctx context.Context, data []byte) error
	Alive() bool
	Recorded() bool
	Close() error
}

// Shell is a raw byte-stream terminal on a managed node: writes go
// straight to the tunnel, inbound frames accumulate in a Buffer consumed
// through Read and Expect.
type Shell struct {
	tunnel transport
	buf    *Buffer
	logger *slog.Logger
}

// Attach opens a terminal tunnel to nodeID and returns a shell over it.
func Attach(ctx context.Context, sess *session.Session, nodeID string, logger *slog.Logger) (*Shell, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sh := &Shell{buf: NewBuffer(), logger: logger}
	t, err := sess.DialTunnel(ctx, nodeID, wire.ProtocolTerminal, sh)
	if err != nil {
		return nil, err
	}
	sh.tunnel = t
	return sh, nil
}

// HandleFrame implements session.FrameHandler. Control sentinels are
// discarded; everything else is terminal output.
func (sh *Shell) HandleFrame(binary bool, data []byte) {
	if !binary && isControlSentinel(data) {
		return
	}
	sh.buf.Append(data)
}

// HandleClose implements session.FrameHandler.
func (sh *Shell) HandleClose(err error) {
	sh.buf.CloseWithError(err)
}

// isControlSentinel reports whether a text frame is exactly the internal
// liveness probe: {"ctrlChannel":"102938","type":"ping"} (or pong).
func isControlSentinel(data []byte) bool {
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	m, err := wire.Decode(data)
	if err != nil || len(m) != 2 {
		return false
	}
	if wire.Str(m, "ctrlChannel") != ctrlChannelID {
		return false
	}
	typ := wire.Str(m, "type")
	return typ == wire.ActionPing || typ == wire.ActionPong
}

// Write sends keystrokes (or any raw bytes) to the remote terminal.
// Fire-and-forget: there is no acknowledgment.
func (sh *Shell) Write(ctx context.Context, p []byte) error {
	return sh.tunnel.WriteBinary(ctx, p)
}

// Read consumes buffered terminal output; see Buffer.Read.
func (sh *Shell) Read(ctx context.Context, length int, timeout time.Duration, keep bool) ([]byte, error) {
	return sh.buf.Read(ctx, length, timeout, keep)
}

// Expect consumes output through the first match of re; see
// Buffer.Expect.
func (sh *Shell) Expect(ctx context.Context, re *regexp.Regexp, timeout time.Duration, keep bool) ([]byte, error) {
	return sh.buf.Expect(ctx, re, timeout, keep)
}

// Alive reports whether the underlying tunnel is still open.
func (sh *Shell) Alive() bool { return sh.tunnel.Alive() }

// Recorded reports whether the server is recording this terminal.
func (sh *Shell) Recorded() bool { return sh.tunnel.Recorded() }

// Close shuts the tunnel. Output already buffered remains readable.
func (sh *Shell) Close() error { return sh.tunnel.Close() }
