package shell

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/meshwire/meshwire/internal/session"
)

// SmartShell layers prompt detection over a Shell, turning the raw byte
// stream into a synchronous command/response REPL.
type SmartShell struct {
	sh    *Shell
	ready *regexp.Regexp
}

// NewSmart settles a SmartShell over sh. It waits for the ready pattern
// twice before returning: the remote shell has been observed to echo its
// initial prompt twice, and settling on the first one leaves the second
// in the buffer to corrupt the first command's output. Kept as observed;
// not confirmed to be intentional server behavior.
func NewSmart(ctx context.Context, sh *Shell, ready *regexp.Regexp, timeout time.Duration) (*SmartShell, error) {
	for i := 0; i < 2; i++ {
		if _, err := sh.Expect(ctx, ready, timeout, false); err != nil {
			return nil, fmt.Errorf("await prompt: %w", err)
		}
	}
	return &SmartShell{sh: sh, ready: ready}, nil
}

// AttachSmart opens a terminal tunnel to nodeID and settles a SmartShell
// on it, reusing a cached live one for the same node and prompt pattern
// when available.
func AttachSmart(ctx context.Context, sess *session.Session, nodeID string, ready *regexp.Regexp, timeout time.Duration, logger *slog.Logger) (*SmartShell, error) {
	key := nodeID + "|" + ready.String()
	u, err := sess.Reuse(key, func() (session.TunnelUser, error) {
		sh, err := Attach(ctx, sess, nodeID, logger)
		if err != nil {
			return nil, err
		}
		ss, err := NewSmart(ctx, sh, ready, timeout)
		if err != nil {
			_ = sh.Close()
			return nil, err
		}
		return ss, nil
	})
	if err != nil {
		return nil, err
	}
	return u.(*SmartShell), nil
}

// SendCommand writes text to the remote shell (appending a newline if
// absent), waits for the next prompt, and returns the output preceding
// it. The prompt itself is stripped; the echoed command line is not.
func (s *SmartShell) SendCommand(ctx context.Context, text string, timeout time.Duration) ([]byte, error) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := s.sh.Write(ctx, []byte(text)); err != nil {
		return nil, err
	}
	out, err := s.sh.Expect(ctx, s.ready, timeout, false)
	if err != nil {
		return nil, err
	}
	if loc := s.ready.FindIndex(out); loc != nil {
		out = out[:loc[0]]
	}
	return out, nil
}

// Shell exposes the underlying raw shell.
func (s *SmartShell) Shell() *Shell { return s.sh }

// Alive implements session.TunnelUser.
func (s *SmartShell) Alive() bool { return s.sh.Alive() }

// Close implements session.TunnelUser.
func (s *SmartShell) Close() error { return s.sh.Close() }
