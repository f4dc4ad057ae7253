// Package shell scripts an interactive terminal over a relay tunnel: a
// byte accumulation buffer with blocking read and regex-expect
// primitives, and a prompt-aware wrapper that turns the stream into
// synchronous command/response pairs.
package shell

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/meshwire/meshwire/internal/wire"
)

// expectDrainMax bounds the best-effort drain attached to an expect
// timeout failure.
const expectDrainMax = 1024

// Buffer accumulates received bytes and wakes blocked readers on every
// append. Consumption slices from the front; the buffer only stays
// bounded if callers keep reading.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	closed   bool
	closeErr error
	wake     chan struct{}
}

// NewBuffer returns an empty open buffer.
func NewBuffer() *Buffer {
	return &Buffer{wake: make(chan struct{})}
}

// Append adds bytes and wakes all waiters. Appends after close are
// dropped.
func (b *Buffer) Append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(p) == 0 {
		return
	}
	b.data = append(b.data, p...)
	b.bump()
}

// CloseWithError marks the buffer closed. Buffered bytes remain
// readable; blocked waiters wake and fail with err.
func (b *Buffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.closeErr = err
	b.bump()
}

// bump must be called with mu held.
func (b *Buffer) bump() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// take removes and returns up to n bytes from the front, or everything
// for n < 0. Must be called with mu held.
func (b *Buffer) take(n int) []byte {
	if n < 0 || n > len(b.data) {
		n = len(b.data)
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[n:]
	return out
}

// Read blocks until at least length bytes are buffered, then removes and
// returns exactly that many. length <= 0 is a non-blocking drain of
// whatever is buffered, possibly nothing. A zero timeout waits
// indefinitely (until close or context cancellation).
//
// On timeout or closure with keep false, the buffer is left untouched
// for a later read; with keep true, up to length bytes are removed and
// returned alongside the failure.
func (b *Buffer) Read(ctx context.Context, length int, timeout time.Duration, keep bool) ([]byte, error) {
	b.mu.Lock()
	if length <= 0 {
		out := b.take(-1)
		b.mu.Unlock()
		return out, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		if len(b.data) >= length {
			out := b.take(length)
			b.mu.Unlock()
			return out, nil
		}
		if b.closed {
			return b.abort(length, keep, b.closeFailure())
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
			b.mu.Lock()
		case <-timer:
			b.mu.Lock()
			return b.abort(length, keep, nil)
		case <-ctx.Done():
			b.mu.Lock()
			out, _ := b.abort(length, keep, ctx.Err())
			return out, ctx.Err()
		}
	}
}

// Expect blocks until the buffered bytes, interpreted as text, contain a
// match for re. It removes and returns everything through the end of the
// match, matched text included; callers locate the boundary themselves.
//
// On timeout with keep true, up to 1024 buffered bytes are drained and
// attached to the failure; with keep false the buffer is untouched.
func (b *Buffer) Expect(ctx context.Context, re *regexp.Regexp, timeout time.Duration, keep bool) ([]byte, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	b.mu.Lock()
	for {
		if loc := re.FindIndex(b.data); loc != nil {
			out := b.take(loc[1])
			b.mu.Unlock()
			return out, nil
		}
		if b.closed {
			return b.abort(expectDrainMax, keep, b.closeFailure())
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
			b.mu.Lock()
		case <-timer:
			b.mu.Lock()
			return b.abort(expectDrainMax, keep, nil)
		case <-ctx.Done():
			b.mu.Lock()
			out, _ := b.abort(expectDrainMax, keep, ctx.Err())
			return out, ctx.Err()
		}
	}
}

// abort settles a failed wait: with keep it drains up to limit bytes and
// attaches them to the failure. A nil cause means deadline expiry. Must
// be called with mu held; releases it.
func (b *Buffer) abort(limit int, keep bool, cause error) ([]byte, error) {
	var out []byte
	if keep {
		out = b.take(limit)
	}
	b.mu.Unlock()
	if cause != nil {
		return out, cause
	}
	return out, &wire.TimeoutError{Partial: out}
}

func (b *Buffer) closeFailure() error {
	if b.closeErr != nil {
		return b.closeErr
	}
	return wire.Closed()
}
