package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/meshwire/meshwire/internal/wire"
)

type outcome struct {
	msg wire.Map
	err error
}

// nextID issues a correlation id of the form <nameHint>_<n>. The
// per-session counter wraps at 2^32-1; ids colliding with a currently
// pending request are probed past, so ids are unique among in-flight
// requests even after a wrap.
func (s *Session) nextID(nameHint string) string {
	for {
		n := s.counter
		if s.counter == math.MaxUint32-1 {
			s.counter = 0
		} else {
			s.counter++
		}
		id := fmt.Sprintf("%s_%d", nameHint, n)
		if _, taken := s.pending[id]; !taken {
			return id
		}
	}
}

// SendCorrelated sends a request stamped with a generated correlation id
// (in both the tag and responseid fields, which the server echoes back)
// and waits for the matching reply. A zero timeout waits until the reply
// arrives, the context is cancelled, or the connection dies.
func (s *Session) SendCorrelated(ctx context.Context, m wire.Map, nameHint string, timeout time.Duration) (wire.Map, error) {
	if nameHint == "" {
		nameHint = "meshwire"
	}
	ch := make(chan outcome, 1)

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil, wire.Closed()
	}
	id := s.nextID(nameHint)
	s.pending[id] = ch
	n := len(s.pending)
	s.mu.Unlock()
	s.metrics.SetPendingRequests(n)

	m["tag"] = id
	m["responseid"] = id
	if err := s.writeFrame(ctx, m); err != nil {
		s.unregister(id)
		s.metrics.Request("write_error")
		return nil, err
	}
	return s.await(ctx, ch, timeout, func() { s.unregister(id) })
}

// SendUnnamespaced sends a request whose reply is matched only by its
// operation name, for operations where the server does not echo a
// correlation id.
//
// Hazard: if two calls for the same operation are in flight at once, the
// server's first matching reply settles whichever waiter registered
// first, which may not be the call that produced it. The server offers
// no way to fix this; callers must avoid overlapping same-operation
// calls.
func (s *Session) SendUnnamespaced(ctx context.Context, m wire.Map, timeout time.Duration) (wire.Map, error) {
	action := wire.Action(m)
	if action == "" {
		return nil, fmt.Errorf("unnamespaced request has no action")
	}
	ch := make(chan outcome, 1)

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil, wire.Closed()
	}
	s.pendingOps[action] = append(s.pendingOps[action], ch)
	s.mu.Unlock()

	if err := s.writeFrame(ctx, m); err != nil {
		s.unregisterOp(action, ch)
		s.metrics.Request("write_error")
		return nil, err
	}
	return s.await(ctx, ch, timeout, func() { s.unregisterOp(action, ch) })
}

// await races a settled outcome against the timeout and the context.
// abandon is invoked on the losing paths so the waiter cannot receive a
// stale reply later.
func (s *Session) await(ctx context.Context, ch chan outcome, timeout time.Duration, abandon func()) (wire.Map, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case out := <-ch:
		if out.err != nil {
			s.metrics.Request("error")
			return nil, out.err
		}
		s.metrics.Request("ok")
		return out.msg, nil
	case <-timer:
		abandon()
		s.metrics.Request("timeout")
		return nil, &wire.TimeoutError{}
	case <-ctx.Done():
		abandon()
		s.metrics.Request("cancelled")
		return nil, ctx.Err()
	}
}

func (s *Session) unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	n := len(s.pending)
	s.mu.Unlock()
	s.metrics.SetPendingRequests(n)
}

func (s *Session) unregisterOp(action string, ch chan outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.pendingOps[action]
	for i, w := range waiters {
		if w == ch {
			s.pendingOps[action] = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.pendingOps[action]) == 0 {
		delete(s.pendingOps, action)
	}
}

// deliver routes an inbound frame to a pending waiter. Id matches win
// over operation-name matches; each waiter settles at most once.
func (s *Session) deliver(m wire.Map) bool {
	id := wire.Str(m, "tag")
	if id == "" {
		id = wire.Str(m, "responseid")
	}

	s.mu.Lock()
	if id != "" {
		if ch, ok := s.pending[id]; ok {
			delete(s.pending, id)
			n := len(s.pending)
			s.mu.Unlock()
			s.metrics.SetPendingRequests(n)
			ch <- outcome{msg: m}
			return true
		}
	}
	action := wire.Action(m)
	reply := action
	if reply == wire.ActionPong {
		// The server answers a ping with a pong; route it to the ping
		// waiter.
		reply = wire.ActionPing
	}
	if waiters := s.pendingOps[reply]; len(waiters) > 0 {
		ch := waiters[0]
		s.pendingOps[reply] = waiters[1:]
		if len(s.pendingOps[reply]) == 0 {
			delete(s.pendingOps, reply)
		}
		s.mu.Unlock()
		ch <- outcome{msg: m}
		return true
	}
	s.mu.Unlock()
	return false
}
