package session

import (
	"github.com/meshwire/meshwire/internal/wire"
)

// Handler receives broadcast frames. Handlers run on the session's read
// goroutine, so delivery order matches frame arrival order across all
// subscriptions; a slow handler stalls the whole connection.
type Handler func(topic string, msg wire.Map)

type subscription struct {
	filter  wire.Map
	handler Handler
}

// Subscribe registers a handler for server pushes. A non-nil filter is a
// structural deep-subset predicate (see wire.Match) applied to each
// frame; only matching frames are delivered. The returned token
// unsubscribes. Every subscription, filtered or not, is also notified on
// the close topic when the connection dies.
func (s *Session) Subscribe(filter wire.Map, h Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := s.nextSub
	s.nextSub++
	s.subs[tok] = &subscription{filter: filter, handler: h}
	return tok
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (s *Session) Unsubscribe(token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, token)
}

// publish fans a frame out to every subscription whose filter matches.
// Each subscription sees a given frame at most once.
func (s *Session) publish(topic string, m wire.Map) {
	for _, sub := range s.snapshotSubs() {
		if sub.filter == nil || wire.Match(sub.filter, m) {
			sub.handler(topic, m)
		}
	}
}

// publishAll delivers to every subscription regardless of filter; used
// for the close notification.
func (s *Session) publishAll(topic string, m wire.Map) {
	for _, sub := range s.snapshotSubs() {
		sub.handler(topic, m)
	}
}

func (s *Session) snapshotSubs() []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}
