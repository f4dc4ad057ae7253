package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/meshwire/meshwire/internal/wire"
)

// fakeConn is a scripted transport: tests push server frames into
// incoming and inspect what the session wrote.
type fakeConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.incoming:
		return websocket.MessageText, data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server frame to the session's read loop.
func (c *fakeConn) push(s string) {
	c.incoming <- []byte(s)
}

// awaitSent blocks until the session has written at least n frames and
// returns them decoded.
func (c *fakeConn) awaitSent(t *testing.T, n int) []wire.Map {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.sent) >= n {
			out := make([]wire.Map, len(c.sent))
			for i, f := range c.sent {
				m, err := wire.Decode(f)
				if err != nil {
					c.mu.Unlock()
					t.Fatalf("sent frame %d not JSON: %v", i, err)
				}
				out[i] = m
			}
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sent frames", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	c := newFakeConn()
	u, err := url.Parse("wss://server.example" + wire.ControlPath)
	if err != nil {
		t.Fatal(err)
	}
	s := newSession(c, u, nil, Credentials{User: "admin", Password: "pw"},
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	go s.readLoop()
	t.Cleanup(func() { _ = s.Close() })
	return s, c
}

// bootstrap walks the session to Ready.
func bootstrap(t *testing.T, s *Session, c *fakeConn) {
	t.Helper()
	c.push(`{"action":"serverinfo","serverinfo":{"domain":"control"}}`)
	c.push(`{"action":"userinfo","userid":"admin"}`)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ready(ctx); err != nil {
		t.Fatalf("session not ready: %v", err)
	}
}
