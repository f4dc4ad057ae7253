package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/meshwire/meshwire/internal/wire"
)

const handshakeTimeout = 30 * time.Second

// FrameHandler consumes the frames a tunnel receives after its handshake
// completes. Calls arrive on the tunnel's read goroutine, in order.
// HandleClose is called exactly once, when the tunnel dies.
type FrameHandler interface {
	HandleFrame(binary bool, data []byte)
	HandleClose(err error)
}

// Tunnel is a secondary connection scoped to one managed node, carrying
// either interactive terminal bytes or the file sub-protocol. It is
// authorized by a short-lived cookie pair obtained over the primary
// connection, so the primary credential never reaches the relay.
type Tunnel struct {
	sess     *Session
	nodeID   string
	protocol int
	id       string
	url      string
	recorded bool
	handler  FrameHandler

	ws Conn

	mu          sync.Mutex
	alive       bool
	initialized bool
	closeOnce   sync.Once

	writeMu sync.Mutex
}

// DialTunnel opens a relay tunnel to nodeID speaking the given protocol
// selector. It performs the full handshake: obtains an auth cookie pair,
// asks the server to prepare a relay endpoint, dials the relay, and
// consumes the recording-flag sentinel. The returned tunnel is alive and
// already delivering frames to handler.
func (s *Session) DialTunnel(ctx context.Context, nodeID string, protocol int, handler FrameHandler) (*Tunnel, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("tunnel: node id is required")
	}
	if !s.Alive() {
		return nil, wire.Closed()
	}

	// Phase one: a relay-auth cookie for the prepare request and a
	// client-auth cookie for the relay dial. The server never echoes a
	// correlation id on this operation.
	ck, err := s.SendUnnamespaced(ctx, wire.Map{"action": wire.ActionAuthCookie}, handshakeTimeout)
	if err != nil {
		s.metrics.Tunnel(protocol, "cookie_failed")
		return nil, fmt.Errorf("tunnel: auth cookie: %w", err)
	}
	cookie := wire.Str(ck, "cookie")
	rcookie := wire.Str(ck, "rcookie")
	if cookie == "" || rcookie == "" {
		s.metrics.Tunnel(protocol, "cookie_failed")
		return nil, fmt.Errorf("tunnel: auth cookie reply missing cookie pair")
	}

	t := &Tunnel{
		sess:     s,
		nodeID:   nodeID,
		protocol: protocol,
		id:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		handler:  handler,
	}

	// Phase two: ask the server to stand up a relay endpoint for this
	// tunnel id and hand the node's agent the other end.
	value := fmt.Sprintf("*%s?p=%d&nodeid=%s&id=%s&rauth=%s",
		wire.RelayPath, protocol, nodeID, t.id, rcookie)
	reply, err := s.SendCorrelated(ctx, wire.Map{
		"action": wire.ActionMsg,
		"type":   "tunnel",
		"nodeid": nodeID,
		"value":  value,
	}, "tunnel", handshakeTimeout)
	if err != nil {
		s.metrics.Tunnel(protocol, "prepare_failed")
		return nil, fmt.Errorf("tunnel: prepare relay: %w", err)
	}
	if result := wire.Str(reply, "result"); !strings.EqualFold(result, "ok") {
		s.metrics.Tunnel(protocol, "prepare_failed")
		return nil, &wire.ServerError{Action: "tunnel", Result: result, Payload: reply}
	}

	t.url = s.relayURL(protocol, nodeID, t.id, cookie)
	if err := t.dial(ctx); err != nil {
		s.metrics.Tunnel(protocol, "dial_failed")
		return nil, err
	}

	s.metrics.Tunnel(protocol, "open")
	s.metrics.LiveTunnels(1)

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		t.closeWithError(wire.Closed())
		return nil, wire.Closed()
	}
	s.tunnels[t] = struct{}{}
	s.mu.Unlock()

	go t.readLoop()
	return t, nil
}

// relayURL swaps the control path for the relay path, carrying the
// protocol selector, node id, tunnel id, and client-auth cookie.
func (s *Session) relayURL(protocol int, nodeID, tunnelID, cookie string) string {
	u := *s.ctrlURL
	u.Path = wire.RelayPath
	q := u.Query()
	q.Set("browser", "1")
	q.Set("p", strconv.Itoa(protocol))
	q.Set("nodeid", nodeID)
	q.Set("id", tunnelID)
	q.Set("auth", cookie)
	u.RawQuery = q.Encode()
	return u.String()
}

// dial opens the secondary socket and consumes the recording-flag
// sentinel, the very first inbound frame. The tunnel then announces its
// protocol selector as a raw frame and is alive.
func (t *Tunnel) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, t.url, &websocket.DialOptions{
		HTTPClient: t.sess.client,
	})
	if err != nil {
		return fmt.Errorf("tunnel: dial relay: %w", sanitizeErr(err))
	}
	t.ws = ws

	_, first, err := ws.Read(dialCtx)
	if err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "no recording flag")
		return &wire.TransportError{Cause: err}
	}
	t.recorded = string(first) == wire.RecordingMarker

	if err := ws.Write(dialCtx, websocket.MessageText, []byte(strconv.Itoa(t.protocol))); err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "protocol echo failed")
		return &wire.TransportError{Cause: err}
	}

	t.mu.Lock()
	t.alive = true
	t.initialized = true
	t.mu.Unlock()
	return nil
}

func (t *Tunnel) readLoop() {
	for {
		typ, data, err := t.ws.Read(context.Background())
		if err != nil {
			t.closeWithError(&wire.TransportError{Cause: err})
			return
		}
		t.handler.HandleFrame(typ == websocket.MessageBinary, data)
	}
}

// NodeID returns the managed node this tunnel is scoped to.
func (t *Tunnel) NodeID() string { return t.nodeID }

// Recorded reports whether the server flagged this tunnel as recorded.
func (t *Tunnel) Recorded() bool { return t.recorded }

// Alive reports whether the tunnel's socket is still usable.
func (t *Tunnel) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// WriteText sends a JSON control frame on the tunnel.
func (t *Tunnel) WriteText(ctx context.Context, data []byte) error {
	return t.write(ctx, websocket.MessageText, data)
}

// WriteBinary sends a raw binary frame on the tunnel.
func (t *Tunnel) WriteBinary(ctx context.Context, data []byte) error {
	return t.write(ctx, websocket.MessageBinary, data)
}

func (t *Tunnel) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if !t.Alive() {
		return wire.Closed()
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.ws.Write(ctx, typ, data); err != nil {
		return &wire.TransportError{Cause: err}
	}
	return nil
}

// Close shuts the secondary socket. Frames already delivered to the
// handler are unaffected; further writes fail.
func (t *Tunnel) Close() error {
	t.closeWithError(wire.Closed())
	return nil
}

func (t *Tunnel) closeWithError(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.alive = false
		t.mu.Unlock()
		if t.ws != nil {
			_ = t.ws.Close(websocket.StatusNormalClosure, "")
		}
		t.sess.dropTunnel(t)
		t.sess.metrics.LiveTunnels(-1)
		if t.handler != nil {
			t.handler.HandleClose(cause)
		}
	})
}

func (s *Session) dropTunnel(t *Tunnel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tunnels, t)
}
