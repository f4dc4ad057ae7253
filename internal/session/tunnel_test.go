package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/meshwire/meshwire/internal/wire"
)

type collectHandler struct {
	mu     sync.Mutex
	frames [][]byte
	closed chan error
}

func newCollectHandler() *collectHandler {
	return &collectHandler{closed: make(chan error, 1)}
}

func (h *collectHandler) HandleFrame(binary bool, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, append([]byte(nil), data...))
}

func (h *collectHandler) HandleClose(err error) { h.closed <- err }

func (h *collectHandler) frame(t *testing.T, i int) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		if len(h.frames) > i {
			f := h.frames[i]
			h.mu.Unlock()
			return f
		}
		h.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for frame %d", i)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDialTunnelRequiresNodeID(t *testing.T) {
	s, c := newTestSession(t)
	bootstrap(t, s, c)
	if _, err := s.DialTunnel(context.Background(), "", wire.ProtocolTerminal, newCollectHandler()); err == nil {
		t.Fatal("empty node id should be rejected")
	}
}

// A rejected relay-prepare request must fail the handshake before any
// secondary socket is opened: the tunnel URL here points nowhere, so a
// dial attempt would surface as a different error.
func TestDialTunnelPrepareDenied(t *testing.T) {
	s, c := newTestSession(t)
	bootstrap(t, s, c)

	done := make(chan error, 1)
	go func() {
		_, err := s.DialTunnel(context.Background(), "node//alpha", wire.ProtocolFiles, newCollectHandler())
		done <- err
	}()

	sent := c.awaitSent(t, 1)
	if wire.Action(sent[0]) != wire.ActionAuthCookie {
		t.Fatalf("first handshake frame = %q, want authcookie", wire.Action(sent[0]))
	}
	c.push(`{"action":"authcookie","cookie":"ck","rcookie":"rck"}`)

	sent = c.awaitSent(t, 2)
	prep := sent[1]
	if wire.Action(prep) != wire.ActionMsg || wire.Str(prep, "type") != "tunnel" {
		t.Fatalf("second handshake frame = %v, want msg/tunnel", prep)
	}
	value := wire.Str(prep, "value")
	for _, want := range []string{wire.RelayPath, "p=5", "nodeid=node//alpha", "rauth=rck"} {
		if !strings.Contains(value, want) {
			t.Errorf("relay fragment %q missing %q", value, want)
		}
	}

	c.push(fmt.Sprintf(`{"action":"msg","tag":%q,"responseid":%q,"result":"access denied"}`,
		wire.Str(prep, "tag"), wire.Str(prep, "tag")))

	err := <-done
	var serr *wire.ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("want ServerError, got %v", err)
	}
	if serr.Result != "access denied" {
		t.Errorf("result = %q", serr.Result)
	}
}

func TestDialTunnelMissingCookiePair(t *testing.T) {
	s, c := newTestSession(t)
	bootstrap(t, s, c)

	done := make(chan error, 1)
	go func() {
		_, err := s.DialTunnel(context.Background(), "node//alpha", wire.ProtocolTerminal, newCollectHandler())
		done <- err
	}()
	c.awaitSent(t, 1)
	c.push(`{"action":"authcookie"}`)
	if err := <-done; err == nil {
		t.Fatal("missing cookie pair should fail the handshake")
	}
}

// End-to-end handshake against a real websocket server: control endpoint
// serves the bootstrap and the relay-prepare exchange, relay endpoint
// sends the recording flag and echoes frames.
func TestTunnelHandshakeEndToEnd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(wire.ControlPath, func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.CloseNow() }()
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"action":"serverinfo","serverinfo":{"domain":"d"}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"action":"userinfo"}`))
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			m, err := wire.Decode(data)
			if err != nil {
				continue
			}
			switch wire.Action(m) {
			case wire.ActionAuthCookie:
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"action":"authcookie","cookie":"ck","rcookie":"rck"}`))
			case wire.ActionMsg:
				reply, _ := wire.Encode(wire.Map{
					"action": "msg", "result": "OK",
					"tag": m["tag"], "responseid": m["responseid"],
				})
				_ = c.Write(ctx, websocket.MessageText, reply)
			}
		}
	})
	protoEcho := make(chan string, 1)
	mux.HandleFunc(wire.RelayPath, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("auth"); got != "ck" {
			t.Errorf("relay dialed with auth=%q, want client cookie", got)
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.CloseNow() }()
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(wire.RecordingMarker))
		_, echo, err := c.Read(ctx)
		if err != nil {
			return
		}
		protoEcho <- string(echo)
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if err := c.Write(ctx, typ, data); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := Dial(ctx, Options{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Credentials: Credentials{User: "admin", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = sess.Close() }()
	if err := sess.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}

	h := newCollectHandler()
	tun, err := sess.DialTunnel(ctx, "node//alpha", wire.ProtocolTerminal, h)
	if err != nil {
		t.Fatalf("tunnel: %v", err)
	}
	if !tun.Recorded() {
		t.Error("recording flag should be set")
	}
	if !tun.Alive() {
		t.Error("tunnel should be alive after handshake")
	}
	if got := <-protoEcho; got != "1" {
		t.Errorf("protocol echo = %q, want %q", got, "1")
	}

	if err := tun.WriteBinary(ctx, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := string(h.frame(t, 0)); got != "hello" {
		t.Errorf("echoed frame = %q, want %q", got, "hello")
	}

	_ = tun.Close()
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler missed the close notification")
	}
	if tun.Alive() {
		t.Error("tunnel should be dead after close")
	}
}
