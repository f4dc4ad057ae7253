package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/meshwire/meshwire/internal/metrics"
	"github.com/meshwire/meshwire/internal/wire"
)

const defaultDialTimeout = 30 * time.Second

// Conn is the subset of the websocket connection the session drives.
// *websocket.Conn satisfies it; tests substitute scripted transports.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Options configures a session.
type Options struct {
	// URL is the server endpoint, ws:// or wss://. A bare host URL gets
	// the control endpoint path appended.
	URL string

	Credentials Credentials

	// ProxyURL routes the primary dial and every tunnel dial through an
	// HTTP proxy. Empty means a direct connection.
	ProxyURL string

	// Insecure disables TLS certificate verification for the primary
	// connection and all tunnels.
	Insecure bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	// DialTimeout bounds the websocket dial. Zero means 30s.
	DialTimeout time.Duration
}

// Session owns the primary connection to the server. It multiplexes
// concurrent correlated requests over the single socket, broadcasts
// unsolicited server pushes to subscribers, and tracks the relay tunnels
// opened through it. A session that fails or is closed is not reusable;
// there is no reconnect.
type Session struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	ctrlURL *url.URL
	client  *http.Client
	creds   Credentials

	ws Conn

	// ready is closed once the server's userinfo bootstrap message
	// arrives, or once the connection fails before that.
	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error

	mu         sync.Mutex
	alive      bool
	closeErr   error
	counter    uint32
	pending    map[string]chan outcome   // by correlation id
	pendingOps map[string][]chan outcome // by operation name (unnamespaced)
	subs       map[int]*subscription
	nextSub    int
	tunnels    map[*Tunnel]struct{}
	reusable   map[string]TunnelUser

	serverInfo wire.Map
	userInfo   wire.Map
	domain     string

	writeMu sync.Mutex
}

// TunnelUser is a protocol handler (file explorer, scripted shell) that
// owns a live tunnel and can be cached on the session for reuse.
type TunnelUser interface {
	Alive() bool
	Close() error
}

// Dial connects and authenticates a new session. The returned session is
// live but not yet Ready; wait on Ready before issuing requests that
// need the authenticated user context.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if err := opts.Credentials.validate(); err != nil {
		return nil, err
	}
	u, err := parseControlURL(opts.URL)
	if err != nil {
		return nil, err
	}
	client, err := httpClient(opts.ProxyURL, opts.Insecure)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialURL := *u
	header := http.Header{}
	if opts.Credentials.LoginKey != "" {
		q := dialURL.Query()
		q.Set("auth", opts.Credentials.LoginKey)
		dialURL.RawQuery = q.Encode()
	} else {
		header.Set("x-meshauth", opts.Credentials.header())
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, dialURL.String(), &websocket.DialOptions{
		HTTPClient: client,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial control: %w", sanitizeErr(err))
	}

	s := newSession(ws, u, client, opts.Credentials, logger, opts.Metrics)
	go s.readLoop()
	return s, nil
}

// newSession wires up a session around an open transport. Split from
// Dial so tests can drive the read loop over a scripted Conn.
func newSession(ws Conn, ctrlURL *url.URL, client *http.Client, creds Credentials, logger *slog.Logger, m *metrics.Metrics) *Session {
	s := &Session{
		logger:     logger,
		metrics:    m,
		ctrlURL:    ctrlURL,
		client:     client,
		creds:      creds,
		ws:         ws,
		ready:      make(chan struct{}),
		alive:      true,
		pending:    make(map[string]chan outcome),
		pendingOps: make(map[string][]chan outcome),
		subs:       make(map[int]*subscription),
		tunnels:    make(map[*Tunnel]struct{}),
		reusable:   make(map[string]TunnelUser),
	}
	s.metrics.SessionUp(true)
	return s
}

// Ready blocks until the server's post-auth bootstrap completes (the
// userinfo message arrives) or the connection fails first.
func (s *Session) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns the session's metrics sink; nil when disabled. All
// metrics methods are nil-safe.
func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

// Alive reports whether the primary socket is still usable.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// ServerInfo returns the serverinfo bootstrap payload, or nil before it
// has arrived.
func (s *Session) ServerInfo() wire.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// UserInfo returns the userinfo bootstrap payload, or nil before Ready.
func (s *Session) UserInfo() wire.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userInfo
}

// Domain returns the server domain captured from the serverinfo message.
func (s *Session) Domain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domain
}

// Ping round-trips a liveness probe through the server.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) error {
	reply, err := s.SendUnnamespaced(ctx, wire.Map{"action": wire.ActionPing}, timeout)
	if err != nil {
		return err
	}
	if wire.Action(reply) != wire.ActionPong {
		return fmt.Errorf("ping: unexpected reply action %q", wire.Action(reply))
	}
	return nil
}

// Close shuts down the primary socket. Every pending request, every
// subscriber, and every owned tunnel is failed.
func (s *Session) Close() error {
	err := s.ws.Close(websocket.StatusNormalClosure, "")
	s.fail(wire.ErrConnClosed)
	return err
}

// readLoop pumps inbound frames until the transport dies. Frames on the
// socket are dispatched strictly in arrival order.
func (s *Session) readLoop() {
	for {
		_, data, err := s.ws.Read(context.Background())
		if err != nil {
			s.fail(err)
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	m, err := wire.Decode(data)
	if err != nil {
		s.logger.Warn("discarding unparseable frame", "error", err)
		return
	}
	action := wire.Action(m)

	switch action {
	case wire.ActionServerInfo:
		s.handleServerInfo(m)
	case wire.ActionUserInfo:
		s.handleUserInfo(m)
	}

	delivered := s.deliver(m)
	if wire.IsPush(action) {
		// Pushes are broadcast even when they also satisfied a pending
		// request.
		s.publish(wire.EventTopic, m)
		s.metrics.ServerEvent()
	} else if !delivered {
		// Compatibility path for operations that never echo a
		// correlation id: broadcast keyed by the operation name.
		s.publish(action, m)
	}
}

func (s *Session) handleServerInfo(m wire.Map) {
	s.mu.Lock()
	s.serverInfo = m
	if info, ok := m["serverinfo"].(map[string]any); ok {
		s.domain, _ = info["domain"].(string)
	}
	s.mu.Unlock()
}

func (s *Session) handleUserInfo(m wire.Map) {
	s.mu.Lock()
	s.userInfo = m
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

// fail is the single point of connection teardown: it settles every
// pending waiter with a transport error, notifies every subscriber on
// the close topic, and closes every owned tunnel. Idempotent.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.alive = false
	s.closeErr = cause
	pending := s.pending
	pendingOps := s.pendingOps
	s.pending = make(map[string]chan outcome)
	s.pendingOps = make(map[string][]chan outcome)
	tunnels := make([]*Tunnel, 0, len(s.tunnels))
	for t := range s.tunnels {
		tunnels = append(tunnels, t)
	}
	s.tunnels = make(map[*Tunnel]struct{})
	s.reusable = make(map[string]TunnelUser)
	s.mu.Unlock()

	failure := &wire.TransportError{Cause: cause}
	s.readyOnce.Do(func() {
		s.readyErr = failure
		close(s.ready)
	})
	for _, ch := range pending {
		ch <- outcome{err: failure}
	}
	for _, waiters := range pendingOps {
		for _, ch := range waiters {
			ch <- outcome{err: failure}
		}
	}
	// Close notifications bypass subscription filters: every subscriber
	// learns the connection is gone.
	s.publishAll(wire.CloseTopic, wire.Map{"action": wire.ActionClose, "error": cause.Error()})
	for _, t := range tunnels {
		t.closeWithError(failure)
	}
	s.metrics.SessionUp(false)
	s.metrics.SetPendingRequests(0)
	s.logger.Debug("session closed", "cause", cause)
}

// writeFrame serializes a message and writes it as a single text frame.
// Writes are serialized so concurrent senders cannot interleave.
func (s *Session) writeFrame(ctx context.Context, m wire.Map) error {
	data, err := wire.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", wire.Action(m), err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return &wire.TransportError{Cause: err}
	}
	return nil
}

// Send writes a fire-and-forget message with no reply tracking.
func (s *Session) Send(ctx context.Context, m wire.Map) error {
	if !s.Alive() {
		return wire.Closed()
	}
	return s.writeFrame(ctx, m)
}

// Reuse returns the cached tunnel user under key if it is still alive,
// otherwise builds a fresh one and caches it. Keys are node ids,
// optionally extended with a shell-ready pattern for scripted shells.
func (s *Session) Reuse(key string, build func() (TunnelUser, error)) (TunnelUser, error) {
	s.mu.Lock()
	if u, ok := s.reusable[key]; ok && u.Alive() {
		s.mu.Unlock()
		return u, nil
	}
	s.mu.Unlock()

	u, err := build()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.reusable[key] = u
	s.mu.Unlock()
	return u, nil
}
