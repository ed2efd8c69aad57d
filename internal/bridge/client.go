// Package bridge owns the duplex WebSocket session to the assistant bridge.
//
// A [Client] connects, authenticates, keeps the socket alive with a
// ping/pong heartbeat and reconnects with exponential backoff whenever the
// connection drops. Inbound text frames are decoded into the closed set of
// [Message] kinds; binary frames carry synthesized audio. Both are delivered
// on [Client.Inbound]. Outbound control messages and microphone audio are only
// accepted while the session is ready.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hearken/internal/observe"
)

// ErrNotConnected is returned by send methods while the session is not ready.
var ErrNotConnected = errors.New("bridge: not connected")

// errPongTimeout ends a connection whose heartbeat went unanswered.
var errPongTimeout = errors.New("bridge: pong timeout")

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateReconnecting
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Default heartbeat and transport parameters.
const (
	DefaultPingInterval = 20 * time.Second
	DefaultPongTimeout  = 5 * time.Second

	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 4 << 20
	defaultInboundQueue = 256
)

// NetworkMonitor reports whether the network is reachable. While it reports
// offline, reconnect attempts pause and the state is re-checked at the
// offline poll interval.
type NetworkMonitor interface {
	Online(ctx context.Context) bool
}

// AlwaysOnline is a [NetworkMonitor] that never reports offline.
type AlwaysOnline struct{}

// Online implements [NetworkMonitor].
func (AlwaysOnline) Online(context.Context) bool { return true }

// DialCheck reports the network online when a TCP connection to Addr
// succeeds within Timeout.
type DialCheck struct {
	Addr    string
	Timeout time.Duration
}

// Online implements [NetworkMonitor].
func (d DialCheck) Online(ctx context.Context) bool {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Inbound is one frame received from the bridge. Exactly one of Message and
// Audio is set.
type Inbound struct {
	Message Message
	Audio   []byte
}

// Snapshot describes the client for status endpoints.
type Snapshot struct {
	State       string         `json:"state"`
	URL         string         `json:"url"`
	HAConnected bool           `json:"ha_connected"`
	Clients     int            `json:"clients"`
	Config      map[string]any `json:"config,omitempty"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
}

// Option configures a [Client].
type Option func(*Client)

// WithToken sets the credential sent in the auth message. With an empty token
// no auth is sent and the session is ready as soon as the socket opens.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithPingInterval sets the heartbeat interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithPongTimeout sets how long a ping may stay unanswered.
func WithPongTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pongTimeout = d
		}
	}
}

// WithBackoff sets the reconnect backoff.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithOfflinePoll sets how often the network is re-checked while offline.
func WithOfflinePoll(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.offlinePoll = d
		}
	}
}

// WithNetworkMonitor sets the network reachability source. The default is
// [AlwaysOnline].
func WithNetworkMonitor(m NetworkMonitor) Option {
	return func(c *Client) {
		if m != nil {
			c.network = m
		}
	}
}

// WithStateHook registers f to observe state changes. It runs on the
// client's goroutines and must not block.
func WithStateHook(f func(State)) Option {
	return func(c *Client) { c.onState = f }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithInboundQueue sets the capacity of the inbound channel.
func WithInboundQueue(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.inboundCap = n
		}
	}
}

// Client is the connection manager. Create it with [New] and drive it with
// [Client.Run]; the send methods are safe for concurrent use.
type Client struct {
	url          string
	token        string
	pingInterval time.Duration
	pongTimeout  time.Duration
	backoff      Backoff
	offlinePoll  time.Duration
	network      NetworkMonitor
	onState      func(State)
	metrics      *observe.Metrics
	inboundCap   int

	inbound chan Inbound

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	connCtx     context.Context
	attempts    int
	lastErr     error
	haConnected bool
	clients     int
	config      map[string]any
}

// New creates a Client for the bridge at url (ws:// or wss://).
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		pingInterval: DefaultPingInterval,
		pongTimeout:  DefaultPongTimeout,
		offlinePoll:  defaultOfflinePoll,
		network:      AlwaysOnline{},
		inboundCap:   defaultInboundQueue,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.inbound = make(chan Inbound, c.inboundCap)
	return c
}

// Inbound returns the channel of received frames. It is never closed.
// Frames are dropped with a warning when the consumer falls behind.
func (c *Client) Inbound() <-chan Inbound { return c.inbound }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether outbound messages are accepted: the socket is open
// and, when a token is configured, authenticated.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *Client) readyLocked() bool {
	if c.conn == nil {
		return false
	}
	if c.token != "" {
		return c.state == StateAuthenticated
	}
	return c.state == StateConnected || c.state == StateAuthenticated
}

// Snapshot returns the current client status.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:       c.state.String(),
		URL:         c.url,
		HAConnected: c.haConnected,
		Clients:     c.clients,
		Config:      c.config,
		Attempts:    c.attempts,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	slog.Debug("bridge: state", "from", prev.String(), "to", s.String())
	if c.onState != nil {
		c.onState(s)
	}
}

// Run connects and keeps the session alive until ctx is cancelled. Transport
// errors are never returned; they are logged and retried with backoff. Run
// returns nil after ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !c.network.Online(ctx) {
			c.setState(StateReconnecting)
			slog.Info("bridge: network offline, waiting", "poll", c.offlinePoll)
			if !sleep(ctx, c.offlinePoll) {
				return nil
			}
			continue
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.attempts = 0
			c.lastErr = nil
			c.mu.Unlock()

			slog.Info("bridge: connected", "url", c.url)
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.lastErr = err
		c.mu.Unlock()

		delay := c.backoff.Delay(attempt)
		c.setState(StateReconnecting)
		c.metrics.BridgeReconnects.Add(ctx, 1)
		slog.Warn("bridge: connection lost, reconnecting",
			"url", c.url,
			"attempt", attempt,
			"delay", delay,
			"err", err,
		)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// sleep waits for d or ctx. It reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	attempt := c.attempts + 1
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "bridge.dial",
		trace.WithAttributes(
			attribute.String("bridge.url", c.url),
			attribute.Int("bridge.attempt", attempt),
		),
	)
	defer span.End()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return nil, fmt.Errorf("bridge: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(defaultReadLimit)
	return conn, nil
}

// serve runs one open connection until it fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.connCtx = connCtx
	c.mu.Unlock()
	c.setState(StateConnected)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connCtx = nil
		c.mu.Unlock()
	}()

	if c.token != "" {
		if err := c.write(connCtx, conn, authMessage(c.token)); err != nil {
			conn.CloseNow()
			return fmt.Errorf("bridge: send auth: %w", err)
		}
	} else {
		c.requestStatus(connCtx, conn)
	}

	pongs := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(connCtx, conn, pongs) }()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	// At most one ping is outstanding; deadline is nil while none is.
	var deadline <-chan time.Time
	var pongTimer *time.Timer
	stopPongTimer := func() {
		if pongTimer != nil {
			pongTimer.Stop()
			pongTimer = nil
		}
		deadline = nil
	}
	defer stopPongTimer()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			<-readErr
			return ctx.Err()

		case err := <-readErr:
			conn.CloseNow()
			return err

		case <-ticker.C:
			if deadline != nil {
				continue
			}
			if err := c.write(connCtx, conn, pingMessage()); err != nil {
				conn.CloseNow()
				<-readErr
				return fmt.Errorf("bridge: send ping: %w", err)
			}
			pongTimer = time.NewTimer(c.pongTimeout)
			deadline = pongTimer.C

		case <-pongs:
			stopPongTimer()

		case <-deadline:
			slog.Warn("bridge: no pong before deadline, closing", "timeout", c.pongTimeout)
			conn.CloseNow()
			<-readErr
			return errPongTimeout
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, pongs chan<- struct{}) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("bridge: read: %w", err)
		}

		if typ == websocket.MessageBinary {
			c.metrics.RecordBridgeMessage(ctx, "audio")
			c.deliver(Inbound{Audio: data})
			continue
		}

		msg, err := Decode(data)
		if errors.Is(err, ErrUnknownMessage) {
			slog.Debug("bridge: ignoring message", "err", err)
			continue
		}
		if err != nil {
			slog.Warn("bridge: dropping malformed message", "err", err)
			continue
		}
		c.metrics.RecordBridgeMessage(ctx, msg.Type())

		switch m := msg.(type) {
		case Pong:
			select {
			case pongs <- struct{}{}:
			default:
			}
			continue
		case AuthOK:
			slog.Info("bridge: authenticated")
			c.setState(StateAuthenticated)
			c.requestStatus(ctx, conn)
		case AuthFailed:
			slog.Error("bridge: authentication failed")
		case Status:
			c.mu.Lock()
			c.haConnected = m.HAConnected
			c.clients = m.Clients
			c.config = m.Config
			c.mu.Unlock()
		case HAStatus:
			c.mu.Lock()
			c.haConnected = m.Connected
			c.mu.Unlock()
			slog.Info("bridge: assistant back end status", "connected", m.Connected)
		}
		c.deliver(Inbound{Message: msg})
	}
}

func (c *Client) deliver(in Inbound) {
	select {
	case c.inbound <- in:
	default:
		kind := "audio"
		if in.Message != nil {
			kind = in.Message.Type()
		}
		slog.Warn("bridge: inbound queue full, dropping frame", "kind", kind)
	}
}

func (c *Client) requestStatus(ctx context.Context, conn *websocket.Conn) {
	if err := c.write(ctx, conn, statusRequestMessage()); err != nil {
		slog.Warn("bridge: status request not sent", "err", err)
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, v outbound) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: marshal %s: %w", v.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// readyConn returns the open connection and its context, or
// [ErrNotConnected].
func (c *Client) readyConn() (*websocket.Conn, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.readyLocked() {
		return nil, nil, ErrNotConnected
	}
	return c.conn, c.connCtx, nil
}

// send writes v on the ready connection. The write is bounded by ctx, the
// connection's lifetime and the write timeout.
func (c *Client) send(ctx context.Context, v outbound) error {
	conn, connCtx, err := c.readyConn()
	if err != nil {
		return err
	}
	ctx, stop := mergeCancel(ctx, connCtx)
	defer stop()
	return c.write(ctx, conn, v)
}

// SendWake announces a wake-word detection.
func (c *Client) SendWake(ctx context.Context, wakeWord string) error {
	return c.send(ctx, wakeMessage(wakeWord))
}

// SendStop ends the current interaction.
func (c *Client) SendStop(ctx context.Context) error {
	return c.send(ctx, stopMessage())
}

// RequestStatus asks the bridge for a status message.
func (c *Client) RequestStatus(ctx context.Context) error {
	return c.send(ctx, statusRequestMessage())
}

// SendAudio forwards one block of 16 kHz little-endian int16 PCM.
func (c *Client) SendAudio(ctx context.Context, pcm []byte) error {
	conn, connCtx, err := c.readyConn()
	if err != nil {
		return err
	}
	ctx, stop := mergeCancel(ctx, connCtx)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("bridge: send audio: %w", err)
	}
	c.metrics.ForwardedBytes.Add(ctx, int64(len(pcm)))
	return nil
}

// mergeCancel returns a context derived from ctx that is also cancelled when
// other is done.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
