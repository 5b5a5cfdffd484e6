// Package client owns one logical connection to a voice session endpoint:
// lazy connect-on-demand, idle auto-close, periodic keepalive, and fan-out
// of inbound events and binary frames to subscribers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/voicegate/voicegate/internal/protocol"
)

// State is the connection lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

const (
	// DefaultIdleTimeout closes sockets that carried no traffic.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultPingInterval paces the keepalive ping.
	DefaultPingInterval = 60 * time.Second

	writeTimeout = 10 * time.Second
)

var (
	errNoURL  = errors.New("client: unable to resolve websocket url")
	errClosed = errors.New("client: closed during connect")
)

// Options configures a Client. Either URL or BuildURL must be set;
// BuildURL wins when both are, so short-lived signed URLs can be minted
// per dial.
type Options struct {
	URL           string
	BuildURL      func(ctx context.Context) (string, error)
	Dialer        *websocket.Dialer
	RequestHeader http.Header
	IdleTimeout   time.Duration
	PingInterval  time.Duration
	Logger        *logrus.Logger
}

type subscriber[T any] struct {
	id int
	fn T
}

// Client wraps one websocket to the session endpoint. All methods are
// safe for concurrent use; the underlying socket is never handed out.
type Client struct {
	opts Options
	log  *logrus.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	inflight    chan struct{}
	inflightErr error
	idleTimer   *time.Timer
	pingStop    chan struct{}

	nextSubID int
	msgSubs   []subscriber[func(protocol.RawServerEvent)]
	binSubs   []subscriber[func([]byte)]
	errSubs   []subscriber[func(error)]
	closeSubs []subscriber[func(code int, reason string)]

	// wmu serializes socket writes; gorilla allows one writer at a time.
	wmu sync.Mutex
}

func New(opts Options) *Client {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Client{opts: opts, log: log, state: StateIdle}
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage subscribes to inbound structured events; delivery follows
// registration order and late subscribers see no historical events. The
// returned function unsubscribes.
func (c *Client) OnMessage(fn func(protocol.RawServerEvent)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.msgSubs = append(c.msgSubs, subscriber[func(protocol.RawServerEvent)]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.msgSubs = removeSub(c.msgSubs, id)
	}
}

// OnBinary subscribes to inbound binary frames.
func (c *Client) OnBinary(fn func([]byte)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.binSubs = append(c.binSubs, subscriber[func([]byte)]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.binSubs = removeSub(c.binSubs, id)
	}
}

// OnError subscribes to local errors (malformed frames, socket faults).
func (c *Client) OnError(fn func(error)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.errSubs = append(c.errSubs, subscriber[func(error)]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.errSubs = removeSub(c.errSubs, id)
	}
}

// OnClose subscribes to socket closure.
func (c *Client) OnClose(fn func(code int, reason string)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.closeSubs = append(c.closeSubs, subscriber[func(code int, reason string)]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeSubs = removeSub(c.closeSubs, id)
	}
}

func removeSub[T any](subs []subscriber[T], id int) []subscriber[T] {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// EnsureConnection lazily establishes the socket. Concurrent callers
// during the connecting phase share the same in-flight attempt rather
// than opening duplicate connections.
func (c *Client) EnsureConnection(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == StateOpen && c.conn != nil {
			c.armIdleLocked()
			c.mu.Unlock()
			return nil
		}
		if c.inflight != nil {
			ch := c.inflight
			c.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			c.mu.Lock()
			err := c.inflightErr
			open := c.state == StateOpen
			c.mu.Unlock()
			if open {
				return nil
			}
			if err != nil {
				return err
			}
			continue
		}
		c.inflight = make(chan struct{})
		c.state = StateConnecting
		c.mu.Unlock()
		break
	}

	conn, err := c.dial(ctx)

	c.mu.Lock()
	close(c.inflight)
	c.inflight = nil
	c.inflightErr = err
	if err != nil {
		c.state = StateIdle
		c.mu.Unlock()
		return err
	}
	if c.state != StateConnecting {
		// Close was called while the dial was in flight.
		c.inflightErr = errClosed
		c.mu.Unlock()
		_ = conn.Close()
		return errClosed
	}
	c.conn = conn
	c.state = StateOpen
	c.armIdleLocked()
	stop := make(chan struct{})
	c.pingStop = stop
	c.mu.Unlock()

	go c.pingLoop(conn, stop)
	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	url := c.opts.URL
	if c.opts.BuildURL != nil {
		resolved, err := c.opts.BuildURL(ctx)
		if err != nil {
			return nil, err
		}
		url = resolved
	}
	if url == "" {
		return nil, errNoURL
	}
	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, c.opts.RequestHeader)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// SendJSON marshals and sends one structured frame, connecting first if
// needed.
func (c *Client) SendJSON(ctx context.Context, payload any) error {
	if err := c.EnsureConnection(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := c.write(websocket.TextMessage, b); err != nil {
		return err
	}
	c.armIdle()
	return nil
}

// SendBinary sends one binary frame, connecting first if needed.
func (c *Client) SendBinary(ctx context.Context, chunk []byte) error {
	if err := c.EnsureConnection(ctx); err != nil {
		return err
	}
	if err := c.write(websocket.BinaryMessage, chunk); err != nil {
		return err
	}
	c.armIdle()
	return nil
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client: no live connection")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

// Close shuts the socket down. With no live socket it no-ops straight to
// closed.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.state != StateOpen {
		c.cleanupLocked(nil)
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.wmu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	closeCode := websocket.CloseAbnormalClosure
	closeReason := ""
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				closeCode, closeReason = ce.Code, ce.Text
			} else {
				closeReason = err.Error()
			}
			break
		}
		c.armIdle()

		switch msgType {
		case websocket.TextMessage:
			ev, perr := protocol.ParseServerEvent(data)
			if perr != nil {
				c.emitError(fmt.Errorf("client: invalid server frame: %w", perr))
				continue
			}
			c.emitMessage(ev)
		case websocket.BinaryMessage:
			c.emitBinary(data)
		}
	}

	c.mu.Lock()
	c.cleanupLocked(conn)
	c.mu.Unlock()

	c.emitClose(closeCode, closeReason)
	// Synthetic session.closed so event subscribers observe closure in
	// stream order without also subscribing to OnClose.
	if data, err := json.Marshal(map[string]any{"code": closeCode, "reason": closeReason}); err == nil {
		c.emitMessage(protocol.RawServerEvent{Type: protocol.TypeClosed, Data: data})
	}
}

// cleanupLocked clears timers and transitions to closed. Passing the conn
// guards against a stale read loop clobbering a newer connection.
func (c *Client) cleanupLocked(conn *websocket.Conn) {
	if conn != nil && c.conn != conn {
		return
	}
	c.conn = nil
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	c.state = StateClosed
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b, err := json.Marshal(protocol.ClientMessage{
				Type:      protocol.TypePing,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			c.wmu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			werr := conn.WriteMessage(websocket.TextMessage, b)
			c.wmu.Unlock()
			if werr != nil {
				c.log.WithError(werr).Debug("keepalive ping")
				return
			}
		}
	}
}

func (c *Client) armIdle() {
	c.mu.Lock()
	c.armIdleLocked()
	c.mu.Unlock()
}

func (c *Client) armIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.opts.IdleTimeout, c.onIdleTimeout)
}

func (c *Client) onIdleTimeout() {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.state = StateClosing
	c.mu.Unlock()

	c.log.Debug("client idle timeout")
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(protocol.CloseIdleTimeout, "client idle timeout")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.wmu.Unlock()
	_ = conn.Close()
}

func (c *Client) emitMessage(ev protocol.RawServerEvent) {
	c.mu.Lock()
	subs := append([]subscriber[func(protocol.RawServerEvent)]{}, c.msgSubs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

func (c *Client) emitBinary(data []byte) {
	c.mu.Lock()
	subs := append([]subscriber[func([]byte)]{}, c.binSubs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(data)
	}
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	subs := append([]subscriber[func(error)]{}, c.errSubs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(err)
	}
}

func (c *Client) emitClose(code int, reason string) {
	c.mu.Lock()
	subs := append([]subscriber[func(code int, reason string)]{}, c.closeSubs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(code, reason)
	}
}
