package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/brokeradda/chatkit/internal/protocol"
)

// ChannelState describes the live channel's connectivity.
type ChannelState int32

const (
	StateConnecting ChannelState = iota
	StateOpen
	StateReconnecting
	StateClosed
)

// String returns the lowercase state name.
func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DialFunc establishes the underlying connection for the live channel.
// The default dials the gateway over WebSocket with gobwas/ws; tests inject
// an in-memory pipe.
type DialFunc func(ctx context.Context, url string) (net.Conn, error)

// ChannelConfig holds tunable parameters for the live channel.
type ChannelConfig struct {
	URL         string        // gateway WebSocket URL, e.g. ws://host:8080/ws
	DialTimeout time.Duration // per-attempt budget for dial + handshake
	MaxAttempts int           // connection attempts before giving up
	RetryDelay  time.Duration // fixed delay between attempts (no backoff)
	Dial        DialFunc      // nil means the gobwas/ws dialer
}

// DefaultChannelConfig returns production defaults: five attempts with a 10
// second budget each. No exponential backoff; the ceiling is small enough
// that a fixed delay is sufficient, and the user can reopen the screen to
// start over.
func DefaultChannelConfig(url string) ChannelConfig {
	return ChannelConfig{
		URL:         url,
		DialTimeout: 10 * time.Second,
		MaxAttempts: 5,
		RetryDelay:  time.Second,
	}
}

// channelHooks are the callbacks the Channel invokes from its read loop.
// All inbound events are normalized here: the three message alias tags
// collapse into a single onMessage call, unknown event types are ignored,
// and malformed events are dropped with a log line.
type channelHooks struct {
	onMessage func(protocol.Message)
	onTyping  func(participantID string, isTyping bool)
	onState   func(ChannelState)
}

// Channel owns exactly one live connection to the chat gateway for one chat
// session. Open dials, authenticates, and joins the chat room; a read loop
// then delivers inbound events until the connection drops, at which point a
// bounded reconnect (re-dial, re-auth, re-join — room membership is not
// preserved by the gateway across connections) runs. Send fails fast while
// the channel is anything but open: nothing is buffered while disconnected.
type Channel struct {
	cfg           ChannelConfig
	chatID        string
	credential    string
	participantID string
	hooks         channelHooks

	mu    sync.Mutex
	conn  net.Conn
	state ChannelState

	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel creates an unopened channel for the given chat.
func NewChannel(cfg ChannelConfig, chatID, credential, participantID string, hooks channelHooks) *Channel {
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string) (net.Conn, error) {
			conn, _, _, err := ws.Dial(ctx, url)
			return conn, err
		}
	}
	return &Channel{
		cfg:           cfg,
		chatID:        chatID,
		credential:    credential,
		participantID: participantID,
		hooks:         hooks,
		state:         StateConnecting,
		done:          make(chan struct{}),
	}
}

// Open establishes the channel: dial, auth handshake, room join, all within
// the per-attempt budget, retried up to MaxAttempts. On success the read
// loop starts in the background and the state becomes open. On exhausting
// the attempts the state becomes closed and ErrHandshakeFailed is returned.
func (c *Channel) Open(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, err := c.attemptLoop(ctx)
	if err != nil {
		c.setState(StateClosed)
		return err
	}

	c.mu.Lock()
	select {
	case <-c.done:
		// Closed while the last attempt was in flight; do not resurrect.
		c.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	default:
	}
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen)

	go c.readLoop(conn)
	return nil
}

// State returns the current connectivity state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send transmits a client event over the channel. It returns
// ErrChannelUnavailable unless the channel is open: a send attempted while
// closed or mid-reconnect must fail fast rather than silently queue, because
// the room-join is not guaranteed valid until the reconnect completes.
func (c *Channel) Send(event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("chatclient: marshal event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.conn == nil {
		return ErrChannelUnavailable
	}
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("chatclient: write event: %w", err)
	}
	return nil
}

// Close tears the channel down. It is idempotent: the first call cancels
// any pending reconnect attempts and closes the underlying connection;
// subsequent calls do nothing. The state becomes closed synchronously.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.state = StateClosed
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
	})
}

// attemptLoop tries to establish, authenticate, and join up to MaxAttempts
// times with a fixed delay between attempts. It returns the first error
// cause wrapped in ErrHandshakeFailed when every attempt fails.
func (c *Channel) attemptLoop(ctx context.Context) (net.Conn, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-c.done:
			return nil, ErrSessionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := c.establish(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Printf("chatclient: channel attempt %d/%d chat=%s failed: %v",
			attempt, c.cfg.MaxAttempts, c.chatID, err)

		if attempt == c.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-c.done:
			timer.Stop()
			return nil, ErrSessionClosed
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, lastErr)
}

// establish performs one full connection attempt: dial, auth handshake, and
// room join, all bounded by DialTimeout.
func (c *Channel) establish(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.cfg.Dial(dialCtx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// handshake sends the auth event, waits for auth_ok, and issues the room
// join so the gateway routes this chat's events to the connection. The read
// deadline bounds the wait for the gateway's response.
func (c *Channel) handshake(conn net.Conn) error {
	auth, err := json.Marshal(protocol.AuthEvent{
		Type:          protocol.TypeAuth,
		Credential:    c.credential,
		ParticipantID: c.participantID,
	})
	if err != nil {
		return fmt.Errorf("marshal auth: %w", err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, auth); err != nil {
		return fmt.Errorf("write auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return fmt.Errorf("read handshake response: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeAuthOK:
			join, err := json.Marshal(protocol.JoinEvent{
				Type:   protocol.TypeJoin,
				ChatID: c.chatID,
			})
			if err != nil {
				return fmt.Errorf("marshal join: %w", err)
			}
			if err := wsutil.WriteClientMessage(conn, ws.OpText, join); err != nil {
				return fmt.Errorf("write join: %w", err)
			}
			return nil
		case protocol.TypeError:
			var e protocol.ErrorEvent
			_ = json.Unmarshal(env.Raw, &e)
			return fmt.Errorf("gateway rejected auth: %s (%s)", e.Code, e.Message)
		default:
			// Any other event before auth_ok is ignored.
		}
	}
}

// readLoop reads inbound frames until the connection drops or the channel
// is closed. A dropped connection triggers the bounded reconnect; when that
// fails the channel settles in the closed state.
func (c *Channel) readLoop(conn net.Conn) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			select {
			case <-c.done:
				return // intentional close, not a drop
			default:
			}

			conn = c.reconnect()
			if conn == nil {
				return
			}
			continue
		}

		c.dispatch(data)
	}
}

// reconnect runs the bounded re-establish after a connection drop. The
// handshake and join are re-issued on every attempt. Returns the new
// connection, or nil when the channel gave up or was closed.
func (c *Channel) reconnect() net.Conn {
	c.setState(StateReconnecting)

	conn, err := c.attemptLoop(context.Background())
	if err != nil {
		select {
		case <-c.done:
		default:
			log.Printf("chatclient: channel chat=%s gave up reconnecting: %v", c.chatID, err)
			c.setState(StateClosed)
		}
		return nil
	}

	c.mu.Lock()
	select {
	case <-c.done:
		// Closed while the last attempt was in flight; do not resurrect.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateOpen)
	return conn
}

// dispatch normalizes one inbound event and routes it to the hooks.
// Malformed events are dropped and logged; they never terminate the session.
func (c *Channel) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("chatclient: dropping malformed event chat=%s: %v", c.chatID, err)
		return
	}

	switch {
	case protocol.IsMessageType(env.Type):
		var ev protocol.MessageEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			log.Printf("chatclient: dropping undecodable message event chat=%s: %v", c.chatID, err)
			return
		}
		m := ev.Message
		if m.ID == "" || m.ChatID == "" || m.CreatedAt.IsZero() {
			log.Printf("chatclient: dropping message event with missing fields chat=%s id=%q", c.chatID, m.ID)
			return
		}
		if m.ChatID != c.chatID {
			return // scoped to another room; not ours to materialize
		}
		if c.hooks.onMessage != nil {
			c.hooks.onMessage(m)
		}

	case env.Type == protocol.TypeTyping:
		var ev protocol.PeerTypingEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			log.Printf("chatclient: dropping undecodable typing event chat=%s: %v", c.chatID, err)
			return
		}
		if ev.ParticipantID == "" {
			log.Printf("chatclient: dropping typing event with missing participant chat=%s", c.chatID)
			return
		}
		if c.hooks.onTyping != nil {
			c.hooks.onTyping(ev.ParticipantID, ev.IsTyping)
		}

	default:
		// Forward-compatible: unknown event types are accepted and ignored.
	}
}

// setState records a state transition and notifies the hook. Close wins:
// once closed the state never changes again.
func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	if c.state == StateClosed && s != StateClosed {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	hook := c.hooks.onState
	c.mu.Unlock()

	if changed && hook != nil {
		hook(s)
	}
}
