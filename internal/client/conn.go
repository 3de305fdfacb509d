package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultReconnectDelay = 3 * time.Second

// State describes the socket lifecycle as seen by callbacks.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateExpired      State = "expired"
	StateClosed       State = "closed"
)

// Message is a chat message as delivered over the socket.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"roomId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	User      *UserInfo `json:"user,omitempty"`
}

// Handlers are optional callbacks invoked from the read loop. They must not
// block; slow work belongs on the caller's own goroutine.
type Handlers struct {
	OnState   func(State)
	OnWelcome func(UserInfo)
	OnHistory func([]Message)
	OnMessage func(Message)
	OnError   func(code, message string)
}

type serverFrame struct {
	Type     string          `json:"type"`
	User     json.RawMessage `json:"user,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Code     string          `json:"code,omitempty"`
}

// text decodes the message field when it is a plain string (error frames);
// for new_message frames the field is an object and decoding fails silently.
func (f serverFrame) text() string {
	var s string
	if f.Message != nil {
		_ = json.Unmarshal(f.Message, &s)
	}
	return s
}

// Conn is a self-healing socket client: it authenticates with the manager's
// access token, refreshes once on an auth rejection, and reconnects after
// network drops while the session remains valid.
type Conn struct {
	wsURL    string
	mgr      *Manager
	dialer   *websocket.Dialer
	handlers Handlers
	delay    time.Duration

	sendMu sync.Mutex
	ws     *websocket.Conn
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithReconnectDelay overrides the pause between reconnect attempts.
func WithReconnectDelay(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) ConnOption {
	return func(c *Conn) {
		if d != nil {
			c.dialer = d
		}
	}
}

// NewConn creates a socket client for wsURL using mgr for credentials.
func NewConn(wsURL string, mgr *Manager, handlers Handlers, opts ...ConnOption) *Conn {
	c := &Conn{
		wsURL:    wsURL,
		mgr:      mgr,
		dialer:   websocket.DefaultDialer,
		handlers: handlers,
		delay:    defaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send publishes a message to the global room. Valid only while connected.
func (c *Conn) Send(content string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.ws == nil {
		return errors.New("client: not connected")
	}
	return c.ws.WriteJSON(map[string]string{"type": "send_message", "content": content})
}

// Run maintains the connection until ctx is canceled or the session
// expires. It returns ErrSessionExpired when re-authentication is needed.
func (c *Conn) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting)
		err := c.connectOnce(ctx)
		if err == nil || ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}
		if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNoCredentials) {
			c.setState(StateExpired)
			return err
		}

		c.setState(StateReconnecting)
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			c.setState(StateClosed)
			return ctx.Err()
		}
	}
}

// connectOnce runs one dial-auth-read cycle. A nil return means ctx ended.
func (c *Conn) connectOnce(ctx context.Context) error {
	tok, err := c.mgr.Token(ctx)
	if err != nil {
		return err
	}

	ws, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return err
	}
	defer func() {
		c.sendMu.Lock()
		c.ws = nil
		c.sendMu.Unlock()
		ws.Close()
	}()

	// Close the socket when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	if err := ws.WriteJSON(map[string]string{"type": "auth", "token": tok}); err != nil {
		return err
	}

	authRejected := false
	for {
		var frame serverFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if authRejected {
				// The server rejected the token and closed. Try one
				// refresh; if that fails the session is gone.
				if rerr := c.mgr.Refresh(ctx); rerr != nil {
					return rerr
				}
			}
			return err
		}

		switch frame.Type {
		case "auth_success":
			c.sendMu.Lock()
			c.ws = ws
			c.sendMu.Unlock()
			c.setState(StateConnected)
			if c.handlers.OnWelcome != nil && frame.User != nil {
				var u UserInfo
				if json.Unmarshal(frame.User, &u) == nil {
					c.handlers.OnWelcome(u)
				}
			}
		case "auth_error":
			authRejected = true
			if c.handlers.OnError != nil {
				c.handlers.OnError(frame.Code, frame.text())
			}
		case "chat_history":
			if c.handlers.OnHistory != nil {
				c.handlers.OnHistory(frame.Messages)
			}
		case "new_message":
			if c.handlers.OnMessage != nil && frame.Message != nil {
				var msg Message
				if json.Unmarshal(frame.Message, &msg) == nil {
					c.handlers.OnMessage(msg)
				}
			}
		case "error":
			if c.handlers.OnError != nil {
				c.handlers.OnError(frame.Code, frame.text())
			}
		}
	}
}

func (c *Conn) setState(s State) {
	if c.handlers.OnState != nil {
		c.handlers.OnState(s)
	}
}
