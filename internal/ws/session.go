package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"anonchat.org/internal/audit"
	"anonchat.org/internal/chat"
	"anonchat.org/internal/identity"
	"anonchat.org/internal/obs"
)

var (
	errConnClosed   = errors.New("ws: connection closed")
	errSlowConsumer = errors.New("ws: outbound queue full")
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateClosed
)

// closeRequest asks the writer to flush queued frames, send a close frame
// with the given status and shut the transport down.
type closeRequest struct {
	code   int
	reason string
}

// session is one live connection. The read loop is the only goroutine
// mutating protocol state, so state transitions need no lock; the done
// channel and outbound queue carry the cross-goroutine handoff.
type session struct {
	h    *Handler
	conn *websocket.Conn

	mu    sync.Mutex
	state sessionState

	userID int64

	send     chan []byte
	closeReq chan closeRequest
	done     chan struct{}
	once     sync.Once

	authTimer  *time.Timer
	violations int
}

func newSession(h *Handler, conn *websocket.Conn) *session {
	s := &session{
		h:        h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		closeReq: make(chan closeRequest, 1),
		done:     make(chan struct{}),
	}
	s.authTimer = time.AfterFunc(h.cfg.AuthTimeout, s.authDeadlineExpired)
	return s
}

// Enqueue implements hub.Conn. It never blocks: a full queue means the
// client cannot keep up and the registry will drop it.
func (s *session) Enqueue(payload []byte) error {
	select {
	case <-s.done:
		return errConnClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return errSlowConsumer
	}
}

// Close implements hub.Conn. Safe to call repeatedly.
func (s *session) Close() {
	s.once.Do(func() {
		s.setState(stateClosed)
		close(s.done)
	})
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	if s.state != stateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) authDeadlineExpired() {
	if s.currentState() == stateUnauthenticated {
		s.sendFrame(authErrorFrame{Type: frameAuthError, Message: "authentication timed out", Code: CodeAuthTimeout})
		s.terminate(websocket.ClosePolicyViolation, "authentication timeout")
	}
}

// terminate asks the writer to flush and close with the given status code.
func (s *session) terminate(code int, reason string) {
	select {
	case s.closeReq <- closeRequest{code: code, reason: reason}:
	default:
	}
}

// writePump owns all writes to the transport. It drains the outbound queue,
// honors close requests after flushing what is already queued, and tears
// the connection down when the session is closed from elsewhere.
func (s *session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case payload := <-s.send:
			if err := s.write(payload); err != nil {
				s.Close()
				return
			}
		case req := <-s.closeReq:
			s.flush()
			deadline := time.Now().Add(defaultWriteWait)
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			s.Close()
			return
		case <-s.done:
			return
		}
	}
}

func (s *session) flush() {
	for {
		select {
		case payload := <-s.send:
			if err := s.write(payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) write(payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop processes inbound frames sequentially until the transport
// closes, then deregisters the connection.
func (s *session) readLoop() {
	defer func() {
		s.authTimer.Stop()
		s.h.registry.Remove(s)
		s.Close()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if s.currentState() == stateClosed {
			return
		}
		s.handleFrame(data)
	}
}

func (s *session) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.protocolViolation("invalid message format", CodeInvalidFrame)
		return
	}
	switch frame.Type {
	case frameAuth:
		s.handleAuth(frame)
	case frameSendMessage:
		s.handleSendMessage(frame)
	case frameJoinRoom:
		s.handleJoinRoom()
	default:
		s.protocolViolation("unknown message type", CodeUnknownType)
	}
}

// protocolViolation answers with an error frame and closes only after
// repeated offenses.
func (s *session) protocolViolation(msg, code string) {
	s.violations++
	s.sendFrame(errorFrame{Type: frameError, Message: msg, Code: code})
	if s.violations >= maxViolations {
		s.terminate(websocket.ClosePolicyViolation, "too many protocol violations")
	}
}

func (s *session) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.h.cfg.StoreTimeout)
}

func (s *session) handleAuth(frame inboundFrame) {
	if s.currentState() == stateAuthenticated {
		s.sendFrame(errorFrame{Type: frameError, Message: "already authenticated"})
		return
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	var user *identity.User
	switch {
	case frame.Token == "" && s.h.cfg.DevMode:
		// Bootstrap posture only: admit under the well-known fallback
		// identity instead of rejecting the credential-less frame.
		var err error
		user, err = s.devFallbackUser(ctx)
		if err != nil {
			s.rejectAuth("authentication failed", CodeInternal, websocket.CloseInternalServerErr)
			return
		}
	case frame.Token == "":
		s.rejectAuth("authentication token required", CodeNoToken, websocket.ClosePolicyViolation)
		return
	default:
		claims, err := s.h.tokens.VerifyAccess(frame.Token)
		if err != nil {
			s.rejectAuth("invalid or expired authentication token", CodeInvalidToken, websocket.ClosePolicyViolation)
			return
		}
		// The credential's embedded status is a snapshot; the live
		// record is the authorization truth at admission time.
		user, err = s.h.users.FindByID(ctx, claims.UserID)
		if errors.Is(err, identity.ErrNotFound) {
			s.rejectAuth("user not found", CodeUserNotFound, websocket.ClosePolicyViolation)
			return
		}
		if err != nil {
			s.rejectAuth("authentication failed", CodeInternal, websocket.CloseInternalServerErr)
			return
		}
	}

	room, err := s.h.store.GetOrCreateGlobalRoom(ctx)
	if err != nil {
		s.rejectAuth("authentication failed", CodeInternal, websocket.CloseInternalServerErr)
		return
	}
	history, err := s.h.store.History(ctx, room.ID, s.h.cfg.HistoryLimit)
	if err != nil {
		s.rejectAuth("authentication failed", CodeInternal, websocket.CloseInternalServerErr)
		return
	}

	s.userID = user.ID
	s.h.registry.Admit(s, user.ID)
	s.setState(stateAuthenticated)
	s.authTimer.Stop()

	s.sendFrame(authSuccessFrame{
		Type:   frameAuthSuccess,
		User:   userPayload{ID: user.ID, AnonName: user.AnonName, Status: user.Status},
		RoomID: room.ID,
	})
	if history == nil {
		history = []chat.Message{}
	}
	s.sendFrame(chatHistoryFrame{Type: frameChatHistory, Messages: history})

	_ = audit.LogEvent(ctx, "ws.connection.admitted", map[string]any{
		"user_id": user.ID,
		"room_id": room.ID,
		"status":  user.Status,
	})
}

func (s *session) devFallbackUser(ctx context.Context) (*identity.User, error) {
	user, err := s.h.users.FindByExternalID(ctx, devExternalID)
	if errors.Is(err, identity.ErrNotFound) {
		ext := devExternalID
		return s.h.users.Create(ctx, identity.NewUser{ExternalID: &ext, Status: identity.StatusApproved})
	}
	return user, err
}

func (s *session) rejectAuth(msg, code string, closeCode int) {
	s.sendFrame(authErrorFrame{Type: frameAuthError, Message: msg, Code: code})
	s.terminate(closeCode, msg)
}

func (s *session) handleSendMessage(frame inboundFrame) {
	if s.currentState() != stateAuthenticated {
		s.sendFrame(errorFrame{Type: frameError, Message: "not authenticated", Code: CodeNotAuthenticated})
		return
	}

	content, err := chat.ValidateContent(frame.Content)
	if err != nil {
		obs.CountMessage("rejected")
		switch {
		case errors.Is(err, chat.ErrEmptyContent):
			s.sendFrame(errorFrame{Type: frameError, Message: "message content cannot be empty", Code: CodeEmptyContent})
		case errors.Is(err, chat.ErrContentTooLong):
			s.sendFrame(errorFrame{Type: frameError, Message: "message is too long (max 1000 characters)", Code: CodeContentTooLong})
		default:
			s.sendFrame(errorFrame{Type: frameError, Message: "invalid message", Code: CodeInvalidFrame})
		}
		return
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	roomID := frame.RoomID
	if roomID == 0 {
		room, err := s.h.store.GetOrCreateGlobalRoom(ctx)
		if err != nil {
			s.storeFailure()
			return
		}
		roomID = room.ID
	}

	authorID := s.userID
	msg, err := s.h.store.AppendMessage(ctx, roomID, &authorID, content)
	if errors.Is(err, chat.ErrRoomNotFound) {
		obs.CountMessage("rejected")
		s.sendFrame(errorFrame{Type: frameError, Message: "room not found", Code: CodeRoomNotFound})
		return
	}
	if err != nil {
		s.storeFailure()
		return
	}

	// Author snapshot is re-read at broadcast time rather than cached
	// from admission so a changed handle shows up immediately.
	if author, err := s.h.users.FindByID(ctx, authorID); err == nil {
		msg.Author = &chat.Author{ID: author.ID, AnonName: author.AnonName}
	}

	payload, err := json.Marshal(newMessageFrame{Type: frameNewMessage, Message: msg})
	if err != nil {
		s.storeFailure()
		return
	}
	s.h.registry.Broadcast(payload)
	obs.CountMessage("delivered")
}

// storeFailure reports a transient persistence problem to the sender only;
// nothing is broadcast and the connection stays open.
func (s *session) storeFailure() {
	obs.CountMessage("store_error")
	s.sendFrame(errorFrame{Type: frameError, Message: "failed to send message", Code: CodeInternal})
}

func (s *session) handleJoinRoom() {
	if s.currentState() != stateAuthenticated {
		s.sendFrame(errorFrame{Type: frameError, Message: "not authenticated", Code: CodeNotAuthenticated})
		return
	}
	ctx, cancel := s.storeCtx()
	defer cancel()
	room, err := s.h.store.GetOrCreateGlobalRoom(ctx)
	if err != nil {
		s.storeFailure()
		return
	}
	s.sendFrame(joinedRoomFrame{Type: frameJoinedRoom, RoomID: room.ID, RoomName: room.Name})
}

func (s *session) sendFrame(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.Enqueue(payload); err != nil {
		s.h.registry.Remove(s)
		s.Close()
	}
}
