package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"anonchat.org/internal/chat"
	"anonchat.org/internal/hub"
	"anonchat.org/internal/identity"
	"anonchat.org/internal/token"
)

type testEnv struct {
	srv      *httptest.Server
	users    *identity.InMemory
	store    *chat.InMemory
	tokens   *token.Service
	registry *hub.Registry
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	users := identity.NewInMemory()
	store := chat.NewInMemory(users)
	tokens, err := token.NewService("ws-test-secret")
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	registry := hub.NewRegistry()
	handler := NewHandler(cfg, registry, tokens, users, store)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, users: users, store: store, tokens: tokens, registry: registry}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) approvedUser(t *testing.T) *identity.User {
	t.Helper()
	u, err := e.users.Create(context.Background(), identity.NewUser{Status: identity.StatusApproved})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func (e *testEnv) accessToken(t *testing.T, u *identity.User) string {
	t.Helper()
	raw, _, err := e.tokens.IssueAccess(u)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	return raw
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func authenticate(t *testing.T, e *testEnv, conn *websocket.Conn, rawToken string) {
	t.Helper()
	sendJSON(t, conn, map[string]any{"type": "auth", "token": rawToken})
	if frame := readFrame(t, conn); frame["type"] != frameAuthSuccess {
		t.Fatalf("expected auth_success, got %v", frame)
	}
	if frame := readFrame(t, conn); frame["type"] != frameChatHistory {
		t.Fatalf("expected chat_history, got %v", frame)
	}
}

func TestAuthSuccessThenHistoryOrdering(t *testing.T) {
	e := newTestEnv(t, Config{})
	u := e.approvedUser(t)

	// Pre-existing messages must arrive in the history, oldest first.
	room, _ := e.store.GetOrCreateGlobalRoom(context.Background())
	for _, text := range []string{"first", "second"} {
		if _, err := e.store.AppendMessage(context.Background(), room.ID, &u.ID, text); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	conn := e.dial(t)
	sendJSON(t, conn, map[string]any{"type": "auth", "token": e.accessToken(t, u)})

	success := readFrame(t, conn)
	if success["type"] != frameAuthSuccess {
		t.Fatalf("expected auth_success first, got %v", success)
	}
	user := success["user"].(map[string]any)
	if user["anonName"] != u.AnonName {
		t.Fatalf("unexpected user payload: %v", user)
	}

	history := readFrame(t, conn)
	if history["type"] != frameChatHistory {
		t.Fatalf("expected chat_history second, got %v", history)
	}
	msgs := history["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(msgs))
	}
	first := msgs[0].(map[string]any)
	second := msgs[1].(map[string]any)
	if first["content"] != "first" || second["content"] != "second" {
		t.Fatalf("history not oldest-first: %v", msgs)
	}
}

func TestExpiredTokenRejectedAndClosed(t *testing.T) {
	e := newTestEnv(t, Config{})
	u := e.approvedUser(t)

	// Sign with a clock far enough in the past that the token is expired.
	past := time.Now().Add(-time.Hour)
	expiredSigner, err := token.NewService("ws-test-secret", token.WithClock(func() time.Time { return past }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	expired, _, err := expiredSigner.IssueAccess(u)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	conn := e.dial(t)
	sendJSON(t, conn, map[string]any{"type": "auth", "token": expired})

	frame := readFrame(t, conn)
	if frame["type"] != frameAuthError || frame["code"] != CodeInvalidToken {
		t.Fatalf("expected auth_error INVALID_TOKEN, got %v", frame)
	}

	// No chat_history follows; the server closes with a policy violation.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection close after auth_error")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close code 1008, got %v", err)
	}
}

func TestMissingTokenRejectedOutsideDevMode(t *testing.T) {
	e := newTestEnv(t, Config{})
	conn := e.dial(t)
	sendJSON(t, conn, map[string]any{"type": "auth"})

	frame := readFrame(t, conn)
	if frame["type"] != frameAuthError || frame["code"] != CodeNoToken {
		t.Fatalf("expected auth_error NO_TOKEN, got %v", frame)
	}
}

func TestDevModeAdmitsFallbackIdentity(t *testing.T) {
	e := newTestEnv(t, Config{DevMode: true})
	conn := e.dial(t)
	sendJSON(t, conn, map[string]any{"type": "auth"})

	success := readFrame(t, conn)
	if success["type"] != frameAuthSuccess {
		t.Fatalf("expected auth_success in dev mode, got %v", success)
	}
	if frame := readFrame(t, conn); frame["type"] != frameChatHistory {
		t.Fatalf("expected chat_history, got %v", frame)
	}

	fallback, err := e.users.FindByExternalID(context.Background(), devExternalID)
	if err != nil {
		t.Fatalf("fallback identity not created: %v", err)
	}
	if fallback.Status != identity.StatusApproved {
		t.Fatalf("fallback identity must be approved, got %s", fallback.Status)
	}
}

func TestUnknownUserRejected(t *testing.T) {
	e := newTestEnv(t, Config{})
	ghost := &identity.User{ID: 4040, AnonName: identity.AnonNameFor(4040), Status: identity.StatusApproved}

	conn := e.dial(t)
	sendJSON(t, conn, map[string]any{"type": "auth", "token": e.accessToken(t, ghost)})

	frame := readFrame(t, conn)
	if frame["type"] != frameAuthError || frame["code"] != CodeUserNotFound {
		t.Fatalf("expected auth_error USER_NOT_FOUND, got %v", frame)
	}
}

func TestAdmissionUsesLiveStatusNotSnapshot(t *testing.T) {
	e := newTestEnv(t, Config{})
	u := e.approvedUser(t)
	raw := e.accessToken(t, u)

	// Status changes after the credential was issued: admission still
	// succeeds and reports the live status, not the embedded snapshot.
	if _, err := e.users.UpdateStatus(context.Background(), u.ID, identity.StatusRejected); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	conn := e.dial(t)
	sendJSON(t, conn, map[string]any{"type": "auth", "token": raw})

	success := readFrame(t, conn)
	if success["type"] != frameAuthSuccess {
		t.Fatalf("expected admission despite status drift, got %v", success)
	}
	user := success["user"].(map[string]any)
	if user["status"] != string(identity.StatusRejected) {
		t.Fatalf("expected live status in auth_success, got %v", user["status"])
	}
}

func TestSendMessageBroadcastsToAllConnections(t *testing.T) {
	e := newTestEnv(t, Config{})
	alice := e.approvedUser(t)
	bob := e.approvedUser(t)

	connA := e.dial(t)
	authenticate(t, e, connA, e.accessToken(t, alice))
	connB := e.dial(t)
	authenticate(t, e, connB, e.accessToken(t, bob))

	sendJSON(t, connA, map[string]any{"type": "send_message", "content": "hi"})

	frameA := readFrame(t, connA)
	frameB := readFrame(t, connB)
	for _, frame := range []map[string]any{frameA, frameB} {
		if frame["type"] != frameNewMessage {
			t.Fatalf("expected new_message, got %v", frame)
		}
	}
	msgA := frameA["message"].(map[string]any)
	msgB := frameB["message"].(map[string]any)
	if msgA["content"] != "hi" || msgB["content"] != "hi" {
		t.Fatalf("unexpected content: %v / %v", msgA, msgB)
	}
	if msgA["id"] != msgB["id"] {
		t.Fatalf("sender and receiver saw different message ids: %v != %v", msgA["id"], msgB["id"])
	}
	author := msgA["user"].(map[string]any)
	if author["anonName"] != alice.AnonName {
		t.Fatalf("unexpected author snapshot: %v", author)
	}
}

func TestWhitespaceOnlyMessageRejectedWithoutBroadcast(t *testing.T) {
	e := newTestEnv(t, Config{})
	alice := e.approvedUser(t)
	bob := e.approvedUser(t)

	connA := e.dial(t)
	authenticate(t, e, connA, e.accessToken(t, alice))
	connB := e.dial(t)
	authenticate(t, e, connB, e.accessToken(t, bob))

	before := e.registry.Len()
	sendJSON(t, connA, map[string]any{"type": "send_message", "content": "   "})

	frame := readFrame(t, connA)
	if frame["type"] != frameError || frame["code"] != CodeEmptyContent {
		t.Fatalf("expected error EMPTY_CONTENT, got %v", frame)
	}
	if e.registry.Len() != before {
		t.Fatal("registry membership changed on validation failure")
	}

	// A follow-up message proves connB never saw the rejected one.
	sendJSON(t, connA, map[string]any{"type": "send_message", "content": "real"})
	frameB := readFrame(t, connB)
	if frameB["type"] != frameNewMessage {
		t.Fatalf("expected new_message, got %v", frameB)
	}
	if frameB["message"].(map[string]any)["content"] != "real" {
		t.Fatalf("receiver saw unexpected message: %v", frameB)
	}
}

func TestOversizedMessageRejected(t *testing.T) {
	e := newTestEnv(t, Config{})
	u := e.approvedUser(t)
	conn := e.dial(t)
	authenticate(t, e, conn, e.accessToken(t, u))

	sendJSON(t, conn, map[string]any{"type": "send_message", "content": strings.Repeat("a", chat.MaxContentLength+1)})
	frame := readFrame(t, conn)
	if frame["type"] != frameError || frame["code"] != CodeContentTooLong {
		t.Fatalf("expected error CONTENT_TOO_LONG, got %v", frame)
	}
}

func TestSendBeforeAuthRejected(t *testing.T) {
	e := newTestEnv(t, Config{})
	conn := e.dial(t)
	sendJSON(t, conn, map[string]any{"type": "send_message", "content": "sneaky"})

	frame := readFrame(t, conn)
	if frame["type"] != frameError || frame["code"] != CodeNotAuthenticated {
		t.Fatalf("expected error NOT_AUTHENTICATED, got %v", frame)
	}
}

func TestJoinRoomReturnsGlobalRoom(t *testing.T) {
	e := newTestEnv(t, Config{})
	u := e.approvedUser(t)
	conn := e.dial(t)
	authenticate(t, e, conn, e.accessToken(t, u))

	sendJSON(t, conn, map[string]any{"type": "join_room"})
	frame := readFrame(t, conn)
	if frame["type"] != frameJoinedRoom {
		t.Fatalf("expected joined_room, got %v", frame)
	}
	if frame["roomName"] != chat.GlobalRoomName {
		t.Fatalf("unexpected room name: %v", frame["roomName"])
	}
}

func TestUnknownFrameTypeAnsweredWithoutClose(t *testing.T) {
	e := newTestEnv(t, Config{})
	u := e.approvedUser(t)
	conn := e.dial(t)
	authenticate(t, e, conn, e.accessToken(t, u))

	sendJSON(t, conn, map[string]any{"type": "teleport"})
	frame := readFrame(t, conn)
	if frame["type"] != frameError || frame["code"] != CodeUnknownType {
		t.Fatalf("expected error UNKNOWN_TYPE, got %v", frame)
	}

	// Connection is still usable afterwards.
	sendJSON(t, conn, map[string]any{"type": "join_room"})
	if frame := readFrame(t, conn); frame["type"] != frameJoinedRoom {
		t.Fatalf("connection unusable after protocol error: %v", frame)
	}
}

func TestAuthTimeoutClosesHalfOpenSession(t *testing.T) {
	e := newTestEnv(t, Config{AuthTimeout: 100 * time.Millisecond})
	conn := e.dial(t)

	frame := readFrame(t, conn)
	if frame["type"] != frameAuthError || frame["code"] != CodeAuthTimeout {
		t.Fatalf("expected auth_error AUTH_TIMEOUT, got %v", frame)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close after auth timeout")
	}
}
