package ws

import (
	"anonchat.org/internal/chat"
	"anonchat.org/internal/identity"
)

// Inbound frame types. The dispatch set is closed: anything else is a
// protocol error answered with an error frame.
const (
	frameAuth        = "auth"
	frameSendMessage = "send_message"
	frameJoinRoom    = "join_room"
)

// Outbound frame types.
const (
	frameAuthSuccess = "auth_success"
	frameAuthError   = "auth_error"
	frameChatHistory = "chat_history"
	frameNewMessage  = "new_message"
	frameError       = "error"
	frameJoinedRoom  = "joined_room"
)

// Stable machine-readable codes for client-side branching.
const (
	CodeNoToken          = "NO_TOKEN"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeUserNotFound     = "USER_NOT_FOUND"
	CodeAuthTimeout      = "AUTH_TIMEOUT"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeEmptyContent     = "EMPTY_CONTENT"
	CodeContentTooLong   = "CONTENT_TOO_LONG"
	CodeRoomNotFound     = "ROOM_NOT_FOUND"
	CodeUnknownType      = "UNKNOWN_TYPE"
	CodeInvalidFrame     = "INVALID_FRAME"
	CodeInternal         = "INTERNAL"
)

// inboundFrame is the envelope every client frame decodes into; the type
// discriminator selects which fields are meaningful.
type inboundFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Content string `json:"content,omitempty"`
	RoomID  int64  `json:"roomId,omitempty"`
}

type userPayload struct {
	ID       int64           `json:"id"`
	AnonName string          `json:"anonName"`
	Status   identity.Status `json:"status"`
}

type authSuccessFrame struct {
	Type   string      `json:"type"`
	User   userPayload `json:"user"`
	RoomID int64       `json:"roomId"`
}

type authErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type chatHistoryFrame struct {
	Type     string         `json:"type"`
	Messages []chat.Message `json:"messages"`
}

type newMessageFrame struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type joinedRoomFrame struct {
	Type     string `json:"type"`
	RoomID   int64  `json:"roomId"`
	RoomName string `json:"roomName"`
}
