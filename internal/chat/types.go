package chat

import (
	"errors"
	"strings"
	"time"
)

const (
	// GlobalRoomName is the single well-known room every client lands in.
	GlobalRoomName = "global"

	// MaxContentLength bounds message content after whitespace trimming.
	MaxContentLength = 1000

	// DefaultHistoryLimit is the bounded history read served on admission.
	DefaultHistoryLimit = 50
)

var (
	ErrRoomNotFound   = errors.New("chat: room not found")
	ErrEmptyContent   = errors.New("chat: message content is empty")
	ErrContentTooLong = errors.New("chat: message content exceeds limit")
)

// Room is a named, typed grouping for message scoping. Immutable after
// creation.
type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Author is the display snapshot of a message's sender. Nil on messages
// whose author has since been deleted.
type Author struct {
	ID       int64  `json:"id"`
	AnonName string `json:"anonName"`
}

// Message is an immutable chat entry. IDs are assigned by the store and
// increase monotonically within a room's log.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"roomId"`
	UserID    *int64    `json:"userId,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Author    *Author   `json:"user,omitempty"`
}

// ValidateContent trims raw content and enforces the 1..MaxContentLength
// bound, returning the canonical content to persist.
func ValidateContent(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if len([]rune(trimmed)) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}
