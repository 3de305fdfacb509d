package chat

import "context"

// Store describes the durable message log this core appends to and reads
// from. Append assigns the message id and timestamp; History returns the
// most recent messages in chronological order, oldest first.
type Store interface {
	GetOrCreateGlobalRoom(ctx context.Context) (Room, error)
	GetRoom(ctx context.Context, id int64) (Room, error)
	AppendMessage(ctx context.Context, roomID int64, userID *int64, content string) (Message, error)
	History(ctx context.Context, roomID int64, limit int) ([]Message, error)
}
