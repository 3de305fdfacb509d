// Package pg backs the identity and chat stores with Postgres via the pgx
// stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"anonchat.org/internal/chat"
	"anonchat.org/internal/identity"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var (
	_ identity.Store = (*Store)(nil)
	_ chat.Store     = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- identity.Store ---

const userColumns = `id, external_id, username, anon_name, status, created_at`

func (s *Store) FindByID(ctx context.Context, id int64) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+` from users where id=$1
	`, id)
	return scanUser(row)
}

func (s *Store) FindByExternalID(ctx context.Context, externalID int64) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+` from users where external_id=$1
	`, externalID)
	return scanUser(row)
}

// Create inserts the row and derives the anon handle from the assigned id
// in the same transaction, so no user is ever visible without one.
func (s *Store) Create(ctx context.Context, nu identity.NewUser) (*identity.User, error) {
	if nu.Status == "" {
		nu.Status = identity.StatusPending
	}
	if !nu.Status.Valid() {
		return nil, identity.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	u := &identity.User{
		ExternalID: nu.ExternalID,
		Username:   nu.Username,
		Status:     nu.Status,
	}
	err = tx.QueryRowContext(ctx, `
		insert into users (external_id, username, status)
		values ($1, $2, $3)
		returning id, created_at
	`, nu.ExternalID, nu.Username, nu.Status).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, identity.ErrAlreadyExists
		}
		return nil, err
	}

	u.AnonName = identity.AnonNameFor(u.ID)
	if _, err := tx.ExecContext(ctx, `
		update users set anon_name=$2 where id=$1
	`, u.ID, u.AnonName); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, status identity.Status) (*identity.User, error) {
	if !status.Valid() {
		return nil, identity.ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx, `
		update users set status=$2 where id=$1
		returning `+userColumns+`
	`, id, status)
	return scanUser(row)
}

func (s *Store) ListPending(ctx context.Context) ([]*identity.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+` from users
		where status=$1
		order by created_at
	`, identity.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	if username == "" {
		return false, identity.ErrInvalidInput
	}
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from users where lower(username)=lower($1))
	`, username).Scan(&taken)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

// --- chat.Store ---

func (s *Store) GetOrCreateGlobalRoom(ctx context.Context) (chat.Room, error) {
	if _, err := s.db.ExecContext(ctx, `
		insert into rooms (name, type) values ($1, 'global')
		on conflict (name) do nothing
	`, chat.GlobalRoomName); err != nil {
		return chat.Room{}, err
	}
	var room chat.Room
	err := s.db.QueryRowContext(ctx, `
		select id, name, type, created_at from rooms where name=$1
	`, chat.GlobalRoomName).Scan(&room.ID, &room.Name, &room.Type, &room.CreatedAt)
	if err != nil {
		return chat.Room{}, err
	}
	return room, nil
}

func (s *Store) GetRoom(ctx context.Context, id int64) (chat.Room, error) {
	var room chat.Room
	err := s.db.QueryRowContext(ctx, `
		select id, name, type, created_at from rooms where id=$1
	`, id).Scan(&room.ID, &room.Name, &room.Type, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Room{}, chat.ErrRoomNotFound
	}
	if err != nil {
		return chat.Room{}, err
	}
	return room, nil
}

func (s *Store) AppendMessage(ctx context.Context, roomID int64, userID *int64, content string) (chat.Message, error) {
	msg := chat.Message{RoomID: roomID, Content: content}
	if userID != nil {
		v := *userID
		msg.UserID = &v
	}
	err := s.db.QueryRowContext(ctx, `
		insert into messages (room_id, user_id, content)
		values ($1, $2, $3)
		returning id, created_at
	`, roomID, userID, content).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return chat.Message{}, chat.ErrRoomNotFound
		}
		return chat.Message{}, err
	}
	return msg, nil
}

// History reads the newest rows and flips them so callers always see the
// backlog oldest first.
func (s *Store) History(ctx context.Context, roomID int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = chat.DefaultHistoryLimit
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select m.id, m.room_id, m.user_id, m.content, m.created_at,
		       u.id, u.anon_name
		from messages m
		left join users u on u.id = m.user_id
		where m.room_id=$1
		order by m.created_at desc, m.id desc
		limit $2
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			msg        chat.Message
			userID     sql.NullInt64
			authorID   sql.NullInt64
			authorName sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &userID, &msg.Content, &msg.CreatedAt, &authorID, &authorName); err != nil {
			return nil, err
		}
		if userID.Valid {
			v := userID.Int64
			msg.UserID = &v
		}
		if authorID.Valid {
			msg.Author = &chat.Author{ID: authorID.Int64, AnonName: authorName.String}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*identity.User, error) {
	var (
		u        identity.User
		extID    sql.NullInt64
		username sql.NullString
	)
	err := row.Scan(&u.ID, &extID, &username, &u.AnonName, &u.Status, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if extID.Valid {
		v := extID.Int64
		u.ExternalID = &v
	}
	if username.Valid {
		v := username.String
		u.Username = &v
	}
	return &u, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
