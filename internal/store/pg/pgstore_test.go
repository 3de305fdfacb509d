package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"anonchat.org/internal/chat"
	"anonchat.org/internal/identity"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func userRows(id int64, extID any, username any, anonName, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "external_id", "username", "anon_name", "status", "created_at"}).
		AddRow(id, extID, username, anonName, status, time.Now())
}

func TestFindByIDMapsMissingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select id, external_id, username, anon_name, status, created_at from users where id").
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "username", "anon_name", "status", "created_at"}))

	_, err := s.FindByID(context.Background(), 404)
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFindByExternalIDScansNullableColumns(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select id, external_id, username, anon_name, status, created_at from users where external_id").
		WithArgs(int64(777)).
		WillReturnRows(userRows(3, int64(777), nil, "Student_3", "approved"))

	u, err := s.FindByExternalID(context.Background(), 777)
	if err != nil {
		t.Fatalf("FindByExternalID: %v", err)
	}
	if u.ID != 3 || u.AnonName != "Student_3" || u.Status != identity.StatusApproved {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.ExternalID == nil || *u.ExternalID != 777 {
		t.Fatalf("external id lost: %v", u.ExternalID)
	}
	if u.Username != nil {
		t.Fatalf("expected nil username, got %v", *u.Username)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateDerivesAnonNameInTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	ext := int64(555)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into users").
		WithArgs(ext, nil, "pending").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(12), time.Now()))
	mock.ExpectExec("update users set anon_name").
		WithArgs(int64(12), "Student_12").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u, err := s.Create(context.Background(), identity.NewUser{ExternalID: &ext})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.AnonName != "Student_12" {
		t.Fatalf("unexpected anon name: %q", u.AnonName)
	}
	if u.Status != identity.StatusPending {
		t.Fatalf("expected pending default, got %s", u.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	ext := int64(555)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into users").
		WithArgs(ext, nil, "pending").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := s.Create(context.Background(), identity.NewUser{ExternalID: &ext})
	if !errors.Is(err, identity.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateStatusReturnsUpdatedRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("update users set status").
		WithArgs(int64(5), "approved").
		WillReturnRows(userRows(5, nil, nil, "Student_5", "approved"))

	u, err := s.UpdateStatus(context.Background(), 5, identity.StatusApproved)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if u.Status != identity.StatusApproved {
		t.Fatalf("unexpected status: %s", u.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUsernameAvailableIsCaseInsensitive(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select exists").
		WithArgs("Borat").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	available, err := s.UsernameAvailable(context.Background(), "Borat")
	if err != nil {
		t.Fatalf("UsernameAvailable: %v", err)
	}
	if available {
		t.Fatal("expected name to be taken")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetOrCreateGlobalRoomUpsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into rooms").
		WithArgs(chat.GlobalRoomName).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select id, name, type, created_at from rooms where name").
		WithArgs(chat.GlobalRoomName).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "type", "created_at"}).
			AddRow(int64(1), chat.GlobalRoomName, "global", time.Now()))

	room, err := s.GetOrCreateGlobalRoom(context.Background())
	if err != nil {
		t.Fatalf("GetOrCreateGlobalRoom: %v", err)
	}
	if room.ID != 1 || room.Name != chat.GlobalRoomName {
		t.Fatalf("unexpected room: %+v", room)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAppendMessageMapsMissingRoom(t *testing.T) {
	s, mock := newMockStore(t)

	userID := int64(2)
	mock.ExpectQuery("insert into messages").
		WithArgs(int64(99), userID, "hello").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	_, err := s.AppendMessage(context.Background(), 99, &userID, "hello")
	if !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHistoryReversesNewestFirstRows(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery("select id, name, type, created_at from rooms where id").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "type", "created_at"}).
			AddRow(int64(1), chat.GlobalRoomName, "global", now))

	rows := sqlmock.NewRows([]string{"id", "room_id", "user_id", "content", "created_at", "author_id", "anon_name"}).
		AddRow(int64(3), int64(1), int64(2), "third", now, int64(2), "Student_2").
		AddRow(int64(2), int64(1), nil, "second", now.Add(-time.Minute), nil, nil).
		AddRow(int64(1), int64(1), int64(2), "first", now.Add(-2*time.Minute), int64(2), "Student_2")
	mock.ExpectQuery("select m.id, m.room_id, m.user_id, m.content, m.created_at").
		WithArgs(int64(1), 2).
		WillReturnRows(rows)

	history, err := s.History(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("unexpected history length: %d", len(history))
	}
	if history[0].Content != "first" || history[2].Content != "third" {
		t.Fatalf("history not oldest-first: %v", history)
	}
	if history[0].Author == nil || history[0].Author.AnonName != "Student_2" {
		t.Fatalf("author snapshot missing: %+v", history[0])
	}
	if history[1].Author != nil || history[1].UserID != nil {
		t.Fatalf("system message should carry no author: %+v", history[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
