package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCreateAssignsDeterministicAnonName(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ext := int64(1000 + i)
		u, err := s.Create(ctx, NewUser{ExternalID: &ext})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if u.AnonName != fmt.Sprintf("Student_%d", u.ID) {
			t.Fatalf("anon name %q not derived from id %d", u.AnonName, u.ID)
		}
		if u.Status != StatusPending {
			t.Fatalf("expected default pending status, got %s", u.Status)
		}
	}
}

func TestCreateRejectsDuplicateExternalID(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	ext := int64(42)
	if _, err := s.Create(ctx, NewUser{ExternalID: &ext}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, NewUser{ExternalID: &ext}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestUpdateStatusIsPointInTimeTruth(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	u, err := s.Create(ctx, NewUser{Status: StatusApproved})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.UpdateStatus(ctx, u.ID, StatusRejected); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	live, err := s.FindByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if live.Status != StatusRejected {
		t.Fatalf("expected live status rejected, got %s", live.Status)
	}
	if live.AnonName != u.AnonName {
		t.Fatalf("anon name must be immutable: %q != %q", live.AnonName, u.AnonName)
	}

	if _, err := s.UpdateStatus(ctx, u.ID, Status("frozen")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown status, got %v", err)
	}
	if _, err := s.UpdateStatus(ctx, 9999, StatusApproved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUsernameAvailability(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	name := "night_owl"
	if _, err := s.Create(ctx, NewUser{Username: &name, Status: StatusApproved}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	free, err := s.UsernameAvailable(ctx, "Night_Owl")
	if err != nil {
		t.Fatalf("UsernameAvailable: %v", err)
	}
	if free {
		t.Fatal("expected case-insensitive collision to be reported as taken")
	}
	free, err = s.UsernameAvailable(ctx, "someone_else")
	if err != nil {
		t.Fatalf("UsernameAvailable: %v", err)
	}
	if !free {
		t.Fatal("expected unused name to be available")
	}
	if _, err := s.UsernameAvailable(ctx, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank name, got %v", err)
	}
}
