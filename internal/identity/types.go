package identity

import (
	"fmt"
	"time"
)

// Status is the moderation state that governs room access. It is mutated
// only by the external moderation collaborator; this core reads it fresh
// from the store whenever it matters for authorization.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// User is a durable identity record. ExternalID links the record to the
// external provider identity and is nil until verified. AnonName is derived
// from the internal id at creation and never changes afterwards.
type User struct {
	ID         int64     `json:"id"`
	ExternalID *int64    `json:"externalId,omitempty"`
	Username   *string   `json:"username,omitempty"`
	AnonName   string    `json:"anonName"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AnonNameFor derives the immutable anonymous handle for an internal id.
func AnonNameFor(id int64) string {
	return fmt.Sprintf("Student_%d", id)
}

// NewUser describes the fields supplied when creating a user; ID, AnonName
// and CreatedAt are assigned by the store.
type NewUser struct {
	ExternalID *int64
	Username   *string
	Status     Status
}
