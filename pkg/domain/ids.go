// Package domain holds typed identifiers shared across the verification subsystem.
//
// Every ID is a UUID under the hood, but the distinct types keep a profile ID
// from being passed where a document ID is expected.
package domain

import (
	"github.com/google/uuid"

	dErrors "idverify/pkg/domain-errors"
)

// maxIDLength bounds input before it reaches uuid.Parse.
const maxIDLength = 64

type (
	// UserID identifies the principal a saga acts for.
	UserID uuid.UUID
	// CorrelationID identifies one verification saga end to end.
	CorrelationID uuid.UUID
	// ProfileID references a profile owned by the profile store.
	ProfileID uuid.UUID
	// DocumentID references a document owned by the document store.
	DocumentID uuid.UUID
)

func (id UserID) String() string        { return uuid.UUID(id).String() }
func (id CorrelationID) String() string { return uuid.UUID(id).String() }
func (id ProfileID) String() string     { return uuid.UUID(id).String() }
func (id DocumentID) String() string    { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id CorrelationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ProfileID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id DocumentID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// NewCorrelationID returns a fresh random correlation ID.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New())
}

// ParseUserID parses a user ID at a trust boundary.
func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s, "user ID")
	return UserID(u), err
}

// ParseCorrelationID parses a correlation ID at a trust boundary.
func ParseCorrelationID(s string) (CorrelationID, error) {
	u, err := parseUUID(s, "correlation ID")
	return CorrelationID(u), err
}

// ParseProfileID parses a profile ID at a trust boundary.
func ParseProfileID(s string) (ProfileID, error) {
	u, err := parseUUID(s, "profile ID")
	return ProfileID(u), err
}

// ParseDocumentID parses a document ID at a trust boundary.
func ParseDocumentID(s string) (DocumentID, error) {
	u, err := parseUUID(s, "document ID")
	return DocumentID(u), err
}

// parseUUID rejects empty, oversized, malformed and nil UUIDs with CodeInvalidInput.
func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be empty")
	}
	if len(s) > maxIDLength {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be nil")
	}
	return u, nil
}
