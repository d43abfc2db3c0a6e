// Package sentinel holds infrastructure facts that stores return, optionally
// wrapped, so services can translate them into domain errors.
//
// They describe the state of a stored resource, never input validation:
//   - ErrNotFound: the entity does not exist in the store
//   - ErrConflict: the entity already exists, or its stored version moved on
//
// Validation failures use pkg/domain-errors directly.
package sentinel

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
