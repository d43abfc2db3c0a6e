package models

import (
	"time"

	id "idverify/pkg/domain"
	dErrors "idverify/pkg/domain-errors"
)

// ProfileStatus is owned by the profile subsystem; the saga only ever moves a
// profile to suspended.
type ProfileStatus string

const (
	ProfileStatusPending       ProfileStatus = "pending"
	ProfileStatusPendingReview ProfileStatus = "pending_review"
	ProfileStatusVerified      ProfileStatus = "verified"
	ProfileStatusRejected      ProfileStatus = "rejected"
	ProfileStatusSuspended     ProfileStatus = "suspended"
)

// Profile is the verification profile a saga may create. It is never
// hard-deleted by compensation because downstream reviewers may already hold
// references to it.
type Profile struct {
	ID              id.ProfileID  `json:"id"`
	UserID          id.UserID     `json:"user_id"`
	Status          ProfileStatus `json:"status"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Suspend blocks the profile with a compensation reason. Suspending an
// already suspended profile refreshes the reason.
func (p *Profile) Suspend(reason string, now time.Time) error {
	if reason == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "suspension reason cannot be empty")
	}
	p.Status = ProfileStatusSuspended
	p.RejectionReason = reason
	p.UpdatedAt = now
	return nil
}

func (p *Profile) IsSuspended() bool {
	return p.Status == ProfileStatusSuspended
}

// Document is an uploaded identity document owned by the document subsystem.
type Document struct {
	ID         id.DocumentID `json:"id"`
	UserID     id.UserID     `json:"user_id"`
	Kind       string        `json:"kind"`
	StorageKey string        `json:"storage_key"`
	CreatedAt  time.Time     `json:"created_at"`
}
