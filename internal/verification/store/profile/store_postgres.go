package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"idverify/internal/verification/models"
	id "idverify/pkg/domain"
	"idverify/pkg/platform/sentinel"
)

// Querier is the subset of *pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads and updates profiles owned by the profile subsystem.
type PostgresStore struct {
	db Querier
}

func NewPostgres(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, profile *models.Profile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO verification_profiles (id, user_id, status, rejection_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.UUID(profile.ID), uuid.UUID(profile.UserID), string(profile.Status),
		profile.RejectionReason, profile.CreatedAt, profile.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, profileID id.ProfileID) (*models.Profile, error) {
	var (
		profile models.Profile
		rawID   uuid.UUID
		userID  uuid.UUID
		status  string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, status, rejection_reason, created_at, updated_at
		FROM verification_profiles WHERE id = $1`, uuid.UUID(profileID),
	).Scan(&rawID, &userID, &status, &profile.RejectionReason, &profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find profile: %w", err)
	}
	profile.ID = id.ProfileID(rawID)
	profile.UserID = id.UserID(userID)
	profile.Status = models.ProfileStatus(status)
	return &profile, nil
}

func (s *PostgresStore) Update(ctx context.Context, profile *models.Profile) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE verification_profiles
		SET status = $2, rejection_reason = $3, updated_at = $4
		WHERE id = $1`,
		uuid.UUID(profile.ID), string(profile.Status), profile.RejectionReason, profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
