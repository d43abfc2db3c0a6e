package document

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

// PostgresStore deletes document metadata rows. Blob storage cleanup is the
// document subsystem's concern.
type PostgresStore struct {
	db Querier
}

func NewPostgres(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, doc *models.Document) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO verification_documents (id, user_id, kind, storage_key, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.UUID(doc.ID), uuid.UUID(doc.UserID), doc.Kind, doc.StorageKey, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, documentID id.DocumentID) (*models.Document, error) {
	var (
		doc    models.Document
		rawID  uuid.UUID
		userID uuid.UUID
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, kind, storage_key, created_at
		FROM verification_documents WHERE id = $1`, uuid.UUID(documentID),
	).Scan(&rawID, &userID, &doc.Kind, &doc.StorageKey, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find document: %w", err)
	}
	doc.ID = id.DocumentID(rawID)
	doc.UserID = id.UserID(userID)
	return &doc, nil
}

func (s *PostgresStore) Delete(ctx context.Context, documentID id.DocumentID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM verification_documents WHERE id = $1`, uuid.UUID(documentID))
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
