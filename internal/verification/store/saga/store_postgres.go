package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"idverify/internal/verification/models"
	id "idverify/pkg/domain"
	"idverify/pkg/platform/sentinel"
	"idverify/pkg/platform/tx"
)

const uniqueViolation = "23505"

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists sagas in the verification_sagas table. Writes join
// a transaction carried in ctx (see pkg/platform/tx) when one is present.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) conn(ctx context.Context) dbtx {
	if t, ok := tx.From(ctx); ok {
		return t
	}
	return s.db
}

const sagaColumns = `correlation_id, subject_id, status, current_step, total_steps,
	completed_steps, created_profile_id, created_document_ids, failed_at_step,
	error_message, rollback_error_message, requested_at, completed_at,
	rolled_back_at, deadline, version`

func (s *PostgresStore) Create(ctx context.Context, state *models.SagaState) error {
	row, err := toRow(state.Snapshot())
	if err != nil {
		return err
	}
	query := `INSERT INTO verification_sagas (` + sagaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err = s.conn(ctx).ExecContext(ctx, query,
		row.CorrelationID, row.SubjectID, row.Status, row.CurrentStep, row.TotalSteps,
		row.CompletedSteps, row.CreatedProfileID, pq.Array(row.CreatedDocumentIDs), row.FailedAtStep,
		row.ErrorMessage, row.RollbackErrorMessage, row.RequestedAt, row.CompletedAt,
		row.RolledBackAt, row.Deadline, row.Version,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create saga: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByCorrelationID(ctx context.Context, correlationID id.CorrelationID) (*models.SagaState, error) {
	query := `SELECT ` + sagaColumns + ` FROM verification_sagas WHERE correlation_id = $1`
	state, err := scanSaga(s.conn(ctx).QueryRowContext(ctx, query, uuid.UUID(correlationID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find saga: %w", err)
	}
	return state, nil
}

// Update writes the saga if the stored version still matches and bumps it.
func (s *PostgresStore) Update(ctx context.Context, state *models.SagaState) error {
	row, err := toRow(state.Snapshot())
	if err != nil {
		return err
	}
	query := `
		UPDATE verification_sagas SET
			status = $2, current_step = $3, completed_steps = $4, created_profile_id = $5,
			created_document_ids = $6, failed_at_step = $7, error_message = $8,
			rollback_error_message = $9, completed_at = $10, rolled_back_at = $11,
			version = version + 1
		WHERE correlation_id = $1 AND version = $12
	`
	conn := s.conn(ctx)
	res, err := conn.ExecContext(ctx, query,
		row.CorrelationID, row.Status, row.CurrentStep, row.CompletedSteps, row.CreatedProfileID,
		pq.Array(row.CreatedDocumentIDs), row.FailedAtStep, row.ErrorMessage,
		row.RollbackErrorMessage, row.CompletedAt, row.RolledBackAt, row.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		err := conn.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM verification_sagas WHERE correlation_id = $1)`,
			row.CorrelationID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check saga existence: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	state.IncrementVersion()
	return nil
}

func (s *PostgresStore) ListStale(ctx context.Context, before time.Time, statuses []models.Status, limit int) ([]*models.SagaState, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query := `SELECT ` + sagaColumns + ` FROM verification_sagas
		WHERE deadline < $1 AND status = ANY($2)
		ORDER BY deadline
		LIMIT $3`
	rows, err := s.conn(ctx).QueryContext(ctx, query, before, pq.Array(names), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sagas: %w", err)
	}
	defer rows.Close()

	var out []*models.SagaState
	for rows.Next() {
		state, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale saga: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sagas: %w", err)
	}
	return out, nil
}

type sagaRow struct {
	CorrelationID        uuid.UUID
	SubjectID            uuid.UUID
	Status               string
	CurrentStep          int
	TotalSteps           int
	CompletedSteps       []byte
	CreatedProfileID     uuid.NullUUID
	CreatedDocumentIDs   []string
	FailedAtStep         sql.NullInt64
	ErrorMessage         string
	RollbackErrorMessage string
	RequestedAt          time.Time
	CompletedAt          sql.NullTime
	RolledBackAt         sql.NullTime
	Deadline             time.Time
	Version              int64
}

func toRow(snap models.SagaSnapshot) (sagaRow, error) {
	steps := snap.CompletedSteps
	if steps == nil {
		steps = []models.StepRecord{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return sagaRow{}, fmt.Errorf("marshal saga steps: %w", err)
	}
	row := sagaRow{
		CorrelationID:        uuid.UUID(snap.CorrelationID),
		SubjectID:            uuid.UUID(snap.SubjectID),
		Status:               string(snap.Status),
		CurrentStep:          snap.CurrentStep,
		TotalSteps:           snap.TotalSteps,
		CompletedSteps:       stepsJSON,
		CreatedDocumentIDs:   make([]string, len(snap.CreatedDocumentIDs)),
		ErrorMessage:         snap.ErrorMessage,
		RollbackErrorMessage: snap.RollbackErrorMessage,
		RequestedAt:          snap.RequestedAt,
		Deadline:             snap.Deadline,
		Version:              snap.Version,
	}
	for i, docID := range snap.CreatedDocumentIDs {
		row.CreatedDocumentIDs[i] = docID.String()
	}
	if snap.CreatedProfileID != nil {
		row.CreatedProfileID = uuid.NullUUID{UUID: uuid.UUID(*snap.CreatedProfileID), Valid: true}
	}
	if snap.FailedAtStep != nil {
		row.FailedAtStep = sql.NullInt64{Int64: int64(*snap.FailedAtStep), Valid: true}
	}
	if snap.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *snap.CompletedAt, Valid: true}
	}
	if snap.RolledBackAt != nil {
		row.RolledBackAt = sql.NullTime{Time: *snap.RolledBackAt, Valid: true}
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSaga(sc scanner) (*models.SagaState, error) {
	var row sagaRow
	var docIDs pq.StringArray
	err := sc.Scan(
		&row.CorrelationID, &row.SubjectID, &row.Status, &row.CurrentStep, &row.TotalSteps,
		&row.CompletedSteps, &row.CreatedProfileID, &docIDs, &row.FailedAtStep,
		&row.ErrorMessage, &row.RollbackErrorMessage, &row.RequestedAt, &row.CompletedAt,
		&row.RolledBackAt, &row.Deadline, &row.Version,
	)
	if err != nil {
		return nil, err
	}
	row.CreatedDocumentIDs = docIDs
	return fromRow(row)
}

func fromRow(row sagaRow) (*models.SagaState, error) {
	snap := models.SagaSnapshot{
		CorrelationID:        id.CorrelationID(row.CorrelationID),
		SubjectID:            id.UserID(row.SubjectID),
		Status:               models.Status(row.Status),
		CurrentStep:          row.CurrentStep,
		TotalSteps:           row.TotalSteps,
		ErrorMessage:         row.ErrorMessage,
		RollbackErrorMessage: row.RollbackErrorMessage,
		RequestedAt:          row.RequestedAt,
		Deadline:             row.Deadline,
		Version:              row.Version,
	}
	if len(row.CompletedSteps) > 0 {
		if err := json.Unmarshal(row.CompletedSteps, &snap.CompletedSteps); err != nil {
			return nil, fmt.Errorf("unmarshal saga steps: %w", err)
		}
	}
	for _, raw := range row.CreatedDocumentIDs {
		docID, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse document id %q: %w", raw, err)
		}
		snap.CreatedDocumentIDs = append(snap.CreatedDocumentIDs, id.DocumentID(docID))
	}
	if row.CreatedProfileID.Valid {
		profileID := id.ProfileID(row.CreatedProfileID.UUID)
		snap.CreatedProfileID = &profileID
	}
	if row.FailedAtStep.Valid {
		step := int(row.FailedAtStep.Int64)
		snap.FailedAtStep = &step
	}
	if row.CompletedAt.Valid {
		snap.CompletedAt = &row.CompletedAt.Time
	}
	if row.RolledBackAt.Valid {
		snap.RolledBackAt = &row.RolledBackAt.Time
	}
	return models.RestoreSagaState(snap)
}
