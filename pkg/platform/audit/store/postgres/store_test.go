package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "idverify/pkg/domain"
	audit "idverify/pkg/platform/audit"
	txcontext "idverify/pkg/platform/tx"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, WithClock(func() time.Time { return fixedNow })), mock
}

type payloadMatcher struct {
	action  string
	subject string
}

func (m payloadMatcher) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	var p audit.Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return false
	}
	return p.Action == m.action && p.Subject == m.subject && p.Category == string(audit.CategoryCompliance)
}

func TestAppendWritesOutboxRow(t *testing.T) {
	store, mock := newMockStore(t)
	corrID := uuid.NewString()

	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(sqlmock.AnyArg(), "saga", corrID, string(audit.EventSagaRolledBack),
			payloadMatcher{action: string(audit.EventSagaRolledBack), subject: corrID}, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Append(context.Background(), audit.Event{
		UserID:  id.UserID(uuid.New()),
		Subject: corrID,
		Action:  string(audit.EventSagaRolledBack),
		Success: true,
		Data:    map[string]any{"documents_deleted": 2},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendJoinsContextTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	ctx := txcontext.WithTx(context.Background(), tx)
	require.NoError(t, store.Append(ctx, audit.Event{Action: string(audit.EventSagaStarted)}))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchAndMarkProcessed(t *testing.T) {
	store, mock := newMockStore(t)
	entryID := uuid.New()

	mock.ExpectQuery("SELECT id, aggregate_id, event_type, payload FROM outbox").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "aggregate_id", "event_type", "payload"}).
			AddRow(entryID.String(), "corr-1", string(audit.EventSagaStarted), []byte(`{}`)))
	mock.ExpectExec("UPDATE outbox SET processed_at").
		WithArgs(fixedNow, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entries, err := store.FetchPending(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entryID, entries[0].ID)

	require.NoError(t, store.MarkProcessed(context.Background(), []uuid.UUID{entryID}))
	require.NoError(t, store.MarkProcessed(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
