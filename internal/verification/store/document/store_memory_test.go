package document

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idverify/internal/verification/models"
	id "idverify/pkg/domain"
	"idverify/pkg/platform/sentinel"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	doc := &models.Document{
		ID:         id.DocumentID(uuid.New()),
		UserID:     id.UserID(uuid.New()),
		Kind:       "passport",
		StorageKey: "uploads/passport.jpg",
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.Create(ctx, doc))
	assert.ErrorIs(t, store.Create(ctx, doc), sentinel.ErrConflict)

	found, err := store.FindByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "passport", found.Kind)

	require.NoError(t, store.Delete(ctx, doc.ID))
	_, err = store.FindByID(ctx, doc.ID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, doc.ID), sentinel.ErrNotFound)
}
