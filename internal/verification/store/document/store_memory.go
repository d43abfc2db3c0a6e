package document

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"idverify/internal/verification/models"
	id "idverify/pkg/domain"
	"idverify/pkg/platform/sentinel"
)

// InMemoryStore is a process-local document store for tests and local runs.
type InMemoryStore struct {
	documents *xsync.MapOf[id.DocumentID, models.Document]
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{documents: xsync.NewMapOf[id.DocumentID, models.Document]()}
}

func (s *InMemoryStore) Create(_ context.Context, doc *models.Document) error {
	if _, loaded := s.documents.LoadOrStore(doc.ID, *doc); loaded {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, documentID id.DocumentID) (*models.Document, error) {
	doc, ok := s.documents.Load(documentID)
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &doc, nil
}

func (s *InMemoryStore) Delete(_ context.Context, documentID id.DocumentID) error {
	if _, loaded := s.documents.LoadAndDelete(documentID); !loaded {
		return sentinel.ErrNotFound
	}
	return nil
}
