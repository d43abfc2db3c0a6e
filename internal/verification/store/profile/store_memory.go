package profile

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"idverify/internal/verification/models"
	id "idverify/pkg/domain"
	"idverify/pkg/platform/sentinel"
)

// InMemoryStore is a process-local profile store for tests and local runs.
type InMemoryStore struct {
	profiles *xsync.MapOf[id.ProfileID, models.Profile]
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{profiles: xsync.NewMapOf[id.ProfileID, models.Profile]()}
}

func (s *InMemoryStore) Create(_ context.Context, profile *models.Profile) error {
	if _, loaded := s.profiles.LoadOrStore(profile.ID, *profile); loaded {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, profileID id.ProfileID) (*models.Profile, error) {
	profile, ok := s.profiles.Load(profileID)
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &profile, nil
}

func (s *InMemoryStore) Update(_ context.Context, profile *models.Profile) error {
	found := false
	s.profiles.Compute(profile.ID, func(old models.Profile, loaded bool) (models.Profile, bool) {
		if !loaded {
			return old, true
		}
		found = true
		return *profile, false
	})
	if !found {
		return sentinel.ErrNotFound
	}
	return nil
}
