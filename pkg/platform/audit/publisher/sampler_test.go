package publisher

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "idverify/pkg/domain"
	audit "idverify/pkg/platform/audit"
	"idverify/pkg/platform/audit/store/memory"
)

func TestSampler_Keep(t *testing.T) {
	step := audit.Event{Category: audit.CategoryOperations, Action: string(audit.EventSagaStepCompleted)}
	started := audit.Event{Category: audit.CategoryOperations, Action: string(audit.EventSagaStarted)}
	rolledBack := audit.Event{Category: audit.CategoryCompliance, Action: string(audit.EventSagaRolledBack)}

	t.Run("nil sampler keeps everything", func(t *testing.T) {
		var s *Sampler
		assert.True(t, s.Keep(step))
	})

	t.Run("compliance events ignore the rate", func(t *testing.T) {
		s := NewSampler(0)
		assert.True(t, s.Keep(rolledBack))
		assert.False(t, s.Keep(step))
	})

	t.Run("per-action rate overrides the default", func(t *testing.T) {
		s := NewSampler(1)
		s.SetRate(step.Action, -3)
		assert.False(t, s.Keep(step))
		assert.True(t, s.Keep(started))
	})

	t.Run("rates are clamped", func(t *testing.T) {
		s := NewSampler(7)
		assert.Equal(t, 1.0, s.rateFor("anything"))
	})
}

func TestPublisher_SamplesOperationsEvents(t *testing.T) {
	store := memory.NewInMemoryStore()
	m := NewMetrics(prometheus.NewRegistry())
	sampler := NewSampler(1)
	sampler.SetRate(string(audit.EventSagaStepCompleted), 0)
	pub := NewPublisher(store, WithSampler(sampler), WithMetrics(m))
	defer pub.Close()

	userID := id.UserID(uuid.New())
	ctx := context.Background()
	require.NoError(t, pub.Emit(ctx, audit.Event{
		UserID: userID, Category: audit.CategoryOperations, Action: string(audit.EventSagaStepCompleted),
	}))
	require.NoError(t, pub.Emit(ctx, audit.Event{
		UserID: userID, Category: audit.CategoryCompliance, Action: string(audit.EventSagaCompleted),
	}))

	events, err := pub.List(ctx, userID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventSagaCompleted), events[0].Action)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SampledOut))
}
