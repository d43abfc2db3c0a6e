package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	id "idverify/pkg/domain"
	audit "idverify/pkg/platform/audit"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if f.err == nil {
			f.records = append(f.records, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func TestAppendProducesKeyedRecord(t *testing.T) {
	producer := &fakeProducer{}
	store := New(producer, "idverify.audit")
	corrID := uuid.NewString()

	err := store.Append(context.Background(), audit.Event{
		UserID:  id.UserID(uuid.New()),
		Subject: corrID,
		Action:  string(audit.EventSagaFailed),
		Source:  "verification-saga",
	})
	require.NoError(t, err)
	require.Len(t, producer.records, 1)

	rec := producer.records[0]
	assert.Equal(t, "idverify.audit", rec.Topic)
	assert.Equal(t, corrID, string(rec.Key))
	assert.Equal(t, string(audit.EventSagaFailed), string(rec.Headers[0].Value))

	var payload audit.Payload
	require.NoError(t, json.Unmarshal(rec.Value, &payload))
	assert.Equal(t, "verification-saga", payload.Source)
	assert.Equal(t, string(audit.CategoryCompliance), payload.Category)
}

func TestRelayForwardsOutboxPayload(t *testing.T) {
	producer := &fakeProducer{}
	store := New(producer, "idverify.audit")

	err := store.Relay(context.Background(), audit.OutboxEntry{
		ID:          uuid.New(),
		AggregateID: "corr-1",
		EventType:   string(audit.EventSagaStarted),
		Payload:     []byte(`{"action":"Saga.Started"}`),
	})
	require.NoError(t, err)
	require.Len(t, producer.records, 1)
	assert.JSONEq(t, `{"action":"Saga.Started"}`, string(producer.records[0].Value))
}

func TestProduceErrorIsWrapped(t *testing.T) {
	broker := errors.New("broker unavailable")
	store := New(&fakeProducer{err: broker}, "idverify.audit")

	err := store.Append(context.Background(), audit.Event{Action: string(audit.EventSagaStarted)})
	assert.ErrorIs(t, err, broker)
}
