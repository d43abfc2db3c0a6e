// Package kafka publishes audit events to the external audit topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "idverify/pkg/platform/audit"
)

// Producer is the subset of *kgo.Client used to publish.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Store implements audit.Store by producing one record per event, keyed by
// the event subject so a saga's events stay ordered within a partition.
type Store struct {
	producer Producer
	topic    string
}

func New(producer Producer, topic string) *Store {
	return &Store{producer: producer, topic: topic}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	value, err := json.Marshal(audit.NewPayload(uuid.New(), event))
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	return s.produce(ctx, event.Subject, event.Action, value)
}

// Relay publishes an already-encoded outbox payload.
func (s *Store) Relay(ctx context.Context, entry audit.OutboxEntry) error {
	return s.produce(ctx, entry.AggregateID, entry.EventType, entry.Payload)
}

func (s *Store) produce(ctx context.Context, key, action string, value []byte) error {
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(action)},
		},
	}
	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit record: %w", err)
	}
	return nil
}

// EnsureTopic creates the audit topic if the cluster does not have it.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopic(ctx, partitions, replication, nil, topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create audit topic %s: %w", topic, err)
	}
	return nil
}
