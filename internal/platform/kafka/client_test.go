package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idverify/internal/platform/config"
)

func TestNewClient_NotConfigured(t *testing.T) {
	client, err := NewClient(context.Background(), config.KafkaConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestNewClient_RequiresTopic(t *testing.T) {
	_, err := NewClient(context.Background(), config.KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
