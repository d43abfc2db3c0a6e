package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "idverify/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs"
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseCorrelationID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseCorrelationID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseCorrelationID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		id, err := ParseCorrelationID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, CorrelationID(valid), id)
	})
}

// TestTypeDistinction verifies the typed IDs stay distinct values.
// Cross-type assignment (var _ ProfileID = DocumentID{}) does not compile.
func TestTypeDistinction(t *testing.T) {
	profileID := ProfileID(uuid.New())
	documentID := DocumentID(uuid.New())

	assert.NotEqual(t, uuid.UUID(profileID), uuid.UUID(documentID))
}

func TestParseID_SecurityInvariants(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"SQL injection attempt", "'; DROP TABLE saga_states;--", true},
		{"Path traversal", "../../../etc/passwd", true},
		{"Null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Unicode zero-width space", "550e8400\u200B-e29b-41d4-a716-446655440000", true},

		{"Empty string", "", true},
		{"Nil UUID", uuid.Nil.String(), true},
		{"Whitespace only", "   ", true},
		{"Uppercase valid UUID", "550E8400-E29B-41D4-A716-446655440000", false},

		{"Valid UUID lowercase", "550e8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocumentID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// TestAllIDTypes_ConsistentBehavior ensures all ID types have identical parsing behavior.
func TestAllIDTypes_ConsistentBehavior(t *testing.T) {
	validUUID := uuid.New().String()
	invalidInputs := []string{"", "invalid", uuid.Nil.String()}

	t.Run("all accept valid UUID", func(t *testing.T) {
		_, errUser := ParseUserID(validUUID)
		_, errCorrelation := ParseCorrelationID(validUUID)
		_, errProfile := ParseProfileID(validUUID)
		_, errDocument := ParseDocumentID(validUUID)

		require.NoError(t, errUser)
		require.NoError(t, errCorrelation)
		require.NoError(t, errProfile)
		require.NoError(t, errDocument)
	})

	for _, input := range invalidInputs {
		t.Run("all reject: "+input, func(t *testing.T) {
			_, errUser := ParseUserID(input)
			_, errCorrelation := ParseCorrelationID(input)
			_, errProfile := ParseProfileID(input)
			_, errDocument := ParseDocumentID(input)

			require.Error(t, errUser)
			require.Error(t, errCorrelation)
			require.Error(t, errProfile)
			require.Error(t, errDocument)
		})
	}
}

func TestNewCorrelationID_IsNeverNil(t *testing.T) {
	for range 10 {
		assert.False(t, NewCorrelationID().IsNil())
	}
}
