package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatchesByCode(t *testing.T) {
	err := fmt.Errorf("get addresses/1: %w", NotFound("document %s missing", "1"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrOffline)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestIsWalksNestedAppErrors(t *testing.T) {
	inner := Wrap(CodeNetwork, "dial", errors.New("connection refused"))
	outer := Wrap(CodeStorage, "save", inner)

	assert.True(t, Is(outer, CodeStorage))
	assert.True(t, Is(outer, CodeNetwork))
	assert.False(t, Is(outer, CodeSecurity))
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", Validation("missing entityType"), false},
		{"unsupported", Unsupported("unknown op"), false},
		{"security", Security("wrong user"), false},
		{"illegal state", IllegalState("in progress"), false},
		{"network", ErrOffline, true},
		{"transient", New(CodeTransient, "serialization failure"), true},
		{"plain error", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverable(tt.err))
		})
	}
}
