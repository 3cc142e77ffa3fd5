package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", Conflictf("deploy", "deploy already in progress"), KindConflict},
		{"wrapped", fmt.Errorf("handler: %w", NotFoundf("get", "tenant %s not found", "t1")), KindNotFound},
		{"plain", errors.New("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(KindRotation, "rotate", "rotation failed at provider_secrets", errors.New("502")))

	assert.ErrorIs(t, err, Rotation)
	assert.NotErrorIs(t, err, Conflict)
}

func TestError_Message(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(KindProvisioning, "create_volume", "volume creation failed", cause)

	assert.Equal(t, "create_volume: volume creation failed: dial tcp: timeout", err.Error())
	assert.Equal(t, "volume creation failed", MessageOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal error", MessageOf(cause))
}
