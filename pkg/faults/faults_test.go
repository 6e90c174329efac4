package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("invoke: %w", CircuitOpen("aos", 2*time.Second))

	assert.Equal(t, KindCircuitOpen, KindOf(err))
	assert.True(t, Is(err, KindCircuitOpen))
	assert.False(t, Is(err, KindRateLimited))
	assert.Equal(t, 2*time.Second, RetryAfterOf(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindForbidden))
	assert.Zero(t, RetryAfterOf(errors.New("boom")))
}

func TestBackendFailureMessage(t *testing.T) {
	cause := errors.New("AOS unavailable")
	err := BackendFailure("AOS-503", cause)

	assert.Contains(t, err.Error(), "AOS-503")
	assert.Contains(t, err.Error(), "AOS unavailable")
	assert.ErrorIs(t, err, cause)
}
