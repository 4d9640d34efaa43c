package coordination

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetryPolicy = RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxTries:        4,
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	attempts := 0

	v, err := Retry(context.Background(), fastRetryPolicy, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, fmt.Errorf("%w: broken pipe", ErrConnectionLost)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentErrors(t *testing.T) {
	attempts := 0

	err := RetryDo(context.Background(), fastRetryPolicy, func() error {
		attempts++
		return ErrSessionExpired
	})

	assert.True(t, errors.Is(err, ErrSessionExpired))
	assert.Equal(t, 1, attempts)
}

func TestRetryExhausts(t *testing.T) {
	attempts := 0

	err := RetryDo(context.Background(), fastRetryPolicy, func() error {
		attempts++
		return ErrConnectionLost
	})

	assert.True(t, errors.Is(err, ErrConnectionLost))
	assert.Equal(t, int(fastRetryPolicy.MaxTries), attempts)
}
