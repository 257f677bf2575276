package servingerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("queue full")
	err := Wrap(Unavailable, cause)

	require.True(t, Is(err, Unavailable))
	require.False(t, Is(err, NotFound))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, Unavailable, KindOf(err))
}

func TestNewFormatsMessage(t *testing.T) {
	err := New(InvalidArgument, "batch size %d exceeds max %d", 9, 8)
	assert.Contains(t, err.Error(), "InvalidArgument")
	assert.Contains(t, err.Error(), "batch size 9 exceeds max 8")
}

func TestKindOfUnknownForPlainError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
}
