package vault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vaultmesh/vaultmesh/internal/protocol"
)

func TestErrorCodesRoundTrip(t *testing.T) {
	for _, c := range codes {
		t.Run(string(c.code), func(t *testing.T) {
			wrapped := fmt.Errorf("%w: chunk abc", c.err)
			assert.Equal(t, c.code, codeOf(wrapped))

			back := errorOf(codeOf(wrapped), wrapped.Error())
			assert.ErrorIs(t, back, c.err)
		})
	}
}

func TestCodeOfUnknownError(t *testing.T) {
	assert.Equal(t, protocol.CodeOK, codeOf(nil))
	assert.Equal(t, protocol.CodeRejected, codeOf(errors.New("disk on fire")))
}

func TestErrorOf(t *testing.T) {
	assert.NoError(t, errorOf(protocol.CodeOK, "ignored"))
	assert.Equal(t, ErrNotFound, errorOf(protocol.CodeNotFound, ""))
	assert.Equal(t, ErrNotFound, errorOf(protocol.CodeNotFound, "not found"))

	err := errorOf(protocol.CodeNotFound, "not found: chunk ab12cd34")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not found: chunk ab12cd34", err.Error())

	err = errorOf(protocol.ErrorCode("from_the_future"), "new failure")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "new failure")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrPeerTimeout))
	assert.True(t, IsRetryable(fmt.Errorf("%w: data manager", ErrRejected)))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(ErrQuotaExceeded))
	assert.False(t, IsRetryable(ErrConflict))
	assert.False(t, IsRetryable(nil))
}
