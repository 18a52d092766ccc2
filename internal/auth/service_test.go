package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	tok, err := svc.Issue("alice")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	claims, err := svc.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Account)
}

func TestVerifyBearerPrefix(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	tok, err := svc.Issue("alice")
	require.NoError(t, err)

	claims, err := svc.Verify("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Account)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewService("other-secret", time.Hour)
		tok, err := other.Issue("alice")
		require.NoError(t, err)

		_, err = svc.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		short := NewService("test-secret", time.Nanosecond)
		tok, err := short.Issue("alice")
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		_, err = svc.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
