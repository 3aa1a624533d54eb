package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retail-bank-web/realtime/internal/clock"
)

func mustKey(t *testing.T, name string) (string, *Key) {
	t.Helper()
	apiKey, err := GenerateKey(name)
	require.NoError(t, err)
	key, err := ParseKey(apiKey)
	require.NoError(t, err)
	return apiKey, key
}

func TestKeySigner_RoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := clock.Fake(start)
	apiKey, key := mustKey(t, "main")

	signer := NewKeySigner(fake)
	details, err := signer.RequestToken(context.Background(), apiKey, Params{
		ClientID:   "42",
		Capability: map[string][]string{"user:42": {OpSubscribe}},
		TTL:        time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "main", details.KeyName)
	assert.Equal(t, start.UnixMilli(), details.Issued)
	assert.Equal(t, start.Add(time.Hour).UnixMilli(), details.Expires)

	claims, err := Verify(key, details.Token, start.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "42", claims.ClientID)
	assert.True(t, claims.Allows("user:42", OpSubscribe))
	assert.False(t, claims.Allows("user:43", OpSubscribe))
	assert.NotEmpty(t, claims.ID)

	_, err = Verify(key, details.Token, start.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrTokenExpired))
}

func TestVerify_Rejections(t *testing.T) {
	now := time.Now()
	apiKey, key := mustKey(t, "main")
	_, otherKey := mustKey(t, "main")

	details, err := NewKeySigner(nil).RequestToken(context.Background(), apiKey, Params{ClientID: "42", TTL: time.Hour})
	require.NoError(t, err)

	_, err = Verify(otherKey, details.Token, now)
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	_, err = Verify(key, "AAAA", now)
	assert.True(t, errors.Is(err, ErrTokenTooShort))

	_, err = Verify(key, "***", now)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestParseKey(t *testing.T) {
	for _, bad := range []string{"", "nokey", "name:", ":c2VlZA==", "name:%%%", "name:c2VlZA=="} {
		_, err := ParseKey(bad)
		assert.Truef(t, errors.Is(err, ErrMalformedKey), "ParseKey(%q) = %v", bad, err)
	}
}

func TestKeySigner_MalformedKeyDoesNotLeakSecret(t *testing.T) {
	_, err := NewKeySigner(nil).RequestToken(context.Background(), "main:not-a-seed", Params{ClientID: "42", TTL: time.Hour})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "not-a-seed")
}
