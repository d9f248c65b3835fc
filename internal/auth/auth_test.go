package auth

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/fermata/internal/fault"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewAuthenticator(rdb, zerolog.Nop())
}

func TestAuthenticateRoundTrip(t *testing.T) {
	a := newTestAuthenticator(t)
	ctx := context.Background()

	require.NoError(t, a.StoreAPIKey(ctx, "fermata_test_key_1234567890", "tenant_demo"))

	tenantID, err := a.Authenticate(ctx, "Bearer fermata_test_key_1234567890")
	require.NoError(t, err)
	assert.Equal(t, "tenant_demo", tenantID)
}

func TestAuthenticateUnknownKey(t *testing.T) {
	a := newTestAuthenticator(t)

	_, err := a.Authenticate(context.Background(), "Bearer nope")
	require.Error(t, err)
	assert.Equal(t, fault.ReasonAuthInvalid, fault.ReasonOf(err))
}

func TestAuthenticateMalformedHeader(t *testing.T) {
	a := newTestAuthenticator(t)
	ctx := context.Background()

	for _, header := range []string{"", "Basic abc", "Bearer ", "fermata_test_key"} {
		_, err := a.Authenticate(ctx, header)
		require.Error(t, err, "header %q", header)
		assert.Equal(t, fault.ReasonAuthInvalid, fault.ReasonOf(err))
	}
}

func TestHashKeyIsStable(t *testing.T) {
	assert.Equal(t, HashKey("abc"), HashKey("abc"))
	assert.NotEqual(t, HashKey("abc"), HashKey("abd"))
	assert.Len(t, HashKey("abc"), 64)
}
