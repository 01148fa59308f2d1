package challenge_test

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goware/cachestore/memlru"
	"github.com/nftauth/gateway/challenge"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 3, 1, 12, 30, 45, 123_000_000, time.UTC)

func fixedClock() time.Time { return fixedTime }

// repeating returns a random source that yields the same bytes on every call,
// so that every generated nonce collides.
func repeating(context.Context) io.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{7}, 4096))
}

func TestBuildChallenge(t *testing.T) {
	msg := challenge.BuildChallenge("NFTAuth", "1709296245123-abc", fixedTime)
	assert.Equal(t, "Authenticating with NFTAuth: nonce:1709296245123-abc:2024-03-01T12:30:45.123Z", msg)

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, msg, challenge.BuildChallenge("NFTAuth", "1709296245123-abc", fixedTime))
	})

	t.Run("normalizes to UTC", func(t *testing.T) {
		loc := time.FixedZone("UTC+2", 2*60*60)
		assert.Equal(t, msg, challenge.BuildChallenge("NFTAuth", "1709296245123-abc", fixedTime.In(loc)))
	})
}

func TestParseChallenge(t *testing.T) {
	service, nonce, at, err := challenge.ParseChallenge("Authenticating with NFTAuth: nonce:1709296245123-abc:2024-03-01T12:30:45.123Z")
	require.NoError(t, err)
	assert.Equal(t, "NFTAuth", service)
	assert.Equal(t, "1709296245123-abc", nonce)
	assert.True(t, fixedTime.Equal(at))

	testCases := map[string]string{
		"empty":            "",
		"wrong prefix":     "Hello NFTAuth: nonce:1-a:2024-03-01T12:30:45.123Z",
		"missing nonce":    "Authenticating with NFTAuth: nonce::2024-03-01T12:30:45.123Z",
		"bad timestamp":    "Authenticating with NFTAuth: nonce:1-a:yesterday",
		"missing service":  "Authenticating with : nonce:1-a:2024-03-01T12:30:45.123Z",
		"missing sections": "Authenticating with NFTAuth",
	}
	for name, msg := range testCases {
		t.Run(name, func(t *testing.T) {
			_, _, _, err := challenge.ParseChallenge(msg)
			require.ErrorIs(t, err, challenge.ErrMalformedMessage)
		})
	}
}

func TestGenerateNonce(t *testing.T) {
	ctx := context.Background()
	pattern := regexp.MustCompile(`^1709296245123-[0-9a-z]{13}$`)

	t.Run("format", func(t *testing.T) {
		g := challenge.NewGenerator("NFTAuth", challenge.WithClock(fixedClock))
		nonce, err := g.GenerateNonce(ctx)
		require.NoError(t, err)
		assert.Regexp(t, pattern, nonce)
	})

	t.Run("unique across calls", func(t *testing.T) {
		g := challenge.NewGenerator("NFTAuth", challenge.WithClock(fixedClock))
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			nonce, err := g.GenerateNonce(ctx)
			require.NoError(t, err)
			require.False(t, seen[nonce], "duplicate nonce %s", nonce)
			seen[nonce] = true
		}
	})

	t.Run("collisions are retried then exhausted", func(t *testing.T) {
		registry, err := challenge.NewMemoryRegistry(memlru.Backend(64))
		require.NoError(t, err)

		g := challenge.NewGenerator("NFTAuth",
			challenge.WithClock(fixedClock),
			challenge.WithRandom(repeating),
			challenge.WithRegistry(registry),
		)
		first, err := g.GenerateNonce(ctx)
		require.NoError(t, err)
		assert.Regexp(t, pattern, first)

		_, err = g.GenerateNonce(ctx)
		require.ErrorIs(t, err, challenge.ErrNonceExhausted)
	})
}

func TestNewChallenge(t *testing.T) {
	g := challenge.NewGenerator("NFTAuth", challenge.WithClock(fixedClock))
	c, err := g.NewChallenge(context.Background())
	require.NoError(t, err)

	assert.Equal(t, challenge.BuildChallenge("NFTAuth", c.Nonce, fixedTime), c.Message)
	assert.True(t, fixedTime.Equal(c.IssuedAt))
}

func TestRedisRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	registry := challenge.NewRedisRegistry(client)

	ok, err := registry.Register(ctx, "1-abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = registry.Register(ctx, "1-abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = registry.Register(ctx, "1-abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("shared between generators", func(t *testing.T) {
		a := challenge.NewGenerator("NFTAuth", challenge.WithClock(fixedClock), challenge.WithRandom(repeating), challenge.WithRegistry(registry))
		b := challenge.NewGenerator("NFTAuth", challenge.WithClock(fixedClock), challenge.WithRandom(repeating), challenge.WithRegistry(registry))

		_, err := a.GenerateNonce(ctx)
		require.NoError(t, err)
		_, err = b.GenerateNonce(ctx)
		require.ErrorIs(t, err, challenge.ErrNonceExhausted)
	})

	t.Run("redis failure", func(t *testing.T) {
		mr.SetError("ERR boom")
		defer mr.SetError("")
		_, err := registry.Register(ctx, "2-abc", time.Minute)
		require.Error(t, err)
	})
}
