package rpc

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goware/cachestore/memlru"
	"github.com/nftauth/gateway/flow"
	"github.com/nftauth/gateway/metrics"
	"github.com/nftauth/gateway/proto"
	"github.com/nftauth/gateway/wallet"
	"github.com/nftauth/gateway/wallet/keystore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T, ttl time.Duration, max int) (*Sessions, *metrics.Metrics) {
	m := metrics.New()
	s, err := NewSessions(memlru.Backend(max), ttl, max, m, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.CloseAll)
	return s, m
}

func buildFlow(t *testing.T) func(id string) (*flow.Orchestrator, error) {
	return func(id string) (*flow.Orchestrator, error) {
		provider, err := keystore.NewRandom(1)
		require.NoError(t, err)
		return flow.New(flow.Deps{
			Connector: wallet.NewConnector(provider),
			Log:       zerolog.Nop(),
		}, flow.Params{ID: id}), nil
	}
}

func requireActiveFlows(t *testing.T, m *metrics.Metrics, n int) {
	expected := fmt.Sprintf(`
# HELP nftauth_sessions_active_flows Flows currently held by the gateway.
# TYPE nftauth_sessions_active_flows gauge
nftauth_sessions_active_flows %d
`, n)
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "nftauth_sessions_active_flows"))
}

func TestSessions(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateGetDelete", func(t *testing.T) {
		s, m := newTestSessions(t, time.Minute, 4)

		sess, err := s.Create(ctx, buildFlow(t))
		require.NoError(t, err)
		id := sess.orch.ID()
		require.NotEmpty(t, id)
		assert.Equal(t, 1, s.Len())
		requireActiveFlows(t, m, 1)

		got, found, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Same(t, sess, got)

		deleted, err := s.Delete(ctx, id)
		require.NoError(t, err)
		assert.True(t, deleted)
		assert.Equal(t, 0, s.Len())
		requireActiveFlows(t, m, 0)

		_, found, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, found)

		_, err = sess.svc.Connect(ctx)
		assert.ErrorIs(t, err, flow.ErrFlowClosed)
	})

	t.Run("Limit", func(t *testing.T) {
		s, _ := newTestSessions(t, time.Minute, 2)

		for i := 0; i < 2; i++ {
			_, err := s.Create(ctx, buildFlow(t))
			require.NoError(t, err)
		}
		_, err := s.Create(ctx, buildFlow(t))
		assert.ErrorIs(t, err, proto.ErrSessionLimitReached)
	})

	t.Run("SweepExpired", func(t *testing.T) {
		s, _ := newTestSessions(t, 50*time.Millisecond, 4)

		sess, err := s.Create(ctx, buildFlow(t))
		require.NoError(t, err)

		assert.Equal(t, 0, s.Sweep(ctx))
		time.Sleep(100 * time.Millisecond)

		assert.Equal(t, 1, s.Sweep(ctx))
		assert.Equal(t, 0, s.Len())

		_, err = sess.svc.Connect(ctx)
		assert.ErrorIs(t, err, flow.ErrFlowClosed)
	})

	t.Run("ExpiredFlowsFreeSlots", func(t *testing.T) {
		s, _ := newTestSessions(t, 50*time.Millisecond, 1)

		_, err := s.Create(ctx, buildFlow(t))
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)

		_, err = s.Create(ctx, buildFlow(t))
		require.NoError(t, err)
		assert.Equal(t, 1, s.Len())
	})
}
