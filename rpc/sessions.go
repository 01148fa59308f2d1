package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/goware/cachestore"
	"github.com/goware/cachestore/cachestorectl"
	"github.com/nftauth/gateway/flow"
	"github.com/nftauth/gateway/metrics"
	"github.com/nftauth/gateway/o11y"
	"github.com/nftauth/gateway/proto"
	"github.com/rs/zerolog"
)

type session struct {
	orch *flow.Orchestrator
	svc  flow.Service
}

// Sessions maps flow IDs to live flows. Lookups go through a TTL cache; flows
// whose cache entry expired are closed by Sweep.
type Sessions struct {
	store   cachestore.Store[*session]
	ttl     time.Duration
	max     int
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu   sync.Mutex
	live map[string]*session
}

func NewSessions(backend cachestore.Backend, ttl time.Duration, max int, m *metrics.Metrics, log zerolog.Logger) (*Sessions, error) {
	store, err := cachestorectl.Open[*session](backend)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &Sessions{
		store:   o11y.NewTracedCache("sessions", store),
		ttl:     ttl,
		max:     max,
		metrics: m,
		log:     log,
		live:    make(map[string]*session),
	}, nil
}

// Create registers a new flow built by build and starts it.
func (s *Sessions) Create(ctx context.Context, build func(id string) (*flow.Orchestrator, error)) (*session, error) {
	if s.Len() >= s.max {
		s.Sweep(ctx)
	}

	s.mu.Lock()
	if len(s.live) >= s.max {
		s.mu.Unlock()
		return nil, proto.ErrSessionLimitReached
	}
	id := uuid.NewString()
	// reserve the slot while the flow is built
	s.live[id] = nil
	s.mu.Unlock()

	orch, err := build(id)
	if err != nil {
		s.mu.Lock()
		delete(s.live, id)
		s.mu.Unlock()
		return nil, err
	}
	sess := &session{orch: orch, svc: o11y.NewTracedFlow(id, orch)}

	if err := s.store.SetEx(ctx, id, sess, s.ttl); err != nil {
		s.mu.Lock()
		delete(s.live, id)
		s.mu.Unlock()
		orch.Close()
		return nil, fmt.Errorf("store session: %w", err)
	}

	s.mu.Lock()
	s.live[id] = sess
	s.mu.Unlock()

	orch.Start(ctx)
	if s.metrics != nil {
		s.metrics.FlowCreated()
	}
	return sess, nil
}

// Get returns the flow with the given id and extends its lifetime.
func (s *Sessions) Get(ctx context.Context, id string) (*session, bool, error) {
	sess, found, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !found || sess == nil {
		return nil, false, nil
	}
	if err := s.store.SetEx(ctx, id, sess, s.ttl); err != nil {
		return nil, false, fmt.Errorf("refresh session: %w", err)
	}
	return sess, true, nil
}

func (s *Sessions) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	sess, ok := s.live[id]
	if ok && sess != nil {
		delete(s.live, id)
	}
	s.mu.Unlock()
	if !ok || sess == nil {
		return false, nil
	}

	if err := s.store.Delete(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("flow", id).Msg("failed to delete session")
	}
	s.close(sess, false)
	return true, nil
}

// Sweep closes flows that are no longer reachable through the cache and returns
// how many were closed.
func (s *Sessions) Sweep(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.live))
	for id, sess := range s.live {
		if sess != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	closed := 0
	for _, id := range ids {
		exists, err := s.store.Exists(ctx, id)
		if err != nil || exists {
			continue
		}
		s.mu.Lock()
		sess := s.live[id]
		delete(s.live, id)
		s.mu.Unlock()
		if sess != nil {
			s.close(sess, true)
			closed++
		}
	}
	return closed
}

// Run sweeps expired flows every interval until ctx is done.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ctx); n > 0 {
				s.log.Info().Int("count", n).Msg("closed expired flows")
			}
		}
	}
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// CloseAll closes every live flow.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	live := s.live
	s.live = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range live {
		if sess != nil {
			s.close(sess, false)
		}
	}
}

func (s *Sessions) close(sess *session, evicted bool) {
	sess.orch.Close()
	if s.metrics != nil {
		s.metrics.FlowClosed(evicted)
	}
}
