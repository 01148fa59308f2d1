// Package mock implements stand-ins for the liveness service and the verification
// backend, for local development and end-to-end tests.
package mock

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goware/cachestore"
	"github.com/goware/cachestore/cachestorectl"
	"github.com/goware/cachestore/memlru"
	"github.com/rs/zerolog"
)

type Options struct {
	// Service is the name expected in challenge messages.
	Service string
	// EmbeddingSize is the dimension of generated embeddings. Defaults to 128.
	EmbeddingSize int
	// LiveRate is the probability of a live verdict, between 0 and 1.
	LiveRate float64
	// Delay simulates the duration of a liveness check.
	Delay time.Duration
	// MaxMessageAge bounds how old a signed challenge may be. Defaults to 15m.
	MaxMessageAge time.Duration
	// AccessKey, when set, is required in the X-Access-Key header of verify requests.
	AccessKey string
	// Profiles returned for wallets that require one, keyed by lowercased address.
	Profiles map[string]map[string]any
	// Random source; a time-seeded one is used when nil.
	Random *rand.Rand
	// Now defaults to time.Now.
	Now func() time.Time

	AllowedOrigins []string
}

type Backend struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	random *rand.Rand

	// nonces consumed by successful verifications
	usedNonces cachestore.Store[bool]
}

func New(opts Options, log zerolog.Logger) (*Backend, error) {
	if opts.Service == "" {
		opts.Service = "NFTAuth"
	}
	if opts.EmbeddingSize == 0 {
		opts.EmbeddingSize = 128
	}
	if opts.MaxMessageAge == 0 {
		opts.MaxMessageAge = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	random := opts.Random
	if random == nil {
		seed := uint64(opts.Now().UnixNano())
		random = rand.New(rand.NewPCG(seed, seed>>1))
	}

	usedNonces, err := cachestorectl.Open[bool](memlru.Backend(64 * 1024))
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}

	return &Backend{
		opts:       opts,
		log:        log,
		random:     random,
		usedNonces: usedNonces,
	}, nil
}

func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if len(b.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: b.opts.AllowedOrigins,
			AllowedMethods: []string{"POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Access-Key"},
			MaxAge:         300,
		}))
	}

	r.Use(middleware.PageRoute("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	r.Post("/start-liveness", b.startLiveness)
	r.With(AccessKeyMiddleware(b.opts.AccessKey), SignatureMiddleware(b.log)).Post("/api/verify", b.verify)
	return r
}

func (b *Backend) float64() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.random.Float64()
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
