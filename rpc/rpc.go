package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog"
	"github.com/go-chi/traceid"
	"github.com/goware/cachestore/memlru"
	gateway "github.com/nftauth/gateway"
	"github.com/nftauth/gateway/biometric"
	"github.com/nftauth/gateway/challenge"
	"github.com/nftauth/gateway/config"
	"github.com/nftauth/gateway/data"
	"github.com/nftauth/gateway/flow"
	"github.com/nftauth/gateway/metrics"
	"github.com/nftauth/gateway/o11y"
	"github.com/nftauth/gateway/rpc/awscreds"
	"github.com/nftauth/gateway/verification"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

type RPC struct {
	Config     *config.Config
	Log        zerolog.Logger
	Server     *http.Server
	HTTPClient HTTPClient
	Sessions   *Sessions
	Metrics    *metrics.Metrics
	Attempts   *data.VerificationAttemptTable
	Secrets    *secretsmanager.Client
	Redis      *redis.Client

	challenges flow.ChallengeSource
	capturer   biometric.Capturer
	verifier   verification.Verifier
	redirects  *flow.RedirectPolicy
	wallets    WalletFactory

	startTime time.Time
	running   int32
	stopped   int32
}

func New(cfg *config.Config, transport http.RoundTripper) (*RPC, error) {
	client := &http.Client{
		Timeout:   90 * time.Second,
		Transport: transport,
	}
	wrappedClient := o11y.WrapClient(client)

	httpServer := &http.Server{
		ReadTimeout:       45 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       45 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log := httplog.NewLogger(cfg.Service.Name, httplog.Options{
		LogLevel: zerolog.LevelDebugValue,
		JSON:     cfg.Mode != config.LocalMode,
	})

	m := metrics.New()

	s := &RPC{
		Log:        log,
		Config:     cfg,
		Server:     httpServer,
		HTTPClient: wrappedClient,
		Metrics:    m,
		startTime:  time.Now(),
	}

	if cfg.Database.VerificationAttemptsTable != "" || cfg.Verifier.AccessKeyID != "" {
		awsCfg, err := loadAWSConfig(cfg, wrappedClient)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		if cfg.Database.VerificationAttemptsTable != "" {
			s.Attempts = data.NewVerificationAttemptTable(
				dynamodb.NewFromConfig(awsCfg),
				cfg.Database.VerificationAttemptsTable,
				data.VerificationAttemptIndices{ByWallet: "WalletAddress-Index"},
				90*24*time.Hour,
			)
		}
		if cfg.Verifier.AccessKeyID != "" {
			s.Secrets = secretsmanager.NewFromConfig(awsCfg)
		}
	}

	registry, err := s.nonceRegistry()
	if err != nil {
		return nil, err
	}
	s.challenges = o11y.NewTracedChallenges(challenge.NewGenerator(
		cfg.Service.Name,
		challenge.WithRegistry(registry),
		challenge.WithNonceTTL(cfg.Challenge.NonceTTL),
	))

	s.capturer = o11y.NewTracedCapturer(biometric.NewClient(
		wrappedClient,
		cfg.Endpoints.BiometricURL,
		cfg.Biometric.Timeout,
		cfg.Biometric.EmbeddingSize,
	))

	accessKey, err := s.accessKeyProvider()
	if err != nil {
		return nil, err
	}
	s.verifier = o11y.NewTracedVerifier(verification.NewClient(
		wrappedClient,
		cfg.Endpoints.VerifierURL,
		cfg.Verifier.Timeout,
		accessKey,
		log,
	))

	s.redirects, err = flow.NewRedirectPolicy(
		cfg.Redirect.PageOrigin,
		cfg.Redirect.PartnerOrigins,
		cfg.Redirect.ProfileFields,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("redirect policy: %w", err)
	}

	s.wallets, err = newWalletFactory(cfg, wrappedClient)
	if err != nil {
		return nil, err
	}

	s.Sessions, err = NewSessions(memlru.Backend(cfg.Sessions.MaxFlows), cfg.Sessions.TTL, cfg.Sessions.MaxFlows, m, log)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func loadAWSConfig(cfg *config.Config, client HTTPClient) (aws.Config, error) {
	options := []func(options *awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(client),
		awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(awscreds.NewProvider(client, cfg.Endpoints.MetadataServer))),
	}

	if cfg.Endpoints.AWSEndpoint != "" {
		options = append(options,
			awsconfig.WithBaseEndpoint(cfg.Endpoints.AWSEndpoint),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	return awsconfig.LoadDefaultConfig(context.Background(), options...)
}

func (s *RPC) nonceRegistry() (challenge.NonceRegistry, error) {
	switch s.Config.Challenge.Backend {
	case "redis":
		s.Redis = redis.NewClient(&redis.Options{
			Addr:     s.Config.Redis.Addr,
			Password: s.Config.Redis.Password,
			DB:       s.Config.Redis.DB,
		})
		return challenge.NewRedisRegistry(s.Redis), nil
	default:
		return challenge.NewMemoryRegistry(memlru.Backend(16 * 1024))
	}
}

func (s *RPC) Run(ctx context.Context, l net.Listener) error {
	if s.IsRunning() {
		return fmt.Errorf("rpc: already running")
	}

	s.Log.Info().
		Str("op", "run").
		Str("ver", gateway.VERSION).
		Str("mode", s.Config.Mode.String()).
		Msgf("-> rpc: started gateway")

	atomic.StoreInt32(&s.running, 1)
	defer atomic.StoreInt32(&s.running, 0)

	// Setup HTTP server handler
	s.Server.Handler = s.Handler()

	// Close expired flows in the background
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go s.Sessions.Run(sweepCtx, time.Minute)

	// Handle stop signal to ensure clean shutdown
	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	// Start the http server and serve!
	err := s.Server.Serve(l)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down and closes every flow and the redis connection.
// Only the first call has any effect, and it also releases resources when Run
// returned early with an error.
func (s *RPC) Stop(timeoutCtx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return
	}
	atomic.CompareAndSwapInt32(&s.running, 1, 2)

	s.Log.Info().Str("op", "stop").Msg("-> rpc: stopping..")
	s.Server.Shutdown(timeoutCtx)
	s.Sessions.CloseAll()
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	s.Log.Info().Str("op", "stop").Msg("-> rpc: stopped.")
}

func (s *RPC) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *RPC) IsStopping() bool {
	return atomic.LoadInt32(&s.running) == 2
}

func (s *RPC) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)

	// Propagate TraceId
	r.Use(traceid.Middleware)

	// HTTP request logger
	r.Use(httplog.RequestLogger(s.Log, []string{"/", "/ping", "/status", "/health", "/metrics", "/favicon.ico"}))

	// Browser access from the page and partner origins
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Traceparent"},
		ExposedHeaders:   []string{o11y.SpanHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Liveness checks may take up to a minute
	r.Use(middleware.Timeout(s.Config.Biometric.Timeout + 30*time.Second))

	// Healthcheck
	r.Use(middleware.PageRoute("/health", http.HandlerFunc(s.healthHandler)))
	r.Use(middleware.PageRoute("/status", http.HandlerFunc(s.statusHandler)))
	r.Use(middleware.PageRoute("/metrics", s.Metrics.Handler()))

	r.Group(func(r chi.Router) {
		// Observability middleware
		r.Use(o11y.Middleware())

		r.Route("/flows", func(r chi.Router) {
			r.Post("/", s.startFlow)
			r.Route("/{flowID}", func(r chi.Router) {
				r.Use(o11y.FlowParam("flowID"))
				r.Get("/", s.getFlow)
				r.Delete("/", s.deleteFlow)
				r.Post("/connect", s.flowOperation(flow.Service.Connect))
				r.Post("/sign", s.flowOperation(flow.Service.Sign))
				r.Post("/capture", s.flowOperation(flow.Service.Capture))
				r.Post("/submit", s.flowOperation(flow.Service.Submit))
				r.Post("/reset", s.flowOperation(flow.Service.Reset))
				r.Post("/accounts", s.accountsChanged)
			})
		})
	})

	return r
}

func (s *RPC) corsOrigins() []string {
	if len(s.Config.Service.CORSOrigins) > 0 {
		return s.Config.Service.CORSOrigins
	}
	return append([]string{s.Config.Redirect.PageOrigin}, s.Config.Redirect.PartnerOrigins...)
}

func (s *RPC) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"startTime":   s.startTime,
		"uptime":      uint64(time.Now().UTC().Sub(s.startTime).Seconds()),
		"ver":         gateway.VERSION,
		"mode":        s.Config.Mode.String(),
		"activeFlows": s.Sessions.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}

func (s *RPC) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Log.Warn().Err(err).Msg("health: redis unreachable")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}
