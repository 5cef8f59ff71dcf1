package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/voyagen/guidevault/internal/metrics"
	"github.com/voyagen/guidevault/internal/store"
)

// Refresher is the scheduler surface the API needs.
type Refresher interface {
	TriggerRefresh() bool
	IsRefreshing() bool
}

// Options configures a Server. Zero values pick defaults.
type Options struct {
	// Port is the listen port for ListenAndServe.
	Port string
	// PublicBaseURL overrides the scheme and host used in playlist links.
	PublicBaseURL string
	// UserAgent is sent upstream when the provider sets none.
	UserAgent string
	// Client relays streams. It must not set an overall Timeout.
	Client *http.Client
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// TriggerRate and TriggerBurst bound POST /api/refresh.
	TriggerRate  rate.Limit
	TriggerBurst int
}

// Server holds dependencies for the HTTP API.
type Server struct {
	store     store.Store
	refresher Refresher
	opts      Options
	client    *http.Client
	metrics   *metrics.Metrics
	log       *slog.Logger
	limiter   *rate.Limiter
	indexes   *indexCache
	mux       *http.ServeMux
}

// New creates a Server and registers routes. refresher may be nil, which
// makes POST /api/refresh answer 503.
func New(s store.Store, refresher Refresher, opts Options) *Server {
	if opts.Port == "" {
		opts.Port = "8080"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Client == nil {
		opts.Client = NewRelayClient(15 * time.Second)
	}
	if opts.TriggerRate == 0 {
		opts.TriggerRate = rate.Every(10 * time.Second)
	}
	if opts.TriggerBurst <= 0 {
		opts.TriggerBurst = 3
	}
	srv := &Server{
		store:     s,
		refresher: refresher,
		opts:      opts,
		client:    opts.Client,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		limiter:   rate.NewLimiter(opts.TriggerRate, opts.TriggerBurst),
		indexes:   newIndexCache(),
		mux:       http.NewServeMux(),
	}
	srv.routes()
	return srv
}

// NewRelayClient returns a client for long-lived stream relays: no overall
// timeout, but upstreams must send response headers within headerTimeout.
func NewRelayClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: headerTimeout,
			TLSHandshakeTimeout:   10 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   16,
		},
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)

	// Published snapshots
	s.mux.HandleFunc("GET /profiles/{profile}/playlist.m3u", s.handlePlaylist)
	s.mux.HandleFunc("GET /profiles/{profile}/guide.xml", s.handleGuide)
	s.mux.HandleFunc("GET /m3u/guidevault.m3u", s.handlePlaylist)
	s.mux.HandleFunc("GET /xmltv/guidevault.xml", s.handleGuide)

	// Relay
	s.mux.HandleFunc("GET /stream/{key}", s.handleStream)

	if s.opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", metricsHandler(s.opts.Gatherer))
	}

	// Docs
	s.mux.HandleFunc("GET /api/docs", handleSwaggerUI)
	s.mux.HandleFunc("GET /api/docs/openapi.yaml", handleOpenAPISpec)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.opts.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           withCORS(withLogging(s.log, s)),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: relayed live streams run indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server shutdown", "err", err)
		}
	}()

	s.log.Info("listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}
