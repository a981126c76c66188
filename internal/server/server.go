package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"gliderops-gateway/internal/auth"
	"gliderops-gateway/internal/config"
	"gliderops-gateway/internal/metrics"
	"gliderops-gateway/internal/types"
	"gliderops-gateway/pkg/enrich"
	"gliderops-gateway/pkg/natspub"
	"gliderops-gateway/pkg/status"
	"gliderops-gateway/pkg/upstream"
	ws "gliderops-gateway/pkg/websocket"
)

// Server assembles the gateway: registry, auth gate, status cache, upstream
// feed and the HTTP surface that fronts them.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	hub       *ws.Hub
	router    *ws.Router
	feed      *upstream.Feed
	statuses  *status.Cache
	publisher *natspub.Publisher

	registry   *prometheus.Registry
	httpServer *http.Server
	started    time.Time
}

// Dependencies are the external collaborators injected at startup. Registry
// and Metrics are shared with the collaborators so the whole process reports
// into one metric set.
type Dependencies struct {
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Observations status.ObservationSource
	Publisher    *natspub.Publisher
}

func New(cfg *config.Config, deps Dependencies, logger zerolog.Logger) *Server {
	registry := deps.Registry
	m := deps.Metrics
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if m == nil {
		m = metrics.New(registry)
	}

	hub := ws.NewHub(logger, m)

	statuses := status.NewCache(
		deps.Observations,
		cfg.Status.CacheTTL,
		cfg.Status.OnlineWindow,
		cfg.Status.LookupTimeout,
		logger,
		m,
	)

	var resolver enrich.Resolver
	if cfg.Enrich.BaseURL != "" {
		resolver = enrich.NewHTTPResolver(cfg.Enrich.BaseURL, cfg.Enrich.Timeout)
	}

	feed := upstream.New(upstream.Config{
		URL:            cfg.Upstream.URL,
		Dial:           upstream.NetDialer(cfg.Upstream.HandshakeTimeout),
		ReconnectDelay: cfg.Upstream.ReconnectDelay,
		Demand:         hub.Demand,
		AircraftIDs:    hub.CollectAircraftIDs,
		BroadcastPlane: func(msg []byte) {
			hub.Broadcast(ws.SubscribedTo(types.TopicPlaneTracker), msg)
		},
		BroadcastTracked: func(msg []byte) {
			hub.Broadcast(ws.SubscribedTo(types.TopicTrackedAircraft), msg)
		},
		Enricher:      resolver,
		EnrichTimeout: cfg.Enrich.Timeout,
		Export:        deps.Publisher.Publish,
		ExportUpdate:  natspub.SubjectAircraftUpdate,
		ExportRemoved: natspub.SubjectAircraftRemoved,
	}, logger, m)

	hub.SetConnectivityCheck(feed.EnsureConnectivity)

	router := ws.NewRouter(hub, feed, statuses, auth.NewVerifier(cfg.Auth.JWTSecret), ws.RouterConfig{
		AuthGrace:         cfg.Auth.Grace,
		MessagesPerSecond: cfg.Limits.MessagesPerSecond,
		MessageBurst:      cfg.Limits.MessageBurst,
		MaxMessageSize:    cfg.Limits.MaxMessageSize,
	}, logger, m)

	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		metrics:   m,
		hub:       hub,
		router:    router,
		feed:      feed,
		statuses:  statuses,
		publisher: deps.Publisher,
		registry:  registry,
		started:   time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      s.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // websocket connections outlive any write timeout
	}

	return s
}

// Routes builds the HTTP surface. Exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.router.ServeWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"gateway": map[string]any{
			"clients":            s.hub.ClientCount(),
			"upstream_connected": s.feed.Connected(),
			"export_connected":   s.publisher.Connected(),
		},
		"system": systemStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func systemStats() map[string]any {
	stats := map[string]any{}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats["memory_used_percent"] = vm.UsedPercent
	}
	return stats
}

// Start runs the HTTP server and blocks until a shutdown signal arrives.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	s.Shutdown()
	return nil
}

// Shutdown tears the gateway down: stop accepting, drop the upstream link,
// close every client, flush the export connection.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}

	s.feed.Stop()
	s.hub.CloseAll()
	s.publisher.Close()

	s.logger.Info().Msg("shutdown complete")
}
