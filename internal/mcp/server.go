package mcp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/lattice/internal/audit"
	"github.com/HyphaGroup/lattice/internal/logger"
	"github.com/HyphaGroup/lattice/internal/metrics"
	"github.com/HyphaGroup/lattice/internal/minion"
	"github.com/HyphaGroup/lattice/internal/process"
	"github.com/HyphaGroup/lattice/internal/schedule"
	"github.com/HyphaGroup/lattice/internal/task"
)

const (
	defaultRateLimit       = 10
	defaultRateBurst       = 20
	limiterCleanupInterval = 10 * time.Minute
	shutdownTimeout        = 5 * time.Second
)

// ScrollbackReader reads persisted process output
type ScrollbackReader interface {
	Scrollback(ctx context.Context, processID string, limit int) ([]string, error)
}

// Server exposes minions, tasks, processes and schedules as MCP tools
type Server struct {
	minions    *minion.Manager
	tracker    *task.Tracker
	processes  process.Registry
	scrollback ScrollbackReader
	schedules  *schedule.Store
	runner     *schedule.Runner
	registry   *Registry
	mcpServer  *mcp.Server
	limiter    *RateLimiter
	audit      *audit.Logger
	interrupts *interruptBroker
	version    string

	subMu sync.Mutex
	subs  map[string]func() // minion ID -> unsubscribe
}

// ServerConfig holds the optional collaborators and HTTP limits
type ServerConfig struct {
	Processes  process.Registry
	Scrollback ScrollbackReader
	Schedules  *schedule.Store
	Runner     *schedule.Runner
	RateLimit  float64 // requests per second per client
	RateBurst  int
	Version    string
	Audit      *audit.Logger // nil disables audit records
}

// NewServer creates a new MCP server instance
func NewServer(minions *minion.Manager, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	rateLimit, burst := cfg.RateLimit, cfg.RateBurst
	if rateLimit == 0 {
		rateLimit = defaultRateLimit
	}
	if burst == 0 {
		burst = defaultRateBurst
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		minions:    minions,
		tracker:    minions.Tracker(),
		processes:  cfg.Processes,
		scrollback: cfg.Scrollback,
		schedules:  cfg.Schedules,
		runner:     cfg.Runner,
		registry:   NewRegistry(),
		limiter:    NewRateLimiter(rateLimit, burst),
		audit:      cfg.Audit,
		interrupts: newInterruptBroker(),
		version:    version,
		subs:       make(map[string]func()),
	}

	s.registerAllTools(s.registry)

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "lattice",
		Version: version,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer)
	return s
}

// GetRegistry returns the tool registry
func (s *Server) GetRegistry() *Registry {
	return s.registry
}

// Handler builds the HTTP handler: /health and /metrics unauthenticated,
// /mcp behind rate limiting, request logging and metrics.
func (s *Server) Handler() http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	loggingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		ctx = WithRemoteAddr(ctx, r.RemoteAddr)
		ctx = WithMCPHeaders(ctx, r.Header)
		r = r.WithContext(ctx)

		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		mcpHandler.ServeHTTP(w, r)
	})

	limited := RateLimitMiddleware(s.limiter)(loggingHandler)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealthCheck)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/mcp", metrics.Middleware(limited))
	mux.Handle("/mcp/", metrics.Middleware(limited))
	return mux
}

// Serve starts the schedule runner and the HTTP server, and shuts both
// down when ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if s.runner != nil {
		if err := s.runner.Start(); err != nil {
			return err
		}
		defer s.runner.Stop()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("Lattice MCP server listening on %s", addr)
	logger.Info("Health check: http://localhost%s/health", addr)
	logger.Info("Metrics: http://localhost%s/metrics", addr)
	logger.Info("Serving %d tools (%d read-only)", len(s.registry.GetAllTools()), len(s.registry.ReadOnlyTools()))

	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ticker.C:
			if n := s.limiter.Cleanup(limiterCleanupInterval); n > 0 {
				logger.Debug("Dropped %d idle rate limiters", n)
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			logger.Info("Shutting down MCP server...")
			return srv.Shutdown(shutdownCtx)
		}
	}
}

// Close drops every session subscription
func (s *Server) Close() {
	s.subMu.Lock()
	subs := s.subs
	s.subs = make(map[string]func())
	s.subMu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// recordAudit fills request metadata from ctx and logs ev
func (s *Server) recordAudit(ctx context.Context, ev *audit.Event, err error) {
	if s.audit == nil {
		return
	}
	if requestID, ok := ctx.Value(logger.ContextKeyRequestID).(string); ok {
		ev.RequestID = requestID
	}
	ev.RemoteAddr = ExtractMCPContext(ctx).RemoteAddr
	s.audit.Record(ev, err)
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","version":"` + s.version + `"}`))
}
