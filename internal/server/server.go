package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects (registers pprof handlers)
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zsiec/cadence/internal/config"
	"github.com/zsiec/cadence/internal/errors"
	"github.com/zsiec/cadence/internal/health"
	"github.com/zsiec/cadence/internal/logger"
)

const healthCheckInterval = 30 * time.Second

// Server serves the control API over HTTP/1.1 and, when TLS material is
// configured, HTTP/2 and HTTP/3.
type Server struct {
	config        *config.ServerConfig
	metrics       *config.MetricsConfig
	router        *mux.Router
	http3Server   *http3.Server
	httpServer    *http.Server
	metricsServer *http.Server
	logger        *logrus.Logger
	log           logger.Logger
	healthMgr     *health.Manager
	sessions      health.Sessions
	errorHandler  *errors.ErrorHandler
	limiter       *rate.Limiter

	// Additional handlers can be registered
	additionalRoutes []func(*mux.Router)
	routesOnce       sync.Once
}

// New creates a new server instance. Health checkers and routes are added
// before Start.
func New(cfg *config.ServerConfig, metricsCfg *config.MetricsConfig, log *logrus.Logger) *Server {
	adapter := logger.NewLogrusAdapter(logrus.NewEntry(log)).WithField("component", "server")

	s := &Server{
		config:       cfg,
		metrics:      metricsCfg,
		router:       mux.NewRouter(),
		logger:       log,
		log:          adapter,
		healthMgr:    health.NewManager(adapter),
		errorHandler: errors.NewErrorHandler(log),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// RegisterHealthChecker adds a checker to /health and /ready.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	s.healthMgr.Register(c)
}

// SetSessions makes /ready wait for the session manager and adds its counts
// to the probe responses. It must be called before Handler.
func (s *Server) SetSessions(sessions health.Sessions) {
	s.sessions = sessions
}

// RegisterRoutes adds additional route handlers to the server
func (s *Server) RegisterRoutes(registerFunc func(*mux.Router)) {
	s.additionalRoutes = append(s.additionalRoutes, registerFunc)
}

// ErrorHandler returns the handler used to render API errors.
func (s *Server) ErrorHandler() *errors.ErrorHandler {
	return s.errorHandler
}

// Handler returns the fully routed handler. Routes are set up on first use.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return s.router
}

// Start serves until ctx is done or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	g, gctx := errgroup.WithContext(ctx)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	if s.config.HTTP3Enabled() {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificates: %w", err)
		}

		s.http3Server = &http3.Server{
			Addr:    fmt.Sprintf(":%d", s.config.HTTP3Port),
			Handler: handler,
			TLSConfig: &tls.Config{
				MinVersion:   tls.VersionTLS13,
				NextProtos:   []string{"h3"},
				Certificates: []tls.Certificate{cert},
			},
			QUICConfig: &quic.Config{
				MaxIncomingStreams: s.config.MaxIncomingStreams,
				MaxIdleTimeout:     s.config.MaxIdleTimeout,
			},
		}
		// Advertise HTTP/3 to TCP clients.
		s.httpServer.Handler = s.altSvcMiddleware(handler)
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"h2", "http/1.1"},
			Certificates: []tls.Certificate{cert},
		}

		g.Go(func() error {
			s.log.WithField("port", s.config.HTTP3Port).Info("Starting HTTP/3 server")
			if err := s.http3Server.ListenAndServe(); err != nil && err != http.ErrServerClosed && gctx.Err() == nil {
				return fmt.Errorf("http3 server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.healthMgr.StartPeriodicChecks(gctx, healthCheckInterval)
		return nil
	})

	g.Go(func() error {
		s.log.WithFields(map[string]interface{}{
			"port": s.config.HTTPPort,
			"tls":  s.httpServer.TLSConfig != nil,
		}).Info("Starting HTTP server")

		var err error
		if s.httpServer.TLSConfig != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.separateMetrics() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(s.metrics.Path, promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.metrics.Port),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.log.WithField("port", s.metrics.Port).Info("Starting metrics server")
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully shuts down every listener.
func (s *Server) Shutdown() error {
	s.log.Info("Shutting down servers")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	// http3.Server.Close does not drain; in-flight requests are cut.
	if s.http3Server != nil {
		if err := s.http3Server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("http3: %w", err))
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to shutdown servers: %v", errs)
	}

	s.log.Info("Server shutdown complete")
	return nil
}

func (s *Server) separateMetrics() bool {
	return s.metrics != nil && s.metrics.Enabled && s.metrics.Port != 0 && s.metrics.Port != s.config.HTTPPort
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Apply global middleware
	s.router.Use(logger.RequestMiddleware(s.log))
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	// Health endpoints
	healthHandler := health.NewHandler(s.healthMgr, s.sessions)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods(http.MethodGet)

	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	if s.metrics != nil && s.metrics.Enabled && !s.separateMetrics() {
		s.router.Handle(s.metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	if s.config.DebugEndpoints {
		s.setupDebugEndpoints()
	}

	s.router.Use(s.rateLimitMiddleware)
	if s.config.WriteTimeout > 0 {
		s.router.Use(s.timeoutMiddleware(s.config.WriteTimeout))
	}
	for _, registerFunc := range s.additionalRoutes {
		registerFunc(s.router)
	}

	// 404 handler
	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

// setupDebugEndpoints registers debug endpoints like pprof
func (s *Server) setupDebugEndpoints() {
	s.log.Info("Enabling debug endpoints")

	s.router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	s.router.HandleFunc("/debug/info", func(w http.ResponseWriter, r *http.Request) {
		info := map[string]interface{}{
			"protocols": map[string]bool{
				"http3": s.config.HTTP3Enabled(),
				"http2": s.config.HTTP3Enabled(),
			},
			"ports": map[string]int{
				"http3": s.config.HTTP3Port,
				"http":  s.config.HTTPPort,
			},
			"rate_limit":    s.config.RateLimit,
			"debug_enabled": true,
		}
		if err := s.writeJSON(w, http.StatusOK, info); err != nil {
			s.log.WithError(err).Error("Failed to encode debug info")
		}
	}).Methods(http.MethodGet)
}

// GetRouter returns the router for testing.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}
