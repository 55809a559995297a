// ztad is the zero-trust access control daemon: it wires the session
// manager, device trust evaluator, risk engine, policy engine and
// network segmentation controller behind an HTTP API
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carbocation/interpose"
	"github.com/gorilla/mux"
	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/zta-core/pkg/audit"
	"github.com/dobrevit/zta-core/pkg/authz"
	"github.com/dobrevit/zta-core/pkg/config"
	"github.com/dobrevit/zta-core/pkg/device"
	"github.com/dobrevit/zta-core/pkg/identity"
	"github.com/dobrevit/zta-core/pkg/metrics"
	"github.com/dobrevit/zta-core/pkg/policy"
	"github.com/dobrevit/zta-core/pkg/risk"
	"github.com/dobrevit/zta-core/pkg/scheduler"
	"github.com/dobrevit/zta-core/pkg/segment"
	"github.com/dobrevit/zta-core/pkg/session"
	"github.com/dobrevit/zta-core/pkg/storage"
)

// Server bundles the core components behind the HTTP API
type Server struct {
	settings   *config.Settings
	middleware *interpose.Middleware
	router     *mux.Router
	registry   *prometheus.Registry
	store      storage.Store
	auditor    *audit.Dispatcher
	devices    *device.Evaluator
	engine     *risk.Engine
	policies   *policy.Engine
	sessions   *session.Manager
	authorizer *authz.Authorizer
	segments   *segment.Controller
	scheduler  *scheduler.Scheduler
	geoip      *geoip2.Reader
	logger     *log.Logger
}

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	logger := log.StandardLogger()

	settings, err := config.Load(*configPath)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to load configuration")
	}

	configureLogging(logger, settings.Logging)

	server, err := NewServer(settings, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize server")
	}

	if err := server.Run(); err != nil {
		logger.WithField("error", err).Fatal("Server error")
	}
}

func configureLogging(logger *log.Logger, cfg config.LoggingConfig) {
	if cfg.Format != "text" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
}

// NewServer wires all core components together
func NewServer(settings *config.Settings, logger *log.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store, err := storage.NewStore(settings.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if settings.Audit.FilePath != "" {
		fileSink, err := audit.NewFileSink(settings.Audit.FilePath, settings.Audit.BufferSize)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		sinks = append(sinks, fileSink)
	}
	auditor := audit.NewDispatcher(logger, m, settings.Audit.QueueSize, sinks...)

	devices := device.NewEvaluator(settings.Device, nil, store, auditor, logger)
	engine := risk.NewEngine(settings.Risk, store, auditor, m, logger)
	policies := policy.NewEngine()

	// The identity backend is static in this build; production
	// deployments replace it with an IdP integration
	backend := identity.NewStaticBackend()

	sessions := session.NewManager(settings.Session, devices, engine, backend, auditor, m, logger)
	authorizer := authz.New(settings.Authz, sessions, policies, devices, auditor, m, logger)
	segments := segment.NewController(settings.Segmentation, auditor, m, logger)
	sched := scheduler.New(settings.Scheduler, sessions, engine, devices, logger)

	var geoReader *geoip2.Reader
	if settings.GeoIP.DatabasePath != "" {
		geoReader, err = geoip2.Open(settings.GeoIP.DatabasePath)
		if err != nil {
			logger.WithFields(log.Fields{
				"path":  settings.GeoIP.DatabasePath,
				"error": err,
			}).Warn("GeoIP database unavailable, location risk factors disabled")
			geoReader = nil
		}
	}

	engine.Register(risk.NewUserBehaviorCollector(geoReader, settings.GeoIP.AllowedCountries))
	engine.Register(risk.NewDeviceComplianceCollector(devices))
	engine.Register(risk.NewApplicationReputationCollector())
	engine.Register(risk.NewSessionAnomalyCollector(sessions))

	server := &Server{
		settings:   settings,
		middleware: interpose.New(),
		router:     mux.NewRouter(),
		registry:   registry,
		store:      store,
		auditor:    auditor,
		devices:    devices,
		engine:     engine,
		policies:   policies,
		sessions:   sessions,
		authorizer: authorizer,
		segments:   segments,
		scheduler:  sched,
		geoip:      geoReader,
		logger:     logger,
	}

	server.middleware.Use(loggingMiddleware(logger))
	server.middleware.Use(recoveryMiddleware(logger))
	server.registerRoutes()
	server.middleware.UseHandler(server.router)

	return server, nil
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/zta/login", s.handleLogin).Methods("POST")
	s.router.HandleFunc("/zta/validate", s.handleValidate).Methods("POST")
	s.router.HandleFunc("/zta/revoke", s.handleRevoke).Methods("POST")
	s.router.HandleFunc("/zta/sessions", s.handleSessions).Methods("GET")
	s.router.HandleFunc("/zta/device/register", s.handleDeviceRegister).Methods("POST")
	s.router.HandleFunc("/zta/device/{id}", s.handleDeviceGet).Methods("GET")
	s.router.HandleFunc("/zta/authorize", s.handleAuthorize).Methods("POST")
	s.router.HandleFunc("/zta/network/authorize", s.handleNetworkAuthorize).Methods("POST")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Run starts the HTTP server and the maintenance scheduler, then
// blocks until an interrupt arrives
func (s *Server) Run() error {
	s.scheduler.Start()

	srv := &http.Server{
		Addr:         s.settings.Server.Bind,
		Handler:      s.middleware,
		ReadTimeout:  s.settings.Server.ReadTimeout,
		WriteTimeout: s.settings.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.WithField("addr", srv.Addr).Info("Starting zero-trust access daemon")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithField("error", err).Error("HTTP server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	s.logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.scheduler.Stop(); err != nil {
		s.logger.WithField("error", err).Warn("Scheduler shutdown error")
	}
	if err := s.auditor.Close(); err != nil {
		s.logger.WithField("error", err).Warn("Audit shutdown error")
	}
	if err := s.store.Close(); err != nil {
		s.logger.WithField("error", err).Warn("Storage shutdown error")
	}
	if s.geoip != nil {
		s.geoip.Close()
	}

	return srv.Shutdown(ctx)
}

type loginRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	MFAToken      string `json:"mfa_token,omitempty"`
	DeviceID      string `json:"device_id"`
	ApplicationID string `json:"application_id,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.sessions.Authenticate(r.Context(), session.AuthRequest{
		Credentials: session.Credentials{
			Username: req.Username,
			Password: req.Password,
			MFAToken: req.MFAToken,
		},
		DeviceID:      req.DeviceID,
		ApplicationID: req.ApplicationID,
		Context: risk.RequestContext{
			IPAddress: r.RemoteAddr,
			UserAgent: r.UserAgent(),
			Timestamp: time.Now(),
		},
	})
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if result.Reason != "" {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.sessions.Validate(r.Context(), req.SessionID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if !result.Valid {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.sessions.Revoke(req.SessionID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.ActiveSessions())
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var info device.RegistrationInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.devices.Register(r.Context(), info, device.EnrollmentManual)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	record, exists := s.devices.Get(deviceID)
	if !exists {
		httpError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type authorizeRequest struct {
	SessionID string             `json:"session_id"`
	Resource  string             `json:"resource"`
	Action    string             `json:"action"`
	Context   policy.EvalContext `json:"context"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision, err := s.authorizer.Authorize(r.Context(), req.SessionID, req.Resource, req.Action, req.Context)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if !decision.Authorized {
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}

func (s *Server) handleNetworkAuthorize(w http.ResponseWriter, r *http.Request) {
	var req segment.AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision, err := s.segments.AuthorizeNetworkAccess(r.Context(), req)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"active_sessions": len(s.sessions.ActiveSessions()),
		"audit_dropped":   s.auditor.Dropped(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func loggingMiddleware(logger *log.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   wrapped.statusCode,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Info("Request completed")
		})
	}
}

func recoveryMiddleware(logger *log.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithFields(log.Fields{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter captures the status code for request logging
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
