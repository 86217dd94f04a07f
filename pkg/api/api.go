package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/ethpandaops/pagesmith/pkg/api/docs"
	"github.com/ethpandaops/pagesmith/pkg/auth"
	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/ethpandaops/pagesmith/pkg/dispatcher"
	"github.com/ethpandaops/pagesmith/pkg/job"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/ethpandaops/pagesmith/pkg/store"
	"github.com/ethpandaops/pagesmith/pkg/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Callback response bodies.
const (
	MessageAPIDocStarted = "Successfully start to generate API documentation"
	MessagePageStarted   = "Successfully start to generate HTML page"
	MessageUnhandled     = "Event fired can't be handled by this callback"
)

const (
	// maxPayloadSize bounds webhook bodies, matching GitHub's own cap.
	maxPayloadSize = 25 << 20

	defaultFixtureEvent = "create"
	defaultPageLimit    = 50
	maxPageLimit        = 100
)

var fixtureEventPattern = regexp.MustCompile(`^[a-z_]+$`)

// Server is the HTTP API server.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	BroadcastRunChange(run *store.JobRun)
}

// server implements Server.
type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	dispatcher dispatcher.Dispatcher
	auth       auth.Service
	metrics    *metrics.Metrics
	hub        *Hub
	srv        *http.Server
	router     chi.Router

	// Rate limiters for different endpoint tiers.
	webhookRateLimiter *IPRateLimiter
	apiRateLimiter     *IPRateLimiter
}

// Ensure server implements Server.
var _ Server = (*server)(nil)

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	d dispatcher.Dispatcher,
	authSvc auth.Service,
	m *metrics.Metrics,
) Server {
	return newServer(log, cfg, st, d, authSvc, m)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	d dispatcher.Dispatcher,
	authSvc auth.Service,
	m *metrics.Metrics,
) *server {
	s := &server{
		log:        log.WithField("component", "api"),
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		auth:       authSvc,
		metrics:    m,
		hub:        NewHub(log),
	}

	if cfg.Server.RateLimit.Enabled {
		s.webhookRateLimiter = NewIPRateLimiter(cfg.Server.RateLimit.Webhook.RequestsPerMinute)
		s.apiRateLimiter = NewIPRateLimiter(cfg.Server.RateLimit.API.RequestsPerMinute)

		s.log.WithFields(logrus.Fields{
			"webhook_rpm": cfg.Server.RateLimit.Webhook.RequestsPerMinute,
			"api_rpm":     cfg.Server.RateLimit.API.RequestsPerMinute,
		}).Info("Rate limiting enabled")
	}

	s.setupRouter()

	return s
}

// Start starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithField("addr", s.cfg.Server.Listen).Info("Starting API server")

	go s.hub.Run(ctx)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	for _, l := range []*IPRateLimiter{s.webhookRateLimiter, s.apiRateLimiter} {
		if l != nil {
			l.Stop()
		}
	}

	if s.srv == nil {
		return nil
	}

	s.log.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

// BroadcastRunChange streams a job run state change to websocket clients.
func (s *server) BroadcastRunChange(run *store.JobRun) {
	s.hub.BroadcastJobRun(run)
}

func (s *server) setupRouter() {
	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.metricsMiddleware)

	// CORS.
	if len(s.cfg.Server.CORSOrigins) > 0 {
		r.Use(corsMiddleware(s.cfg.Server.CORSOrigins))
	}

	// Webhook endpoints.
	r.Route("/repository", func(r chi.Router) {
		if s.webhookRateLimiter != nil {
			r.Use(s.webhookRateLimiter.Middleware)
		}

		r.Post("/callback", s.handleCallback)
		r.Get("/dummy", s.handleDummy)
		r.Post("/dummy", s.handleDummy)
	})

	// Health and metrics are never rate limited.
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// API v1.
	r.Route("/api/v1", func(r chi.Router) {
		if s.apiRateLimiter != nil {
			r.Use(s.apiRateLimiter.Middleware)
		}

		r.Get("/openapi.json", s.handleOpenAPISpec)
		r.Get("/ws", s.handleWebSocket)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/completions", s.handleListCompletions)

		// Admin routes.
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.auth))

			r.Post("/messages/{id}/redeliver", s.handleRedeliver)
		})
	})

	s.router = r
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 1 && origins[0] == "*"

	originSet := make(map[string]bool, len(origins))
	for _, origin := range origins {
		originSet[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll || originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+webhook.SignatureHeader+", "+webhook.EventHeader)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// metricsMiddleware records request counts and durations by route pattern.
func (s *server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(status), time.Since(start).Seconds())
	})
}

// ============================================================================
// Response helpers
// ============================================================================

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error" example:"Something went wrong"`
}

func (s *server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

// writeText answers webhook deliveries, which GitHub shows verbatim in its
// delivery log.
func (s *server) writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)

	if _, err := io.WriteString(w, message); err != nil {
		s.log.WithError(err).Error("Failed to write response")
	}
}

// ============================================================================
// Webhooks
// ============================================================================

func (s *server) handleCallback(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get(webhook.EventHeader)
	if event == "" {
		event = "unknown"
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		s.metrics.RecordWebhookEvent(event, "invalid")
		s.writeText(w, http.StatusBadRequest, fmt.Sprintf("reading request body: %v", err))

		return
	}

	err = webhook.ValidateSignature(body, r.Header.Get(webhook.SignatureHeader), s.cfg.Server.WebhookSecret)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"event":    event,
			"delivery": r.Header.Get(webhook.DeliveryHeader),
		}).WithError(err).Warn("Rejected webhook delivery")
		s.metrics.RecordWebhookEvent(event, "unauthorized")
		s.writeText(w, http.StatusUnauthorized, err.Error())

		return
	}

	s.processEvent(w, r, event, body)
}

func (s *server) handleDummy(w http.ResponseWriter, r *http.Request) {
	event := r.URL.Query().Get("event")
	if event == "" {
		event = defaultFixtureEvent
	}

	if !fixtureEventPattern.MatchString(event) {
		s.writeText(w, http.StatusBadRequest, "invalid event name")

		return
	}

	path := filepath.Join(s.cfg.Server.FixturesDir, "github_"+event+"_callback.json")

	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeText(w, http.StatusNotFound, fmt.Sprintf("no fixture for event %q", event))

			return
		}

		s.log.WithError(err).WithField("path", path).Error("Failed to read fixture")
		s.writeText(w, http.StatusInternalServerError, "failed to read fixture")

		return
	}

	s.processEvent(w, r, event, body)
}

// processEvent decodes, classifies and dispatches a webhook payload. The
// response is sent once the job is queued, not when it is processed.
func (s *server) processEvent(w http.ResponseWriter, r *http.Request, event string, body []byte) {
	log := s.log.WithFields(logrus.Fields{
		"event":    event,
		"delivery": r.Header.Get(webhook.DeliveryHeader),
	})

	payload, err := webhook.Decode(body)
	if err != nil {
		log.WithError(err).Warn("Failed to decode webhook payload")
		s.metrics.RecordWebhookEvent(event, "invalid")
		s.writeText(w, http.StatusBadRequest, err.Error())

		return
	}

	intent, err := webhook.Classify(payload)
	if err != nil {
		log.WithFields(logrus.Fields{
			"repository": payload.Repository.FullName,
			"ref":        payload.Ref,
			"ref_type":   payload.RefTypeValue(),
		}).Info("Ignoring webhook event")
		s.metrics.RecordWebhookEvent(event, "unhandled")
		s.writeText(w, http.StatusInternalServerError, MessageUnhandled)

		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), intent)
	if err != nil {
		s.metrics.RecordWebhookEvent(event, "dispatch_failed")
		s.writeText(w, http.StatusInternalServerError, err.Error())

		return
	}

	s.metrics.RecordWebhookEvent(event, string(intent.Kind))

	log.WithFields(logrus.Fields{
		"job_id":     res.Job.ID,
		"message_id": res.MessageID,
		"repository": intent.FullName,
	}).Info("Accepted webhook event")

	if intent.Kind == job.KindAPIDoc {
		s.writeText(w, http.StatusOK, MessageAPIDocStarted)

		return
	}

	s.writeText(w, http.StatusOK, MessagePageStarted)
}

// ============================================================================
// Handlers
// ============================================================================

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status" example:"ok"`
	Database         string `json:"database" example:"ok"`
	WebSocketClients int    `json:"websocket_clients" example:"2"`
}

// JobRunListResponse is a page of job runs.
type JobRunListResponse struct {
	Runs   []*store.JobRun `json:"runs"`
	Limit  int             `json:"limit" example:"50"`
	Offset int             `json:"offset" example:"0"`
}

// handleOpenAPISpec godoc
//
//	@Summary		OpenAPI specification
//	@Description	Returns the OpenAPI specification for the API
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	object	"OpenAPI specification"
//	@Router			/openapi.json [get]
func (s *server) handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(docs.SwaggerInfo.ReadDoc()))
}

// handleHealth reports whether the database is reachable.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:           "ok",
		Database:         "ok",
		WebSocketClients: s.hub.ClientCount(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("Health check failed")

		resp.Status = "degraded"
		resp.Database = err.Error()

		s.writeJSON(w, http.StatusServiceUnavailable, resp)

		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleListRuns godoc
//
//	@Summary		List job runs
//	@Description	Returns job runs ordered by start time, newest first
//	@Tags			history
//	@Produce		json
//	@Param			repository	query		string	false	"Repository full name"
//	@Param			status		query		string	false	"Run status (running, succeeded, failed)"
//	@Param			limit		query		int		false	"Maximum number of runs (max 100)"
//	@Param			offset		query		int		false	"Number of runs to skip"
//	@Success		200			{object}	JobRunListResponse
//	@Failure		400			{object}	ErrorResponse
//	@Router			/runs [get]
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := store.JobRunQueryOpts{
		FullName: q.Get("repository"),
		Limit:    parseLimit(q.Get("limit")),
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid offset")

			return
		}

		opts.Offset = offset
	}

	if statusStr := q.Get("status"); statusStr != "" {
		switch status := store.JobRunStatus(statusStr); status {
		case store.JobRunStatusRunning, store.JobRunStatusSucceeded, store.JobRunStatusFailed:
			opts.Status = status
		default:
			s.writeError(w, http.StatusBadRequest, "Invalid status")

			return
		}
	}

	runs, err := s.store.ListJobRuns(r.Context(), opts)
	if err != nil {
		s.log.WithError(err).Error("Failed to list job runs")
		s.writeError(w, http.StatusInternalServerError, "Failed to list job runs")

		return
	}

	if runs == nil {
		runs = []*store.JobRun{}
	}

	s.writeJSON(w, http.StatusOK, JobRunListResponse{
		Runs:   runs,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// handleGetRun godoc
//
//	@Summary		Get job run
//	@Description	Returns a single job run
//	@Tags			history
//	@Produce		json
//	@Param			id	path		string	true	"Job run ID"
//	@Success		200	{object}	store.JobRun
//	@Failure		404	{object}	ErrorResponse
//	@Router			/runs/{id} [get]
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetJobRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.WithError(err).Error("Failed to get job run")
		s.writeError(w, http.StatusInternalServerError, "Failed to get job run")

		return
	}

	if run == nil {
		s.writeError(w, http.StatusNotFound, "Job run not found")

		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

// handleListCompletions godoc
//
//	@Summary		List completion markers
//	@Description	Returns the most recent completion markers
//	@Tags			history
//	@Produce		json
//	@Param			repository	query		string	false	"Repository full name"
//	@Param			limit		query		int		false	"Maximum number of markers (max 100)"
//	@Success		200			{array}		store.Completion
//	@Failure		500			{object}	ErrorResponse
//	@Router			/completions [get]
func (s *server) handleListCompletions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	completions, err := s.store.ListCompletions(r.Context(), q.Get("repository"), parseLimit(q.Get("limit")))
	if err != nil {
		s.log.WithError(err).Error("Failed to list completions")
		s.writeError(w, http.StatusInternalServerError, "Failed to list completions")

		return
	}

	if completions == nil {
		completions = []*store.Completion{}
	}

	s.writeJSON(w, http.StatusOK, completions)
}

// handleRedeliver godoc
//
//	@Summary		Redeliver a dead-lettered message
//	@Description	Moves a dead-lettered message back to pending with a fresh attempt budget
//	@Tags			queue
//	@Produce		json
//	@Param			id	path		string	true	"Message ID"
//	@Success		200	{object}	store.Message
//	@Security		BearerAuth
//	@Failure		401	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Router			/messages/{id}/redeliver [post]
func (s *server) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		s.log.WithError(err).Error("Failed to get message")
		s.writeError(w, http.StatusInternalServerError, "Failed to get message")

		return
	}

	if msg == nil {
		s.writeError(w, http.StatusNotFound, "Message not found")

		return
	}

	if err := s.store.RequeueMessage(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotRequeueable) {
			s.writeError(w, http.StatusConflict, err.Error())

			return
		}

		s.log.WithError(err).Error("Failed to requeue message")
		s.writeError(w, http.StatusInternalServerError, "Failed to requeue message")

		return
	}

	msg, err = s.store.GetMessage(ctx, id)
	if err != nil || msg == nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to get message")

		return
	}

	log := s.log.WithFields(logrus.Fields{
		"message_id": id,
		"queue":      msg.Queue,
	})

	if admin := auth.AdminFromContext(ctx); admin != nil {
		log = log.WithField("admin", admin.Name)
	}

	log.Info("Message requeued")

	s.writeJSON(w, http.StatusOK, msg)
}

// handleWebSocket godoc
//
//	@Summary		Job run event stream
//	@Description	Streams job run state changes
//	@Tags			websocket
//	@Param			repository	query	string	false	"Only stream runs of this repository"
//	@Success		101
//	@Router			/ws [get]
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, s.cfg.Server.CORSOrigins, w, r)
}

func parseLimit(raw string) int {
	limit := defaultPageLimit

	if l, err := strconv.Atoi(raw); err == nil && l > 0 && l <= maxPageLimit {
		limit = l
	}

	return limit
}
