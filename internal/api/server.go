package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/asan-idp/approvalgate/internal/auth"
	"github.com/asan-idp/approvalgate/internal/config"
	"github.com/asan-idp/approvalgate/internal/metrics"
	"github.com/asan-idp/approvalgate/internal/notifications"
	"github.com/asan-idp/approvalgate/internal/queue"
	"github.com/asan-idp/approvalgate/internal/reports"
	"github.com/asan-idp/approvalgate/internal/review"
	"github.com/asan-idp/approvalgate/internal/scheduler"
	"github.com/asan-idp/approvalgate/internal/store"
	"github.com/asan-idp/approvalgate/internal/text2sql"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

// Repository is the approval store as the server sees it.
type Repository interface {
	workflow.Repository
	reports.DataProvider
	Ping(ctx context.Context) error
}

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	repo      Repository
	workflow  *workflow.Service
	auth      *auth.Service
	metrics   *metrics.Metrics
	reports   *reports.Generator
	scheduler *scheduler.Scheduler
	worker    *queue.Worker

	closers []io.Closer
}

// Deps are the collaborators of a Server. Scheduler and Worker are optional.
type Deps struct {
	Repo      Repository
	Workflow  *workflow.Service
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler
	Worker    *queue.Worker
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.auth = auth.NewService(authConfig(s.cfg), auth.WithClock(now), auth.WithErrorWriter(respondError))
	}
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		JWTSecret:         cfg.Auth.JWTSecret,
		AccessTokenExpiry: cfg.Auth.AccessTokenExpiry,
		Issuer:            cfg.Auth.Issuer,
	}
}

// NewServer builds every collaborator from the configuration: Postgres or the
// in-memory repository, the review client behind the Redis outbox when
// enabled, notifications, the SQL generator and the scheduled jobs.
func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	logger := slog.Default()
	staged := &Server{cfg: cfg, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(staged)
		}
	}
	logger = staged.logger

	var closers []io.Closer
	var repo Repository
	var jobStore scheduler.Store
	if cfg.Database.Enabled() {
		st, err := store.New(store.Config{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrating store: %w", err)
		}
		pgJobs := scheduler.NewPostgresStore(st.DB())
		if err := pgJobs.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrating job history: %w", err)
		}
		repo, jobStore = st, pgJobs
		closers = append(closers, st)
	} else {
		logger.Warn("no database configured, approval requests are kept in memory")
		repo, jobStore = store.NewMemory(), scheduler.NewMemoryStore()
	}

	m := metrics.New()

	client := review.NewClient(review.Config{
		BaseURL: cfg.Review.DaemonURL,
		APIKey:  cfg.Review.APIKey,
		Timeout: cfg.Review.Timeout,
	}, logger)
	var channel workflow.ReviewChannel = client
	var worker *queue.Worker
	if cfg.Redis.Enabled {
		outbox, err := newOutbox(cfg)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("initializing review outbox: %w", err)
		}
		closers = append(closers, outbox)
		channel = review.NewOutboxChannel(client, outbox, m, logger)
		worker = queue.NewWorker(queue.WorkerConfig{
			Outbox:   outbox,
			Channel:  client,
			Requests: repo,
			Recorder: m,
			Logger:   logger,
		})
	}

	notifier := notifications.NewService(notificationConfig(cfg), logger)

	generator, err := newGenerator(cfg, logger)
	if err != nil {
		closeAll(closers)
		return nil, err
	}

	svc := workflow.NewService(repo, channel, notifier,
		workflow.WithLogger(logger),
		workflow.WithObserver(m),
		workflow.WithGenerator(generator),
		workflow.WithDefaultExpiry(cfg.Workflow.DefaultExpiry()),
		workflow.WithManualConfidence(cfg.Workflow.ManualConfidence),
	)

	sched := scheduler.NewScheduler(jobStore, logger)
	handlers := &scheduler.ApprovalHandlers{Workflow: svc, Digest: notifier}
	if err := handlers.Register(sched, cfg.Workflow.SweepSchedule, cfg.Workflow.DigestSchedule); err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("registering jobs: %w", err)
	}

	s := New(cfg, Deps{
		Repo:      repo,
		Workflow:  svc,
		Metrics:   m,
		Scheduler: sched,
		Worker:    worker,
	}, opts...)
	s.closers = closers
	return s, nil
}

// New assembles a server around prepared collaborators.
func New(cfg *config.Config, deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		logger:    slog.Default(),
		repo:      deps.Repo,
		workflow:  deps.Workflow,
		metrics:   deps.Metrics,
		scheduler: deps.Scheduler,
		worker:    deps.Worker,
		reports:   reports.NewGenerator(deps.Repo),
		auth:      auth.NewService(authConfig(cfg), auth.WithErrorWriter(respondError)),
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if cfg.UsesDefaultJWTSecret() {
		s.logger.Warn("using the built-in JWT secret - configure auth.jwt_secret in production")
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func newOutbox(cfg *config.Config) (*queue.Outbox, error) {
	qc := queue.Config{
		Addr:        cfg.Redis.Addr(),
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		MaxAttempts: cfg.Review.MaxAttempts,
		Backoff:     cfg.Review.Backoff,
	}
	if cfg.Redis.URL == "" {
		return queue.New(qc)
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return queue.NewWithClient(client, qc), nil
}

func newGenerator(cfg *config.Config, logger *slog.Logger) (workflow.SQLGenerator, error) {
	switch cfg.Text2SQL.Provider {
	case "openai":
		g, err := text2sql.NewOpenAIGenerator(text2sql.Config{
			APIKey:  cfg.Text2SQL.APIKey,
			Model:   cfg.Text2SQL.Model,
			BaseURL: cfg.Text2SQL.BaseURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing SQL generator: %w", err)
		}
		return g, nil
	case "rules", "":
		return text2sql.NewRuleGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown text2sql provider %q", cfg.Text2SQL.Provider)
	}
}

func notificationConfig(cfg *config.Config) notifications.Config {
	minSeverity := notifications.Severity(cfg.Notifications.MinSeverity)
	return notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:  cfg.Notifications.Slack.WebhookURL,
			Channel:     cfg.Notifications.Slack.Channel,
			Username:    cfg.Notifications.Slack.Username,
			IconEmoji:   cfg.Notifications.Slack.IconEmoji,
			Enabled:     cfg.Notifications.Slack.Enabled,
			MinSeverity: minSeverity,
		},
		Email: notifications.EmailConfig{
			SMTPHost:    cfg.Notifications.Email.SMTPHost,
			SMTPPort:    cfg.Notifications.Email.SMTPPort,
			Username:    cfg.Notifications.Email.Username,
			Password:    cfg.Notifications.Email.Password,
			From:        cfg.Notifications.Email.From,
			To:          cfg.Notifications.Email.To,
			Enabled:     cfg.Notifications.Email.Enabled,
			MinSeverity: minSeverity,
		},
	}
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i].Close()
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "*" {
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", s.listApprovals)
			r.Post("/", s.createApproval)
			r.Post("/generate", s.generateApproval)

			r.With(s.auth.RequireRole(auth.RoleAdmin)).Post("/expire", s.expireApprovals)

			r.Route("/{approvalID}", func(r chi.Router) {
				r.Get("/", s.getApproval)
				r.Post("/cancel", s.cancelApproval)

				r.Group(func(r chi.Router) {
					r.Use(s.auth.RequireRole(auth.RoleApprover))
					r.Post("/decision", s.decideApproval)
					r.Post("/extend", s.extendApproval)
					r.Patch("/priority", s.updatePriority)
					r.Post("/sync", s.syncApproval)
				})
			})
		})

		r.Get("/requesters/{requesterID}/approvals", s.requesterApprovals)
		r.Post("/sql/analyze", s.analyzeSQL)

		r.Route("/reports", func(r chi.Router) {
			r.Use(s.auth.RequireRole(auth.RoleApprover))
			r.Get("/approvals", s.approvalReport)
		})

		if s.scheduler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(s.auth.RequireRole(auth.RoleAdmin))
				r.Get("/", s.listJobs)
				r.Post("/{jobID}/run", s.runJobNow)
				r.Get("/{jobID}/executions", s.getJobExecutions)
			})
		}
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Workflow exposes the use cases for in-process callers such as the CLI.
func (s *Server) Workflow() *workflow.Service {
	return s.workflow
}

// Close releases the repository and outbox connections opened by NewServer.
func (s *Server) Close() {
	closeAll(s.closers)
	s.closers = nil
}

// Auth is the token service the server validates against.
func (s *Server) Auth() *auth.Service {
	return s.auth
}

func (s *Server) Run(ctx context.Context) error {
	if s.scheduler != nil {
		s.scheduler.Start()
	}
	if s.worker != nil {
		if err := s.worker.Start(ctx); err != nil {
			s.logger.Error("failed to start outbox worker", "error", err)
		}
	}
	defer s.Close()

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopBackground()
		return err
	case <-ctx.Done():
		s.stopBackground()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) stopBackground() {
	if s.scheduler != nil {
		<-s.scheduler.Stop().Done()
	}
	if s.worker != nil {
		s.worker.Stop()
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

// respondFailure writes a use-case failure with the status its code maps to.
func respondFailure(w http.ResponseWriter, f *workflow.Failure) {
	respondError(w, failureStatus(f.Code), string(f.Code), f.Message)
}

func failureStatus(code workflow.ErrorCode) int {
	switch code {
	case workflow.CodeInvalidSQLSyntax, workflow.CodeInvalidRequest,
		workflow.CodeInvalidDecision, workflow.CodeDomainError:
		return http.StatusBadRequest
	case workflow.CodeForbidden:
		return http.StatusForbidden
	case workflow.CodeNotFound:
		return http.StatusNotFound
	case workflow.CodeInvalidState, workflow.CodeVersionConflict:
		return http.StatusConflict
	case workflow.CodeExpired:
		return http.StatusGone
	case workflow.CodeGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
