package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"AgentFleet/internal/archive"
	"AgentFleet/internal/event"
	"AgentFleet/internal/fleet"
	"AgentFleet/internal/observability/metrics"
	"AgentFleet/pkg/logger"
)

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	fleet   *fleet.Coordinator
	router  *event.Router
	archive archive.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithRouter 让命令经由事件路由执行，与队列事件保持同一 Agent 内的顺序。
func WithRouter(r *event.Router) Option {
	return func(s *Server) { s.router = r }
}

// WithArchive 配置归档存储，内存中找不到的任务与争议将回退到归档查询。
func WithArchive(a archive.Store) Option {
	return func(s *Server) { s.archive = a }
}

// WithMetrics 配置请求指标与 /metrics 端点。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, coord *fleet.Coordinator, opts ...Option) *Server {
	s := &Server{addr: addr, fleet: coord, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/agents", s.listAgents)
		api.Get("/agents/{agentID}", s.getAgent)
		api.Post("/agents/{agentID}/reinstate", s.reinstateAgent)

		api.Get("/jobs", s.listJobs)
		api.Post("/jobs", s.submitJob)
		api.Get("/jobs/{jobID}", s.getJob)

		api.Post("/events", s.postEvent)

		api.Get("/disputes", s.listDisputes)
		api.Post("/disputes", s.openDispute)
		api.Get("/disputes/{disputeID}", s.getDispute)
		api.Post("/disputes/{disputeID}/review", s.reviewDispute)
		api.Post("/disputes/{disputeID}/resolve", s.resolveDispute)

		api.Get("/snapshot", s.snapshot)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NOT_FOUND", Message: "use a versioned path like /api/v1/..."})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
