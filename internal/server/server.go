// Package server exposes projects, pipeline runs and progress events over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/pipeline"
	"github.com/sells-group/aio-analyzer/internal/resilience"
	"github.com/sells-group/aio-analyzer/internal/store"
)

// Runner is the pipeline surface the server drives.
type Runner interface {
	RunProject(ctx context.Context, projectID string) (*model.ProjectOutcome, error)
	Revalidate(ctx context.Context, projectID string) (model.Summary, error)
	Cancel(ctx context.Context, projectID string) error
	Running(projectID string) bool
	Outcome(ctx context.Context, projectID string) (*model.ProjectOutcome, error)
	Subscribe() (<-chan pipeline.Event, func())
}

// Server routes API requests to the store and the pipeline runner.
type Server struct {
	store     store.Store
	runner    Runner
	origins   []string
	gatherer  prometheus.Gatherer
	baseCtx   context.Context
	heartbeat time.Duration

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigins sets the allowed CORS origins. Without it every origin is
// allowed.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithBaseContext sets the context background runs derive from. Cancelling
// it cancels every run started by the server.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// WithHeartbeat sets the keep-alive interval of event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// New creates a Server.
func New(st store.Store, runner Runner, opts ...Option) *Server {
	s := &Server{
		store:     st,
		runner:    runner,
		baseCtx:   context.Background(),
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until background runs started by the server have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/projects", func(r chi.Router) {
		r.Post("/", s.createProject)
		r.Get("/", s.listProjects)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Post("/run", s.runProject)
			r.Post("/cancel", s.cancelProject)
			r.Post("/revalidate", s.revalidateProject)
			r.Get("/tasks", s.listTasks)
			r.Get("/keywords", s.listKeywords)
			r.Get("/outcome", s.outcome)
			r.Get("/events", s.events)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createProjectRequest struct {
	Name          string `json:"name"`
	SiteURL       string `json:"site_url"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	FilterPattern string `json:"filter_pattern"`
	Language      string `json:"language"`
	Country       string `json:"country"`
}

func (req createProjectRequest) spec() (model.ProjectSpec, error) {
	start, err := time.Parse(time.DateOnly, req.StartDate)
	if err != nil {
		return model.ProjectSpec{}, resilience.InvalidInputf("start_date must be YYYY-MM-DD")
	}
	end, err := time.Parse(time.DateOnly, req.EndDate)
	if err != nil {
		return model.ProjectSpec{}, resilience.InvalidInputf("end_date must be YYYY-MM-DD")
	}
	return model.ProjectSpec{
		Name:          req.Name,
		SiteURL:       req.SiteURL,
		StartDate:     start,
		EndDate:       end,
		FilterPattern: req.FilterPattern,
		Language:      req.Language,
		Country:       req.Country,
	}, nil
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	p, err := s.store.CreateProject(r.Context(), spec)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	zap.L().Info("server: project created", zap.String("project_id", p.ID), zap.String("site_url", p.SiteURL))
	writeJSON(w, http.StatusCreated, p)
}

var projectStatuses = map[model.ProjectStatus]bool{
	model.ProjectStatusCreated:   true,
	model.ProjectStatusRunning:   true,
	model.ProjectStatusCompleted: true,
	model.ProjectStatusFailed:    true,
	model.ProjectStatusCancelled: true,
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ProjectFilter{Status: model.ProjectStatus(q.Get("status"))}
	if filter.Status != "" && !projectStatuses[filter.Status] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + q.Get("status")})
		return
	}
	var err error
	if filter.Limit, filter.Offset, err = paging(q.Get("limit"), q.Get("offset")); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	projects, err := s.store.ListProjects(r.Context(), filter)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if projects == nil {
		projects = []model.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

type projectResponse struct {
	*model.Project
	Progress float64 `json:"progress"`
	Running  bool    `json:"running"`
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, projectResponse{
		Project:  p,
		Progress: p.ProgressPercentage(),
		Running:  s.runner.Running(p.ID),
	})
}

func (s *Server) runProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, http.StatusConflict)
		return
	}
	if !p.Status.Runnable() || s.runner.Running(p.ID) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "project cannot be run",
			"status": string(p.Status),
		})
		return
	}

	s.background(func(ctx context.Context) {
		out, err := s.runner.RunProject(ctx, p.ID)
		if err != nil {
			zap.L().Error("server: project run failed",
				zap.String("project_id", p.ID),
				zap.String("kind", string(resilience.KindOf(err))),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("server: project run complete",
			zap.String("project_id", p.ID),
			zap.Int("aio_keywords", out.TriggeredKeywords),
		)
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"project_id": p.ID,
	})
}

func (s *Server) cancelProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runner.Cancel(r.Context(), id); err != nil {
		writeError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "cancelling",
		"project_id": id,
	})
}

func (s *Server) revalidateProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, http.StatusConflict)
		return
	}
	if p.Status == model.ProjectStatusRunning || s.runner.Running(p.ID) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "project is running",
			"status": string(p.Status),
		})
		return
	}

	s.background(func(ctx context.Context) {
		summary, err := s.runner.Revalidate(ctx, p.ID)
		if err != nil {
			zap.L().Error("server: revalidation failed", zap.String("project_id", p.ID), zap.Error(err))
			return
		}
		zap.L().Info("server: revalidation complete",
			zap.String("project_id", p.ID),
			zap.Int("validated", summary.TotalValidated),
			zap.Int("triggered", summary.TriggeredCount),
		)
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"project_id": p.ID,
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	tasks, err := s.store.ListStageTasks(r.Context(), id)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if tasks == nil {
		tasks = []model.StageTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) listKeywords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filter, err := keywordFilter(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	keywords, err := s.store.ListKeywords(r.Context(), id, filter)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if keywords == nil {
		keywords = []model.Keyword{}
	}
	writeJSON(w, http.StatusOK, keywords)
}

func keywordFilter(r *http.Request) (store.KeywordFilter, error) {
	q := r.URL.Query()
	var f store.KeywordFilter

	switch src := model.KeywordSource(q.Get("source")); src {
	case "", model.SourceExtraction, model.SourceExpansion:
		f.Source = src
	default:
		return f, resilience.InvalidInputf("unknown source %q", src)
	}
	switch order := store.KeywordOrder(q.Get("order")); order {
	case store.OrderByCreated, store.OrderByImpressions, store.OrderBySearchVolume:
		f.OrderBy = order
	default:
		return f, resilience.InvalidInputf("unknown order %q", order)
	}

	var err error
	if f.Unvalidated, err = flag(q.Get("unvalidated")); err != nil {
		return f, err
	}
	if f.Resolved, err = flag(q.Get("resolved")); err != nil {
		return f, err
	}
	f.Limit, f.Offset, err = paging(q.Get("limit"), q.Get("offset"))
	return f, err
}

func flag(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, resilience.InvalidInputf("invalid boolean %q", v)
	}
	return b, nil
}

func paging(limit, offset string) (int, int, error) {
	var l, o int
	var err error
	if limit != "" {
		if l, err = strconv.Atoi(limit); err != nil || l < 0 {
			return 0, 0, resilience.InvalidInputf("invalid limit %q", limit)
		}
	}
	if offset != "" {
		if o, err = strconv.Atoi(offset); err != nil || o < 0 {
			return 0, 0, resilience.InvalidInputf("invalid offset %q", offset)
		}
	}
	return l, o, nil
}

func (s *Server) outcome(w http.ResponseWriter, r *http.Request) {
	out, err := s.runner.Outcome(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// background runs fn on its own goroutine with the server's base context.
func (s *Server) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.baseCtx)
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

// writeError maps err to a status: missing records are 404, invalid input
// gets invalidStatus and everything else is a 500.
func writeError(w http.ResponseWriter, err error, invalidStatus int) {
	status := http.StatusInternalServerError
	switch {
	case eris.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case resilience.KindOf(err) == resilience.KindInvalidInput:
		status = invalidStatus
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("server: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
