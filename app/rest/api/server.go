// Package api provides admin HTTP API to run and watch migrations
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth_chi"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vdimir/esmigrate/app/reindex"
	"github.com/vdimir/esmigrate/app/reindex/types"
)

// Migrator is the set of orchestrator operations exposed by API
type Migrator interface {
	MigrateSchema(ctx context.Context, req reindex.MigrateRequest) (reindex.MigrationReport, error)
	AwaitMigration(ctx context.Context, taskID string, timeout time.Duration, onProgress func(types.Progress)) (reindex.AwaitReport, error)
	Cutover(ctx context.Context, p reindex.CutoverParams) (reindex.CutoverResult, error)
	Rollback(ctx context.Context, logical, previous string) (reindex.CutoverResult, error)
	Retire(ctx context.Context, logical, name string) error
	Status(ctx context.Context, logical string) (reindex.StatusReport, error)
}

// Rest is admin API server
type Rest struct {
	Migrator     Migrator
	Version      string
	AwaitDefault time.Duration
	AwaitMax     time.Duration
	RateLimit    float64 // requests per second from one client

	httpServer *http.Server
	lock       sync.Mutex
}

type migrateRequest struct {
	Logical  string                       `json:"logical"`
	Fields   map[string]types.FieldChange `json:"fields"`
	Strategy string                       `json:"strategy,omitempty"`
	Wait     string                       `json:"wait,omitempty"`
}

type cutoverRequest struct {
	Logical   string `json:"logical"`
	Candidate string `json:"candidate"`
	DeleteOld bool   `json:"delete_old"`
	Grace     string `json:"grace,omitempty"`
}

type rollbackRequest struct {
	Logical  string `json:"logical"`
	Previous string `json:"previous,omitempty"`
}

// Run the listener and request's router, blocks until ctx is done
func (s *Rest) Run(ctx context.Context, address string, port int) error {
	if address == "*" {
		address = ""
	}
	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", address, port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	srv := s.httpServer
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	log.Printf("[INFO] activate admin api on %s", srv.Addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Wrap(err, "admin api failed")
}

// Shutdown rest http server
func (s *Rest) Shutdown() {
	log.Print("[WARN] shutdown admin api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[DEBUG] admin api shutdown error, %s", err)
		}
	}
}

func (s *Rest) routes() chi.Router {
	if s.AwaitDefault <= 0 {
		s.AwaitDefault = 30 * time.Second
	}
	if s.AwaitMax <= 0 {
		s.AwaitMax = 5 * time.Minute
	}
	if s.RateLimit <= 0 {
		s.RateLimit = 10
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP, middleware.Recoverer)
	router.Use(rest.AppInfo("esmigrate", "vdimir", s.Version), rest.Ping)
	router.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(s.RateLimit, nil)))

	router.Handle("/metrics", promhttp.Handler())
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Post("/migrations", s.migrateCtrl)
		r.Get("/tasks/{id}", s.awaitCtrl)
		r.Post("/cutover", s.cutoverCtrl)
		r.Post("/rollback", s.rollbackCtrl)
		r.Delete("/generations/{logical}/{name}", s.retireCtrl)
		r.Get("/status/{logical}", s.statusCtrl)
	})
	return router
}

// POST /api/v1/migrations
func (s *Rest) migrateCtrl(w http.ResponseWriter, r *http.Request) {
	req := migrateRequest{}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		sendErrorJSON(w, r, http.StatusBadRequest, err, "can't decode migration request")
		return
	}
	strategy, err := types.ParseStrategy(req.Strategy)
	if err != nil {
		sendErrorJSON(w, r, http.StatusBadRequest, err, "bad strategy")
		return
	}
	wait, err := parseDuration(req.Wait)
	if err != nil {
		sendErrorJSON(w, r, http.StatusBadRequest, err, "bad wait duration")
		return
	}
	if wait > s.AwaitMax {
		wait = s.AwaitMax
	}

	report, err := s.Migrator.MigrateSchema(r.Context(),
		reindex.MigrateRequest{Logical: req.Logical, Fields: req.Fields, Strategy: strategy, Wait: wait})
	if err != nil {
		sendErrorJSON(w, r, errorStatus(err), err, "migration failed, live generation is "+report.Live)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, report)
}

// GET /api/v1/tasks/{id}?timeout=30s
func (s *Rest) awaitCtrl(w http.ResponseWriter, r *http.Request) {
	timeout := s.AwaitDefault
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			sendErrorJSON(w, r, http.StatusBadRequest, errors.Errorf("invalid timeout %q", t), "bad timeout")
			return
		}
		timeout = d
	}
	if timeout > s.AwaitMax {
		timeout = s.AwaitMax
	}

	report, err := s.Migrator.AwaitMigration(r.Context(), chi.URLParam(r, "id"), timeout, nil)
	if err != nil {
		sendErrorJSON(w, r, errorStatus(err), err, "can't wait for task")
		return
	}
	render.JSON(w, r, report)
}

// POST /api/v1/cutover
func (s *Rest) cutoverCtrl(w http.ResponseWriter, r *http.Request) {
	req := cutoverRequest{}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		sendErrorJSON(w, r, http.StatusBadRequest, err, "can't decode cutover request")
		return
	}
	grace, err := parseDuration(req.Grace)
	if err != nil {
		sendErrorJSON(w, r, http.StatusBadRequest, err, "bad grace duration")
		return
	}
	if grace > s.AwaitMax {
		sendErrorJSON(w, r, http.StatusBadRequest, errors.Errorf("grace %v is above %v", grace, s.AwaitMax),
			"bad grace duration, retire the old generation separately")
		return
	}
	res, err := s.Migrator.Cutover(r.Context(),
		reindex.CutoverParams{Logical: req.Logical, Candidate: req.Candidate, DeleteOld: req.DeleteOld, Grace: grace})
	if err != nil {
		sendErrorJSON(w, r, errorStatus(err), err, "cutover failed, live generation is "+res.Live)
		return
	}
	render.JSON(w, r, res)
}

// POST /api/v1/rollback
func (s *Rest) rollbackCtrl(w http.ResponseWriter, r *http.Request) {
	req := rollbackRequest{}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		sendErrorJSON(w, r, http.StatusBadRequest, err, "can't decode rollback request")
		return
	}
	res, err := s.Migrator.Rollback(r.Context(), req.Logical, req.Previous)
	if err != nil {
		sendErrorJSON(w, r, errorStatus(err), err, "rollback failed, live generation is "+res.Live)
		return
	}
	render.JSON(w, r, res)
}

// DELETE /api/v1/generations/{logical}/{name}
func (s *Rest) retireCtrl(w http.ResponseWriter, r *http.Request) {
	logical, name := chi.URLParam(r, "logical"), chi.URLParam(r, "name")
	if err := s.Migrator.Retire(r.Context(), logical, name); err != nil {
		sendErrorJSON(w, r, errorStatus(err), err, "can't retire "+name)
		return
	}
	render.JSON(w, r, rest.JSON{"logical": logical, "deleted": name})
}

// GET /api/v1/status/{logical}
func (s *Rest) statusCtrl(w http.ResponseWriter, r *http.Request) {
	res, err := s.Migrator.Status(r.Context(), chi.URLParam(r, "logical"))
	if err != nil {
		sendErrorJSON(w, r, errorStatus(err), err, "can't get status")
		return
	}
	render.JSON(w, r, res)
}

func sendErrorJSON(w http.ResponseWriter, r *http.Request, code int, err error, details string) {
	log.Printf("[WARN] %s %s - %d - %s - %v", r.Method, r.URL.Path, code, strings.TrimSpace(details), err)
	render.Status(r, code)
	render.JSON(w, r, rest.JSON{"error": err.Error(), "details": details})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidRequest), errors.Is(err, types.ErrNothingToDo):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrAlreadyExists), errors.Is(err, types.ErrTypeConflict),
		errors.Is(err, types.ErrPrecondition), errors.Is(err, types.ErrGenerationGone),
		errors.Is(err, types.ErrMigrationInProgress):
		return http.StatusConflict
	case errors.Is(err, types.ErrEngineRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(types.ErrInvalidRequest, "invalid duration %q", s)
	}
	return d, nil
}
