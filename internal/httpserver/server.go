package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/release-orchestrator/internal/auth"
	"github.com/ILLUVRSE/release-orchestrator/internal/conformance"
	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
	"github.com/ILLUVRSE/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/release-orchestrator/internal/release"
)

// Releaser is the part of release.Manager the API drives.
type Releaser interface {
	DeployWith(ctx context.Context, version, env string, opts release.DeployOptions) (models.DeploymentAttempt, error)
	Rollback(ctx context.Context, env string) (models.DeploymentAttempt, error)
	Status(ctx context.Context, env string) (release.Status, error)
	History(ctx context.Context, limit int) ([]models.DeploymentAttempt, error)
}

// Server exposes release operations over HTTP.
type Server struct {
	releases  Releaser
	validator *conformance.Validator
	project   billy.Filesystem
	verifier  *auth.Verifier
	log       logrus.FieldLogger
}

// New wires the API. project is the checkout validated by POST /validate.
func New(releases Releaser, validator *conformance.Validator, project billy.Filesystem, verifier *auth.Verifier, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{releases: releases, validator: validator, project: project, verifier: verifier, log: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/releases", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Second))
			r.Get("/status", s.handleStatus)
			r.Get("/history", s.handleHistory)
		})
		// Deploys run as long as the health gate needs; no route timeout.
		r.Group(func(r chi.Router) {
			r.Use(requireScope(auth.ScopeWrite))
			r.Post("/deploy", s.handleDeploy)
			r.Post("/rollback", s.handleRollback)
			r.Post("/validate", s.handleValidate)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.releases.Status(r.Context(), r.URL.Query().Get("environment"))
	if err != nil {
		respondKinded(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	attempts, err := s.releases.History(r.Context(), limit)
	if err != nil {
		respondKinded(w, err, nil)
		return
	}
	if attempts == nil {
		attempts = []models.DeploymentAttempt{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

type deployRequest struct {
	Version     string `json:"version"`
	Environment string `json:"environment"`
	SkipBackup  bool   `json:"skip_backup"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Environment == "" {
		respondError(w, http.StatusBadRequest, "environment required")
		return
	}
	att, err := s.releases.DeployWith(r.Context(), req.Version, req.Environment, release.DeployOptions{SkipBackup: req.SkipBackup})
	if err != nil {
		respondKinded(w, err, &att)
		return
	}
	respondJSON(w, http.StatusOK, att)
}

type rollbackRequest struct {
	Environment string `json:"environment"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	att, err := s.releases.Rollback(r.Context(), req.Environment)
	if err != nil {
		respondKinded(w, err, &att)
		return
	}
	respondJSON(w, http.StatusOK, att)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil || s.project == nil {
		respondError(w, http.StatusNotImplemented, "validation not configured")
		return
	}
	rep, err := s.validator.ValidateFS(s.project)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if !rep.Passed() {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, rep)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			respondError(w, http.StatusUnauthorized, "authentication not configured")
			return
		}
		p, err := s.verifier.VerifyRequest(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.FromContext(r.Context())
			if !ok || !p.HasScope(scope) {
				respondError(w, http.StatusForbidden, auth.ErrForbidden.Error()+": "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
			"request":  middleware.GetReqID(r.Context()),
		}).Info("http request")
	})
}

// StatusFor maps an orchestration error onto an HTTP status.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindDeploymentInProgress, errs.KindNoRollbackTarget:
		return http.StatusConflict
	case errs.KindValidation, errs.KindPortConflict:
		return http.StatusUnprocessableEntity
	case errs.KindHealthCheck:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) {
		return 499
	}
	return http.StatusInternalServerError
}

func respondKinded(w http.ResponseWriter, err error, att *models.DeploymentAttempt) {
	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  errs.KindOf(err),
	}
	if att != nil && att.Outcome != "" {
		body["attempt"] = att
	}
	respondJSON(w, StatusFor(err), body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
