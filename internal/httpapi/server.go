package httpapi

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"bastion/internal/ban"
	"bastion/internal/health"
	"bastion/internal/logging"
)

// BanControl is the supervisor-side surface the admin API drives. The sync
// server implements it; manual bans travel the same broadcast path as
// heuristic ones.
type BanControl interface {
	ApplyAndBroadcast(ctx context.Context, e ban.Entry)
	Lift(ctx context.Context, sourceKey string) bool
}

// Server is the supervisor's admin API. It serves operators, never
// application traffic.
type Server struct {
	log        *logging.Logger
	store      *ban.Store
	control    BanControl
	sqlDB      *sql.DB
	r          chi.Router
	adminToken string
	now        func() time.Time
}

const maxRequestBodyBytes int64 = 1 << 20 // 1 MiB

func NewServer(log *logging.Logger, store *ban.Store, control BanControl, conn *sql.DB, adminToken string) *Server {
	s := &Server{
		log:        log,
		store:      store,
		control:    control,
		sqlDB:      conn,
		r:          chi.NewRouter(),
		adminToken: strings.TrimSpace(adminToken),
		now:        time.Now,
	}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) routes() {
	s.r.Use(middleware.RequestID)
	s.r.Use(s.loggingMiddleware)
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/readyz", s.handleReady)
	s.r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Route("/bans", func(r chi.Router) {
			r.Get("/", s.handleListBans)
			r.Post("/", s.handleCreateBan)
			r.Delete("/{sourceKey}", s.handleDeleteBan)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
		if token == "" {
			token = strings.TrimSpace(r.Header.Get("X-API-Key"))
		}
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		logger := s.log.WithRequestID(reqID)
		ctx := logging.ContextWithLogger(r.Context(), logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := health.ReadyCheck(ctx, s.sqlDB); err != nil {
		s.log.WithRequestID(middleware.GetReqID(r.Context())).Error("readyz failed", "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, "not ready", map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListBans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Active(s.now()))
}

type createBanRequest struct {
	SourceKey       string `json:"source_key"`
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason"`
}

func (req createBanRequest) Validate() map[string]string {
	problems := make(map[string]string)
	if strings.TrimSpace(req.SourceKey) == "" {
		problems["source_key"] = "required"
	}
	if req.DurationSeconds <= 0 {
		problems["duration_seconds"] = "must be positive"
	}
	return problems
}

func (s *Server) handleCreateBan(w http.ResponseWriter, r *http.Request) {
	var req createBanRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if problems := req.Validate(); len(problems) > 0 {
		writeError(w, http.StatusBadRequest, "invalid payload", problems)
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual ban"
	}
	entry := ban.Entry{
		ID:        uuid.NewString(),
		SourceKey: strings.TrimSpace(req.SourceKey),
		ExpiresAt: s.now().Add(time.Duration(req.DurationSeconds) * time.Second),
		Reason:    reason,
	}
	s.control.ApplyAndBroadcast(r.Context(), entry)
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDeleteBan(w http.ResponseWriter, r *http.Request) {
	sourceKey := chi.URLParam(r, "sourceKey")
	if sourceKey == "" {
		writeError(w, http.StatusBadRequest, "source key required", nil)
		return
	}
	if !s.control.Lift(r.Context(), sourceKey) {
		writeError(w, http.StatusNotFound, "no active ban for source", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected trailing data in request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, details map[string]string) {
	payload := map[string]any{"error": message}
	if len(details) > 0 {
		payload["details"] = details
	}
	writeJSON(w, status, payload)
}
