// Package api exposes the purchase handlers over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/command"
	"github.com/kostush/purchase-gateway-sub010/token"
)

// Executor is satisfied by every command handler.
type Executor interface {
	Execute(ctx context.Context, cmd any) (command.Result, error)
}

type Handlers struct {
	Init               Executor
	Process            Executor
	LookupThreeD       Executor
	CompleteThreeD     Executor
	SimplifiedComplete Executor
	ThirdPartyReturn   Executor
	ThirdPartyPostback Executor
}

// NewHandlers builds every command handler over the same dependencies.
func NewHandlers(d command.Deps) Handlers {
	return Handlers{
		Init:               command.NewInitHandler(d),
		Process:            command.NewProcessHandler(d),
		LookupThreeD:       command.NewLookupThreeDHandler(d),
		CompleteThreeD:     command.NewCompleteThreeDHandler(d),
		SimplifiedComplete: command.NewSimplifiedCompleteThreeDHandler(d),
		ThirdPartyReturn:   command.NewThirdPartyReturnHandler(d),
		ThirdPartyPostback: command.NewThirdPartyPostbackHandler(d),
	}
}

type Server struct {
	handlers Handlers
	tokens   *token.Issuer
	logger   *slog.Logger
}

func NewServer(h Handlers, tokens *token.Issuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handlers: h, tokens: tokens, logger: logger}
}

type ctxKey string

const ctxKeySessionID ctxKey = "session_id"

// Routes returns the HTTP handler for the purchase API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1/purchase", func(r chi.Router) {
		r.Post("/init", s.handleInit)

		r.Group(func(r chi.Router) {
			r.Use(s.bearerSession)
			r.Post("/process", s.handleProcess)
			r.Post("/threed/lookup", s.handleLookup)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.pathSession)
			r.Post("/threed/complete/{token}", s.handleComplete)
			r.Get("/threed/simplified-complete/{token}", s.handleSimplifiedComplete)
			r.Get("/thirdparty/return/{token}", s.handleReturn)
			r.Post("/thirdparty/return/{token}", s.handleReturn)
			r.Post("/thirdparty/postback/{token}", s.handlePostback)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// bearerSession resolves the session from the Authorization header.
func (s *Server) bearerSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		s.withSession(w, r, next, raw)
	})
}

// pathSession resolves the session from the token embedded in callback URLs.
func (s *Server) pathSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.withSession(w, r, next, chi.URLParam(r, "token"))
	})
}

func (s *Server) withSession(w http.ResponseWriter, r *http.Request, next http.Handler, raw string) {
	id, err := s.tokens.Verify(raw)
	if err != nil {
		s.logger.InfoContext(r.Context(), "rejected session token", "path", r.URL.Path, "error", err)
		writeProblem(w, http.StatusUnauthorized, "unauthorized", "invalid session token")
		return
	}
	ctx := context.WithValue(r.Context(), ctxKeySessionID, id)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func sessionFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxKeySessionID).(uuid.UUID)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
