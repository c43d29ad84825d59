// Package httpapi serves the operational HTTP endpoints: health, counters,
// and session inspection and reset.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/m3rciful/convobot/core/dispatch"
	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/outbound"
	"github.com/m3rciful/convobot/core/session"
)

// Deps are the components the API reads. Nil sources are reported as absent.
type Deps struct {
	Dispatch func() dispatch.Stats
	Outbound func() outbound.Stats
	Sessions session.Store
}

// Server is the ops API.
type Server struct {
	deps Deps
	srv  *http.Server
}

// New builds the router.
func New(deps Deps) *Server {
	s := &Server{deps: deps}
	errLog := logger.Component("http")
	if errLog == nil {
		errLog = slog.Default()
	}
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(errLog.Handler(), slog.LevelError),
	}
	return s
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", s.health)
	r.Get("/stats", s.stats)
	r.Route("/sessions/{bot}/{user}", func(r chi.Router) {
		r.Get("/", s.getSession)
		r.Delete("/", s.resetSession)
	})
	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info(ctx, "http", "listen", slog.String("listen", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if l := logger.FromContext(r.Context()); l != nil {
			r = r.WithContext(logger.WithLogger(r.Context(), l.With("request_id", middleware.GetReqID(r.Context()))))
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug(r.Context(), "http", "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("code", ww.Status()),
			slog.Duration("duration", logger.Took(start)),
		)
	})
}
