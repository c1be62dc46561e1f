package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/yosyus-Yo/Realtutor/internal/rtc"
	"github.com/yosyus-Yo/Realtutor/internal/session"
	"github.com/yosyus-Yo/Realtutor/internal/store"
)

// Server bundles the HTTP router and its dependencies.
type Server struct {
	echo         *echo.Echo
	store        session.Store
	authPassword string
}

// New constructs the HTTP server with routes: health, WebRTC signaling, and
// a read API over persisted sessions.
func New(h *rtc.Handler, st session.Store, authPassword string) *Server {
	s := &Server{echo: newRouter(), store: st, authPassword: authPassword}

	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// WebSocket signaling; auth is enforced inside the handler so the
	// first-frame auth fallback keeps working.
	s.echo.GET("/session", func(c echo.Context) error {
		h.ServeWebSocket(c.Response(), c.Request())
		return nil
	})

	api := s.echo.Group("/api", s.requireAuth)
	api.GET("/sessions/:id", s.getSession)
	api.GET("/users/:id/sessions", s.listSessions)

	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.echo }

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error { return s.echo.Start(addr) }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !authOK(c.Request(), s.authPassword) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) getSession(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "no store configured"})
	}
	snap, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, snap)
}

// sessionLister is implemented by both store backends.
type sessionLister interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*session.Snapshot, error)
}

func (s *Server) listSessions(c echo.Context) error {
	lister, ok := s.store.(sessionLister)
	if !ok {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "store does not support listing"})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	snaps, err := lister.ListByUser(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if snaps == nil {
		snaps = []*session.Snapshot{}
	}
	return c.JSON(http.StatusOK, snaps)
}

// authOK accepts ?password=, Authorization: Bearer, or X-Auth-Token. An empty
// expected password disables auth.
func authOK(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
