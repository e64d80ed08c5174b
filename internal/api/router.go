// Package api wires the HTTP surface of the arena server.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ctfarena/ctfarena/internal/auth"
	"github.com/ctfarena/ctfarena/internal/duel"
	"github.com/ctfarena/ctfarena/internal/engine"
	"github.com/ctfarena/ctfarena/internal/metrics"
	"github.com/ctfarena/ctfarena/internal/sandbox"
	"github.com/ctfarena/ctfarena/internal/session"
	"github.com/ctfarena/ctfarena/internal/terminal"
)

// Server holds the API server dependencies.
type Server struct {
	echo      *echo.Echo
	manager   *sandbox.Manager
	sessions  *session.Registry
	bridge    *terminal.Bridge
	duels     *duel.Service
	store     duel.Store
	duelImage string
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Manager   *sandbox.Manager
	Sessions  *session.Registry
	Duels     *duel.Service
	Store     duel.Store
	Issuer    *auth.JWTIssuer
	APIKey    string
	DuelImage string
}

// NewServer creates an API server with all routes configured.
func NewServer(d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		manager:   d.Manager,
		sessions:  d.Sessions,
		bridge:    terminal.NewBridge(d.Sessions, d.Manager.Attach),
		duels:     d.Duels,
		store:     d.Store,
		duelImage: d.DuelImage,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health and metrics (no auth)
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// The websocket endpoint authenticates with the session token itself;
	// browsers cannot attach Authorization headers to websocket upgrades.
	e.GET("/api/terminal/connect", s.terminalWebSocket)

	// User routes
	api := e.Group("/api")
	api.Use(auth.UserJWTMiddleware(d.Issuer))

	api.POST("/lab/launch", s.launchLab)
	api.GET("/lab/sessions", s.listLabSessions)
	api.POST("/terminal/connect/:containerId", s.connectExisting)
	api.POST("/terminal/sessions/:id/close", s.closeSession)
	api.GET("/my-containers", s.myContainers)

	api.POST("/duels/queue/join", s.joinQueue)
	api.POST("/duels/queue/leave", s.leaveQueue)
	api.GET("/duels/queue/status", s.queueStatus)

	api.POST("/duels/challenges", s.createChallenge)
	api.GET("/duels/challenges", s.listChallenges)
	api.POST("/duels/challenges/:id/respond", s.respondChallenge)

	api.GET("/duels/matches/my", s.myMatches)
	api.GET("/duels/matches/:id", s.getMatch)
	api.GET("/duels/matches/:id/session", s.matchSession)
	api.GET("/duels/matches/:id/log", s.exportMatchLog)
	api.POST("/duels/matches/:id/winner", s.setWinner)
	api.POST("/duels/matches/:id/cancel", s.cancelMatch)

	api.GET("/duels/stats", s.myStats)
	api.GET("/duels/stats/:userId", s.userStats)
	api.GET("/leaderboard", s.leaderboard)
	api.GET("/images", s.listImages)

	// Admin routes
	admin := e.Group("/api/admin")
	admin.Use(auth.AdminMiddleware(d.Issuer, d.APIKey))

	admin.GET("/containers", s.allContainers)
	admin.DELETE("/containers/:id", s.stopContainer)
	admin.PUT("/matches/:id/status", s.overrideMatch)
	admin.POST("/duels/simulate", s.simulateMatch)
	admin.POST("/images", s.createImage)
	admin.PUT("/images/:id", s.updateImage)
	admin.DELETE("/images/:id", s.deleteImage)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.echo.Close()
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func errJSON(c echo.Context, err error) error {
	return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, duel.ErrMatchNotFound),
		errors.Is(err, duel.ErrChallengeNotFound),
		errors.Is(err, duel.ErrImageNotFound),
		errors.Is(err, engine.ErrContainerNotFound):
		return http.StatusNotFound
	case errors.Is(err, duel.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, session.ErrSessionInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, duel.ErrInvalidWinner),
		errors.Is(err, engine.ErrImageInvalid):
		return http.StatusBadRequest
	case errors.Is(err, duel.ErrMatchFinished),
		errors.Is(err, duel.ErrAlreadyQueued),
		errors.Is(err, duel.ErrAlreadyInMatch),
		errors.Is(err, duel.ErrChallengeExists),
		errors.Is(err, duel.ErrChallengeClosed),
		errors.Is(err, duel.ErrSelfChallenge),
		errors.Is(err, engine.ErrContainerNotRunning):
		return http.StatusConflict
	case errors.Is(err, engine.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
