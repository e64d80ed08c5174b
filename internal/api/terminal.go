package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ctfarena/ctfarena/internal/auth"
	"github.com/ctfarena/ctfarena/internal/sandbox"
	"github.com/ctfarena/ctfarena/internal/session"
	"github.com/ctfarena/ctfarena/pkg/types"
)

// launchLab provisions a personal sandbox container and mints a terminal
// session. When the runtime is unavailable the session is still issued
// and the client gets simulatedMode.
func (s *Server) launchLab(c echo.Context) error {
	userID, _ := auth.GetUserID(c)

	var req types.LaunchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	ctx := c.Request().Context()

	image := s.duelImage
	if req.ImageID != 0 {
		img, err := s.store.GetImage(ctx, req.ImageID)
		if err != nil {
			return errJSON(c, err)
		}
		if !img.Enabled {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "image is disabled",
			})
		}
		image = img.Tag
	}

	sess := s.sessions.CreatePending(ctx, userID, 0)
	resp := types.LaunchResponse{
		SessionID: sess.ID,
		Token:     sess.Token,
	}

	info, err := s.manager.Create(ctx, image, sandbox.Owner{
		UserID: userID, SessionID: sess.ID,
	})
	if err != nil {
		log.Printf("api: lab launch for user %d: %v", userID, err)
		resp.SimulatedMode = true
		return c.JSON(http.StatusOK, resp)
	}

	s.sessions.BindContainer(ctx, sess.ID, info.ID)
	resp.ContainerID = info.ID
	return c.JSON(http.StatusOK, resp)
}

// listLabSessions returns the caller's live lab sessions.
func (s *Server) listLabSessions(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	sessions := s.sessions.ActiveLabSessions(userID)
	if sessions == nil {
		sessions = []types.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// connectExisting mints a session for a container the caller already
// owns, instead of spawning a duplicate.
func (s *Server) connectExisting(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	containerID := c.Param("containerId")
	ctx := c.Request().Context()

	info, ok := s.manager.Tracked(containerID)
	if !ok || (info.UserID != userID && !auth.IsAdmin(c)) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "container not found",
		})
	}

	sess, err := s.sessions.Create(ctx, containerID, userID, info.MatchID)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, types.LaunchResponse{
		SessionID:   sess.ID,
		Token:       sess.Token,
		ContainerID: containerID,
		MatchID:     info.MatchID,
	})
}

// terminalWebSocket is the streaming endpoint; the bridge validates the
// session credentials carried in the query string.
func (s *Server) terminalWebSocket(c echo.Context) error {
	return s.bridge.Handle(c.Response(), c.Request())
}

// closeSession invalidates one of the caller's sessions.
func (s *Server) closeSession(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid session id",
		})
	}

	sess, err := s.sessions.Get(id)
	if err != nil || sess.UserID != userID {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "session not found",
		})
	}
	ctx := c.Request().Context()
	s.sessions.Close(ctx, id)
	// Duel containers outlive their sessions (reconnects); lab
	// containers go down with the session.
	if sess.MatchID == 0 && sess.ContainerID != "" && sess.ContainerID != session.PendingContainer {
		s.manager.Stop(ctx, sess.ContainerID)
	}
	return c.NoContent(http.StatusNoContent)
}

// myContainers lists the caller's containers, running or not.
func (s *Server) myContainers(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	list, err := s.manager.ListForUser(c.Request().Context(), userID)
	if err != nil {
		return errJSON(c, err)
	}
	if list == nil {
		list = []types.ContainerInfo{}
	}
	return c.JSON(http.StatusOK, list)
}

// allContainers lists every arena container (admin).
func (s *Server) allContainers(c echo.Context) error {
	list, err := s.manager.ListOwned(c.Request().Context(), true)
	if err != nil {
		return errJSON(c, err)
	}
	if list == nil {
		list = []types.ContainerInfo{}
	}
	return c.JSON(http.StatusOK, list)
}

// stopContainer force-stops a container (admin).
func (s *Server) stopContainer(c echo.Context) error {
	if !s.manager.Stop(c.Request().Context(), c.Param("id")) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "container not found",
		})
	}
	return c.NoContent(http.StatusNoContent)
}
