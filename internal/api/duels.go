package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ctfarena/ctfarena/internal/auth"
	"github.com/ctfarena/ctfarena/pkg/types"
)

func paramID(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

func (s *Server) joinQueue(c echo.Context) error {
	userID, _ := auth.GetUserID(c)

	var prefs types.QueuePrefs
	if err := c.Bind(&prefs); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	entry, err := s.duels.JoinQueue(c.Request().Context(), userID, prefs)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (s *Server) leaveQueue(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	if !s.duels.LeaveQueue(userID) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "not in queue",
		})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) queueStatus(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	status, err := s.duels.QueueStatus(c.Request().Context(), userID)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) createChallenge(c echo.Context) error {
	userID, _ := auth.GetUserID(c)

	var req types.ChallengeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	ch, err := s.duels.Challenge(c.Request().Context(), userID, req)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusCreated, ch)
}

func (s *Server) listChallenges(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	list, err := s.duels.PendingChallenges(c.Request().Context(), userID)
	if err != nil {
		return errJSON(c, err)
	}
	if list == nil {
		list = []types.Challenge{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) respondChallenge(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	id, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid challenge id",
		})
	}

	var resp types.ChallengeResponse
	if err := c.Bind(&resp); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	m, err := s.duels.RespondChallenge(c.Request().Context(), id, userID, resp.Accept)
	if err != nil {
		return errJSON(c, err)
	}
	if m == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) myMatches(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	list, err := s.duels.MatchesFor(c.Request().Context(), userID, limit)
	if err != nil {
		return errJSON(c, err)
	}
	if list == nil {
		list = []types.Match{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getMatch(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	id, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid match id",
		})
	}

	m, err := s.duels.GetMatch(c.Request().Context(), id)
	if err != nil {
		return errJSON(c, err)
	}
	if !m.HasPlayer(userID) && !auth.IsAdmin(c) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "not a participant in this match",
		})
	}
	return c.JSON(http.StatusOK, m)
}

// matchSession hands the caller their terminal credentials for an
// active match.
func (s *Server) matchSession(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	id, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid match id",
		})
	}

	sess, err := s.duels.SessionFor(c.Request().Context(), id, userID)
	if err != nil {
		return errJSON(c, err)
	}
	resp := types.LaunchResponse{
		SessionID: sess.ID,
		Token:     sess.Token,
		MatchID:   id,
	}
	if sess.ContainerID != "" && sess.ContainerID != "pending" {
		resp.ContainerID = sess.ContainerID
	} else {
		resp.SimulatedMode = true
	}
	return c.JSON(http.StatusOK, resp)
}

// exportMatchLog streams the match's event log as zstd-compressed JSON
// lines.
func (s *Server) exportMatchLog(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	id, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid match id",
		})
	}
	ctx := c.Request().Context()

	m, err := s.duels.GetMatch(ctx, id)
	if err != nil {
		return errJSON(c, err)
	}
	if !m.HasPlayer(userID) && !auth.IsAdmin(c) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "not a participant in this match",
		})
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/zstd")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="match-`+strconv.FormatInt(id, 10)+`.jsonl.zst"`)
	c.Response().WriteHeader(http.StatusOK)
	return s.duels.Logs().Export(ctx, id, c.Response())
}

func (s *Server) setWinner(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	id, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid match id",
		})
	}

	var upd types.MatchStatusUpdate
	if err := c.Bind(&upd); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if upd.WinnerID == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "winnerId is required",
		})
	}
	score := 0
	if upd.ScoreChange != nil {
		score = *upd.ScoreChange
	}

	m, err := s.duels.SetWinner(c.Request().Context(), id, userID, *upd.WinnerID, score)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) cancelMatch(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	id, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid match id",
		})
	}

	m, err := s.duels.Cancel(c.Request().Context(), id, userID)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) overrideMatch(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid match id",
		})
	}

	var upd types.MatchStatusUpdate
	if err := c.Bind(&upd); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	m, err := s.duels.AdminOverride(c.Request().Context(), id, upd)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) simulateMatch(c echo.Context) error {
	var req types.SimulateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	m, err := s.duels.Simulate(c.Request().Context(), req)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) myStats(c echo.Context) error {
	userID, _ := auth.GetUserID(c)
	st, err := s.duels.Stats(c.Request().Context(), userID)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) userStats(c echo.Context) error {
	id, err := paramID(c, "userId")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid user id",
		})
	}
	st, err := s.duels.Stats(c.Request().Context(), id)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) leaderboard(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	board, err := s.duels.Leaderboard(c.Request().Context(), limit)
	if err != nil {
		return errJSON(c, err)
	}
	if board == nil {
		board = []types.LeaderboardEntry{}
	}
	return c.JSON(http.StatusOK, board)
}
