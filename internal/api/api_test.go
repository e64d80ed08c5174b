package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ctfarena/ctfarena/internal/auth"
	"github.com/ctfarena/ctfarena/internal/duel"
	"github.com/ctfarena/ctfarena/internal/sandbox"
	"github.com/ctfarena/ctfarena/internal/session"
	"github.com/ctfarena/ctfarena/pkg/types"
)

const testAPIKey = "ops-key"

func newTestServer(t *testing.T) (*Server, *auth.JWTIssuer) {
	t.Helper()
	store := duel.NewMemStore()
	reg := session.NewRegistry(time.Hour, nil)
	mgr := sandbox.NewManager(nil, reg)
	svc := duel.NewService(duel.ServiceConfig{Store: store, Manager: mgr, Sessions: reg})
	issuer := auth.NewJWTIssuer("test-secret")

	return NewServer(Deps{
		Manager:   mgr,
		Sessions:  reg,
		Duels:     svc,
		Store:     store,
		Issuer:    issuer,
		APIKey:    testAPIKey,
		DuelImage: "ubuntu:22.04",
	}), issuer
}

func userToken(t *testing.T, issuer *auth.JWTIssuer, userID int64) string {
	t.Helper()
	tok, err := issuer.IssueUserToken(userID, false, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func doJSON(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func doAdmin(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

// waitForProvisioned polls until the background provisioner has moved
// the match out of the preparing state.
func waitForProvisioned(t *testing.T, s *Server, token string, matchID int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	path := fmt.Sprintf("/api/duels/matches/%d", matchID)
	for time.Now().Before(deadline) {
		rec := doJSON(s, http.MethodGet, path, token, "")
		var m types.Match
		if err := json.Unmarshal(rec.Body.Bytes(), &m); err == nil &&
			m.Status != types.MatchPreparing {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("match never left preparing state")
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(s, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(s, http.MethodGet, "/api/my-containers", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/api/my-containers", "not-a-jwt", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("garbage token: expected 403, got %d", rec.Code)
	}
}

func TestLaunchLabSimulatedFallback(t *testing.T) {
	s, issuer := newTestServer(t)
	tok := userToken(t, issuer, 7)

	rec := doJSON(s, http.MethodPost, "/api/lab/launch", tok, `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp types.LaunchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.SimulatedMode {
		t.Error("expected simulatedMode with no container runtime")
	}
	if resp.SessionID == 0 || resp.Token == "" {
		t.Errorf("expected session credentials, got %+v", resp)
	}
	if resp.ContainerID != "" {
		t.Errorf("expected no container id, got %s", resp.ContainerID)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	s, issuer := newTestServer(t)
	tok := userToken(t, issuer, 10)

	rec := doJSON(s, http.MethodPost, "/api/duels/queue/join", tok, `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(s, http.MethodPost, "/api/duels/queue/join", tok, `{}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("double join: expected 409, got %d", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/api/duels/queue/status", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var status types.QueueStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.InQueue {
		t.Error("expected to be queued")
	}

	rec = doJSON(s, http.MethodPost, "/api/duels/queue/leave", tok, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("leave: expected 204, got %d", rec.Code)
	}

	rec = doJSON(s, http.MethodPost, "/api/duels/queue/leave", tok, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("leave again: expected 404, got %d", rec.Code)
	}
}

func TestQueuePairingCreatesMatch(t *testing.T) {
	s, issuer := newTestServer(t)
	tok1 := userToken(t, issuer, 21)
	tok2 := userToken(t, issuer, 22)

	doJSON(s, http.MethodPost, "/api/duels/queue/join", tok1, `{}`)
	rec := doJSON(s, http.MethodPost, "/api/duels/queue/join", tok2, `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second join: expected 200, got %d", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/api/duels/queue/status", tok1, "")
	var status types.QueueStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.InQueue {
		t.Error("expected player dequeued after pairing")
	}
	if status.ActiveMatch == nil {
		t.Fatal("expected active match after pairing")
	}

	// Participants can fetch the match; an outsider cannot.
	path := fmt.Sprintf("/api/duels/matches/%d", status.ActiveMatch.ID)
	if rec := doJSON(s, http.MethodGet, path, tok2, ""); rec.Code != http.StatusOK {
		t.Errorf("participant fetch: expected 200, got %d", rec.Code)
	}
	outsider := userToken(t, issuer, 99)
	if rec := doJSON(s, http.MethodGet, path, outsider, ""); rec.Code != http.StatusForbidden {
		t.Errorf("outsider fetch: expected 403, got %d", rec.Code)
	}
}

func TestMatchSessionIssuesCredentials(t *testing.T) {
	s, issuer := newTestServer(t)
	tok1 := userToken(t, issuer, 31)
	tok2 := userToken(t, issuer, 32)

	doJSON(s, http.MethodPost, "/api/duels/queue/join", tok1, `{}`)
	doJSON(s, http.MethodPost, "/api/duels/queue/join", tok2, `{}`)

	rec := doJSON(s, http.MethodGet, "/api/duels/queue/status", tok1, "")
	var status types.QueueStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ActiveMatch == nil {
		t.Fatal("expected active match")
	}
	waitForProvisioned(t, s, tok1, status.ActiveMatch.ID)

	path := fmt.Sprintf("/api/duels/matches/%d/session", status.ActiveMatch.ID)
	rec = doJSON(s, http.MethodGet, path, tok1, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("session: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp types.LaunchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if resp.SessionID == 0 || resp.Token == "" {
		t.Errorf("expected credentials, got %+v", resp)
	}
	if !resp.SimulatedMode {
		t.Error("expected simulated mode with no runtime")
	}

	// Same match, same player: same session, not a new one.
	rec = doJSON(s, http.MethodGet, path, tok1, "")
	var again types.LaunchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if again.SessionID != resp.SessionID {
		t.Errorf("expected session %d reused, got %d", resp.SessionID, again.SessionID)
	}
}

func TestSetWinnerUpdatesStats(t *testing.T) {
	s, issuer := newTestServer(t)
	tok1 := userToken(t, issuer, 41)
	tok2 := userToken(t, issuer, 42)

	doJSON(s, http.MethodPost, "/api/duels/queue/join", tok1, `{}`)
	doJSON(s, http.MethodPost, "/api/duels/queue/join", tok2, `{}`)

	rec := doJSON(s, http.MethodGet, "/api/duels/queue/status", tok1, "")
	var status types.QueueStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ActiveMatch == nil {
		t.Fatal("expected active match")
	}
	matchID := status.ActiveMatch.ID
	p1 := status.ActiveMatch.Player1ID

	body := fmt.Sprintf(`{"winnerId": %d}`, p1)
	path := fmt.Sprintf("/api/duels/matches/%d/winner", matchID)
	rec = doJSON(s, http.MethodPost, path, tok1, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("set winner: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Resolving twice conflicts.
	rec = doJSON(s, http.MethodPost, path, tok1, body)
	if rec.Code != http.StatusConflict {
		t.Errorf("second resolve: expected 409, got %d", rec.Code)
	}

	winnerTok := tok1
	if p1 == 42 {
		winnerTok = tok2
	}
	rec = doJSON(s, http.MethodGet, "/api/duels/stats", winnerTok, "")
	var st types.DuelStats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Wins != 1 {
		t.Errorf("expected 1 win, got %d", st.Wins)
	}
	if st.Rating != types.DefaultRating+duel.DefaultScoreChange {
		t.Errorf("expected rating %d, got %d", types.DefaultRating+duel.DefaultScoreChange, st.Rating)
	}
}

func TestChallengeFlow(t *testing.T) {
	s, issuer := newTestServer(t)
	tok1 := userToken(t, issuer, 51)
	tok2 := userToken(t, issuer, 52)

	rec := doJSON(s, http.MethodPost, "/api/duels/challenges", tok1, `{"challengedId": 52}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("challenge: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var ch types.Challenge
	if err := json.Unmarshal(rec.Body.Bytes(), &ch); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}

	// Self-challenge is rejected.
	rec = doJSON(s, http.MethodPost, "/api/duels/challenges", tok1, `{"challengedId": 51}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("self challenge: expected 409, got %d", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/api/duels/challenges", tok2, "")
	var pending []types.Challenge
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending challenge, got %d", len(pending))
	}

	path := fmt.Sprintf("/api/duels/challenges/%d/respond", ch.ID)
	rec = doJSON(s, http.MethodPost, path, tok2, `{"accept": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var m types.Match
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode match: %v", err)
	}
	if !m.HasPlayer(51) || !m.HasPlayer(52) {
		t.Errorf("expected both players in match, got %+v", m)
	}
}

func TestAdminRoutes(t *testing.T) {
	s, issuer := newTestServer(t)

	// API key grants access.
	rec := doAdmin(s, http.MethodGet, "/api/admin/containers", "")
	if rec.Code != http.StatusOK {
		t.Errorf("api key: expected 200, got %d", rec.Code)
	}

	// Wrong key is rejected.
	req := httptest.NewRequest(http.MethodGet, "/api/admin/containers", nil)
	req.Header.Set("X-API-Key", "wrong")
	w := httptest.NewRecorder()
	s.Echo().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong key: expected 403, got %d", w.Code)
	}

	// Plain user JWT is not enough for admin routes.
	tok := userToken(t, issuer, 61)
	rec = doJSON(s, http.MethodGet, "/api/admin/containers", tok, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("user token: expected 403, got %d", rec.Code)
	}

	// Admin JWT works.
	adminTok, err := issuer.IssueUserToken(62, true, time.Hour)
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}
	rec = doJSON(s, http.MethodGet, "/api/admin/containers", adminTok, "")
	if rec.Code != http.StatusOK {
		t.Errorf("admin token: expected 200, got %d", rec.Code)
	}
}

func TestSimulateAndLeaderboard(t *testing.T) {
	s, issuer := newTestServer(t)

	rec := doAdmin(s, http.MethodPost, "/api/admin/duels/simulate",
		`{"player1Id": 71, "player2Id": 72, "winnerId": 71, "scoreChange": 50}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("simulate: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	tok := userToken(t, issuer, 71)
	rec = doJSON(s, http.MethodGet, "/api/leaderboard", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("leaderboard: expected 200, got %d", rec.Code)
	}
	var board []types.LeaderboardEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &board); err != nil {
		t.Fatalf("decode leaderboard: %v", err)
	}
	if len(board) < 2 {
		t.Fatalf("expected at least 2 entries, got %d", len(board))
	}
	if board[0].UserID != 71 || board[0].Rating != 1050 {
		t.Errorf("expected winner first with 1050, got %+v", board[0])
	}
}

func TestImageCatalog(t *testing.T) {
	s, issuer := newTestServer(t)

	rec := doAdmin(s, http.MethodPost, "/api/admin/images",
		`{"imageTag": "kalilinux/kali-rolling", "name": "Kali Rolling"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create image: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var img types.Image
	if err := json.Unmarshal(rec.Body.Bytes(), &img); err != nil {
		t.Fatalf("decode image: %v", err)
	}
	if !img.Enabled {
		t.Error("expected image enabled by default")
	}

	tok := userToken(t, issuer, 81)
	rec = doJSON(s, http.MethodGet, "/api/images", tok, "")
	var list []types.Image
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Tag != "kalilinux/kali-rolling" {
		t.Errorf("unexpected image list: %+v", list)
	}

	// Disable it and confirm it drops out of the player-facing list.
	path := fmt.Sprintf("/api/admin/images/%d", img.ID)
	rec = doAdmin(s, http.MethodPut, path, `{"enabled": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update image: expected 200, got %d", rec.Code)
	}
	rec = doJSON(s, http.MethodGet, "/api/images", tok, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected disabled image hidden, got %+v", list)
	}

	// Delete it for good.
	rec = doAdmin(s, http.MethodDelete, path, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete image: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec = doAdmin(s, http.MethodDelete, path, ""); rec.Code != http.StatusNotFound {
		t.Errorf("delete missing image: expected 404, got %d", rec.Code)
	}

	// Delete requires the admin surface.
	if rec = doJSON(s, http.MethodDelete, path, tok, ""); rec.Code == http.StatusNoContent {
		t.Error("player token deleted a catalog image")
	}
}

func TestCloseSessionOwnership(t *testing.T) {
	s, issuer := newTestServer(t)
	tok := userToken(t, issuer, 91)

	rec := doJSON(s, http.MethodPost, "/api/lab/launch", tok, `{}`)
	var resp types.LaunchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode launch: %v", err)
	}

	// Someone else cannot close it.
	other := userToken(t, issuer, 92)
	path := fmt.Sprintf("/api/terminal/sessions/%d/close", resp.SessionID)
	if rec := doJSON(s, http.MethodPost, path, other, ""); rec.Code != http.StatusNotFound {
		t.Errorf("foreign close: expected 404, got %d", rec.Code)
	}

	if rec := doJSON(s, http.MethodPost, path, tok, ""); rec.Code != http.StatusNoContent {
		t.Errorf("owner close: expected 204, got %d", rec.Code)
	}
}
