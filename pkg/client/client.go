package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ctfarena/ctfarena/pkg/types"
)

// Client is an HTTP client for the CTF Arena API.
type Client struct {
	baseURL    string
	token      string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an arena API client authenticating with a user JWT.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewAdminClient creates an arena API client authenticating with the
// operator API key.
func NewAdminClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TerminalURL builds the websocket URL for a terminal session.
func (c *Client) TerminalURL(sessionID int64, token string) string {
	wsBase := strings.Replace(c.baseURL, "http", "ws", 1)
	q := url.Values{}
	q.Set("sessionId", strconv.FormatInt(sessionID, 10))
	q.Set("token", token)
	return wsBase + "/api/terminal/connect?" + q.Encode()
}

// doRequest performs an HTTP request with the client's credentials.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

// LaunchLab provisions a sandbox container and terminal session. Pass
// imageID 0 for the default image.
func (c *Client) LaunchLab(ctx context.Context, imageID int64) (*types.LaunchResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/lab/launch", types.LaunchRequest{ImageID: imageID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var launch types.LaunchResponse
	if err := json.NewDecoder(resp.Body).Decode(&launch); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &launch, nil
}

// ListLabSessions lists the caller's live lab sessions.
func (c *Client) ListLabSessions(ctx context.Context) ([]types.Session, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/lab/sessions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var sessions []types.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return sessions, nil
}

// ConnectContainer mints a fresh session for a container the caller
// already owns.
func (c *Client) ConnectContainer(ctx context.Context, containerID string) (*types.LaunchResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/terminal/connect/%s", containerID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var launch types.LaunchResponse
	if err := json.NewDecoder(resp.Body).Decode(&launch); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &launch, nil
}

// CloseSession invalidates one of the caller's sessions.
func (c *Client) CloseSession(ctx context.Context, sessionID int64) error {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/terminal/sessions/%d/close", sessionID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return nil
}

// MyContainers lists the caller's containers.
func (c *Client) MyContainers(ctx context.Context) ([]types.ContainerInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/my-containers", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var containers []types.ContainerInfo
	if err := json.NewDecoder(resp.Body).Decode(&containers); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return containers, nil
}

// JoinQueue enters the matchmaking queue.
func (c *Client) JoinQueue(ctx context.Context, prefs types.QueuePrefs) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/duels/queue/join", prefs)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return nil
}

// LeaveQueue leaves the matchmaking queue.
func (c *Client) LeaveQueue(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/duels/queue/leave", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return nil
}

// QueueStatus reports whether the caller is queued or matched.
func (c *Client) QueueStatus(ctx context.Context) (*types.QueueStatusResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/duels/queue/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var status types.QueueStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &status, nil
}

// CreateChallenge challenges another player directly.
func (c *Client) CreateChallenge(ctx context.Context, challengedID int64) (*types.Challenge, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/duels/challenges", types.ChallengeRequest{ChallengedID: challengedID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var challenge types.Challenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &challenge, nil
}

// ListChallenges lists challenges pending against the caller.
func (c *Client) ListChallenges(ctx context.Context) ([]types.Challenge, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/duels/challenges", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var challenges []types.Challenge
	if err := json.NewDecoder(resp.Body).Decode(&challenges); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return challenges, nil
}

// RespondChallenge answers a pending challenge. A nil match means the
// challenge was declined.
func (c *Client) RespondChallenge(ctx context.Context, challengeID int64, accept bool) (*types.Match, error) {
	resp, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/duels/challenges/%d/respond", challengeID),
		types.ChallengeResponse{Accept: accept})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var match types.Match
	if err := json.NewDecoder(resp.Body).Decode(&match); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &match, nil
}

// MyMatches lists the caller's recent matches.
func (c *Client) MyMatches(ctx context.Context, limit int) ([]types.Match, error) {
	path := "/api/duels/matches/my"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var matches []types.Match
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return matches, nil
}

// GetMatch fetches a match by ID.
func (c *Client) GetMatch(ctx context.Context, matchID int64) (*types.Match, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/duels/matches/%d", matchID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var match types.Match
	if err := json.NewDecoder(resp.Body).Decode(&match); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &match, nil
}

// MatchSession fetches the caller's terminal credentials for a match.
func (c *Client) MatchSession(ctx context.Context, matchID int64) (*types.LaunchResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/duels/matches/%d/session", matchID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var launch types.LaunchResponse
	if err := json.NewDecoder(resp.Body).Decode(&launch); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &launch, nil
}

// ExportMatchLog streams the zstd-compressed match log into w.
func (c *Client) ExportMatchLog(ctx context.Context, matchID int64, w io.Writer) error {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/duels/matches/%d/log", matchID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read log stream: %w", err)
	}

	return nil
}

// ReportWinner resolves a match. Pass scoreChange 0 for the default.
func (c *Client) ReportWinner(ctx context.Context, matchID, winnerID int64, scoreChange int) (*types.Match, error) {
	upd := types.MatchStatusUpdate{WinnerID: &winnerID}
	if scoreChange > 0 {
		upd.ScoreChange = &scoreChange
	}
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/duels/matches/%d/winner", matchID), upd)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var match types.Match
	if err := json.NewDecoder(resp.Body).Decode(&match); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &match, nil
}

// CancelMatch cancels an unresolved match.
func (c *Client) CancelMatch(ctx context.Context, matchID int64) (*types.Match, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/duels/matches/%d/cancel", matchID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var match types.Match
	if err := json.NewDecoder(resp.Body).Decode(&match); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &match, nil
}

// MyStats fetches the caller's duel record.
func (c *Client) MyStats(ctx context.Context) (*types.DuelStats, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/duels/stats", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var stats types.DuelStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &stats, nil
}

// Leaderboard fetches the top-rated players.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]types.LeaderboardEntry, error) {
	path := "/api/leaderboard"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var board []types.LeaderboardEntry
	if err := json.NewDecoder(resp.Body).Decode(&board); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return board, nil
}

// ListImages fetches the enabled image catalog.
func (c *Client) ListImages(ctx context.Context) ([]types.Image, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/images", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var images []types.Image
	if err := json.NewDecoder(resp.Body).Decode(&images); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return images, nil
}

// ListAllContainers lists every arena container (admin).
func (c *Client) ListAllContainers(ctx context.Context) ([]types.ContainerInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/admin/containers", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var containers []types.ContainerInfo
	if err := json.NewDecoder(resp.Body).Decode(&containers); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return containers, nil
}

// StopContainer force-stops a container (admin).
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/admin/containers/%s", containerID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return nil
}

// OverrideMatch force-sets a match outcome (admin).
func (c *Client) OverrideMatch(ctx context.Context, matchID int64, upd types.MatchStatusUpdate) (*types.Match, error) {
	resp, err := c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/api/admin/matches/%d/status", matchID), upd)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var match types.Match
	if err := json.NewDecoder(resp.Body).Decode(&match); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &match, nil
}
