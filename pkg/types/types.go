// Package types holds the shared entity and API types for the arena.
package types

import "time"

// ContainerStatus is the lifecycle state of a sandbox container as
// reported by the engine.
type ContainerStatus string

const (
	ContainerCreated  ContainerStatus = "created"
	ContainerRunning  ContainerStatus = "running"
	ContainerExited   ContainerStatus = "exited"
	ContainerNotFound ContainerStatus = "not_found"
)

// Ownership labels applied to every container the arena creates.
// Enumeration of "our" containers always filters on LabelApp first.
const (
	LabelApp       = "app"
	LabelAppValue  = "ctfarena"
	LabelUserID    = "user_id"
	LabelMatchID   = "match_id"
	LabelSessionID = "session_id"
)

// ContainerInfo describes one sandbox container owned by the arena.
type ContainerInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Status    ContainerStatus   `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	IPAddress string            `json:"ipAddress,omitempty"`
	UserID    int64             `json:"userId"`
	MatchID   int64             `json:"matchId"`
	SessionID int64             `json:"sessionId"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Session authorizes streaming with one container for a bounded time.
// The token is never derivable from the session ID.
type Session struct {
	ID             int64     `json:"sessionId"`
	Token          string    `json:"token"`
	ContainerID    string    `json:"containerId"`
	UserID         int64     `json:"userId"`
	MatchID        int64     `json:"matchId"` // 0 for lab sessions
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Active         bool      `json:"active"`
}

// QueueStatus is the state of a matchmaking queue entry.
type QueueStatus string

const (
	QueueWaiting  QueueStatus = "waiting"
	QueueMatching QueueStatus = "matching"
)

// QueueEntry is a user's standing request to be paired into a duel.
// At most one live entry exists per user.
type QueueEntry struct {
	UserID                 int64       `json:"userId"`
	JoinedAt               time.Time   `json:"joinedAt"`
	Status                 QueueStatus `json:"status"`
	PreferredDifficulty    string      `json:"preferredDifficulty"`
	PreferredChallengeType string      `json:"preferredChallengeType"`
	ExpiresAt              time.Time   `json:"expiresAt"`
}

// MatchStatus is a duel match's state machine position.
type MatchStatus string

const (
	MatchPreparing      MatchStatus = "preparing"
	MatchInProgress     MatchStatus = "in_progress"
	MatchPlayer1Victory MatchStatus = "player1_victory"
	MatchPlayer2Victory MatchStatus = "player2_victory"
	MatchDraw           MatchStatus = "draw"
	MatchCancelled      MatchStatus = "cancelled"
)

// Terminal reports whether a match status admits no further transitions
// (log appends excepted).
func (s MatchStatus) Terminal() bool {
	switch s {
	case MatchPlayer1Victory, MatchPlayer2Victory, MatchDraw, MatchCancelled:
		return true
	}
	return false
}

// Active reports whether a match in this status counts as the player's
// current match.
func (s MatchStatus) Active() bool {
	return s == MatchPreparing || s == MatchInProgress
}

// ContainerData records the per-player containers provisioned for a match.
type ContainerData struct {
	Player1Container string `json:"player1Container"`
	Player2Container string `json:"player2Container"`
	Player1IP        string `json:"player1Ip,omitempty"`
	Player2IP        string `json:"player2Ip,omitempty"`
}

// Match is a head-to-head duel between two players.
type Match struct {
	ID            int64          `json:"id"`
	Player1ID     int64          `json:"player1Id"`
	Player2ID     int64          `json:"player2Id"`
	Status        MatchStatus    `json:"status"`
	StartedAt     time.Time      `json:"startedAt"`
	EndedAt       *time.Time     `json:"endedAt,omitempty"`
	WinnerID      *int64         `json:"winnerId,omitempty"`
	ImageID       *int64         `json:"imageId,omitempty"`
	ContainerData *ContainerData `json:"containerData,omitempty"`
	ScoreChange   *int           `json:"scoreChange,omitempty"`
}

// HasPlayer reports whether userID participates in the match.
func (m *Match) HasPlayer(userID int64) bool {
	return m.Player1ID == userID || m.Player2ID == userID
}

// ChallengeStatus is the state of a direct duel challenge.
type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "pending"
	ChallengeAccepted ChallengeStatus = "accepted"
	ChallengeRejected ChallengeStatus = "rejected"
	ChallengeExpired  ChallengeStatus = "expired"
)

// Challenge is a direct peer-to-peer duel invitation.
type Challenge struct {
	ID           int64           `json:"id"`
	ChallengerID int64           `json:"challengerId"`
	ChallengedID int64           `json:"challengedId"`
	Status       ChallengeStatus `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// DuelStats is a player's cumulative duel record.
type DuelStats struct {
	UserID       int64      `json:"userId"`
	Wins         int        `json:"wins"`
	Losses       int        `json:"losses"`
	Rating       int        `json:"rating"`
	LastPlayedAt *time.Time `json:"lastPlayedAt,omitempty"`
}

// DefaultRating is the rating assigned to a player's first duel record.
const DefaultRating = 1000

// Image is an admin-curated container image players may launch.
type Image struct {
	ID          int64     `json:"id"`
	Tag         string    `json:"imageTag"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
}

// --- API request/response shapes ---

// LaunchRequest asks for a new sandbox container and terminal session.
type LaunchRequest struct {
	ImageID int64 `json:"imageId"`
}

// LaunchResponse carries the credentials for a terminal session. When
// provisioning failed, SimulatedMode is set and ContainerID is empty.
type LaunchResponse struct {
	SessionID     int64  `json:"sessionId"`
	Token         string `json:"token"`
	ContainerID   string `json:"containerId,omitempty"`
	MatchID       int64  `json:"matchId,omitempty"`
	SimulatedMode bool   `json:"simulatedMode,omitempty"`
}

// QueuePrefs are the matchmaking preferences supplied on queue join.
// Empty values mean "any".
type QueuePrefs struct {
	PreferredDifficulty    string `json:"preferredDifficulty,omitempty"`
	PreferredChallengeType string `json:"preferredChallengeType,omitempty"`
}

// QueueStatusResponse answers "am I queued, and do I have a match".
type QueueStatusResponse struct {
	InQueue     bool   `json:"inQueue"`
	ActiveMatch *Match `json:"activeMatch"`
}

// ChallengeRequest creates a direct challenge.
type ChallengeRequest struct {
	ChallengedID int64      `json:"challengedId"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// ChallengeResponse answers a pending challenge.
type ChallengeResponse struct {
	Accept bool `json:"accept"`
}

// MatchStatusUpdate is the admin override payload.
type MatchStatusUpdate struct {
	Status      MatchStatus `json:"status"`
	WinnerID    *int64      `json:"winnerId,omitempty"`
	ScoreChange *int        `json:"scoreChange,omitempty"`
}

// SimulateRequest creates and immediately resolves a match (admin only).
type SimulateRequest struct {
	Player1ID   int64 `json:"player1Id"`
	Player2ID   int64 `json:"player2Id"`
	WinnerID    int64 `json:"winnerId"`
	ScoreChange int   `json:"scoreChange"`
}

// LeaderboardEntry is one row of the duel leaderboard.
type LeaderboardEntry struct {
	UserID int64 `json:"userId"`
	Rating int   `json:"rating"`
	Wins   int   `json:"wins"`
	Losses int   `json:"losses"`
}

// ImageRequest creates or updates a catalog image (admin only).
type ImageRequest struct {
	Tag         string `json:"imageTag"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}
