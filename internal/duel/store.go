package duel

import (
	"context"
	"errors"
	"time"

	"github.com/ctfarena/ctfarena/pkg/types"
)

// Store lookup errors.
var (
	ErrMatchNotFound     = errors.New("match not found")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrImageNotFound     = errors.New("image not found")
)

// Store persists duel state. Postgres backs it in production; MemStore
// serves development and tests.
type Store interface {
	// CreateMatch inserts the match and assigns m.ID.
	CreateMatch(ctx context.Context, m *types.Match) error
	GetMatch(ctx context.Context, id int64) (*types.Match, error)
	UpdateMatch(ctx context.Context, m *types.Match) error
	// ActiveMatchFor returns the user's preparing or in-progress match,
	// or nil when none exists.
	ActiveMatchFor(ctx context.Context, userID int64) (*types.Match, error)
	// MatchesFor returns the user's matches, most recent first.
	MatchesFor(ctx context.Context, userID int64, limit int) ([]types.Match, error)

	// CreateChallenge inserts the challenge and assigns c.ID.
	CreateChallenge(ctx context.Context, c *types.Challenge) error
	GetChallenge(ctx context.Context, id int64) (*types.Challenge, error)
	UpdateChallenge(ctx context.Context, c *types.Challenge) error
	// PendingChallengeBetween returns the live pending challenge between
	// the two users in either direction, or nil.
	PendingChallengeBetween(ctx context.Context, a, b int64) (*types.Challenge, error)
	// ChallengesFor returns pending challenges addressed to the user.
	ChallengesFor(ctx context.Context, userID int64) ([]types.Challenge, error)

	// GetStats returns the user's duel record; users without one get a
	// fresh record at the default rating.
	GetStats(ctx context.Context, userID int64) (*types.DuelStats, error)
	// ApplyDuelResult records a win/loss pair atomically. The winner
	// gains scoreChange, the loser drops by the same amount floored at
	// zero.
	ApplyDuelResult(ctx context.Context, winnerID, loserID int64, scoreChange int, at time.Time) error
	// TopStats returns the highest-rated players, best first.
	TopStats(ctx context.Context, limit int) ([]types.DuelStats, error)

	ListImages(ctx context.Context, enabledOnly bool) ([]types.Image, error)
	GetImage(ctx context.Context, id int64) (*types.Image, error)
	// SaveImage inserts (assigning img.ID) or updates a catalog image.
	SaveImage(ctx context.Context, img *types.Image) error
	DeleteImage(ctx context.Context, id int64) error
}
