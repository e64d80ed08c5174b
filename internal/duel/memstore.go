package duel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ctfarena/ctfarena/pkg/types"
)

// MemStore is the in-memory Store used when no database is configured
// and throughout the tests.
type MemStore struct {
	mu         sync.Mutex
	matches    map[int64]*types.Match
	challenges map[int64]*types.Challenge
	stats      map[int64]*types.DuelStats
	images     map[int64]*types.Image
	nextID     int64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		matches:    make(map[int64]*types.Match),
		challenges: make(map[int64]*types.Challenge),
		stats:      make(map[int64]*types.DuelStats),
		images:     make(map[int64]*types.Image),
	}
}

func (s *MemStore) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemStore) CreateMatch(ctx context.Context, m *types.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextIDLocked()
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemStore) GetMatch(ctx context.Context, id int64) (*types.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) UpdateMatch(ctx context.Context, m *types.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; !ok {
		return ErrMatchNotFound
	}
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemStore) ActiveMatchFor(ctx context.Context, userID int64) (*types.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.matches {
		if m.HasPlayer(userID) && m.Status.Active() {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) MatchesFor(ctx context.Context, userID int64, limit int) ([]types.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Match
	for _, m := range s.matches {
		if m.HasPlayer(userID) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CreateChallenge(ctx context.Context, c *types.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextIDLocked()
	cp := *c
	s.challenges[c.ID] = &cp
	return nil
}

func (s *MemStore) GetChallenge(ctx context.Context, id int64) (*types.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) UpdateChallenge(ctx context.Context, c *types.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[c.ID]; !ok {
		return ErrChallengeNotFound
	}
	cp := *c
	s.challenges[c.ID] = &cp
	return nil
}

func (s *MemStore) PendingChallengeBetween(ctx context.Context, a, b int64) (*types.Challenge, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.challenges {
		pair := (c.ChallengerID == a && c.ChallengedID == b) ||
			(c.ChallengerID == b && c.ChallengedID == a)
		if pair && c.Status == types.ChallengePending && now.Before(c.ExpiresAt) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) ChallengesFor(ctx context.Context, userID int64) ([]types.Challenge, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Challenge
	for _, c := range s.challenges {
		if c.ChallengedID == userID && c.Status == types.ChallengePending && now.Before(c.ExpiresAt) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) statsLocked(userID int64) *types.DuelStats {
	st, ok := s.stats[userID]
	if !ok {
		st = &types.DuelStats{UserID: userID, Rating: types.DefaultRating}
		s.stats[userID] = st
	}
	return st
}

func (s *MemStore) GetStats(ctx context.Context, userID int64) (*types.DuelStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.statsLocked(userID)
	return &cp, nil
}

func (s *MemStore) ApplyDuelResult(ctx context.Context, winnerID, loserID int64, scoreChange int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.statsLocked(winnerID)
	w.Wins++
	w.Rating += scoreChange
	w.LastPlayedAt = &at

	l := s.statsLocked(loserID)
	l.Losses++
	l.Rating -= scoreChange
	if l.Rating < 0 {
		l.Rating = 0
	}
	l.LastPlayedAt = &at
	return nil
}

func (s *MemStore) TopStats(ctx context.Context, limit int) ([]types.DuelStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DuelStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListImages(ctx context.Context, enabledOnly bool) ([]types.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Image
	for _, img := range s.images {
		if enabledOnly && !img.Enabled {
			continue
		}
		out = append(out, *img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) GetImage(ctx context.Context, id int64) (*types.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return nil, ErrImageNotFound
	}
	cp := *img
	return &cp, nil
}

func (s *MemStore) SaveImage(ctx context.Context, img *types.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img.ID == 0 {
		img.ID = s.nextIDLocked()
		if img.CreatedAt.IsZero() {
			img.CreatedAt = time.Now()
		}
	}
	cp := *img
	s.images[img.ID] = &cp
	return nil
}

func (s *MemStore) DeleteImage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[id]; !ok {
		return ErrImageNotFound
	}
	delete(s.images, id)
	return nil
}
