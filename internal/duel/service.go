// Package duel implements matchmaking and the duel match state machine.
package duel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/ctfarena/ctfarena/internal/analytics"
	"github.com/ctfarena/ctfarena/internal/duellog"
	"github.com/ctfarena/ctfarena/internal/events"
	"github.com/ctfarena/ctfarena/internal/leaderboard"
	"github.com/ctfarena/ctfarena/internal/metrics"
	"github.com/ctfarena/ctfarena/internal/sandbox"
	"github.com/ctfarena/ctfarena/internal/session"
	"github.com/ctfarena/ctfarena/pkg/types"
)

// Match flow errors.
var (
	ErrAlreadyInMatch  = errors.New("already in an active match")
	ErrNotParticipant  = errors.New("not a participant in this match")
	ErrMatchFinished   = errors.New("match already finished")
	ErrInvalidWinner   = errors.New("winner must be a match participant")
	ErrSelfChallenge   = errors.New("cannot challenge yourself")
	ErrChallengeExists = errors.New("a pending challenge between these players already exists")
	ErrChallengeClosed = errors.New("challenge is no longer pending")
)

const (
	// DefaultScoreChange is the rating delta when the caller does not
	// supply one.
	DefaultScoreChange = 25

	// ChallengeTTL bounds how long a direct challenge stays answerable.
	ChallengeTTL = 24 * time.Hour

	// DefaultDuelImage is used when no image catalog entry is picked.
	DefaultDuelImage = "ubuntu:22.04"

	provisionTimeout = 60 * time.Second
)

// ServiceConfig wires the service's collaborators. Logs, Board, Events
// and Analytics are optional; their nil forms drop everything.
type ServiceConfig struct {
	Store     Store
	Manager   *sandbox.Manager
	Sessions  *session.Registry
	Logs      *duellog.Recorder
	Board     *leaderboard.Board
	Events    *events.Publisher
	Analytics *analytics.Client
	DuelImage string
}

// Service owns the queue, match lifecycle and ratings.
type Service struct {
	queue     *Queue
	store     Store
	manager   *sandbox.Manager
	sessions  *session.Registry
	logs      *duellog.Recorder
	board     *leaderboard.Board
	events    *events.Publisher
	analytics *analytics.Client
	image     string

	// resolve serializes every transition out of an active match so a
	// match can finish exactly once.
	resolve sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewService creates the duel service.
func NewService(cfg ServiceConfig) *Service {
	image := cfg.DuelImage
	if image == "" {
		image = DefaultDuelImage
	}
	return &Service{
		queue:     NewQueue(),
		store:     cfg.Store,
		manager:   cfg.Manager,
		sessions:  cfg.Sessions,
		logs:      cfg.Logs,
		board:     cfg.Board,
		events:    cfg.Events,
		analytics: cfg.Analytics,
		image:     image,
		stop:      make(chan struct{}),
	}
}

// Logs exposes the match log recorder for the export endpoint.
func (s *Service) Logs() *duellog.Recorder { return s.logs }

// --- queue ---

// JoinQueue enqueues the user and immediately tries to pair.
func (s *Service) JoinQueue(ctx context.Context, userID int64, prefs types.QueuePrefs) (*types.QueueEntry, error) {
	active, err := s.store.ActiveMatchFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check active match: %w", err)
	}
	if active != nil {
		return nil, ErrAlreadyInMatch
	}

	entry, err := s.queue.Join(userID, prefs)
	if err != nil {
		return nil, err
	}
	s.analytics.Track(userID, "duel_queue_joined", map[string]interface{}{
		"difficulty": prefs.PreferredDifficulty,
		"type":       prefs.PreferredChallengeType,
	})
	s.pairAll(ctx)
	return entry, nil
}

// LeaveQueue removes the user. Reports whether an entry existed.
func (s *Service) LeaveQueue(userID int64) bool {
	return s.queue.Leave(userID)
}

// QueueStatus answers "am I queued, and do I have an active match".
func (s *Service) QueueStatus(ctx context.Context, userID int64) (*types.QueueStatusResponse, error) {
	active, err := s.store.ActiveMatchFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check active match: %w", err)
	}
	return &types.QueueStatusResponse{
		InQueue:     s.queue.Entry(userID) != nil,
		ActiveMatch: active,
	}, nil
}

// StartMatchmaker runs periodic pairing until StopMatchmaker.
func (s *Service) StartMatchmaker(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pairAll(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// StopMatchmaker stops the pairing loop and waits for in-flight
// provisioning to settle.
func (s *Service) StopMatchmaker() {
	close(s.stop)
	s.wg.Wait()
}

// pairAll drains the queue of every currently compatible pair.
func (s *Service) pairAll(ctx context.Context) {
	for {
		a, b, ok := s.queue.AttemptMatch()
		if !ok {
			return
		}
		if _, err := s.createMatch(ctx, a.UserID, b.UserID); err != nil {
			log.Printf("duel: pairing %d vs %d: %v", a.UserID, b.UserID, err)
		}
	}
}

// --- match lifecycle ---

// createMatch records the match in preparing state and provisions its
// containers in the background.
func (s *Service) createMatch(ctx context.Context, player1, player2 int64) (*types.Match, error) {
	m := &types.Match{
		Player1ID: player1,
		Player2ID: player2,
		Status:    types.MatchPreparing,
		StartedAt: time.Now(),
	}
	if err := s.store.CreateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}

	s.logs.Record(ctx, m.ID, "match_created",
		fmt.Sprintf("players %d vs %d", player1, player2))
	s.events.MatchEvent("match_created", m)
	log.Printf("duel: match %d created, %d vs %d", m.ID, player1, player2)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.provision(*m)
	}()
	return m, nil
}

// provision creates both players' containers and sessions, then moves
// the match to in_progress. Provisioning failure is not fatal: the match
// proceeds with simulated terminals.
func (s *Service) provision(m types.Match) {
	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()
	start := time.Now()

	s1 := s.sessions.CreatePending(ctx, m.Player1ID, m.ID)
	s2 := s.sessions.CreatePending(ctx, m.Player2ID, m.ID)

	c1, err1 := s.manager.Create(ctx, s.image, sandbox.Owner{
		UserID: m.Player1ID, MatchID: m.ID, SessionID: s1.ID,
	})
	c2, err2 := s.manager.Create(ctx, s.image, sandbox.Owner{
		UserID: m.Player2ID, MatchID: m.ID, SessionID: s2.ID,
	})

	switch {
	case err1 == nil && err2 == nil:
		s.sessions.BindContainer(ctx, s1.ID, c1.ID)
		s.sessions.BindContainer(ctx, s2.ID, c2.ID)
		m.ContainerData = &types.ContainerData{
			Player1Container: c1.ID,
			Player2Container: c2.ID,
			Player1IP:        c1.IPAddress,
			Player2IP:        c2.IPAddress,
		}
		s.logs.Record(ctx, m.ID, "containers_ready",
			fmt.Sprintf("%s / %s", c1.ID, c2.ID))
	default:
		// Tear down the half-provisioned side and run both simulated.
		if err1 == nil {
			s.manager.Stop(ctx, c1.ID)
		}
		if err2 == nil {
			s.manager.Stop(ctx, c2.ID)
		}
		if err1 != nil {
			log.Printf("duel: match %d player1 container: %v", m.ID, err1)
		}
		if err2 != nil {
			log.Printf("duel: match %d player2 container: %v", m.ID, err2)
		}
		s.logs.Record(ctx, m.ID, "simulated_mode", "container provisioning failed")
	}

	// The match may have been cancelled or resolved while containers
	// were coming up; a terminal status stays terminal.
	s.resolve.Lock()
	cur, err := s.store.GetMatch(ctx, m.ID)
	if err != nil || cur.Status.Terminal() {
		s.resolve.Unlock()
		if err == nil {
			s.teardown(ctx, &m)
		}
		return
	}
	m.Status = types.MatchInProgress
	if err := s.store.UpdateMatch(ctx, &m); err != nil {
		s.resolve.Unlock()
		log.Printf("duel: match %d start: %v", m.ID, err)
		return
	}
	s.resolve.Unlock()
	metrics.MatchProvisionDuration.Observe(time.Since(start).Seconds())
	s.logs.Record(ctx, m.ID, "match_started", "")
	s.events.MatchEvent("match_started", &m)
}

// GetMatch returns the match.
func (s *Service) GetMatch(ctx context.Context, id int64) (*types.Match, error) {
	return s.store.GetMatch(ctx, id)
}

// MatchesFor lists the user's match history, most recent first.
func (s *Service) MatchesFor(ctx context.Context, userID int64, limit int) ([]types.Match, error) {
	return s.store.MatchesFor(ctx, userID, limit)
}

// SessionFor returns the caller's terminal session for an active match,
// minting a simulated one if provisioning never produced a container.
func (s *Service) SessionFor(ctx context.Context, matchID, userID int64) (*types.Session, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasPlayer(userID) {
		return nil, ErrNotParticipant
	}
	if m.Status.Terminal() {
		return nil, ErrMatchFinished
	}
	if existing := s.sessions.ActiveFor(userID, matchID); existing != nil {
		return existing, nil
	}
	return s.sessions.CreatePending(ctx, userID, matchID), nil
}

// SetWinner resolves the match. Only participants may call it, the
// winner must be a participant, and a finished match stays finished.
func (s *Service) SetWinner(ctx context.Context, matchID, callerID, winnerID int64, scoreChange int) (*types.Match, error) {
	s.resolve.Lock()
	defer s.resolve.Unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasPlayer(callerID) {
		return nil, ErrNotParticipant
	}
	if m.Status.Terminal() {
		return nil, ErrMatchFinished
	}
	if !m.HasPlayer(winnerID) {
		return nil, ErrInvalidWinner
	}
	if scoreChange <= 0 {
		scoreChange = DefaultScoreChange
	}

	loserID := m.Player1ID
	status := types.MatchPlayer2Victory
	if winnerID == m.Player1ID {
		loserID = m.Player2ID
		status = types.MatchPlayer1Victory
	}

	now := time.Now()
	m.Status = status
	m.EndedAt = &now
	m.WinnerID = &winnerID
	m.ScoreChange = &scoreChange
	if err := s.store.UpdateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("finish match: %w", err)
	}
	if err := s.store.ApplyDuelResult(ctx, winnerID, loserID, scoreChange, now); err != nil {
		log.Printf("duel: match %d rating update: %v", matchID, err)
	}
	s.mirrorRatings(ctx, winnerID, loserID)
	s.teardown(ctx, m)

	metrics.MatchesTotal.WithLabelValues(string(status)).Inc()
	s.logs.Record(ctx, matchID, "winner_set",
		"user "+strconv.FormatInt(winnerID, 10))
	s.events.MatchEvent("match_finished", m)
	s.analytics.Track(winnerID, "duel_won", map[string]interface{}{
		"match_id": matchID, "score_change": scoreChange,
	})
	log.Printf("duel: match %d won by %d (+%d)", matchID, winnerID, scoreChange)
	return m, nil
}

// Cancel aborts an unfinished match without rating changes.
func (s *Service) Cancel(ctx context.Context, matchID, callerID int64) (*types.Match, error) {
	s.resolve.Lock()
	defer s.resolve.Unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasPlayer(callerID) {
		return nil, ErrNotParticipant
	}
	if m.Status.Terminal() {
		return nil, ErrMatchFinished
	}

	now := time.Now()
	m.Status = types.MatchCancelled
	m.EndedAt = &now
	if err := s.store.UpdateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("cancel match: %w", err)
	}
	s.queue.Leave(m.Player1ID)
	s.queue.Leave(m.Player2ID)
	s.teardown(ctx, m)

	metrics.MatchesTotal.WithLabelValues(string(types.MatchCancelled)).Inc()
	s.logs.Record(ctx, matchID, "match_cancelled",
		"by user "+strconv.FormatInt(callerID, 10))
	s.events.MatchEvent("match_cancelled", m)
	return m, nil
}

// AdminOverride force-sets a match's status, bypassing the participant
// check. Ratings apply only when moving a live match to a victory state;
// draws change no ratings.
func (s *Service) AdminOverride(ctx context.Context, matchID int64, upd types.MatchStatusUpdate) (*types.Match, error) {
	s.resolve.Lock()
	defer s.resolve.Unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, ErrMatchFinished
	}

	now := time.Now()
	m.Status = upd.Status
	if upd.Status.Terminal() {
		m.EndedAt = &now
	}

	if upd.Status == types.MatchPlayer1Victory || upd.Status == types.MatchPlayer2Victory {
		winnerID := m.Player1ID
		loserID := m.Player2ID
		if upd.Status == types.MatchPlayer2Victory {
			winnerID, loserID = loserID, winnerID
		}
		if upd.WinnerID != nil && *upd.WinnerID != winnerID {
			return nil, ErrInvalidWinner
		}
		score := DefaultScoreChange
		if upd.ScoreChange != nil && *upd.ScoreChange > 0 {
			score = *upd.ScoreChange
		}
		m.WinnerID = &winnerID
		m.ScoreChange = &score
		if err := s.store.ApplyDuelResult(ctx, winnerID, loserID, score, now); err != nil {
			log.Printf("duel: match %d rating update: %v", matchID, err)
		}
		s.mirrorRatings(ctx, winnerID, loserID)
	}

	if err := s.store.UpdateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("override match: %w", err)
	}
	if upd.Status.Terminal() {
		s.teardown(ctx, m)
		metrics.MatchesTotal.WithLabelValues(string(upd.Status)).Inc()
	}
	s.logs.Record(ctx, matchID, "admin_override", string(upd.Status))
	s.events.MatchEvent("match_overridden", m)
	return m, nil
}

// Simulate creates an already-resolved match, for seeding and testing
// rating flows without containers. Admin only at the API layer.
func (s *Service) Simulate(ctx context.Context, req types.SimulateRequest) (*types.Match, error) {
	if req.WinnerID != req.Player1ID && req.WinnerID != req.Player2ID {
		return nil, ErrInvalidWinner
	}
	score := req.ScoreChange
	if score <= 0 {
		score = DefaultScoreChange
	}

	now := time.Now()
	status := types.MatchPlayer2Victory
	loserID := req.Player1ID
	if req.WinnerID == req.Player1ID {
		status = types.MatchPlayer1Victory
		loserID = req.Player2ID
	}
	m := &types.Match{
		Player1ID:   req.Player1ID,
		Player2ID:   req.Player2ID,
		Status:      status,
		StartedAt:   now,
		EndedAt:     &now,
		WinnerID:    &req.WinnerID,
		ScoreChange: &score,
	}
	if err := s.store.CreateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}
	if err := s.store.ApplyDuelResult(ctx, req.WinnerID, loserID, score, now); err != nil {
		log.Printf("duel: simulated match %d rating update: %v", m.ID, err)
	}
	s.mirrorRatings(ctx, req.WinnerID, loserID)
	metrics.MatchesTotal.WithLabelValues(string(status)).Inc()
	s.logs.Record(ctx, m.ID, "match_simulated", "")
	return m, nil
}

// teardown stops both match containers; the stop cascade invalidates
// their sessions. Sessions that never got a container are closed here.
func (s *Service) teardown(ctx context.Context, m *types.Match) {
	if m.ContainerData != nil {
		if m.ContainerData.Player1Container != "" {
			s.manager.Stop(ctx, m.ContainerData.Player1Container)
		}
		if m.ContainerData.Player2Container != "" {
			s.manager.Stop(ctx, m.ContainerData.Player2Container)
		}
	}
	for _, userID := range []int64{m.Player1ID, m.Player2ID} {
		if sess := s.sessions.ActiveFor(userID, m.ID); sess != nil {
			s.sessions.Close(ctx, sess.ID)
		}
	}
}

// --- challenges ---

// Challenge creates a direct duel invitation.
func (s *Service) Challenge(ctx context.Context, challengerID int64, req types.ChallengeRequest) (*types.Challenge, error) {
	if req.ChallengedID == challengerID {
		return nil, ErrSelfChallenge
	}
	existing, err := s.store.PendingChallengeBetween(ctx, challengerID, req.ChallengedID)
	if err != nil {
		return nil, fmt.Errorf("check pending challenge: %w", err)
	}
	if existing != nil {
		return nil, ErrChallengeExists
	}

	now := time.Now()
	expires := now.Add(ChallengeTTL)
	if req.ExpiresAt != nil && req.ExpiresAt.After(now) {
		expires = *req.ExpiresAt
	}
	c := &types.Challenge{
		ChallengerID: challengerID,
		ChallengedID: req.ChallengedID,
		Status:       types.ChallengePending,
		CreatedAt:    now,
		ExpiresAt:    expires,
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}
	s.analytics.Track(challengerID, "duel_challenge_sent", map[string]interface{}{
		"challenged_id": req.ChallengedID,
	})
	return c, nil
}

// RespondChallenge accepts or rejects a pending challenge. Accepting
// creates a match between the two players.
func (s *Service) RespondChallenge(ctx context.Context, challengeID, userID int64, accept bool) (*types.Match, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c.ChallengedID != userID {
		return nil, ErrNotParticipant
	}
	if c.Status != types.ChallengePending || time.Now().After(c.ExpiresAt) {
		return nil, ErrChallengeClosed
	}

	if !accept {
		c.Status = types.ChallengeRejected
		if err := s.store.UpdateChallenge(ctx, c); err != nil {
			return nil, fmt.Errorf("update challenge: %w", err)
		}
		return nil, nil
	}

	for _, id := range []int64{c.ChallengerID, c.ChallengedID} {
		active, err := s.store.ActiveMatchFor(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check active match: %w", err)
		}
		if active != nil {
			return nil, ErrAlreadyInMatch
		}
	}

	c.Status = types.ChallengeAccepted
	if err := s.store.UpdateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("update challenge: %w", err)
	}
	return s.createMatch(ctx, c.ChallengerID, c.ChallengedID)
}

// PendingChallenges lists challenges awaiting the user's answer.
func (s *Service) PendingChallenges(ctx context.Context, userID int64) ([]types.Challenge, error) {
	return s.store.ChallengesFor(ctx, userID)
}

// --- stats ---

// Stats returns the user's duel record.
func (s *Service) Stats(ctx context.Context, userID int64) (*types.DuelStats, error) {
	return s.store.GetStats(ctx, userID)
}

// Leaderboard returns the top-rated players. The Redis index serves
// ranked reads when available; the durable store is the fallback.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]types.LeaderboardEntry, error) {
	if ranked := s.board.Top(ctx, limit); len(ranked) > 0 {
		out := make([]types.LeaderboardEntry, 0, len(ranked))
		for _, e := range ranked {
			entry := types.LeaderboardEntry{UserID: e.UserID, Rating: e.Rating}
			if st, err := s.store.GetStats(ctx, e.UserID); err == nil {
				entry.Wins = st.Wins
				entry.Losses = st.Losses
			}
			out = append(out, entry)
		}
		return out, nil
	}

	stats, err := s.store.TopStats(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	out := make([]types.LeaderboardEntry, 0, len(stats))
	for _, st := range stats {
		out = append(out, types.LeaderboardEntry{
			UserID: st.UserID,
			Rating: st.Rating,
			Wins:   st.Wins,
			Losses: st.Losses,
		})
	}
	return out, nil
}

func (s *Service) mirrorRatings(ctx context.Context, userIDs ...int64) {
	for _, id := range userIDs {
		st, err := s.store.GetStats(ctx, id)
		if err != nil {
			continue
		}
		s.board.SetRating(ctx, id, st.Rating)
	}
}
