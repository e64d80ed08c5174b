// Package db provides the PostgreSQL store for duel state and the
// terminal session mirror.
package db

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctfarena/ctfarena/internal/duel"
	"github.com/ctfarena/ctfarena/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the subset of pgxpool.Pool the store needs; pgxmock implements
// it in tests.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store provides data access to the global PostgreSQL database.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// NewStore creates a Store with a connection pool.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// New wraps an existing connection; used by tests.
func New(db DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate runs database migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := []struct {
		version  int
		filename string
	}{
		{1, "migrations/001_initial.up.sql"},
	}

	for _, m := range migrations {
		if currentVersion >= m.version {
			continue
		}
		sql, err := migrationsFS.ReadFile(m.filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", m.filename, err)
		}
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %03d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("failed to record migration %03d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %03d: %w", m.version, err)
		}
	}
	return nil
}

// --- Match operations ---

// matchColumns is the list of columns returned by all match queries.
const matchColumns = `id, player1_id, player2_id, status, started_at, ended_at, winner_id, image_id, container_data, score_change`

// scanMatch scans a row into a Match.
func scanMatch(row pgx.Row) (*types.Match, error) {
	m := &types.Match{}
	var containerData []byte
	err := row.Scan(
		&m.ID, &m.Player1ID, &m.Player2ID, &m.Status, &m.StartedAt,
		&m.EndedAt, &m.WinnerID, &m.ImageID, &containerData, &m.ScoreChange,
	)
	if err != nil {
		return nil, err
	}
	if len(containerData) > 0 {
		m.ContainerData = &types.ContainerData{}
		if err := json.Unmarshal(containerData, m.ContainerData); err != nil {
			return nil, fmt.Errorf("invalid container data for match %d: %w", m.ID, err)
		}
	}
	return m, nil
}

func containerDataJSON(m *types.Match) (any, error) {
	if m.ContainerData == nil {
		return nil, nil
	}
	data, err := json.Marshal(m.ContainerData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode container data: %w", err)
	}
	return data, nil
}

func (s *Store) CreateMatch(ctx context.Context, m *types.Match) error {
	cd, err := containerDataJSON(m)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx,
		`INSERT INTO duel_matches (player1_id, player2_id, status, started_at, ended_at, winner_id, image_id, container_data, score_change)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		m.Player1ID, m.Player2ID, m.Status, m.StartedAt, m.EndedAt,
		m.WinnerID, m.ImageID, cd, m.ScoreChange,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to create match: %w", err)
	}
	return nil
}

func (s *Store) GetMatch(ctx context.Context, id int64) (*types.Match, error) {
	m, err := scanMatch(s.db.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM duel_matches WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, duel.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	return m, nil
}

func (s *Store) UpdateMatch(ctx context.Context, m *types.Match) error {
	cd, err := containerDataJSON(m)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE duel_matches SET
			status = $1, ended_at = $2, winner_id = $3, image_id = $4,
			container_data = $5, score_change = $6
		 WHERE id = $7`,
		m.Status, m.EndedAt, m.WinnerID, m.ImageID, cd, m.ScoreChange, m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return duel.ErrMatchNotFound
	}
	return nil
}

func (s *Store) ActiveMatchFor(ctx context.Context, userID int64) (*types.Match, error) {
	m, err := scanMatch(s.db.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM duel_matches
		 WHERE (player1_id = $1 OR player2_id = $1)
		   AND status IN ('preparing', 'in_progress')
		 ORDER BY started_at DESC LIMIT 1`, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active match: %w", err)
	}
	return m, nil
}

func (s *Store) MatchesFor(ctx context.Context, userID int64, limit int) ([]types.Match, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+matchColumns+` FROM duel_matches
		 WHERE player1_id = $1 OR player2_id = $1
		 ORDER BY started_at DESC LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	var out []types.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// --- Challenge operations ---

const challengeColumns = `id, challenger_id, challenged_id, status, created_at, expires_at`

func scanChallenge(row pgx.Row) (*types.Challenge, error) {
	c := &types.Challenge{}
	err := row.Scan(&c.ID, &c.ChallengerID, &c.ChallengedID, &c.Status, &c.CreatedAt, &c.ExpiresAt)
	return c, err
}

func (s *Store) CreateChallenge(ctx context.Context, c *types.Challenge) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO duel_challenges (challenger_id, challenged_id, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		c.ChallengerID, c.ChallengedID, c.Status, c.CreatedAt, c.ExpiresAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, id int64) (*types.Challenge, error) {
	c, err := scanChallenge(s.db.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM duel_challenges WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, duel.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	return c, nil
}

func (s *Store) UpdateChallenge(ctx context.Context, c *types.Challenge) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE duel_challenges SET status = $1 WHERE id = $2`,
		c.Status, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return duel.ErrChallengeNotFound
	}
	return nil
}

func (s *Store) PendingChallengeBetween(ctx context.Context, a, b int64) (*types.Challenge, error) {
	c, err := scanChallenge(s.db.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM duel_challenges
		 WHERE status = 'pending' AND expires_at > now()
		   AND ((challenger_id = $1 AND challenged_id = $2)
		     OR (challenger_id = $2 AND challenged_id = $1))
		 LIMIT 1`, a, b,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending challenge: %w", err)
	}
	return c, nil
}

func (s *Store) ChallengesFor(ctx context.Context, userID int64) ([]types.Challenge, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+challengeColumns+` FROM duel_challenges
		 WHERE challenged_id = $1 AND status = 'pending' AND expires_at > now()
		 ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	var out []types.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// --- Stats operations ---

const statsColumns = `user_id, wins, losses, rating, last_played_at`

func scanStats(row pgx.Row) (*types.DuelStats, error) {
	st := &types.DuelStats{}
	err := row.Scan(&st.UserID, &st.Wins, &st.Losses, &st.Rating, &st.LastPlayedAt)
	return st, err
}

func (s *Store) GetStats(ctx context.Context, userID int64) (*types.DuelStats, error) {
	st, err := scanStats(s.db.QueryRow(ctx,
		`SELECT `+statsColumns+` FROM duel_stats WHERE user_id = $1`, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return &types.DuelStats{UserID: userID, Rating: types.DefaultRating}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return st, nil
}

// ApplyDuelResult upserts both players' records in one transaction. The
// loser's rating never drops below zero.
func (s *Store) ApplyDuelResult(ctx context.Context, winnerID, loserID int64, scoreChange int, at time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO duel_stats (user_id, wins, losses, rating, last_played_at)
		 VALUES ($1, 1, 0, $2 + $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
			wins = duel_stats.wins + 1,
			rating = duel_stats.rating + $3,
			last_played_at = $4`,
		winnerID, types.DefaultRating, scoreChange, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update winner stats: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO duel_stats (user_id, wins, losses, rating, last_played_at)
		 VALUES ($1, 0, 1, GREATEST(0, $2 - $3), $4)
		 ON CONFLICT (user_id) DO UPDATE SET
			losses = duel_stats.losses + 1,
			rating = GREATEST(0, duel_stats.rating - $3),
			last_played_at = $4`,
		loserID, types.DefaultRating, scoreChange, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update loser stats: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) TopStats(ctx context.Context, limit int) ([]types.DuelStats, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+statsColumns+` FROM duel_stats
		 ORDER BY rating DESC, user_id LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stats: %w", err)
	}
	defer rows.Close()

	var out []types.DuelStats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// --- Image catalog ---

const imageColumns = `id, image_tag, name, description, enabled, created_at`

func scanImage(row pgx.Row) (*types.Image, error) {
	img := &types.Image{}
	err := row.Scan(&img.ID, &img.Tag, &img.Name, &img.Description, &img.Enabled, &img.CreatedAt)
	return img, err
}

func (s *Store) ListImages(ctx context.Context, enabledOnly bool) ([]types.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM duel_images ORDER BY id`
	if enabledOnly {
		query = `SELECT ` + imageColumns + ` FROM duel_images WHERE enabled ORDER BY id`
	}
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var out []types.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

func (s *Store) GetImage(ctx context.Context, id int64) (*types.Image, error) {
	img, err := scanImage(s.db.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM duel_images WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, duel.ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return img, nil
}

func (s *Store) SaveImage(ctx context.Context, img *types.Image) error {
	if img.ID == 0 {
		err := s.db.QueryRow(ctx,
			`INSERT INTO duel_images (image_tag, name, description, enabled)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, created_at`,
			img.Tag, img.Name, img.Description, img.Enabled,
		).Scan(&img.ID, &img.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create image: %w", err)
		}
		return nil
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE duel_images SET image_tag = $1, name = $2, description = $3, enabled = $4 WHERE id = $5`,
		img.Tag, img.Name, img.Description, img.Enabled, img.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return duel.ErrImageNotFound
	}
	return nil
}

func (s *Store) DeleteImage(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM duel_images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return duel.ErrImageNotFound
	}
	return nil
}

// --- Terminal session mirror (session.Sink) ---

func (s *Store) UpsertSession(ctx context.Context, sess *types.Session) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO terminal_sessions (id, token, container_id, user_id, match_id, created_at, expires_at, last_activity_at, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			container_id = $3, last_activity_at = $8, active = $9`,
		sess.ID, sess.Token, sess.ContainerID, sess.UserID, sess.MatchID,
		sess.CreatedAt, sess.ExpiresAt, sess.LastActivityAt, sess.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE terminal_sessions SET last_activity_at = GREATEST(last_activity_at, $1) WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *Store) CloseSession(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE terminal_sessions SET active = false WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}
