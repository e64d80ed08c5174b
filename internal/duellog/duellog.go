// Package duellog keeps an append-only local log of match events in
// SQLite. Logs survive terminal match states and can be exported as
// zstd-compressed JSON lines for post-game review.
package duellog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS match_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    match_id INTEGER NOT NULL,
    event TEXT NOT NULL,
    detail TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_match_log_match ON match_log(match_id);
`

// Entry is one logged match event.
type Entry struct {
	ID        int64     `json:"id"`
	MatchID   int64     `json:"matchId"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Recorder appends match events. A nil *Recorder drops writes and reads
// empty, so match logging stays optional.
type Recorder struct {
	db *sql.DB
}

// Open opens (or creates) the match log database under dataDir.
func Open(dataDir string) (*Recorder, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "duellog.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close closes the database connection.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}

// Record appends one event. Failures are logged, never surfaced; match
// flow must not depend on the log.
func (r *Recorder) Record(ctx context.Context, matchID int64, event, detail string) {
	if r == nil {
		return
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO match_log (match_id, event, detail) VALUES (?, ?, ?)`,
		matchID, event, detail)
	if err != nil {
		log.Printf("duellog: record match %d %s: %v", matchID, event, err)
	}
}

// Entries returns the match's events in append order.
func (r *Recorder) Entries(ctx context.Context, matchID int64) ([]Entry, error) {
	if r == nil {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, match_id, event, detail, created_at FROM match_log WHERE match_id = ? ORDER BY id`,
		matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query match log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.MatchID, &e.Event, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Export writes the match's log as zstd-compressed JSON lines.
func (r *Recorder) Export(ctx context.Context, matchID int64, w io.Writer) error {
	entries, err := r.Entries(ctx, matchID)
	if err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}
