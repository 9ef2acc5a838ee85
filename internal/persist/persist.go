// Package persist keeps the durable match ledger in Postgres. The live
// session state never lives here; only the summary row survives the
// session's removal from the shared store.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"moltblox/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS matches (
	id          TEXT PRIMARY KEY,
	game_id     TEXT NOT NULL,
	players     JSONB NOT NULL,
	status      TEXT NOT NULL,
	winner      TEXT NOT NULL DEFAULT '',
	scores      JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS matches_game_id_idx ON matches (game_id);
CREATE INDEX IF NOT EXISTS matches_status_idx ON matches (status);
`

// Store wraps DB access for match summaries.
type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// EnsureSchema creates the matches table if missing. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}

// CreateMatch writes the row for a freshly created session.
func (s *Store) CreateMatch(ctx context.Context, rec *store.SessionRecord) error {
	players, err := json.Marshal(rec.Players)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO matches (id, game_id, players, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.GameID, players, rec.Status, time.UnixMilli(rec.CreatedAt))
	return err
}

// FinishMatch records the terminal outcome. Abandoned matches carry no
// winner and no scores.
func (s *Store) FinishMatch(ctx context.Context, sessionID, status, winner string, scores map[string]int) error {
	var scoresJSON any
	if scores != nil {
		b, err := json.Marshal(scores)
		if err != nil {
			return err
		}
		scoresJSON = b
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE matches
		SET status = $2, winner = $3, scores = $4, finished_at = now()
		WHERE id = $1 AND finished_at IS NULL`,
		sessionID, status, winner, scoresJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MatchSummary is one row of the durable ledger.
type MatchSummary struct {
	ID         string         `json:"id"`
	GameID     string         `json:"gameId"`
	Players    []string       `json:"players"`
	Status     string         `json:"status"`
	Winner     string         `json:"winner,omitempty"`
	Scores     map[string]int `json:"scores,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// RecentMatches lists the newest rows, most recent first.
func (s *Store) RecentMatches(ctx context.Context, limit int) ([]MatchSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, game_id, players, status, winner, scores, created_at, finished_at
		FROM matches
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchSummary
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMatch fetches one ledger row.
func (s *Store) GetMatch(ctx context.Context, id string) (*MatchSummary, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, game_id, players, status, winner, scores, created_at, finished_at
		FROM matches
		WHERE id = $1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMatch(row pgx.Row) (MatchSummary, error) {
	var (
		m          MatchSummary
		players    []byte
		scores     []byte
		finishedAt *time.Time
	)
	if err := row.Scan(&m.ID, &m.GameID, &players, &m.Status, &m.Winner, &scores, &m.CreatedAt, &finishedAt); err != nil {
		return MatchSummary{}, err
	}
	if err := json.Unmarshal(players, &m.Players); err != nil {
		return MatchSummary{}, err
	}
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &m.Scores); err != nil {
			return MatchSummary{}, err
		}
	}
	m.FinishedAt = finishedAt
	return m, nil
}
