// Package pgdurable is the reference DurableStore, backed by
// database/sql over github.com/lib/pq. Connection pool tuning and the
// upsert-on-conflict write pattern are grounded on the teacher's
// pvpchess.Repository.
package pgdurable

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/latticechess/arena-core/internal/arenaerr"
	"github.com/latticechess/arena-core/internal/durablestore"
	"github.com/latticechess/arena-core/pkg/model"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// Open dials Postgres, applies the pool settings the teacher uses for
// its pvp_games repository, and pings once before returning.
func Open(databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, arenaerr.Wrap(arenaerr.StoreUnavailable, "durablestore ping", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies schema.sql. It's idempotent (CREATE TABLE IF NOT
// EXISTS throughout) so it's safe to call on every process start.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap(s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Players() durablestore.PlayerRepository       { return playerRepo{db: s.db} }
func (s *Store) Games() durablestore.GameRepository           { return gameRepo{db: s.db} }
func (s *Store) DeadLetters() durablestore.DeadLetterRepository { return deadLetterRepo{db: s.db} }

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return arenaerr.Wrap(arenaerr.StoreUnavailable, "durablestore", err)
}

// --- players ---

type playerRepo struct{ db *sql.DB }

func (r playerRepo) UpsertRating(ctx context.Context, playerID string, variant model.Variant, rec model.RatingRecord) error {
	const q = `
INSERT INTO players (player_id, variant, rating, games_played, wins, losses, draws, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7, now())
ON CONFLICT (player_id, variant) DO UPDATE SET
	rating = EXCLUDED.rating,
	games_played = EXCLUDED.games_played,
	wins = EXCLUDED.wins,
	losses = EXCLUDED.losses,
	draws = EXCLUDED.draws,
	updated_at = now()`
	_, err := r.db.ExecContext(ctx, q, playerID, string(variant), rec.Rating, rec.GamesPlayed, rec.Wins, rec.Losses, rec.Draws)
	return wrap(err)
}

func (r playerRepo) GetRating(ctx context.Context, playerID string, variant model.Variant) (model.RatingRecord, bool, error) {
	const q = `SELECT rating, games_played, wins, losses, draws FROM players WHERE player_id=$1 AND variant=$2`
	var rec model.RatingRecord
	err := r.db.QueryRowContext(ctx, q, playerID, string(variant)).Scan(&rec.Rating, &rec.GamesPlayed, &rec.Wins, &rec.Losses, &rec.Draws)
	if err == sql.ErrNoRows {
		return model.RatingRecord{}, false, nil
	}
	if err != nil {
		return model.RatingRecord{}, false, wrap(err)
	}
	return rec, true, nil
}

func (r playerRepo) AppendRatingHistory(ctx context.Context, playerID string, variant model.Variant, rating float64, gameID string) error {
	const q = `INSERT INTO rating_history (player_id, variant, rating, game_id) VALUES ($1,$2,$3,$4)`
	_, err := r.db.ExecContext(ctx, q, playerID, string(variant), rating, gameID)
	return wrap(err)
}

// --- games ---

type gameRepo struct{ db *sql.DB }

func (r gameRepo) SaveGame(ctx context.Context, g model.DurableGame) error {
	movesRaw, err := json.Marshal(g.Moves)
	if err != nil {
		return err
	}
	fenHistRaw, err := json.Marshal(g.FENHistory)
	if err != nil {
		return err
	}
	tcRaw, err := json.Marshal(g.TimeControl)
	if err != nil {
		return err
	}

	white, black := g.Players[0], g.Players[1]
	if white.Color != model.White {
		white, black = black, white
	}

	var winnerColor, score *string
	var reason *string
	var whitePost, blackPost *int
	if g.Result != nil {
		if g.Result.Winner != nil {
			w := string(*g.Result.Winner)
			winnerColor = &w
		}
		r2 := string(g.Result.Reason)
		reason = &r2
		sc := g.Result.Score
		score = &sc
	}
	if white.PostRating != 0 {
		whitePost = &white.PostRating
	}
	if black.PostRating != 0 {
		blackPost = &black.PostRating
	}

	const q = `
INSERT INTO games (
	game_id, variant, game_type, time_control, white_id, black_id,
	white_pre_rating, black_pre_rating, white_post_rating, black_post_rating,
	initial_fen, moves, pgn, fen_history,
	winner_color, result_reason, result_score, status,
	rematch_of, rematch_game_id, schema_version, started_at, ended_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23, now()
) ON CONFLICT (game_id) DO UPDATE SET
	moves = EXCLUDED.moves,
	pgn = EXCLUDED.pgn,
	fen_history = EXCLUDED.fen_history,
	white_post_rating = EXCLUDED.white_post_rating,
	black_post_rating = EXCLUDED.black_post_rating,
	winner_color = EXCLUDED.winner_color,
	result_reason = EXCLUDED.result_reason,
	result_score = EXCLUDED.result_score,
	status = EXCLUDED.status,
	rematch_game_id = EXCLUDED.rematch_game_id,
	ended_at = EXCLUDED.ended_at,
	updated_at = now()`

	_, err = r.db.ExecContext(ctx, q,
		g.GameID, string(g.Variant), string(g.GameType), tcRaw, white.PlayerID, black.PlayerID,
		white.PreRating, black.PreRating, whitePost, blackPost,
		g.InitialFEN, movesRaw, g.PGN, fenHistRaw,
		winnerColor, reason, score, g.Status,
		nullableString(g.RematchOf), nullableString(g.RematchGameID), g.SchemaVersion, g.StartedAt, nullableTime(g.EndedAt),
	)
	return wrap(err)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (r gameRepo) GetGame(ctx context.Context, gameID string) (model.DurableGame, bool, error) {
	const q = `
SELECT game_id, variant, game_type, time_control, white_id, black_id,
	white_pre_rating, black_pre_rating, white_post_rating, black_post_rating,
	initial_fen, moves, pgn, fen_history,
	winner_color, result_reason, result_score, status,
	rematch_of, rematch_game_id, schema_version, started_at, ended_at, created_at, updated_at
FROM games WHERE game_id=$1`

	var g model.DurableGame
	var tcRaw, movesRaw, fenHistRaw []byte
	var whiteID, blackID string
	var whitePreR, blackPreR int
	var whitePostR, blackPostR sql.NullInt64
	var winnerColor, reason, score, rematchOf, rematchGameID sql.NullString
	var endedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, q, gameID).Scan(
		&g.GameID, &g.Variant, &g.GameType, &tcRaw, &whiteID, &blackID,
		&whitePreR, &blackPreR, &whitePostR, &blackPostR,
		&g.InitialFEN, &movesRaw, &g.PGN, &fenHistRaw,
		&winnerColor, &reason, &score, &g.Status,
		&rematchOf, &rematchGameID, &g.SchemaVersion, &g.StartedAt, &endedAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return model.DurableGame{}, false, nil
	}
	if err != nil {
		return model.DurableGame{}, false, wrap(err)
	}

	_ = json.Unmarshal(tcRaw, &g.TimeControl)
	_ = json.Unmarshal(movesRaw, &g.Moves)
	_ = json.Unmarshal(fenHistRaw, &g.FENHistory)

	g.Players[0] = model.DurablePlayerResult{PlayerID: whiteID, Color: model.White, PreRating: whitePreR, PostRating: int(whitePostR.Int64)}
	g.Players[1] = model.DurablePlayerResult{PlayerID: blackID, Color: model.Black, PreRating: blackPreR, PostRating: int(blackPostR.Int64)}
	if winnerColor.Valid || reason.Valid || score.Valid {
		res := &model.DurableResult{Reason: model.EndReason(reason.String), Score: score.String}
		if winnerColor.Valid {
			c := model.Color(winnerColor.String)
			res.Winner = &c
		}
		g.Result = res
	}
	g.RematchOf = rematchOf.String
	g.RematchGameID = rematchGameID.String
	if endedAt.Valid {
		g.EndedAt = endedAt.Time
	}
	return g, true, nil
}

func (r gameRepo) ListRecentByPlayer(ctx context.Context, playerID string, limit int) ([]model.DurableGame, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `SELECT game_id FROM games WHERE white_id=$1 OR black_id=$1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, playerID, limit)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	out := make([]model.DurableGame, 0, len(ids))
	for _, id := range ids {
		g, ok, err := r.GetGame(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, g)
		}
	}
	return out, nil
}

// --- dead letters ---

type deadLetterRepo struct{ db *sql.DB }

func (r deadLetterRepo) Record(ctx context.Context, topic string, payload []byte, reason string, attempts int) error {
	const q = `INSERT INTO dead_letters (topic, payload, reason, attempts) VALUES ($1,$2,$3,$4)`
	_, err := r.db.ExecContext(ctx, q, topic, payload, reason, attempts)
	return wrap(err)
}

func (r deadLetterRepo) List(ctx context.Context, limit int) ([]durablestore.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, topic, payload, reason, attempts, extract(epoch from created_at)::bigint FROM dead_letters ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []durablestore.DeadLetter
	for rows.Next() {
		var dl durablestore.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.Topic, &dl.Payload, &dl.Reason, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

var _ durablestore.DurableStore = (*Store)(nil)
