// Package model holds the wire/storage shapes shared across the core:
// players, presence, matchmaking sessions, live games, and their
// durable counterparts. Types here are plain data with a few small
// lookup helpers (Opposite, Provisional, RatingFor, ColorOf, Opponent).
package model

import "time"

// Variant buckets which rating a game type draws on.
type Variant string

const (
	VariantRapid  Variant = "RAPID"
	VariantBlitz  Variant = "BLITZ"
	VariantBullet Variant = "BULLET"
)

// Color is a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// EndReason classifies why a game ended.
type EndReason string

const (
	ReasonCheckmate            EndReason = "checkmate"
	ReasonResignation          EndReason = "resignation"
	ReasonTimeout              EndReason = "timeout"
	ReasonStalemate            EndReason = "stalemate"
	ReasonAgreement            EndReason = "agreement"
	ReasonThreefold            EndReason = "threefold"
	ReasonInsufficientMaterial EndReason = "insufficient_material"
	ReasonFiftyMove            EndReason = "fifty_move"
)

// TimeControl is a base time plus increment, both in seconds.
type TimeControl struct {
	TimeSec      int `json:"time"`
	IncrementSec int `json:"increment"`
}

// GameTypeKey identifies a queue, e.g. "RAPID_10_0".
type GameTypeKey string

// RatingRecord is one variant's rating bucket for a player.
type RatingRecord struct {
	Rating      int `json:"rating"`
	GamesPlayed int `json:"gamesPlayed"`
	Wins        int `json:"wins"`
	Losses      int `json:"losses"`
	Draws       int `json:"draws"`
}

func (r RatingRecord) Provisional() bool { return r.GamesPlayed < 30 }

// Player is the identity + rating record consumed by the matchmaker
// and rating engine.
type Player struct {
	PlayerID string                    `json:"playerId"`
	Ratings  map[Variant]RatingRecord  `json:"ratings"`
}

func (p *Player) RatingFor(v Variant) RatingRecord {
	if p == nil || p.Ratings == nil {
		return RatingRecord{Rating: 1200}
	}
	if r, ok := p.Ratings[v]; ok {
		return r
	}
	return RatingRecord{Rating: 1200}
}

// Presence is ephemeral connection state for one player.
type Presence struct {
	PlayerID       string `json:"playerId"`
	ConnectionID   string `json:"connectionId"`
	RatingSnapshot int    `json:"ratingSnapshot"`
	Connected      bool   `json:"connected"`
}

// SearchSession is a player's active matchmaking search.
type SearchSession struct {
	PlayerID       string      `json:"playerId"`
	GameType       GameTypeKey `json:"gameType"`
	GameVariant    Variant     `json:"gameVariant"`
	TimeControl    TimeControl `json:"timeControl"`
	InitialRating  int         `json:"initialRating"`
	CurrentRange   int         `json:"currentRange"`
	SearchStart    time.Time   `json:"searchStartTime"`
	ConnectionID   string      `json:"connectionId"`
}

// PlayerDTO is the compact opponent view sent to clients.
type PlayerDTO struct {
	PlayerID string `json:"playerId"`
	Rating   int    `json:"rating"`
	Color    Color  `json:"color"`
}

// GameInfo describes the static parameters of a live game.
type GameInfo struct {
	Variant     Variant     `json:"variant"`
	GameType    GameTypeKey `json:"type"`
	TimeControl TimeControl `json:"timeControl"`
}

// Move is one applied ply.
type Move struct {
	SAN       string `json:"san"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	FEN       string `json:"fen,omitempty"`
	TimeStamp int64  `json:"timeStamp"`
}

// RatingChangeSnapshot is the pre-game display of possible rating deltas.
type RatingChangeSnapshot struct {
	OnWin         int  `json:"onWin"`
	OnLoss        int  `json:"onLoss"`
	OnDraw        int  `json:"onDraw"`
	IsProvisional bool `json:"isProvisional"`
}

// LiveGame is the sole authoritative record during play.
type LiveGame struct {
	GameID        string                        `json:"gameId"`
	Players       [2]PlayerDTO                  `json:"players"`
	TimeLeftMs    map[Color]int64               `json:"timeLeftMs"`
	GameInfo      GameInfo                      `json:"gameInfo"`
	InitialFEN    string                        `json:"initialFEN"`
	CurrentFEN    string                        `json:"currentFEN"`
	Moves         []Move                        `json:"moves"`
	PGN           string                        `json:"pgn"`
	Turn          Color                         `json:"turn"`
	StartedAt     time.Time                     `json:"startedAt"`
	LastMoveAt    time.Time                     `json:"lastMoveAt"`
	GameOver      bool                          `json:"gameOver"`
	Winner        *Color                        `json:"winner,omitempty"`
	Result        string                        `json:"result,omitempty"`
	EndReason     EndReason                     `json:"endReason,omitempty"`
	EndedAt       time.Time                     `json:"endedAt,omitempty"`
	RatingChanges map[string]RatingChangeSnapshot `json:"ratingChanges,omitempty"`
	NodeID        string                        `json:"nodeId,omitempty"`
}

func (g *LiveGame) ColorOf(playerID string) (Color, bool) {
	for _, p := range g.Players {
		if p.PlayerID == playerID {
			return p.Color, true
		}
	}
	return "", false
}

func (g *LiveGame) Opponent(playerID string) (PlayerDTO, bool) {
	for _, p := range g.Players {
		if p.PlayerID != playerID {
			return p, true
		}
	}
	return PlayerDTO{}, false
}

// DurablePlayerResult is one side's finished-game record.
type DurablePlayerResult struct {
	PlayerID   string `json:"playerId"`
	Color      Color  `json:"color"`
	PreRating  int    `json:"preRating"`
	PostRating int    `json:"postRating"`
}

// DurableResult is the finalized outcome of a game.
type DurableResult struct {
	Winner *Color    `json:"winner,omitempty"`
	Reason EndReason `json:"reason"`
	Score  string    `json:"score"` // "1-0" | "0-1" | "1/2-1/2"
}

// DurableGame is the finalized/historical record.
type DurableGame struct {
	GameID        string                 `json:"gameId"`
	Players       [2]DurablePlayerResult `json:"players"`
	Variant       Variant                `json:"variant"`
	GameType      GameTypeKey            `json:"gameType"`
	TimeControl   TimeControl            `json:"timeControl"`
	InitialFEN    string                 `json:"initialFEN"`
	Moves         []Move                 `json:"moves"`
	PGN           string                 `json:"pgn"`
	FENHistory    []string               `json:"fenHistory,omitempty"`
	Result        *DurableResult         `json:"result,omitempty"`
	Status        string                 `json:"status"`
	StartedAt     time.Time              `json:"startedAt"`
	EndedAt       time.Time              `json:"endedAt,omitempty"`
	RematchOf     string                 `json:"rematchOf,omitempty"`
	RematchGameID string                 `json:"rematchGameId,omitempty"`
	SchemaVersion int                    `json:"schemaVersion"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// ScoreFor maps winner to a PGN-style score string: white "1-0",
// black "0-1", and nil (any draw) "1/2-1/2".
func ScoreFor(winner *Color) string {
	if winner == nil {
		return "1/2-1/2"
	}
	if *winner == White {
		return "1-0"
	}
	return "0-1"
}
