// Package gamecore is the authoritative game state machine: move
// validation via chessrules, clock bookkeeping, terminal
// classification, and exactly-once rating finalization. Its
// applyMove replay-then-mutate shape and its resign/draw handling are
// grounded on the teacher's pvpchess.Manager, which owns the same
// load-validate-mutate-persist sequence for a single PvP game.
package gamecore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latticechess/arena-core/internal/arenaerr"
	"github.com/latticechess/arena-core/internal/chessrules"
	"github.com/latticechess/arena-core/internal/durablestore"
	"github.com/latticechess/arena-core/internal/eventbus"
	"github.com/latticechess/arena-core/internal/livestore"
	"github.com/latticechess/arena-core/internal/metrics"
	"github.com/latticechess/arena-core/internal/obslog"
	"github.com/latticechess/arena-core/internal/rating"
	"github.com/latticechess/arena-core/pkg/model"
)

const finalizeGuardTTL = 24 * time.Hour

type Core struct {
	store   livestore.LiveStore
	durable durablestore.DurableStore
	bus     eventbus.EventBus
	metrics metrics.Recorder
	nodeID  string
}

func New(store livestore.LiveStore, durable durablestore.DurableStore, bus eventbus.EventBus, rec metrics.Recorder, nodeID string) *Core {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Core{store: store, durable: durable, bus: bus, metrics: rec, nodeID: nodeID}
}

// CreateParams describes a freshly-paired game.
type CreateParams struct {
	WhiteID     string
	WhiteRating int
	BlackID     string
	BlackRating int
	Variant     model.Variant
	GameType    model.GameTypeKey
	TimeControl model.TimeControl
	RematchOf   string // set when this game was created by AcceptRematch
}

// Create writes the LiveGame and skeleton DurableGame for a new pair.
func (c *Core) Create(ctx context.Context, p CreateParams) (model.LiveGame, error) {
	gameID := uuid.NewString()
	now := time.Now().UTC()
	timeMs := int64(p.TimeControl.TimeSec) * 1000

	white := model.PlayerDTO{PlayerID: p.WhiteID, Rating: p.WhiteRating, Color: model.White}
	black := model.PlayerDTO{PlayerID: p.BlackID, Rating: p.BlackRating, Color: model.Black}

	live := model.LiveGame{
		GameID:     gameID,
		Players:    [2]model.PlayerDTO{white, black},
		TimeLeftMs: map[model.Color]int64{model.White: timeMs, model.Black: timeMs},
		GameInfo:   model.GameInfo{Variant: p.Variant, GameType: p.GameType, TimeControl: p.TimeControl},
		InitialFEN: chessrules.StartFEN,
		CurrentFEN: chessrules.StartFEN,
		Moves:      []model.Move{},
		PGN:        "",
		Turn:       model.White,
		StartedAt:  now,
		LastMoveAt: now,
		NodeID:     c.nodeID,
		RatingChanges: map[string]model.RatingChangeSnapshot{
			p.WhiteID: rating.Snapshot(model.RatingRecord{Rating: p.WhiteRating}, p.BlackRating),
			p.BlackID: rating.Snapshot(model.RatingRecord{Rating: p.BlackRating}, p.WhiteRating),
		},
	}

	if err := c.store.SaveLiveGame(ctx, live); err != nil {
		return model.LiveGame{}, err
	}

	skeleton := model.DurableGame{
		GameID: gameID,
		Players: [2]model.DurablePlayerResult{
			{PlayerID: p.WhiteID, Color: model.White, PreRating: p.WhiteRating},
			{PlayerID: p.BlackID, Color: model.Black, PreRating: p.BlackRating},
		},
		Variant:       p.Variant,
		GameType:      p.GameType,
		TimeControl:   p.TimeControl,
		InitialFEN:    live.InitialFEN,
		Status:        "active",
		StartedAt:     now,
		RematchOf:     p.RematchOf,
		SchemaVersion: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.durable.Games().SaveGame(ctx, skeleton); err != nil {
		obslog.ForGame(gameID).Warn("skeleton_save_failed", zap.Error(err))
	}

	c.publishGame(ctx, eventbus.TopicGameStarted, gameID, live)
	c.metrics.ActiveGames(1)
	return live, nil
}

// Get returns the current LiveGame, used on join/rejoin to rebuild
// TimeManager's ClockState for a game this node did not create.
func (c *Core) Get(ctx context.Context, gameID string) (model.LiveGame, bool, error) {
	return c.store.GetLiveGame(ctx, gameID)
}

// AcceptRematch creates a fresh, swapped-color game for the two
// players of a finished game and links the pair via RematchOf/
// RematchGameID. acceptorID must be one of the finished game's
// players; the color swap itself is unconditional, independent of
// which side accepted.
func (c *Core) AcceptRematch(ctx context.Context, gameID, acceptorID string) (model.LiveGame, error) {
	prior, ok, err := c.durable.Games().GetGame(ctx, gameID)
	if err != nil {
		return model.LiveGame{}, err
	}
	if !ok {
		return model.LiveGame{}, arenaerr.New(arenaerr.NotFound, "game not found")
	}
	if prior.Status != "completed" {
		return model.LiveGame{}, arenaerr.New(arenaerr.Conflict, "game not finished")
	}

	oldWhite, oldBlack := prior.Players[0], prior.Players[1]
	if acceptorID != oldWhite.PlayerID && acceptorID != oldBlack.PlayerID {
		return model.LiveGame{}, arenaerr.New(arenaerr.Unauthorized, "not a player in this game")
	}

	live, err := c.Create(ctx, CreateParams{
		WhiteID:     oldBlack.PlayerID,
		WhiteRating: latestRating(oldBlack),
		BlackID:     oldWhite.PlayerID,
		BlackRating: latestRating(oldWhite),
		Variant:     prior.Variant,
		GameType:    prior.GameType,
		TimeControl: prior.TimeControl,
		RematchOf:   gameID,
	})
	if err != nil {
		return model.LiveGame{}, err
	}

	prior.RematchGameID = live.GameID
	prior.UpdatedAt = time.Now().UTC()
	if err := c.durable.Games().SaveGame(ctx, prior); err != nil {
		obslog.ForGame(gameID).Warn("rematch_link_failed", zap.Error(err))
	}
	return live, nil
}

func latestRating(p model.DurablePlayerResult) int {
	if p.PostRating != 0 {
		return p.PostRating
	}
	return p.PreRating
}

// ApplyMoveResult is returned from ApplyMove.
type ApplyMoveResult struct {
	Live  model.LiveGame
	Move  model.Move
	Ended bool
}

// ApplyMove validates and applies a SAN (or UCI) move by playerID.
func (c *Core) ApplyMove(ctx context.Context, gameID, playerID, moveStr string) (ApplyMoveResult, error) {
	live, ok, err := c.store.GetLiveGame(ctx, gameID)
	if err != nil {
		return ApplyMoveResult{}, err
	}
	if !ok {
		return ApplyMoveResult{}, arenaerr.New(arenaerr.NotFound, "game not found")
	}
	if live.GameOver {
		return ApplyMoveResult{}, arenaerr.ErrFinalized
	}

	moverColor, ok := live.ColorOf(playerID)
	if !ok {
		return ApplyMoveResult{}, arenaerr.New(arenaerr.Unauthorized, "not a player in this game")
	}
	if moverColor != live.Turn {
		return ApplyMoveResult{}, arenaerr.ErrNotYourTurn
	}

	sans := make([]string, 0, len(live.Moves))
	for _, mv := range live.Moves {
		sans = append(sans, mv.SAN)
	}
	state, err := chessrules.ReplaySAN(live.InitialFEN, sans)
	if err != nil {
		return ApplyMoveResult{}, fmt.Errorf("reconstruct engine state: %w", err)
	}

	applied, err := chessrules.ApplyMove(state, moveStr)
	if err != nil {
		c.metrics.MoveRejected(string(live.GameInfo.GameType), "illegal_move")
		return ApplyMoveResult{}, arenaerr.Wrap(arenaerr.IllegalMove, "illegal move", err)
	}

	now := time.Now().UTC()
	elapsedMs := now.Sub(live.LastMoveAt).Milliseconds()
	incrementMs := int64(live.GameInfo.TimeControl.IncrementSec) * 1000
	newLeft := live.TimeLeftMs[moverColor] - elapsedMs + incrementMs
	if newLeft < 0 {
		newLeft = 0
	}
	live.TimeLeftMs[moverColor] = newLeft

	move := model.Move{SAN: applied.SAN, From: applied.From, To: applied.To, FEN: applied.NewFEN, TimeStamp: now.UnixMilli()}
	live.Moves = append(live.Moves, move)
	live.PGN = applied.NewPGN
	live.CurrentFEN = applied.NewFEN
	live.Turn = moverColor.Opposite()
	live.LastMoveAt = now

	term := chessrules.Terminal(state)
	ended := term.Over
	if ended {
		c.classifyTerminal(&live, term, chessrules.Winner(state))
	}

	if err := c.store.SaveLiveGame(ctx, live); err != nil {
		return ApplyMoveResult{}, err
	}

	c.metrics.MoveApplied(string(live.GameInfo.GameType))

	if ended {
		c.finalize(ctx, &live)
		c.publishGame(ctx, eventbus.TopicGameEnded, gameID, live)
	} else {
		c.publishGame(ctx, eventbus.TopicMoveMade, gameID, live)
	}

	return ApplyMoveResult{Live: live, Move: move, Ended: ended}, nil
}

func (c *Core) classifyTerminal(live *model.LiveGame, term chessrules.TerminalStatus, engineWinner string) {
	live.GameOver = true
	live.EndedAt = time.Now().UTC()

	switch term.Reason {
	case chessrules.ReasonCheckmate:
		w := model.Color(engineWinner)
		live.Winner = &w
		live.EndReason = model.ReasonCheckmate
	case chessrules.ReasonStalemate:
		live.EndReason = model.ReasonStalemate
	case chessrules.ReasonThreefold:
		live.EndReason = model.ReasonThreefold
	case chessrules.ReasonInsufficientMaterial:
		live.EndReason = model.ReasonInsufficientMaterial
	case chessrules.ReasonFiftyMove:
		live.EndReason = model.ReasonFiftyMove
	}
	live.Result = model.ScoreFor(live.Winner)
}

// Resign ends the game with playerID's opponent as winner.
func (c *Core) Resign(ctx context.Context, gameID, playerID string) (model.LiveGame, error) {
	return c.terminateBy(ctx, gameID, func(live *model.LiveGame) error {
		color, ok := live.ColorOf(playerID)
		if !ok {
			return arenaerr.New(arenaerr.Unauthorized, "not a player in this game")
		}
		winner := color.Opposite()
		live.Winner = &winner
		live.EndReason = model.ReasonResignation
		live.Result = model.ScoreFor(live.Winner)
		return nil
	})
}

// DrawByAgreement ends the game as a draw.
func (c *Core) DrawByAgreement(ctx context.Context, gameID, acceptorID string) (model.LiveGame, error) {
	return c.terminateBy(ctx, gameID, func(live *model.LiveGame) error {
		if _, ok := live.ColorOf(acceptorID); !ok {
			return arenaerr.New(arenaerr.Unauthorized, "not a player in this game")
		}
		live.Winner = nil
		live.EndReason = model.ReasonAgreement
		live.Result = model.ScoreFor(nil)
		return nil
	})
}

// TimeoutForfeit ends the game because losingColor's clock hit zero.
// Invoked by TimeManager.
func (c *Core) TimeoutForfeit(ctx context.Context, gameID string, losingColor model.Color) (model.LiveGame, error) {
	return c.terminateBy(ctx, gameID, func(live *model.LiveGame) error {
		winner := losingColor.Opposite()
		live.Winner = &winner
		live.EndReason = model.ReasonTimeout
		live.Result = model.ScoreFor(live.Winner)
		return nil
	})
}

func (c *Core) terminateBy(ctx context.Context, gameID string, mutate func(*model.LiveGame) error) (model.LiveGame, error) {
	live, ok, err := c.store.GetLiveGame(ctx, gameID)
	if err != nil {
		return model.LiveGame{}, err
	}
	if !ok {
		return model.LiveGame{}, arenaerr.New(arenaerr.NotFound, "game not found")
	}
	if live.GameOver {
		return model.LiveGame{}, arenaerr.ErrFinalized
	}
	if err := mutate(&live); err != nil {
		return model.LiveGame{}, err
	}
	live.GameOver = true
	live.EndedAt = time.Now().UTC()

	if err := c.store.SaveLiveGame(ctx, live); err != nil {
		return model.LiveGame{}, err
	}
	c.finalize(ctx, &live)
	c.publishGame(ctx, eventbus.TopicGameEnded, gameID, live)
	return live, nil
}

// finalize claims the exactly-once finalization guard and, on success,
// applies rating updates for both players. Losers of the race
// silently no-op, matching spec's "Finalized races are expected and
// swallowed".
func (c *Core) finalize(ctx context.Context, live *model.LiveGame) {
	claimed, err := c.store.FinalizeGame(ctx, live.GameID, finalizeGuardTTL)
	if err != nil {
		obslog.ForGame(live.GameID).Warn("finalize_guard_error", zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	c.metrics.ActiveGames(-1)
	if live.EndReason == model.ReasonTimeout {
		c.metrics.TimeoutFired(string(live.GameInfo.GameType))
	}

	white, black := live.Players[0], live.Players[1]
	whiteRec, whiteFound, _ := c.durable.Players().GetRating(ctx, white.PlayerID, live.GameInfo.Variant)
	if !whiteFound {
		whiteRec = model.RatingRecord{Rating: white.Rating}
	}
	blackRec, blackFound, _ := c.durable.Players().GetRating(ctx, black.PlayerID, live.GameInfo.Variant)
	if !blackFound {
		blackRec = model.RatingRecord{Rating: black.Rating}
	}

	whiteScore := rating.ScoreFromResult(live.Result, true)
	blackScore := rating.ScoreFromResult(live.Result, false)

	newWhite, _ := rating.Update(whiteRec, blackRec.Rating, whiteScore)
	newBlack, _ := rating.Update(blackRec, whiteRec.Rating, blackScore)

	if err := c.durable.Players().UpsertRating(ctx, white.PlayerID, live.GameInfo.Variant, newWhite); err != nil {
		obslog.ForGame(live.GameID).Warn("rating_upsert_failed", zap.String("player_id", white.PlayerID), zap.Error(err))
	}
	if err := c.durable.Players().UpsertRating(ctx, black.PlayerID, live.GameInfo.Variant, newBlack); err != nil {
		obslog.ForGame(live.GameID).Warn("rating_upsert_failed", zap.String("player_id", black.PlayerID), zap.Error(err))
	}
	_ = c.durable.Players().AppendRatingHistory(ctx, white.PlayerID, live.GameInfo.Variant, float64(newWhite.Rating), live.GameID)
	_ = c.durable.Players().AppendRatingHistory(ctx, black.PlayerID, live.GameInfo.Variant, float64(newBlack.Rating), live.GameID)

	c.publishRatingUpdated(ctx, live.GameID, white.PlayerID, newWhite.Rating)
	c.publishRatingUpdated(ctx, live.GameID, black.PlayerID, newBlack.Rating)
}

func (c *Core) publishGame(ctx context.Context, topic eventbus.Topic, gameID string, live model.LiveGame) {
	if c.bus == nil {
		return
	}
	payload, err := marshalEnvelope(live)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, topic, gameID, payload); err != nil {
		c.metrics.BusDropped(string(topic), "publish_error")
	} else {
		c.metrics.BusPublished(string(topic))
	}
}

func (c *Core) publishRatingUpdated(ctx context.Context, gameID, playerID string, newRating int) {
	if c.bus == nil {
		return
	}
	payload, err := marshalEnvelope(map[string]interface{}{"playerId": playerID, "rating": newRating})
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, eventbus.TopicRatingUpdated, gameID, payload); err != nil {
		c.metrics.BusDropped(string(eventbus.TopicRatingUpdated), "publish_error")
	}
}
