package main

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	appcfg "github.com/latticechess/arena-core/internal/config"
	"github.com/latticechess/arena-core/internal/eventbus"
	"github.com/latticechess/arena-core/internal/eventbus/natsbus"
	"github.com/latticechess/arena-core/internal/gamecore"
	"github.com/latticechess/arena-core/internal/livestore"
	"github.com/latticechess/arena-core/internal/matchmaker"
	"github.com/latticechess/arena-core/internal/metrics"
	"github.com/latticechess/arena-core/internal/obslog"
	"github.com/latticechess/arena-core/internal/protocol"
	"github.com/latticechess/arena-core/internal/timemanager"
	"github.com/latticechess/arena-core/internal/wsserver"
	"github.com/latticechess/arena-core/pkg/model"
)

// router turns decoded client envelopes into Matchmaker/GameCore/
// TimeManager calls and turns their results into room broadcasts. It
// implements wsserver.Handler (via Handle) and timemanager.Broadcaster
// so TimeManager's forfeits reach the same sockets a move would, and
// wsserver.ConnectHandler/DisconnectHandler so presence and the clock
// track socket lifecycle.
type router struct {
	mm          *matchmaker.Matchmaker
	games       *gamecore.Core
	gameTypes   *appcfg.GameTypeRegistry
	metrics     metrics.Recorder
	nodeID      string
	store       livestore.LiveStore
	wsServer    *wsserver.Server
	timeManager *timemanager.Manager

	mu         sync.Mutex
	playerGame map[string]string // playerId -> gameId, for pausing the clock on disconnect
}

func newRouter(mm *matchmaker.Matchmaker, games *gamecore.Core, gameTypes *appcfg.GameTypeRegistry, rec metrics.Recorder, nodeID string, store livestore.LiveStore) *router {
	return &router{
		mm:         mm,
		games:      games,
		gameTypes:  gameTypes,
		metrics:    rec,
		nodeID:     nodeID,
		store:      store,
		playerGame: make(map[string]string),
	}
}

// OnConnect implements wsserver.ConnectHandler: creates or refreshes
// playerID's presence entry as soon as the socket is accepted, per
// spec's "created on connect, updated on reconnect" lifecycle. The
// rating snapshot is filled in once search_match reports it.
func (r *router) OnConnect(playerID, connectionID string) {
	if r.store == nil {
		return
	}
	existing, _, _ := r.store.GetPresence(context.Background(), playerID)
	if err := r.store.SetPresence(context.Background(), model.Presence{
		PlayerID:       playerID,
		ConnectionID:   connectionID,
		RatingSnapshot: existing.RatingSnapshot,
		Connected:      true,
	}); err != nil {
		obslog.L().Warn("presence_set_failed", zap.String("player_id", playerID), zap.Error(err))
	}
}

// OnDisconnect implements wsserver.DisconnectHandler: deletes presence,
// cancels any open search session, and pauses the clock for playerID's
// active game, per spec §5's "cancels its tick loop and its
// SearchSession" and §4.7's clock-pause-on-disconnect allowance.
func (r *router) OnDisconnect(playerID string) {
	ctx := context.Background()
	if r.store != nil {
		if err := r.store.ClearPresence(ctx, playerID); err != nil {
			obslog.L().Warn("presence_clear_failed", zap.String("player_id", playerID), zap.Error(err))
		}
	}
	if r.mm != nil {
		_ = r.mm.Cancel(ctx, playerID)
	}

	r.mu.Lock()
	gameID := r.playerGame[playerID]
	delete(r.playerGame, playerID)
	r.mu.Unlock()

	if gameID != "" && r.timeManager != nil {
		r.timeManager.Pause(gameID)
	}
}

func (r *router) Handle(ctx context.Context, playerID string, msg protocol.ClientEnvelope) protocol.Response {
	switch msg.Type {
	case protocol.MsgSearchMatch:
		return r.handleSearchMatch(ctx, playerID, msg.Data)
	case protocol.MsgCancelSearch:
		return r.handleCancelSearch(ctx, playerID)
	case protocol.MsgGetSearchStatus:
		return r.handleSearchStatus(ctx, playerID)
	case protocol.MsgStartGame, protocol.MsgRejoin:
		return r.handleJoin(ctx, playerID, msg.Data)
	case protocol.MsgMove:
		return r.handleMove(ctx, playerID, msg.Data)
	case protocol.MsgResign:
		return r.handleResign(ctx, playerID, msg.Data)
	case protocol.MsgOfferDraw:
		return r.handleOfferDraw(ctx, playerID, msg.Data)
	case protocol.MsgAcceptDraw:
		return r.handleAcceptDraw(ctx, playerID, msg.Data)
	case protocol.MsgDeclineDraw:
		return r.handleDeclineDraw(ctx, playerID, msg.Data)
	case protocol.MsgOfferRematch:
		return r.handleOfferRematch(ctx, playerID, msg.Data)
	case protocol.MsgAcceptRematch:
		return r.handleAcceptRematch(ctx, playerID, msg.Data)
	case protocol.MsgTimeUp:
		return r.handleTimeUp(ctx, playerID, msg.Data)
	case protocol.MsgRequestSync:
		return r.handleRequestSync(ctx, msg.Data)
	default:
		return protocol.Fail("unrecognized message type")
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

func (r *router) handleSearchMatch(ctx context.Context, playerID string, raw json.RawMessage) protocol.Response {
	data, err := decode[protocol.SearchMatchData](raw)
	if err != nil {
		return protocol.Fail("malformed search_match payload")
	}
	variant, tc, ok := r.gameTypes.Lookup(data.GameType)
	if !ok {
		variant, tc = data.Variant, data.TimeControl
	}
	rating := 1200 // TODO: source from an authenticated profile lookup once identity issuance is wired

	if err := r.mm.StartSearch(ctx, playerID, data.GameType, variant, tc, rating, playerID); err != nil {
		return protocol.Fail(err.Error())
	}

	result, err := r.mm.Tick(ctx, playerID)
	if err != nil {
		return protocol.Fail(err.Error())
	}
	return r.tickResponse(playerID, result)
}

func (r *router) handleCancelSearch(ctx context.Context, playerID string) protocol.Response {
	if err := r.mm.Cancel(ctx, playerID); err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.OK(nil)
}

func (r *router) handleSearchStatus(ctx context.Context, playerID string) protocol.Response {
	status, err := r.mm.Status(ctx, playerID)
	if err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.OK(protocol.SearchStatusData{
		IsSearching:    status.IsSearching,
		CurrentRange:   status.CurrentRange,
		SearchDuration: status.SearchDuration.Milliseconds(),
	})
}

func (r *router) tickResponse(playerID string, result matchmaker.TickResult) protocol.Response {
	if !result.Found {
		return protocol.OK(protocol.SearchStatusData{
			IsSearching:    true,
			CurrentRange:   result.CurrentRange,
			SearchDuration: result.SearchDuration.Milliseconds(),
		})
	}

	var opponent model.PlayerDTO
	if result.Opponent != nil {
		opponent = *result.Opponent
	}
	data := protocol.MatchFoundData{
		GameID:         result.GameID,
		Opponent:       opponent,
		RatingChanges:  result.RatingChanges,
		SearchDuration: result.SearchDuration.Milliseconds(),
		FinalRange:     result.CurrentRange,
	}
	if r.wsServer != nil {
		r.wsServer.SendTo(playerID, protocol.Envelope{Type: protocol.OutMatchFound, Data: data})
		if result.Opponent != nil {
			r.wsServer.SendTo(result.Opponent.PlayerID, protocol.Envelope{Type: protocol.OutMatchFound, Data: data})
		}
	}
	return protocol.OK(data)
}

func (r *router) handleJoin(ctx context.Context, playerID string, raw json.RawMessage) protocol.Response {
	data, err := decode[protocol.GameIDData](raw)
	if err != nil {
		return protocol.Fail("malformed payload")
	}
	live, ok, err := r.games.Get(ctx, data.GameID)
	if err != nil {
		return protocol.Fail(err.Error())
	}
	if !ok {
		return protocol.Fail("game not found")
	}

	if r.wsServer != nil {
		r.wsServer.JoinRoom(data.GameID, playerID)
	}
	if r.timeManager != nil {
		r.timeManager.Track(data.GameID, live)
		r.timeManager.Resume(data.GameID)
	}

	r.mu.Lock()
	r.playerGame[playerID] = data.GameID
	r.mu.Unlock()

	return protocol.OK(protocol.GameIDData{GameID: data.GameID})
}

func (r *router) handleMove(ctx context.Context, playerID string, raw json.RawMessage) protocol.Response {
	data, err := decode[protocol.MoveData](raw)
	if err != nil {
		return protocol.Fail("malformed move payload")
	}
	result, err := r.games.ApplyMove(ctx, data.GameID, playerID, data.Move)
	if err != nil {
		return protocol.Fail(err.Error())
	}

	if r.timeManager != nil {
		if result.Ended {
			r.timeManager.Untrack(data.GameID)
		} else {
			r.timeManager.OnMove(data.GameID, result.Live.LastMoveAt, result.Live.Turn)
		}
	}

	if result.Ended {
		r.BroadcastGameOver(data.GameID, result.Live)
	} else if r.wsServer != nil {
		r.wsServer.Broadcast(data.GameID, protocol.Envelope{
			Type: protocol.OutMove,
			Data: protocol.MoveBroadcastData{
				GameID:     data.GameID,
				SAN:        result.Move.SAN,
				NewFEN:     result.Live.CurrentFEN,
				NewPGN:     result.Live.PGN,
				MoveNumber: len(result.Live.Moves),
				TimeLeftMs: result.Live.TimeLeftMs,
				PlayerID:   playerID,
			},
		})
	}

	return protocol.OK(nil)
}

func (r *router) handleResign(ctx context.Context, playerID string, raw json.RawMessage) protocol.Response {
	data, err := decode[protocol.GameIDData](raw)
	if err != nil {
		return protocol.Fail("malformed payload")
	}
	live, err := r.games.Resign(ctx, data.GameID, playerID)
	if err != nil {
		return protocol.Fail(err.Error())
	}
	if r.timeManager != nil {
		r.timeManager.Untrack(data.GameID)
	}
	r.BroadcastGameOver(data.GameID, live)
	return protocol.OK(nil)
}

func (r *router) handleAcceptDraw(ctx context.Context, playerID string, raw json.RawMessage) protocol.Response {
	data, err := decode[protocol.GameIDData](raw)
	if err != nil {
		return protocol.Fail("malformed payload")
	}
	live, err := r.games.DrawByAgreement(ctx, data.GameID, playerID)
	if err != nil {
		return protocol.Fail(err.Error())
	}
	if r.timeManager != nil {
		r.timeManager.Untrack(data.GameID)
	}
	r.BroadcastGameOver(data.GameID, live)
	return protocol.OK(nil)
}

func (r *router) handleOfferDraw(ctx context.Context, playerID string, raw json.RawMessage) protocol.Response {
	return r.relayToOpponent(ctx, playerID, raw, protocol.OutOfferDraw, false)
}

func (r *router) handleDeclineDraw(ctx context.Context, playerID string, raw json.RawMessage) protocol.Response {
	return r.relayToOpponent(ctx, playerID, raw, protocol.OutDeclineDraw, false)
}

func (r *router) handleOfferRematch(ctx context.Context, playerID string, raw json.RawMessage) protocol.Response {
	return r.relayToOpponent(ctx, playerID, raw, protocol.OutOfferRematch, true)
}

// relayToOpponent forwards a {gameId} notification to playerID's
// opponent in gameId, used for offer_draw/decline_draw/offer_rematch
// which change no server state on their own. requireGameOver enforces
// which side of a game's lifecycle the message is valid on (rematch
// offers only make sense once a game has ended; draw offers only
// while it's still live).
func (r *router) relayToOpponent(ctx context.Context, playerID string, raw json.RawMessage, outType protocol.ServerMessageType, requireGameOver bool) protocol.Response {
	data, err := decode[protocol.GameIDData](raw)
	if err != nil {
		return protocol.Fail("malformed payload")
	}
	live, ok, err := r.games.Get(ctx, data.GameID)
	if err != nil {
		return protocol.Fail(err.Error())
	}
	if !ok {
		return protocol.Fail("game not found")
	}
	if requireGameOver && !live.GameOver {
		return protocol.Fail("game not finished")
	}
	if !requireGameOver && live.GameOver {
		return protocol.Fail("game already over")
	}
	opp, ok := live.Opponent(playerID)
	if !ok {
		return protocol.Fail("not a player in this game")
	}
	if r.wsServer != nil {
		r.wsServer.SendTo(opp.PlayerID, protocol.Envelope{Type: outType, Data: protocol.GameIDData{GameID: data.GameID}})
	}
	return protocol.OK(nil)
}

// handleAcceptRematch implements spec's "accepting a rematch creates a
// new game with swapped colors and a fresh clock": both players are
// pushed the new gameId so their clients can rejoin it.
func (r *router) handleAcceptRematch(ctx context.Context, playerID string, raw json.RawMessage) protocol.Response {
	data, err := decode[protocol.GameIDData](raw)
	if err != nil {
		return protocol.Fail("malformed payload")
	}
	live, err := r.games.AcceptRematch(ctx, data.GameID, playerID)
	if err != nil {
		return protocol.Fail(err.Error())
	}
	if r.timeManager != nil {
		r.timeManager.Track(live.GameID, live)
	}

	resp := protocol.GameIDData{GameID: live.GameID}
	if r.wsServer != nil {
		for _, p := range live.Players {
			r.wsServer.SendTo(p.PlayerID, protocol.Envelope{Type: protocol.OutRematchAccepted, Data: resp})
		}
	}
	return protocol.OK(resp)
}

func (r *router) handleTimeUp(ctx context.Context, playerID string, raw json.RawMessage) protocol.Response {
	data, err := decode[protocol.TimeUpData](raw)
	if err != nil {
		return protocol.Fail("malformed payload")
	}
	if r.timeManager == nil {
		return protocol.OK(nil)
	}
	if err := r.timeManager.ReportTimeUp(ctx, playerID, timemanager.TimeUpReport{GameID: data.GameID, Color: data.PlayerColor}); err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.OK(nil)
}

func (r *router) handleRequestSync(ctx context.Context, raw json.RawMessage) protocol.Response {
	data, err := decode[protocol.GameIDData](raw)
	if err != nil {
		return protocol.Fail("malformed payload")
	}
	if r.timeManager == nil {
		return protocol.OK(nil)
	}
	sync, err := r.timeManager.RequestSync(ctx, data.GameID)
	if err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.OK(protocol.TimeUpdateData{
		GameID:      data.GameID,
		WhiteMs:     sync.WhiteMs,
		BlackMs:     sync.BlackMs,
		CurrentTurn: sync.CurrentTurn,
		Now:         sync.Now.UnixMilli(),
	})
}

// BroadcastGameOver implements timemanager.Broadcaster.
func (r *router) BroadcastGameOver(gameID string, live model.LiveGame) {
	r.mu.Lock()
	for _, p := range live.Players {
		if r.playerGame[p.PlayerID] == gameID {
			delete(r.playerGame, p.PlayerID)
		}
	}
	r.mu.Unlock()

	if r.wsServer == nil {
		return
	}
	r.wsServer.Broadcast(gameID, protocol.Envelope{
		Type: protocol.OutGameOver,
		Data: protocol.GameOverData{
			GameID:        gameID,
			Winner:        live.Winner,
			Reason:        live.EndReason,
			FinalFEN:      live.CurrentFEN,
			FinalPGN:      live.PGN,
			RatingChanges: live.RatingChanges,
		},
	})
}

// SendSync implements timemanager.Broadcaster.
func (r *router) SendSync(gameID string, sync timemanager.SyncBroadcast) {
	if r.wsServer == nil {
		return
	}
	r.wsServer.Broadcast(gameID, protocol.Envelope{
		Type: protocol.OutTimeUpdate,
		Data: protocol.TimeUpdateData{
			GameID:      gameID,
			WhiteMs:     sync.WhiteMs,
			BlackMs:     sync.BlackMs,
			CurrentTurn: sync.CurrentTurn,
			Now:         sync.Now.UnixMilli(),
		},
	})
}

// SendSyncTo implements timemanager.Broadcaster.
func (r *router) SendSyncTo(gameID, playerID string, sync timemanager.SyncBroadcast) {
	if r.wsServer == nil {
		return
	}
	r.wsServer.SendTo(playerID, protocol.Envelope{
		Type: protocol.OutTimeUpdate,
		Data: protocol.TimeUpdateData{
			GameID:      gameID,
			WhiteMs:     sync.WhiteMs,
			BlackMs:     sync.BlackMs,
			CurrentTurn: sync.CurrentTurn,
			Now:         sync.Now.UnixMilli(),
		},
	})
}

// onRemoteEvent relays a bus event published by another node to any
// locally-joined sockets for that game. natsbus already dedups by
// eventId and the bus subject is per-topic-per-game, so this only
// needs to skip events this node itself originated.
func (r *router) onRemoteEvent(ctx context.Context, env eventbus.Envelope) {
	if natsbus.LocalNode(env, r.nodeID) {
		return
	}
	obslog.L().Debug("remote_event_received", zap.String("topic", string(env.Topic)), zap.String("game_id", env.GameID))

	if r.wsServer == nil || env.GameID == "" {
		return
	}
	switch env.Topic {
	case eventbus.TopicMoveMade, eventbus.TopicGameEnded, eventbus.TopicGameStarted:
		var live model.LiveGame
		if err := json.Unmarshal(env.Payload, &live); err != nil {
			return
		}
		r.wsServer.Broadcast(env.GameID, protocol.Envelope{Type: protocol.OutMove, Data: live})
	}
}
