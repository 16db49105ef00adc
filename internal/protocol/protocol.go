// Package protocol defines the client<->server WebSocket message
// envelope: a tagged union keyed by an explicit type discriminator,
// resolving spec's design note that ad-hoc JSON on the bus should be
// replaced with fixed-shape variants validated at the boundary. The
// discriminated-envelope shape mirrors the teacher's irisfast wire
// messages (a type tag plus a data payload).
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/latticechess/arena-core/pkg/model"
)

// ClientMessageType enumerates every accepted client -> server tag.
type ClientMessageType string

const (
	MsgSearchMatch     ClientMessageType = "search_match"
	MsgCancelSearch    ClientMessageType = "cancel_search"
	MsgGetSearchStatus ClientMessageType = "get_search_status"
	MsgStartGame       ClientMessageType = "start_game"
	MsgRejoin          ClientMessageType = "rejoin"
	MsgMove            ClientMessageType = "move"
	MsgResign          ClientMessageType = "resign"
	MsgOfferDraw       ClientMessageType = "offer_draw"
	MsgAcceptDraw      ClientMessageType = "accept_draw"
	MsgDeclineDraw     ClientMessageType = "decline_draw"
	MsgOfferRematch    ClientMessageType = "offer_rematch"
	MsgAcceptRematch   ClientMessageType = "accept_rematch"
	MsgTimeUp          ClientMessageType = "time_up"
	MsgRequestSync     ClientMessageType = "request_time_sync"
)

// ServerMessageType enumerates every server -> client tag.
type ServerMessageType string

const (
	OutMatchFound          ServerMessageType = "match_found"
	OutSearchStatus        ServerMessageType = "search_status"
	OutStartGame           ServerMessageType = "start_game"
	OutRejoin              ServerMessageType = "rejoin"
	OutMove                ServerMessageType = "move"
	OutGameOver            ServerMessageType = "game_over"
	OutOfferDraw           ServerMessageType = "offer_draw"
	OutDeclineDraw         ServerMessageType = "draw_declined"
	OutOfferRematch        ServerMessageType = "offer_rematch"
	OutRematchAccepted     ServerMessageType = "rematch_accepted"
	OutTimeUpdate          ServerMessageType = "time_update"
	OutOpponentReconnecting ServerMessageType = "opponent_reconnecting"
	OutError               ServerMessageType = "error"
)

// ClientEnvelope is the raw inbound frame before payload dispatch.
type ClientEnvelope struct {
	Type ClientMessageType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

// Envelope is the outbound frame; every server push uses this shape.
type Envelope struct {
	Type ServerMessageType `json:"type"`
	Data interface{}       `json:"data,omitempty"`
}

// Response wraps every command result, matching spec's
// `{success, message?, data?}` client-visible shape.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(data interface{}) Response       { return Response{Success: true, Data: data} }
func Fail(message string) Response       { return Response{Success: false, Message: message} }

// --- inbound payload shapes ---

type SearchMatchData struct {
	GameType    model.GameTypeKey `json:"gameType"`
	Variant     model.Variant     `json:"variant"`
	TimeControl model.TimeControl `json:"timeControl"`
}

type GameIDData struct {
	GameID string `json:"gameId"`
}

type MoveData struct {
	GameID string `json:"gameId"`
	Move   string `json:"move"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

type TimeUpData struct {
	GameID      string      `json:"gameId"`
	PlayerColor model.Color `json:"playerColor"`
}

// --- outbound payload shapes ---

type MatchFoundData struct {
	GameID         string                                    `json:"gameId"`
	Opponent       model.PlayerDTO                            `json:"opponent"`
	RatingChanges  map[string]model.RatingChangeSnapshot       `json:"ratingChanges"`
	SearchDuration int64                                       `json:"searchDurationMs"`
	FinalRange     int                                         `json:"finalRange"`
}

type SearchStatusData struct {
	IsSearching    bool `json:"isSearching"`
	CurrentRange   int  `json:"currentRange"`
	SearchDuration int64 `json:"searchDurationMs"`
}

type MoveBroadcastData struct {
	GameID     string          `json:"gameId"`
	SAN        string          `json:"san"`
	NewFEN     string          `json:"newFen"`
	NewPGN     string          `json:"newPgn"`
	MoveNumber int             `json:"moveNumber"`
	TimeLeftMs map[model.Color]int64 `json:"timeLeftMs"`
	PlayerID   string          `json:"playerId"`
}

type GameOverData struct {
	GameID        string                              `json:"gameId"`
	Winner        *model.Color                        `json:"winner"`
	Reason        model.EndReason                     `json:"reason"`
	FinalFEN      string                              `json:"finalFen"`
	FinalPGN      string                              `json:"finalPgn"`
	RatingChanges map[string]model.RatingChangeSnapshot `json:"ratingChanges,omitempty"`
}

type TimeUpdateData struct {
	GameID      string      `json:"gameId"`
	WhiteMs     int64       `json:"whiteMs"`
	BlackMs     int64       `json:"blackMs"`
	CurrentTurn model.Color `json:"currentTurn"`
	Now         int64       `json:"now"`
}

// DecodeInbound unmarshals raw into a ClientEnvelope.
func DecodeInbound(raw []byte) (ClientEnvelope, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientEnvelope{}, fmt.Errorf("decode client envelope: %w", err)
	}
	return env, nil
}
