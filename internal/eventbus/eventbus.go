// Package eventbus defines the EventBus contract: the distributed
// broadcast fabric carrying game and matchmaking events between nodes
// and into the PersistencePipeline. The reference implementation lives
// in internal/eventbus/natsbus.
package eventbus

import (
	"context"
	"time"
)

// Topic names an event stream. Reference topics fold the gameId into
// the subject so per-game ordering holds without a global sequencer.
type Topic string

const (
	TopicMoveMade      Topic = "arena.moves"
	TopicGameStarted   Topic = "arena.games.started"
	TopicGameEnded     Topic = "arena.games.ended"
	TopicMatchFound    Topic = "arena.matchmaking.found"
	TopicClockSync     Topic = "arena.clock.sync"
	TopicRatingUpdated Topic = "arena.ratings.updated"
)

// Envelope is the wire shape for every event on the bus: enough
// metadata for consumer-side dedup and loop suppression without
// inspecting the payload.
type Envelope struct {
	EventID      string          `json:"eventId"`
	Topic        Topic           `json:"topic"`
	GameID       string          `json:"gameId,omitempty"`
	OriginNodeID string          `json:"originNodeId"`
	SeqNum       int64           `json:"seqNum"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      []byte          `json:"payload"`
}

// Handler processes one delivered envelope. It returns nothing, and
// the bus never redelivers an envelope — retry policy for durable
// side-effects belongs to the consumer (see internal/pipeline).
type Handler func(ctx context.Context, env Envelope)

// EventBus publishes and subscribes to game/matchmaking events across
// nodes, subject-partitioned by gameId where ordering matters.
type EventBus interface {
	Publish(ctx context.Context, topic Topic, gameID string, payload []byte) error
	Subscribe(ctx context.Context, topic Topic, handler Handler) (unsubscribe func() error, err error)
	// SubscribeGame subscribes only to events for one game. The
	// websocket router uses Subscribe instead.
	SubscribeGame(ctx context.Context, topic Topic, gameID string, handler Handler) (unsubscribe func() error, err error)
	NodeID() string
	Close() error
}
