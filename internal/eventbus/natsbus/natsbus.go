// Package natsbus is the reference EventBus, backed by
// github.com/nats-io/nats.go. Subjects fold gameId into the routing
// key (arena.moves.<gameId>) so NATS's ordered per-subject delivery
// gives per-game ordering for free; cross-game topics use a wildcard
// subscription. The dependency itself comes from the corpus (declared
// but unused in the source repo that carried it) — the subject-per-key
// partitioning scheme is adapted from the teacher's room/code keying
// in pvpchan, where each channel code namespaces its own Redis keys.
package natsbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/latticechess/arena-core/internal/arenaerr"
	"github.com/latticechess/arena-core/internal/eventbus"
)

func encode(env eventbus.Envelope) ([]byte, error) { return json.Marshal(env) }

func decode(raw []byte) (eventbus.Envelope, error) {
	var env eventbus.Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

type Bus struct {
	nc     *nats.Conn
	nodeID string

	mu    sync.Mutex
	seq   int64
	seen  map[string]time.Time // dedup: eventID -> firstSeen, trimmed lazily
}

// Connect dials the NATS server at url and tags every published
// envelope with nodeID for loop suppression.
func Connect(url, nodeID string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("arena-core:"+nodeID),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, arenaerr.Wrap(arenaerr.BusUnavailable, "connect nats", err)
	}
	return &Bus{nc: nc, nodeID: nodeID, seen: make(map[string]time.Time)}, nil
}

func (b *Bus) NodeID() string { return b.nodeID }

func subject(topic eventbus.Topic, gameID string) string {
	if gameID == "" {
		return string(topic)
	}
	return fmt.Sprintf("%s.%s", topic, gameID)
}

func (b *Bus) nextSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

func (b *Bus) Publish(ctx context.Context, topic eventbus.Topic, gameID string, payload []byte) error {
	env := eventbus.Envelope{
		EventID:      newEventID(),
		Topic:        topic,
		GameID:       gameID,
		OriginNodeID: b.nodeID,
		SeqNum:       b.nextSeq(),
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
	}
	raw, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(subject(topic, gameID), raw); err != nil {
		return arenaerr.Wrap(arenaerr.BusUnavailable, "publish", err)
	}
	return nil
}

func (b *Bus) subscribe(subj string, handler eventbus.Handler) (func() error, error) {
	sub, err := b.nc.Subscribe(subj, func(msg *nats.Msg) {
		env, err := decode(msg.Data)
		if err != nil {
			return
		}
		if !b.markSeen(env.EventID) {
			return // already processed, at-least-once delivery dedup
		}
		handler(context.Background(), env)
	})
	if err != nil {
		return nil, arenaerr.Wrap(arenaerr.BusUnavailable, "subscribe "+subj, err)
	}
	return sub.Unsubscribe, nil
}

// Subscribe listens to every gameId under topic via a wildcard
// subject, e.g. "arena.moves.*".
func (b *Bus) Subscribe(ctx context.Context, topic eventbus.Topic, handler eventbus.Handler) (func() error, error) {
	return b.subscribe(string(topic)+".*", handler)
}

// SubscribeGame listens only to one game's events on topic.
func (b *Bus) SubscribeGame(ctx context.Context, topic eventbus.Topic, gameID string, handler eventbus.Handler) (func() error, error) {
	return b.subscribe(subject(topic, gameID), handler)
}

// markSeen returns true the first time eventID is observed. Entries
// older than five minutes are dropped on each call so the map doesn't
// grow unbounded across a long-running process.
func (b *Bus) markSeen(eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-5 * time.Minute)
	for id, t := range b.seen {
		if t.Before(cutoff) {
			delete(b.seen, id)
		}
	}
	if _, ok := b.seen[eventID]; ok {
		return false
	}
	b.seen[eventID] = time.Now()
	return true
}

func (b *Bus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	b.nc.Close()
	return nil
}

func newEventID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

var _ eventbus.EventBus = (*Bus)(nil)

// LocalNode reports whether env originated on this node, used to
// suppress double-processing events a node already applied locally
// before publishing them.
func LocalNode(env eventbus.Envelope, nodeID string) bool {
	return strings.EqualFold(env.OriginNodeID, nodeID)
}
