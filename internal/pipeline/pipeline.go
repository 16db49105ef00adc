// Package pipeline is the PersistencePipeline: a batched, prioritized
// EventBus consumer that applies game events into DurableStore.
// Batch accumulation and retry-with-backoff are grounded on the
// teacher's obslog tee'd-core pattern of accumulating writes before a
// flush, generalized here from log lines to store writes, plus the
// upsert shape from pvpchess.Repository.SaveResult.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latticechess/arena-core/internal/durablestore"
	"github.com/latticechess/arena-core/internal/eventbus"
	"github.com/latticechess/arena-core/internal/metrics"
	"github.com/latticechess/arena-core/internal/obslog"
	"github.com/latticechess/arena-core/pkg/model"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

const (
	highBatchMax     = 10
	highFlushEvery   = time.Second
	mediumBatchMax   = 100
	mediumFlushEvery = 5 * time.Second
	lowBatchMax      = 200
	lowFlushEvery    = 10 * time.Second

	maxRetries = 5
	baseBackoff = 200 * time.Millisecond
)

// item is one accepted envelope; its priority is the queue it sits in.
type item struct {
	env eventbus.Envelope
}

type batchQueue struct {
	mu       sync.Mutex
	items    []item
	maxSize  int
	interval time.Duration
	lastFlush time.Time
}

func newQueue(maxSize int, interval time.Duration) *batchQueue {
	return &batchQueue{maxSize: maxSize, interval: interval, lastFlush: time.Now()}
}

func (q *batchQueue) add(it item) []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	if len(q.items) >= q.maxSize || time.Since(q.lastFlush) >= q.interval {
		return q.drain()
	}
	return nil
}

func (q *batchQueue) drainDue() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	if time.Since(q.lastFlush) < q.interval {
		return nil
	}
	return q.drain()
}

func (q *batchQueue) drain() []item {
	out := q.items
	q.items = nil
	q.lastFlush = time.Now()
	return out
}

// Pipeline consumes move/game/rating events off the bus and writes
// them into DurableStore in priority-ordered batches.
type Pipeline struct {
	bus     eventbus.EventBus
	durable durablestore.DurableStore
	metrics metrics.Recorder

	high, medium, low *batchQueue

	stop chan struct{}
	done chan struct{}
}

func New(bus eventbus.EventBus, durable durablestore.DurableStore, rec metrics.Recorder) *Pipeline {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Pipeline{
		bus:     bus,
		durable: durable,
		metrics: rec,
		high:    newQueue(highBatchMax, highFlushEvery),
		medium:  newQueue(mediumBatchMax, mediumFlushEvery),
		low:     newQueue(lowBatchMax, lowFlushEvery),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start subscribes to every relevant topic and begins the periodic
// flush loop. It returns once subscriptions are established; flushing
// continues in a background goroutine until Stop is called.
func (p *Pipeline) Start(ctx context.Context) error {
	topics := []eventbus.Topic{
		eventbus.TopicGameStarted,
		eventbus.TopicMoveMade,
		eventbus.TopicGameEnded,
		eventbus.TopicRatingUpdated,
	}
	var unsubs []func() error
	for _, t := range topics {
		unsub, err := p.bus.Subscribe(ctx, t, p.onEnvelope)
		if err != nil {
			for _, u := range unsubs {
				_ = u()
			}
			return err
		}
		unsubs = append(unsubs, unsub)
	}

	go p.flushLoop(ctx, unsubs)
	return nil
}

func (p *Pipeline) onEnvelope(ctx context.Context, env eventbus.Envelope) {
	prio := derivePriority(env)
	it := item{env: env}

	var due []item
	switch prio {
	case PriorityHigh:
		due = p.high.add(it)
	case PriorityMedium:
		due = p.medium.add(it)
	default:
		due = p.low.add(it)
	}
	if due != nil {
		p.flush(ctx, prio, due)
	}
}

func (p *Pipeline) flushLoop(ctx context.Context, unsubs []func() error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	defer close(p.done)
	defer func() {
		for _, u := range unsubs {
			_ = u()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if due := p.high.drainDue(); due != nil {
				p.flush(ctx, PriorityHigh, due)
			}
			if due := p.medium.drainDue(); due != nil {
				p.flush(ctx, PriorityMedium, due)
			}
			if due := p.low.drainDue(); due != nil {
				p.flush(ctx, PriorityLow, due)
			}
		}
	}
}

func (p *Pipeline) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pipeline) flush(ctx context.Context, prio Priority, items []item) {
	start := time.Now()
	defer func() {
		p.metrics.PipelineBatch(string(prio), len(items), time.Since(start))
	}()

	for _, it := range items {
		p.applyWithRetry(ctx, prio, it.env)
	}
}

func (p *Pipeline) applyWithRetry(ctx context.Context, prio Priority, env eventbus.Envelope) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(baseBackoff * time.Duration(1<<uint(attempt-1)))
		}
		if err := p.apply(ctx, env); err != nil {
			lastErr = err
			continue
		}
		return
	}

	obslog.L().Error("pipeline_dead_letter",
		zap.String("topic", string(env.Topic)),
		zap.String("game_id", env.GameID),
		zap.Error(lastErr))
	if err := p.durable.DeadLetters().Record(ctx, string(env.Topic), env.Payload, errString(lastErr), maxRetries); err != nil {
		obslog.L().Error("pipeline_dead_letter_record_failed", zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) apply(ctx context.Context, env eventbus.Envelope) error {
	switch env.Topic {
	case eventbus.TopicGameStarted:
		var live model.LiveGame
		if err := json.Unmarshal(env.Payload, &live); err != nil {
			return err
		}
		return p.durable.Games().SaveGame(ctx, toSkeleton(live))

	case eventbus.TopicMoveMade:
		var live model.LiveGame
		if err := json.Unmarshal(env.Payload, &live); err != nil {
			return err
		}
		existing, ok, err := p.durable.Games().GetGame(ctx, live.GameID)
		if err != nil {
			return err
		}
		if !ok {
			existing = toSkeleton(live)
		}
		existing.Moves = live.Moves
		existing.PGN = live.PGN
		if len(live.Moves)%10 == 0 && len(live.Moves) > 0 {
			existing.FENHistory = append(existing.FENHistory, live.CurrentFEN)
		}
		return p.durable.Games().SaveGame(ctx, existing)

	case eventbus.TopicGameEnded:
		var live model.LiveGame
		if err := json.Unmarshal(env.Payload, &live); err != nil {
			return err
		}
		existing, ok, err := p.durable.Games().GetGame(ctx, live.GameID)
		if err != nil {
			return err
		}
		if !ok {
			existing = toSkeleton(live)
		}
		existing.Moves = live.Moves
		existing.PGN = live.PGN
		existing.Status = "completed"
		existing.EndedAt = live.EndedAt
		existing.Result = &model.DurableResult{Winner: live.Winner, Reason: live.EndReason, Score: live.Result}
		return p.durable.Games().SaveGame(ctx, existing)

	case eventbus.TopicRatingUpdated:
		var patch struct {
			PlayerID string `json:"playerId"`
			Rating   int    `json:"rating"`
		}
		if err := json.Unmarshal(env.Payload, &patch); err != nil {
			return err
		}
		existing, ok, err := p.durable.Games().GetGame(ctx, env.GameID)
		if err != nil || !ok {
			return err
		}
		for i := range existing.Players {
			if existing.Players[i].PlayerID == patch.PlayerID {
				existing.Players[i].PostRating = patch.Rating
			}
		}
		return p.durable.Games().SaveGame(ctx, existing)

	default:
		return nil
	}
}

func toSkeleton(live model.LiveGame) model.DurableGame {
	white, black := live.Players[0], live.Players[1]
	return model.DurableGame{
		GameID:      live.GameID,
		Players: [2]model.DurablePlayerResult{
			{PlayerID: white.PlayerID, Color: white.Color, PreRating: white.Rating},
			{PlayerID: black.PlayerID, Color: black.Color, PreRating: black.Rating},
		},
		Variant:       live.GameInfo.Variant,
		GameType:      live.GameInfo.GameType,
		TimeControl:   live.GameInfo.TimeControl,
		InitialFEN:    live.InitialFEN,
		Moves:         live.Moves,
		PGN:           live.PGN,
		Status:        "active",
		StartedAt:     live.StartedAt,
		SchemaVersion: 1,
		CreatedAt:     live.StartedAt,
		UpdatedAt:     time.Now().UTC(),
	}
}

// derivePriority implements spec's priority-derivation rule for each
// topic based on the embedded LiveGame's clock state.
func derivePriority(env eventbus.Envelope) Priority {
	switch env.Topic {
	case eventbus.TopicGameEnded, eventbus.TopicRatingUpdated:
		return PriorityHigh
	case eventbus.TopicMoveMade:
		var live model.LiveGame
		if err := json.Unmarshal(env.Payload, &live); err != nil {
			return PriorityMedium
		}
		if live.GameOver {
			return PriorityHigh
		}
		for _, ms := range live.TimeLeftMs {
			if ms < 30_000 {
				return PriorityHigh
			}
		}
		// Every non-terminal, non-low-clock move is medium priority;
		// there is no lower tier for move_made itself (that's time_update's).
		return PriorityMedium
	case eventbus.TopicGameStarted:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
