// Package timemanager runs the single process-wide clock scanner:
// one goroutine, one ticker, computing remaining time from each
// node-local LiveGame rather than a per-game timer. Grounded on the
// teacher's single-goroutine ping-loop shape in irisfast/ws_nhooyr.go,
// generalized from "one ticker per connection" to "one ticker per
// node scanning every locally-owned game".
package timemanager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latticechess/arena-core/internal/gamecore"
	"github.com/latticechess/arena-core/internal/livestore"
	"github.com/latticechess/arena-core/internal/metrics"
	"github.com/latticechess/arena-core/internal/obslog"
	"github.com/latticechess/arena-core/pkg/model"
)

const scanInterval = time.Second

// ClockState is the in-process reference used to compute elapsed time
// without re-reading LiveStore on every tick.
type ClockState struct {
	LastMoveTime time.Time
	CurrentTurn  model.Color
	Active       bool
}

// TimeUpReport carries a client's claim that gameId's clock expired.
type TimeUpReport struct {
	GameID string
	Color  model.Color
}

// SyncBroadcast is the authoritative clock snapshot pushed on request
// or after a correction.
type SyncBroadcast struct {
	GameID      string
	WhiteMs     int64
	BlackMs     int64
	CurrentTurn model.Color
	Now         time.Time
}

// Broadcaster delivers server-originated messages to a game's room;
// implemented by the SocketAdapter layer.
type Broadcaster interface {
	BroadcastGameOver(gameID string, live model.LiveGame)
	SendSync(gameID string, sync SyncBroadcast)
	SendSyncTo(gameID, playerID string, sync SyncBroadcast)
}

type Manager struct {
	store   livestore.LiveStore
	games   *gamecore.Core
	metrics metrics.Recorder
	bcast   Broadcaster

	mu     sync.Mutex
	clocks map[string]*ClockState

	stop chan struct{}
	done chan struct{}
}

func New(store livestore.LiveStore, games *gamecore.Core, rec metrics.Recorder, bcast Broadcaster) *Manager {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Manager{
		store:   store,
		games:   games,
		metrics: rec,
		bcast:   bcast,
		clocks:  make(map[string]*ClockState),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Track registers gameID as node-local, rebuilding ClockState from
// its LiveGame. Called on game creation and on a player's rejoin.
func (m *Manager) Track(gameID string, live model.LiveGame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clocks[gameID] = &ClockState{LastMoveTime: live.LastMoveAt, CurrentTurn: live.Turn, Active: true}
}

// Untrack removes gameID from the local scan set, e.g. once finalized.
func (m *Manager) Untrack(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clocks, gameID)
}

// Pause freezes deductions for gameID, used on player disconnect.
func (m *Manager) Pause(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.clocks[gameID]; ok {
		cs.Active = false
	}
}

// Resume unfreezes gameID; lastMoveTime resets to now so no penalty
// accrues during the pause window.
func (m *Manager) Resume(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.clocks[gameID]; ok {
		cs.LastMoveTime = time.Now().UTC()
		cs.Active = true
	}
}

// OnMove refreshes ClockState after a move is applied.
func (m *Manager) OnMove(gameID string, moveTimestamp time.Time, nextTurn model.Color) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.clocks[gameID]; ok {
		cs.LastMoveTime = moveTimestamp
		cs.CurrentTurn = nextTurn
	}
}

// RemainingMs computes the authoritative clock reading of cs.CurrentTurn
// in live without mutating any state.
func RemainingMs(live model.LiveGame, cs ClockState, now time.Time) int64 {
	base := live.TimeLeftMs[cs.CurrentTurn]
	if cs.Active {
		base -= now.Sub(cs.LastMoveTime).Milliseconds()
	}
	if base < 0 {
		base = 0
	}
	return base
}

// Run starts the 1 Hz scanner. It blocks until ctx is cancelled or
// Stop is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.scanOnce(ctx)
		}
	}
}

func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) scanOnce(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]ClockState, len(m.clocks))
	for id, cs := range m.clocks {
		snapshot[id] = *cs
	}
	m.mu.Unlock()

	now := time.Now().UTC()
	for gameID, cs := range snapshot {
		if !cs.Active {
			continue
		}
		live, ok, err := m.store.GetLiveGame(ctx, gameID)
		if err != nil || !ok || live.GameOver {
			m.Untrack(gameID)
			continue
		}

		remaining := RemainingMs(live, cs, now)
		if remaining > 0 {
			continue
		}

		updated, err := m.games.TimeoutForfeit(ctx, gameID, cs.CurrentTurn)
		if err != nil {
			obslog.ForGame(gameID).Debug("timeout_forfeit_skipped", zap.Error(err))
			continue
		}
		m.Untrack(gameID)
		m.metrics.TimeoutFired(string(updated.GameInfo.GameType))
		if m.bcast != nil {
			m.bcast.BroadcastGameOver(gameID, updated)
		}
	}
}

// ReportTimeUp handles a client's claim that gameId's clock expired.
// If the authoritative remaining time is within tolerance, the
// reported side forfeits; otherwise a corrective sync is sent back to
// the reporter only.
func (m *Manager) ReportTimeUp(ctx context.Context, playerID string, report TimeUpReport) error {
	const toleranceMs = 100

	m.mu.Lock()
	cs, tracked := m.clocks[report.GameID]
	var csCopy ClockState
	if tracked {
		csCopy = *cs
	}
	m.mu.Unlock()
	if !tracked {
		return nil
	}

	live, ok, err := m.store.GetLiveGame(ctx, report.GameID)
	if err != nil || !ok || live.GameOver {
		return err
	}

	reported := csCopy
	reported.CurrentTurn = report.Color
	reported.Active = csCopy.Active && csCopy.CurrentTurn == report.Color
	remaining := RemainingMs(live, reported, time.Now().UTC())
	if remaining <= toleranceMs {
		updated, err := m.games.TimeoutForfeit(ctx, report.GameID, report.Color)
		if err != nil {
			return err
		}
		m.Untrack(report.GameID)
		if m.bcast != nil {
			m.bcast.BroadcastGameOver(report.GameID, updated)
		}
		return nil
	}

	if m.bcast != nil {
		m.bcast.SendSyncTo(report.GameID, playerID, SyncBroadcast{
			GameID:      report.GameID,
			WhiteMs:     RemainingMs(live, ClockState{CurrentTurn: model.White, Active: csCopy.CurrentTurn == model.White && csCopy.Active, LastMoveTime: csCopy.LastMoveTime}, time.Now().UTC()),
			BlackMs:     RemainingMs(live, ClockState{CurrentTurn: model.Black, Active: csCopy.CurrentTurn == model.Black && csCopy.Active, LastMoveTime: csCopy.LastMoveTime}, time.Now().UTC()),
			CurrentTurn: csCopy.CurrentTurn,
			Now:         time.Now().UTC(),
		})
	}
	return nil
}

// RequestSync answers a client's request_time_sync with the
// authoritative clock snapshot.
func (m *Manager) RequestSync(ctx context.Context, gameID string) (SyncBroadcast, error) {
	m.mu.Lock()
	cs, tracked := m.clocks[gameID]
	var csCopy ClockState
	if tracked {
		csCopy = *cs
	}
	m.mu.Unlock()

	live, ok, err := m.store.GetLiveGame(ctx, gameID)
	if err != nil {
		return SyncBroadcast{}, err
	}
	if !ok {
		return SyncBroadcast{}, nil
	}
	if !tracked {
		csCopy = ClockState{LastMoveTime: live.LastMoveAt, CurrentTurn: live.Turn, Active: !live.GameOver}
	}

	now := time.Now().UTC()
	whiteMs := RemainingMs(live, ClockState{CurrentTurn: model.White, Active: csCopy.CurrentTurn == model.White && csCopy.Active, LastMoveTime: csCopy.LastMoveTime}, now)
	blackMs := RemainingMs(live, ClockState{CurrentTurn: model.Black, Active: csCopy.CurrentTurn == model.Black && csCopy.Active, LastMoveTime: csCopy.LastMoveTime}, now)

	return SyncBroadcast{GameID: gameID, WhiteMs: whiteMs, BlackMs: blackMs, CurrentTurn: csCopy.CurrentTurn, Now: now}, nil
}
