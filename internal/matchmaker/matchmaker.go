// Package matchmaker implements the expanding-window rating-based
// pairing engine over LiveStore's per-game-type queues. Claim
// semantics (sorted-pair lock key, double-check after acquisition) are
// grounded on the teacher's pvpchan.Manager.Make/Join, which uses the
// same SetNX-then-Watch race-avoidance shape for channel codes and
// participant sets.
package matchmaker

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/latticechess/arena-core/internal/arenaerr"
	"github.com/latticechess/arena-core/internal/durablestore"
	"github.com/latticechess/arena-core/internal/eventbus"
	"github.com/latticechess/arena-core/internal/gamecore"
	"github.com/latticechess/arena-core/internal/livestore"
	"github.com/latticechess/arena-core/internal/metrics"
	"github.com/latticechess/arena-core/internal/obslog"
	"github.com/latticechess/arena-core/pkg/model"

	"gonum.org/v1/gonum/stat"
)

const (
	baseRange       = 60
	maxRange        = 600
	rangeStep       = 60
	expandEveryMs   = 3000
	matchLockTTL    = 5 * time.Second
)

// TickResult is returned from Tick.
type TickResult struct {
	Found          bool
	GameID         string
	Opponent       *model.PlayerDTO
	RatingChanges  map[string]model.RatingChangeSnapshot
	CurrentRange   int
	SearchDuration time.Duration
}

// StatusResult is returned from Status.
type StatusResult struct {
	IsSearching    bool
	CurrentRange   int
	SearchDuration time.Duration
}

// QueueStats summarizes one game type's queue rating distribution.
type QueueStats struct {
	GameType   model.GameTypeKey
	Size       int
	MeanRating float64
	StdDev     float64
	P25        float64
	P75        float64
}

// Tracker registers a freshly created game with TimeManager so its
// clock starts scanning as soon as the pair is made, not on whatever
// later tick happens to call handleJoin. Declared here rather than
// depending on timemanager's concrete type, since TimeManager itself
// depends on GameCore and is constructed after the Matchmaker.
type Tracker interface {
	Track(gameID string, live model.LiveGame)
}

type Matchmaker struct {
	store    livestore.LiveStore
	durable  durablestore.DurableStore
	games    *gamecore.Core
	bus      eventbus.EventBus
	metrics  metrics.Recorder
	tracker  Tracker
}

func New(store livestore.LiveStore, durable durablestore.DurableStore, games *gamecore.Core, bus eventbus.EventBus, rec metrics.Recorder) *Matchmaker {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Matchmaker{store: store, durable: durable, games: games, bus: bus, metrics: rec}
}

// SetTracker wires the TimeManager once both it and the Matchmaker
// exist; main wiring order constructs TimeManager after Matchmaker.
func (m *Matchmaker) SetTracker(t Tracker) {
	m.tracker = t
}

// StartSearch opens or refreshes a player's search session and enters
// them into the game type's queue. Re-invocation refreshes the TTL
// without resetting searchStartTime.
func (m *Matchmaker) StartSearch(ctx context.Context, playerID string, gameType model.GameTypeKey, variant model.Variant, tc model.TimeControl, rating int, connID string) error {
	existing, ok, err := m.store.GetSearchSession(ctx, playerID)
	if err != nil {
		return err
	}
	sess := model.SearchSession{
		PlayerID:      playerID,
		GameType:      gameType,
		GameVariant:   variant,
		TimeControl:   tc,
		InitialRating: rating,
		CurrentRange:  baseRange,
		SearchStart:   time.Now().UTC(),
		ConnectionID:  connID,
	}
	if ok && existing.GameType == gameType {
		sess.SearchStart = existing.SearchStart
		sess.CurrentRange = existing.CurrentRange
	}
	if err := m.store.SaveSearchSession(ctx, sess); err != nil {
		return err
	}

	// A previous match deletes presence (spec §3: "deleted on ...
	// match"); re-searching on the same connection needs it back so
	// this player is pairable as someone else's candidate.
	if err := m.store.SetPresence(ctx, model.Presence{
		PlayerID:       playerID,
		ConnectionID:   connID,
		RatingSnapshot: rating,
		Connected:      true,
	}); err != nil {
		return err
	}

	return m.store.EnqueueCandidate(ctx, gameType, playerID, float64(rating))
}

// Cancel removes a player's search session, queue membership, and
// presence entry. Idempotent.
func (m *Matchmaker) Cancel(ctx context.Context, playerID string) error {
	sess, ok, err := m.store.GetSearchSession(ctx, playerID)
	if err != nil {
		return err
	}
	if ok {
		_, _ = m.store.DequeueCandidate(ctx, sess.GameType, playerID)
	}
	_ = m.store.ClearPresence(ctx, playerID)
	return m.store.DeleteSearchSession(ctx, playerID)
}

// Status reports whether playerID currently has an open search.
func (m *Matchmaker) Status(ctx context.Context, playerID string) (StatusResult, error) {
	sess, ok, err := m.store.GetSearchSession(ctx, playerID)
	if err != nil {
		return StatusResult{}, err
	}
	if !ok {
		return StatusResult{IsSearching: false}, nil
	}
	return StatusResult{
		IsSearching:    true,
		CurrentRange:   sess.CurrentRange,
		SearchDuration: time.Since(sess.SearchStart),
	}, nil
}

func currentRange(searchStart time.Time) int {
	elapsedMs := time.Since(searchStart).Milliseconds()
	expansion := elapsedMs / expandEveryMs
	r := baseRange + int(expansion)*rangeStep
	if r > maxRange {
		r = maxRange
	}
	return r
}

// Tick attempts to expand playerID's window and pair them with a
// waiting candidate. It is invoked by the client roughly every 3 s.
func (m *Matchmaker) Tick(ctx context.Context, playerID string) (TickResult, error) {
	sess, ok, err := m.store.GetSearchSession(ctx, playerID)
	if err != nil {
		return TickResult{}, err
	}
	if !ok {
		return TickResult{}, arenaerr.New(arenaerr.NotFound, "no active search session")
	}

	sess.CurrentRange = currentRange(sess.SearchStart)
	if err := m.store.SaveSearchSession(ctx, sess); err != nil {
		return TickResult{}, err
	}

	minR := float64(sess.InitialRating - sess.CurrentRange)
	maxR := float64(sess.InitialRating + sess.CurrentRange)
	candidates, err := m.store.ScanCandidates(ctx, sess.GameType, minR, maxR)
	if err != nil {
		return TickResult{}, err
	}

	for _, c := range candidates {
		if c == playerID {
			continue
		}
		res, paired, err := m.tryPair(ctx, playerID, sess, c)
		if err != nil {
			obslog.L().Warn("matchmaker_pair_attempt_failed", zap.String("self", playerID), zap.String("candidate", c), zap.Error(err))
			continue
		}
		if paired {
			m.metrics.TickProcessed(string(sess.GameType), "found")
			return res, nil
		}
	}

	m.metrics.TickProcessed(string(sess.GameType), "searching")
	return TickResult{Found: false, CurrentRange: sess.CurrentRange, SearchDuration: time.Since(sess.SearchStart)}, nil
}

func (m *Matchmaker) tryPair(ctx context.Context, self string, selfSess model.SearchSession, candidate string) (TickResult, bool, error) {
	_, ok, err := m.store.GetPresence(ctx, candidate)
	if err != nil {
		return TickResult{}, false, err
	}
	if !ok {
		_, _ = m.store.DequeueCandidate(ctx, selfSess.GameType, candidate)
		return TickResult{}, false, nil
	}

	candSess, ok, err := m.store.GetSearchSession(ctx, candidate)
	if err != nil {
		return TickResult{}, false, err
	}
	if !ok {
		return TickResult{}, false, nil
	}

	token, acquired, err := m.store.AcquireMatchLock(ctx, self, candidate, matchLockTTL)
	if err != nil {
		return TickResult{}, false, err
	}
	if !acquired {
		return TickResult{}, false, nil
	}
	defer func() { _ = m.store.ReleaseMatchLock(ctx, self, candidate, token) }()

	// The sorted-pair lock only excludes a second attempt at this exact
	// pair; it does not stop self or candidate from being claimed by a
	// concurrent attempt over a *different* pair (e.g. (self,candidate)
	// racing (other,self)). Removal from the queue is therefore the
	// actual claim: a removed-count of zero means another goroutine
	// already took that player, so this attempt lost the race.
	selfRemoved, err := m.store.DequeueCandidate(ctx, selfSess.GameType, self)
	if err != nil {
		return TickResult{}, false, err
	}
	if !selfRemoved {
		return TickResult{}, false, nil
	}
	candRemoved, err := m.store.DequeueCandidate(ctx, selfSess.GameType, candidate)
	if err != nil {
		_ = m.store.EnqueueCandidate(ctx, selfSess.GameType, self, float64(selfSess.InitialRating))
		return TickResult{}, false, err
	}
	if !candRemoved {
		// self is still searching; put it back rather than stranding
		// it out of the queue for a pairing that didn't happen.
		_ = m.store.EnqueueCandidate(ctx, selfSess.GameType, self, float64(selfSess.InitialRating))
		return TickResult{}, false, nil
	}

	selfWhite, err := m.assignColor(ctx, self, selfSess.InitialRating, candidate, candSess.InitialRating)
	if err != nil {
		return TickResult{}, false, err
	}

	var whiteID, blackID string
	var whiteRating, blackRating int
	if selfWhite {
		whiteID, whiteRating = self, selfSess.InitialRating
		blackID, blackRating = candidate, candSess.InitialRating
	} else {
		whiteID, whiteRating = candidate, candSess.InitialRating
		blackID, blackRating = self, selfSess.InitialRating
	}

	live, err := m.games.Create(ctx, gamecore.CreateParams{
		WhiteID:     whiteID,
		WhiteRating: whiteRating,
		BlackID:     blackID,
		BlackRating: blackRating,
		Variant:     selfSess.GameVariant,
		GameType:    selfSess.GameType,
		TimeControl: selfSess.TimeControl,
	})
	if err != nil {
		return TickResult{}, false, err
	}
	if m.tracker != nil {
		m.tracker.Track(live.GameID, live)
	}

	_ = m.store.DeleteSearchSession(ctx, self)
	_ = m.store.DeleteSearchSession(ctx, candidate)
	_ = m.store.ClearPresence(ctx, self)
	_ = m.store.ClearPresence(ctx, candidate)

	m.metrics.MatchCreated(string(selfSess.GameType))

	opp, _ := live.Opponent(self)
	return TickResult{
		Found:          true,
		GameID:         live.GameID,
		Opponent:       &opp,
		RatingChanges:  live.RatingChanges,
		CurrentRange:   selfSess.CurrentRange,
		SearchDuration: time.Since(selfSess.SearchStart),
	}, true, nil
}

// assignColor implements spec §4.4's probabilistic color-assignment
// routine for the pair (self, candidate); returns true if self should
// play white.
func (m *Matchmaker) assignColor(ctx context.Context, self string, selfRating int, candidate string, candRating int) (bool, error) {
	p := 0.5
	delta := selfRating - candRating
	if abs(delta) > 100 {
		shift := math.Min(float64(abs(delta))/2000, 0.1)
		if delta < 0 {
			p += shift // self is lower-rated, favor self getting white
		} else {
			p -= shift
		}
	}

	selfHist, _ := m.durable.Games().ListRecentByPlayer(ctx, self, 10)
	candHist, _ := m.durable.Games().ListRecentByPlayer(ctx, candidate, 10)

	ws1, bs1, wr1 := streakAndWhiteFraction(selfHist, self)
	ws2, bs2, _ := streakAndWhiteFraction(candHist, candidate)

	if ws1 >= 2 {
		p -= 0.3
	}
	if bs1 >= 2 {
		p += 0.3
	}
	if ws2 >= 2 {
		p += 0.2
	}
	if bs2 >= 2 {
		p -= 0.2
	}

	if wr1 > 0.7 {
		p -= 0.2
	} else if wr1 < 0.3 {
		p += 0.2
	}

	if p < 0.1 {
		p = 0.1
	}
	if p > 0.9 {
		p = 0.9
	}

	u := randFloat()
	return u < p, nil
}

// streakAndWhiteFraction returns consecutive-same-color streaks at the
// head of history (most recent first) and the overall white fraction.
func streakAndWhiteFraction(games []model.DurableGame, playerID string) (whiteStreak, blackStreak int, whiteFraction float64) {
	if len(games) == 0 {
		return 0, 0, 0.5
	}
	sort.Slice(games, func(i, j int) bool { return games[i].StartedAt.After(games[j].StartedAt) })

	var whites int
	colorOf := func(g model.DurableGame) (model.Color, bool) {
		for _, p := range g.Players {
			if p.PlayerID == playerID {
				return p.Color, true
			}
		}
		return "", false
	}

	var headColor model.Color
	streaking := true
	for i, g := range games {
		c, ok := colorOf(g)
		if !ok {
			continue
		}
		if c == model.White {
			whites++
		}
		if i == 0 {
			headColor = c
		}
		if streaking {
			if c != headColor {
				streaking = false
			} else if c == model.White {
				whiteStreak++
			} else {
				blackStreak++
			}
		}
	}
	return whiteStreak, blackStreak, float64(whites) / float64(len(games))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// randFloat is isolated so tests can substitute a deterministic
// source; production uses a process-wide PRNG seeded at startup.
var randFloat = defaultRandFloat

// Stats reports rating-distribution statistics per queue, using
// gonum/stat for mean/stddev/percentile rather than hand-rolled
// variance accumulation.
func (m *Matchmaker) Stats(ctx context.Context, gameTypes []model.GameTypeKey) ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(gameTypes))
	for _, gt := range gameTypes {
		size, err := m.store.QueueSize(ctx, gt)
		if err != nil {
			return nil, err
		}
		ratings, err := m.store.QueueRatings(ctx, gt)
		if err != nil {
			return nil, err
		}
		qs := QueueStats{GameType: gt, Size: int(size)}
		if len(ratings) > 0 {
			sort.Float64s(ratings)
			mean, std := stat.MeanStdDev(ratings, nil)
			qs.MeanRating = mean
			qs.StdDev = std
			qs.P25 = stat.Quantile(0.25, stat.Empirical, ratings, nil)
			qs.P75 = stat.Quantile(0.75, stat.Empirical, ratings, nil)
		}
		out = append(out, qs)
	}
	return out, nil
}
