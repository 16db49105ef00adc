package matchmaker

import (
	"context"
	"testing"
	"time"

	"github.com/latticechess/arena-core/internal/durablestore"
	"github.com/latticechess/arena-core/internal/eventbus"
	"github.com/latticechess/arena-core/internal/gamecore"
	"github.com/latticechess/arena-core/internal/livestore"
	"github.com/latticechess/arena-core/internal/metrics"
	"github.com/latticechess/arena-core/pkg/model"
)

func TestCurrentRangeExpandsEvery3sAndCapsAt600(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, baseRange},
		{2999 * time.Millisecond, baseRange},
		{3 * time.Second, baseRange + rangeStep},
		{9 * time.Second, baseRange + 3*rangeStep},
		{10 * time.Minute, maxRange},
	}
	for _, c := range cases {
		start := time.Now().Add(-c.elapsed)
		got := currentRange(start)
		if got != c.want {
			t.Errorf("currentRange(elapsed=%v) = %d, want %d", c.elapsed, got, c.want)
		}
	}
}

func TestStreakAndWhiteFractionEmptyHistory(t *testing.T) {
	ws, bs, wf := streakAndWhiteFraction(nil, "p1")
	if ws != 0 || bs != 0 || wf != 0.5 {
		t.Errorf("empty history should be neutral, got ws=%d bs=%d wf=%v", ws, bs, wf)
	}
}

func TestStreakAndWhiteFractionDetectsConsecutiveWhiteStreak(t *testing.T) {
	now := time.Now()
	games := []model.DurableGame{
		{StartedAt: now, Players: [2]model.DurablePlayerResult{{PlayerID: "p1", Color: model.White}, {PlayerID: "p2", Color: model.Black}}},
		{StartedAt: now.Add(-time.Hour), Players: [2]model.DurablePlayerResult{{PlayerID: "p1", Color: model.White}, {PlayerID: "p2", Color: model.Black}}},
		{StartedAt: now.Add(-2 * time.Hour), Players: [2]model.DurablePlayerResult{{PlayerID: "p1", Color: model.Black}, {PlayerID: "p2", Color: model.White}}},
	}
	ws, bs, wf := streakAndWhiteFraction(games, "p1")
	if ws != 2 {
		t.Errorf("expected a 2-game white streak at the head, got %d", ws)
	}
	if bs != 0 {
		t.Errorf("streak should stop counting the other color once broken, got blackStreak=%d", bs)
	}
	if wf < 0.66 || wf > 0.67 {
		t.Errorf("expected white fraction ~2/3, got %v", wf)
	}
}

func TestAbsIsSignIndependent(t *testing.T) {
	// Checks the abs helper that assignColor uses for the rating gap;
	// the [0.1, 0.9] probability clamp itself is not exercised here.
	if abs(-500) != 500 || abs(500) != 500 {
		t.Fatal("abs should be sign-independent")
	}
}

// raceFakeStore is a minimal in-memory livestore.LiveStore whose
// DequeueCandidate mirrors real ZRem-with-count semantics: only the
// caller that actually removes a member gets removed=true. That's
// the primitive tryPair's cross-player race fix depends on.
type raceFakeStore struct {
	presence map[string]model.Presence
	sessions map[string]model.SearchSession
	queue    map[model.GameTypeKey]map[string]bool
	games    map[string]model.LiveGame
	locks    map[string]livestore.ClaimToken
}

func newRaceFakeStore() *raceFakeStore {
	return &raceFakeStore{
		presence: map[string]model.Presence{},
		sessions: map[string]model.SearchSession{},
		queue:    map[model.GameTypeKey]map[string]bool{},
		games:    map[string]model.LiveGame{},
		locks:    map[string]livestore.ClaimToken{},
	}
}

func (s *raceFakeStore) SetPresence(ctx context.Context, p model.Presence) error {
	s.presence[p.PlayerID] = p
	return nil
}
func (s *raceFakeStore) GetPresence(ctx context.Context, playerID string) (model.Presence, bool, error) {
	p, ok := s.presence[playerID]
	return p, ok, nil
}
func (s *raceFakeStore) ClearPresence(ctx context.Context, playerID string) error {
	delete(s.presence, playerID)
	return nil
}
func (s *raceFakeStore) SaveSearchSession(ctx context.Context, sess model.SearchSession) error {
	s.sessions[sess.PlayerID] = sess
	return nil
}
func (s *raceFakeStore) GetSearchSession(ctx context.Context, playerID string) (model.SearchSession, bool, error) {
	sess, ok := s.sessions[playerID]
	return sess, ok, nil
}
func (s *raceFakeStore) DeleteSearchSession(ctx context.Context, playerID string) error {
	delete(s.sessions, playerID)
	return nil
}
func (s *raceFakeStore) EnqueueCandidate(ctx context.Context, gameType model.GameTypeKey, playerID string, rating float64) error {
	if s.queue[gameType] == nil {
		s.queue[gameType] = map[string]bool{}
	}
	s.queue[gameType][playerID] = true
	return nil
}
func (s *raceFakeStore) DequeueCandidate(ctx context.Context, gameType model.GameTypeKey, playerID string) (bool, error) {
	m := s.queue[gameType]
	if m == nil || !m[playerID] {
		return false, nil
	}
	delete(m, playerID)
	return true, nil
}
func (s *raceFakeStore) ScanCandidates(ctx context.Context, gameType model.GameTypeKey, minRating, maxRating float64) ([]string, error) {
	var out []string
	for id := range s.queue[gameType] {
		out = append(out, id)
	}
	return out, nil
}
func (s *raceFakeStore) QueueSize(ctx context.Context, gameType model.GameTypeKey) (int64, error) {
	return int64(len(s.queue[gameType])), nil
}
func (s *raceFakeStore) QueueRatings(ctx context.Context, gameType model.GameTypeKey) ([]float64, error) {
	return nil, nil
}
func (s *raceFakeStore) AcquireMatchLock(ctx context.Context, playerA, playerB string, ttl time.Duration) (livestore.ClaimToken, bool, error) {
	key := lockKey(playerA, playerB)
	if _, held := s.locks[key]; held {
		return "", false, nil
	}
	token := livestore.ClaimToken("tok-" + key)
	s.locks[key] = token
	return token, true, nil
}
func (s *raceFakeStore) ReleaseMatchLock(ctx context.Context, playerA, playerB string, token livestore.ClaimToken) error {
	key := lockKey(playerA, playerB)
	if s.locks[key] == token {
		delete(s.locks, key)
	}
	return nil
}
func (s *raceFakeStore) SaveLiveGame(ctx context.Context, g model.LiveGame) error {
	s.games[g.GameID] = g
	return nil
}
func (s *raceFakeStore) GetLiveGame(ctx context.Context, gameID string) (model.LiveGame, bool, error) {
	g, ok := s.games[gameID]
	return g, ok, nil
}
func (s *raceFakeStore) DeleteLiveGame(ctx context.Context, gameID string) error {
	delete(s.games, gameID)
	return nil
}
func (s *raceFakeStore) FinalizeGame(ctx context.Context, gameID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (s *raceFakeStore) Ping(ctx context.Context) error { return nil }
func (s *raceFakeStore) Close() error                   { return nil }

func lockKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// raceFakeDurableStore backs the gamecore.Core that tryPair calls into;
// it only needs to support Create's game-save and rating-lookup paths.
type raceFakePlayerRepo struct{ ratings map[string]model.RatingRecord }

func (r *raceFakePlayerRepo) key(playerID string, v model.Variant) string { return string(v) + ":" + playerID }
func (r *raceFakePlayerRepo) UpsertRating(ctx context.Context, playerID string, variant model.Variant, rec model.RatingRecord) error {
	r.ratings[r.key(playerID, variant)] = rec
	return nil
}
func (r *raceFakePlayerRepo) GetRating(ctx context.Context, playerID string, variant model.Variant) (model.RatingRecord, bool, error) {
	rec, ok := r.ratings[r.key(playerID, variant)]
	return rec, ok, nil
}
func (r *raceFakePlayerRepo) AppendRatingHistory(ctx context.Context, playerID string, variant model.Variant, rating float64, gameID string) error {
	return nil
}

type raceFakeGameRepo struct{ games map[string]model.DurableGame }

func (r *raceFakeGameRepo) SaveGame(ctx context.Context, g model.DurableGame) error {
	r.games[g.GameID] = g
	return nil
}
func (r *raceFakeGameRepo) GetGame(ctx context.Context, gameID string) (model.DurableGame, bool, error) {
	g, ok := r.games[gameID]
	return g, ok, nil
}
func (r *raceFakeGameRepo) ListRecentByPlayer(ctx context.Context, playerID string, limit int) ([]model.DurableGame, error) {
	return nil, nil
}

type raceFakeDeadLetterRepo struct{}

func (raceFakeDeadLetterRepo) Record(ctx context.Context, topic string, payload []byte, reason string, attempts int) error {
	return nil
}
func (raceFakeDeadLetterRepo) List(ctx context.Context, limit int) ([]durablestore.DeadLetter, error) {
	return nil, nil
}

type raceFakeDurableStore struct {
	players *raceFakePlayerRepo
	gamesR  *raceFakeGameRepo
}

func newRaceFakeDurableStore() *raceFakeDurableStore {
	return &raceFakeDurableStore{
		players: &raceFakePlayerRepo{ratings: map[string]model.RatingRecord{}},
		gamesR:  &raceFakeGameRepo{games: map[string]model.DurableGame{}},
	}
}

func (d *raceFakeDurableStore) Players() durablestore.PlayerRepository         { return d.players }
func (d *raceFakeDurableStore) Games() durablestore.GameRepository             { return d.gamesR }
func (d *raceFakeDurableStore) DeadLetters() durablestore.DeadLetterRepository { return raceFakeDeadLetterRepo{} }
func (d *raceFakeDurableStore) Ping(ctx context.Context) error                { return nil }
func (d *raceFakeDurableStore) Close() error                                  { return nil }

// raceFakeBus is a no-op eventbus.EventBus.
type raceFakeBus struct{}

func (raceFakeBus) Publish(ctx context.Context, topic eventbus.Topic, gameID string, payload []byte) error {
	return nil
}
func (raceFakeBus) Subscribe(ctx context.Context, topic eventbus.Topic, handler eventbus.Handler) (func() error, error) {
	return func() error { return nil }, nil
}
func (raceFakeBus) SubscribeGame(ctx context.Context, topic eventbus.Topic, gameID string, handler eventbus.Handler) (func() error, error) {
	return func() error { return nil }, nil
}
func (raceFakeBus) NodeID() string { return "test-node" }
func (raceFakeBus) Close() error   { return nil }

// TestTryPairAbortsWhenCandidateWasAlreadyDequeuedByAnotherPairing
// exercises the exact race window the old GetSearchSession-based
// re-check missed: candidate's queue membership is already gone (a
// concurrent pairing claimed it), but its search session hasn't been
// cleaned up yet. tryPair must detect the lost race off the dequeue
// count, not the session, and put self back in the queue rather than
// stranding it.
func TestTryPairAbortsWhenCandidateWasAlreadyDequeuedByAnotherPairing(t *testing.T) {
	ctx := context.Background()
	store := newRaceFakeStore()
	durable := newRaceFakeDurableStore()
	core := gamecore.New(store, durable, raceFakeBus{}, metrics.Noop{}, "test-node")
	mm := New(store, durable, core, raceFakeBus{}, metrics.Noop{})

	gt := model.GameTypeKey("RAPID_10_0")
	tc := model.TimeControl{TimeSec: 600, IncrementSec: 0}

	if err := mm.StartSearch(ctx, "A", gt, model.VariantRapid, tc, 1500, "conn-a"); err != nil {
		t.Fatalf("StartSearch(A): %v", err)
	}
	if err := mm.StartSearch(ctx, "C", gt, model.VariantRapid, tc, 1500, "conn-c"); err != nil {
		t.Fatalf("StartSearch(C): %v", err)
	}
	sessC, ok, err := store.GetSearchSession(ctx, "C")
	if err != nil || !ok {
		t.Fatalf("GetSearchSession(C): ok=%v err=%v", ok, err)
	}

	// Simulate a concurrent (A,B) pairing attempt that already claimed A
	// out of the queue, ahead of this attempt's own dequeue.
	if removed, err := store.DequeueCandidate(ctx, gt, "A"); err != nil || !removed {
		t.Fatalf("setup DequeueCandidate(A): removed=%v err=%v", removed, err)
	}

	_, paired, err := mm.tryPair(ctx, "C", sessC, "A")
	if err != nil {
		t.Fatalf("tryPair: %v", err)
	}
	if paired {
		t.Fatal("expected tryPair to lose the race and report paired=false")
	}
	if len(store.games) != 0 {
		t.Fatalf("expected no game to be created, got %d", len(store.games))
	}
	if !store.queue[gt]["C"] {
		t.Fatal("expected C to be re-enqueued rather than stranded")
	}
}
