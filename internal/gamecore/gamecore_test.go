package gamecore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/latticechess/arena-core/internal/arenaerr"
	"github.com/latticechess/arena-core/internal/chessrules"
	"github.com/latticechess/arena-core/internal/durablestore"
	"github.com/latticechess/arena-core/internal/eventbus"
	"github.com/latticechess/arena-core/internal/livestore"
	"github.com/latticechess/arena-core/internal/metrics"
	"github.com/latticechess/arena-core/pkg/model"
)

// fakeLiveStore is a minimal in-memory livestore.LiveStore. Only the
// methods gamecore exercises need real behavior; the rest are unused
// here but must exist to satisfy the interface.
type fakeLiveStore struct {
	games     map[string]model.LiveGame
	finalized map[string]bool
}

func newFakeLiveStore() *fakeLiveStore {
	return &fakeLiveStore{games: map[string]model.LiveGame{}, finalized: map[string]bool{}}
}

func (f *fakeLiveStore) SetPresence(ctx context.Context, p model.Presence) error { return nil }
func (f *fakeLiveStore) GetPresence(ctx context.Context, playerID string) (model.Presence, bool, error) {
	return model.Presence{}, false, nil
}
func (f *fakeLiveStore) ClearPresence(ctx context.Context, playerID string) error { return nil }
func (f *fakeLiveStore) SaveSearchSession(ctx context.Context, s model.SearchSession) error {
	return nil
}
func (f *fakeLiveStore) GetSearchSession(ctx context.Context, playerID string) (model.SearchSession, bool, error) {
	return model.SearchSession{}, false, nil
}
func (f *fakeLiveStore) DeleteSearchSession(ctx context.Context, playerID string) error { return nil }
func (f *fakeLiveStore) EnqueueCandidate(ctx context.Context, gameType model.GameTypeKey, playerID string, rating float64) error {
	return nil
}
func (f *fakeLiveStore) DequeueCandidate(ctx context.Context, gameType model.GameTypeKey, playerID string) (bool, error) {
	return true, nil
}
func (f *fakeLiveStore) ScanCandidates(ctx context.Context, gameType model.GameTypeKey, minRating, maxRating float64) ([]string, error) {
	return nil, nil
}
func (f *fakeLiveStore) QueueSize(ctx context.Context, gameType model.GameTypeKey) (int64, error) {
	return 0, nil
}
func (f *fakeLiveStore) QueueRatings(ctx context.Context, gameType model.GameTypeKey) ([]float64, error) {
	return nil, nil
}
func (f *fakeLiveStore) AcquireMatchLock(ctx context.Context, playerA, playerB string, ttl time.Duration) (livestore.ClaimToken, bool, error) {
	return "", false, nil
}
func (f *fakeLiveStore) ReleaseMatchLock(ctx context.Context, playerA, playerB string, token livestore.ClaimToken) error {
	return nil
}
func (f *fakeLiveStore) SaveLiveGame(ctx context.Context, g model.LiveGame) error {
	f.games[g.GameID] = g
	return nil
}
func (f *fakeLiveStore) GetLiveGame(ctx context.Context, gameID string) (model.LiveGame, bool, error) {
	g, ok := f.games[gameID]
	return g, ok, nil
}
func (f *fakeLiveStore) DeleteLiveGame(ctx context.Context, gameID string) error {
	delete(f.games, gameID)
	return nil
}
func (f *fakeLiveStore) FinalizeGame(ctx context.Context, gameID string, ttl time.Duration) (bool, error) {
	if f.finalized[gameID] {
		return false, nil
	}
	f.finalized[gameID] = true
	return true, nil
}
func (f *fakeLiveStore) Ping(ctx context.Context) error { return nil }
func (f *fakeLiveStore) Close() error                   { return nil }

// fakePlayerRepo, fakeGameRepo and fakeDeadLetterRepo back a minimal
// durablestore.DurableStore, since no in-memory Postgres double exists
// in the corpus the way miniredis backs LiveStore.
type fakePlayerRepo struct {
	ratings map[string]model.RatingRecord
}

func (r *fakePlayerRepo) key(playerID string, v model.Variant) string { return string(v) + ":" + playerID }

func (r *fakePlayerRepo) UpsertRating(ctx context.Context, playerID string, variant model.Variant, rec model.RatingRecord) error {
	r.ratings[r.key(playerID, variant)] = rec
	return nil
}
func (r *fakePlayerRepo) GetRating(ctx context.Context, playerID string, variant model.Variant) (model.RatingRecord, bool, error) {
	rec, ok := r.ratings[r.key(playerID, variant)]
	return rec, ok, nil
}
func (r *fakePlayerRepo) AppendRatingHistory(ctx context.Context, playerID string, variant model.Variant, rating float64, gameID string) error {
	return nil
}

type fakeGameRepo struct{ games map[string]model.DurableGame }

func (r *fakeGameRepo) SaveGame(ctx context.Context, g model.DurableGame) error {
	r.games[g.GameID] = g
	return nil
}
func (r *fakeGameRepo) GetGame(ctx context.Context, gameID string) (model.DurableGame, bool, error) {
	g, ok := r.games[gameID]
	return g, ok, nil
}
func (r *fakeGameRepo) ListRecentByPlayer(ctx context.Context, playerID string, limit int) ([]model.DurableGame, error) {
	return nil, nil
}

type fakeDeadLetterRepo struct{}

func (fakeDeadLetterRepo) Record(ctx context.Context, topic string, payload []byte, reason string, attempts int) error {
	return nil
}
func (fakeDeadLetterRepo) List(ctx context.Context, limit int) ([]durablestore.DeadLetter, error) {
	return nil, nil
}

type fakeDurableStore struct {
	players *fakePlayerRepo
	gamesR  *fakeGameRepo
}

func newFakeDurableStore() *fakeDurableStore {
	return &fakeDurableStore{
		players: &fakePlayerRepo{ratings: map[string]model.RatingRecord{}},
		gamesR:  &fakeGameRepo{games: map[string]model.DurableGame{}},
	}
}

func (d *fakeDurableStore) Players() durablestore.PlayerRepository         { return d.players }
func (d *fakeDurableStore) Games() durablestore.GameRepository            { return d.gamesR }
func (d *fakeDurableStore) DeadLetters() durablestore.DeadLetterRepository { return fakeDeadLetterRepo{} }
func (d *fakeDurableStore) Ping(ctx context.Context) error                { return nil }
func (d *fakeDurableStore) Close() error                                  { return nil }

// fakeBus is a no-op eventbus.EventBus; gamecore only publishes, never
// subscribes, so Publish just needs to succeed.
type fakeBus struct{ published []eventbus.Topic }

func (b *fakeBus) Publish(ctx context.Context, topic eventbus.Topic, gameID string, payload []byte) error {
	b.published = append(b.published, topic)
	return nil
}
func (b *fakeBus) Subscribe(ctx context.Context, topic eventbus.Topic, handler eventbus.Handler) (func() error, error) {
	return func() error { return nil }, nil
}
func (b *fakeBus) SubscribeGame(ctx context.Context, topic eventbus.Topic, gameID string, handler eventbus.Handler) (func() error, error) {
	return func() error { return nil }, nil
}
func (b *fakeBus) NodeID() string { return "test-node" }
func (b *fakeBus) Close() error   { return nil }

func newTestCore() (*Core, *fakeLiveStore, *fakeDurableStore, *fakeBus) {
	store := newFakeLiveStore()
	durable := newFakeDurableStore()
	bus := &fakeBus{}
	return New(store, durable, bus, metrics.Noop{}, "test-node"), store, durable, bus
}

func createTestGame(t *testing.T, c *Core) model.LiveGame {
	t.Helper()
	live, err := c.Create(context.Background(), CreateParams{
		WhiteID:     "white-1",
		WhiteRating: 1500,
		BlackID:     "black-1",
		BlackRating: 1500,
		Variant:     model.VariantRapid,
		GameType:    model.GameTypeKey("RAPID_10_0"),
		TimeControl: model.TimeControl{TimeSec: 600, IncrementSec: 0},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return live
}

func TestApplyMoveRejectsOutOfTurnMove(t *testing.T) {
	c, _, _, _ := newTestCore()
	live := createTestGame(t, c)

	// It's white's turn; black tries to move first.
	_, err := c.ApplyMove(context.Background(), live.GameID, "black-1", "e5")
	if !errors.Is(err, arenaerr.ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
}

func TestApplyMoveRejectsIllegalMove(t *testing.T) {
	c, _, _, _ := newTestCore()
	live := createTestGame(t, c)

	_, err := c.ApplyMove(context.Background(), live.GameID, "white-1", "e5")
	if err == nil {
		t.Fatal("expected e5 to be illegal for white's first move")
	}
	if arenaerr.KindOf(err) != arenaerr.IllegalMove {
		t.Fatalf("expected IllegalMove kind, got %v", arenaerr.KindOf(err))
	}
	if !errors.Is(err, chessrules.ErrIllegalMove) {
		t.Fatalf("expected wrapped ErrIllegalMove, got %v", err)
	}
}

func TestApplyMoveRejectsNonPlayer(t *testing.T) {
	c, _, _, _ := newTestCore()
	live := createTestGame(t, c)

	_, err := c.ApplyMove(context.Background(), live.GameID, "stranger", "e4")
	if arenaerr.KindOf(err) != arenaerr.Unauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestApplyMoveRejectsAfterGameOver(t *testing.T) {
	c, store, _, _ := newTestCore()
	live := createTestGame(t, c)
	live.GameOver = true
	if err := store.SaveLiveGame(context.Background(), live); err != nil {
		t.Fatalf("SaveLiveGame: %v", err)
	}

	_, err := c.ApplyMove(context.Background(), live.GameID, "white-1", "e4")
	if !errors.Is(err, arenaerr.ErrFinalized) {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
}

// TestApplyMoveScholarsMateClassifiesCheckmateAndFinalizesOnce plays
// out scholar's mate move by move and checks both the terminal
// classification and that a repeated finalize attempt is a no-op.
func TestApplyMoveScholarsMateClassifiesCheckmateAndFinalizesOnce(t *testing.T) {
	c, store, durable, bus := newTestCore()
	live := createTestGame(t, c)
	ctx := context.Background()

	moves := []struct {
		player string
		move   string
	}{
		{"white-1", "e4"}, {"black-1", "e5"},
		{"white-1", "Qh5"}, {"black-1", "Nc6"},
		{"white-1", "Bc4"}, {"black-1", "Nf6"},
		{"white-1", "Qxf7"},
	}

	var result ApplyMoveResult
	var err error
	for _, mv := range moves {
		result, err = c.ApplyMove(ctx, live.GameID, mv.player, mv.move)
		if err != nil {
			t.Fatalf("ApplyMove(%s, %q): %v", mv.player, mv.move, err)
		}
	}

	if !result.Ended {
		t.Fatal("expected scholar's mate to end the game")
	}
	if result.Live.EndReason != model.ReasonCheckmate {
		t.Fatalf("EndReason = %q, want checkmate", result.Live.EndReason)
	}
	if result.Live.Winner == nil || *result.Live.Winner != model.White {
		t.Fatalf("expected white to be recorded as winner, got %+v", result.Live.Winner)
	}
	if result.Live.Result != "1-0" {
		t.Fatalf("Result = %q, want 1-0", result.Live.Result)
	}

	if !store.finalized[live.GameID] {
		t.Fatal("expected the finalize guard to be claimed after game end")
	}
	if _, found, _ := durable.players.GetRating(ctx, "white-1", model.VariantRapid); !found {
		t.Error("expected white's rating to be upserted on finalize")
	}
	if _, found, _ := durable.players.GetRating(ctx, "black-1", model.VariantRapid); !found {
		t.Error("expected black's rating to be upserted on finalize")
	}

	sawGameEnded := false
	for _, topic := range bus.published {
		if topic == eventbus.TopicGameEnded {
			sawGameEnded = true
		}
	}
	if !sawGameEnded {
		t.Error("expected a game_ended event to be published")
	}

	whiteBefore, _, _ := durable.players.GetRating(ctx, "white-1", model.VariantRapid)

	// Calling finalize again directly must not re-apply the rating
	// change: the guard was already claimed above.
	c.finalize(ctx, &result.Live)
	whiteAfter, _, _ := durable.players.GetRating(ctx, "white-1", model.VariantRapid)
	if whiteBefore != whiteAfter {
		t.Fatalf("finalize should no-op once claimed: before=%+v after=%+v", whiteBefore, whiteAfter)
	}
}

func TestResignSetsOpponentAsWinner(t *testing.T) {
	c, _, _, _ := newTestCore()
	live := createTestGame(t, c)

	updated, err := c.Resign(context.Background(), live.GameID, "white-1")
	if err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if updated.Winner == nil || *updated.Winner != model.Black {
		t.Fatalf("expected black to win by resignation, got %+v", updated.Winner)
	}
	if updated.EndReason != model.ReasonResignation {
		t.Fatalf("EndReason = %q, want resignation", updated.EndReason)
	}
	if updated.Result != "0-1" {
		t.Fatalf("Result = %q, want 0-1", updated.Result)
	}
}

func TestResignOnAlreadyFinishedGameIsRejected(t *testing.T) {
	c, _, _, _ := newTestCore()
	live := createTestGame(t, c)
	ctx := context.Background()

	if _, err := c.Resign(ctx, live.GameID, "white-1"); err != nil {
		t.Fatalf("first Resign: %v", err)
	}
	if _, err := c.Resign(ctx, live.GameID, "black-1"); !errors.Is(err, arenaerr.ErrFinalized) {
		t.Fatalf("second Resign on a finished game should be ErrFinalized, got %v", err)
	}
}

func TestDrawByAgreementRecordsNoWinner(t *testing.T) {
	c, _, _, _ := newTestCore()
	live := createTestGame(t, c)

	updated, err := c.DrawByAgreement(context.Background(), live.GameID, "black-1")
	if err != nil {
		t.Fatalf("DrawByAgreement: %v", err)
	}
	if updated.Winner != nil {
		t.Fatalf("expected no winner on an agreed draw, got %+v", updated.Winner)
	}
	if updated.EndReason != model.ReasonAgreement {
		t.Fatalf("EndReason = %q, want agreement", updated.EndReason)
	}
	if updated.Result != "1/2-1/2" {
		t.Fatalf("Result = %q, want 1/2-1/2", updated.Result)
	}
}

func TestTimeoutForfeitAwardsWinToTheOtherSide(t *testing.T) {
	c, _, _, _ := newTestCore()
	live := createTestGame(t, c)

	updated, err := c.TimeoutForfeit(context.Background(), live.GameID, model.White)
	if err != nil {
		t.Fatalf("TimeoutForfeit: %v", err)
	}
	if updated.Winner == nil || *updated.Winner != model.Black {
		t.Fatalf("expected black to win when white times out, got %+v", updated.Winner)
	}
	if updated.EndReason != model.ReasonTimeout {
		t.Fatalf("EndReason = %q, want timeout", updated.EndReason)
	}
}

func TestApplyMoveOnUnknownGameIsNotFound(t *testing.T) {
	c, _, _, _ := newTestCore()
	_, err := c.ApplyMove(context.Background(), "no-such-game", "white-1", "e4")
	if arenaerr.KindOf(err) != arenaerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAcceptRematchSwapsColorsAndLinksGames(t *testing.T) {
	c, _, durable, _ := newTestCore()
	live := createTestGame(t, c)
	ctx := context.Background()

	if _, err := c.Resign(ctx, live.GameID, "white-1"); err != nil {
		t.Fatalf("Resign: %v", err)
	}

	// The persistence pipeline marks the durable game completed
	// asynchronously off the game_ended event; simulate that having
	// already happened by the time the rematch is accepted.
	prior, ok, err := durable.Games().GetGame(ctx, live.GameID)
	if err != nil || !ok {
		t.Fatalf("GetGame: ok=%v err=%v", ok, err)
	}
	prior.Status = "completed"
	prior.Players[0].PostRating = 1490
	prior.Players[1].PostRating = 1510
	if err := durable.Games().SaveGame(ctx, prior); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}

	rematch, err := c.AcceptRematch(ctx, live.GameID, "black-1")
	if err != nil {
		t.Fatalf("AcceptRematch: %v", err)
	}
	if color, _ := rematch.ColorOf("black-1"); color != model.White {
		t.Fatalf("expected the previous black player to get white in the rematch, got %v", color)
	}
	if color, _ := rematch.ColorOf("white-1"); color != model.Black {
		t.Fatalf("expected the previous white player to get black in the rematch, got %v", color)
	}
	if rematch.Players[0].Rating != 1510 || rematch.Players[1].Rating != 1490 {
		t.Fatalf("expected rematch ratings to carry over post-game ratings, got %+v", rematch.Players)
	}
	wantTimeMs := int64(live.GameInfo.TimeControl.TimeSec) * 1000
	if rematch.TimeLeftMs[model.White] != wantTimeMs || rematch.TimeLeftMs[model.Black] != wantTimeMs {
		t.Fatalf("expected a fresh clock in the rematch, got %+v", rematch.TimeLeftMs)
	}

	newSkeleton, ok, err := durable.Games().GetGame(ctx, rematch.GameID)
	if err != nil || !ok {
		t.Fatalf("GetGame(rematch): ok=%v err=%v", ok, err)
	}
	if newSkeleton.RematchOf != live.GameID {
		t.Fatalf("RematchOf = %q, want %q", newSkeleton.RematchOf, live.GameID)
	}
	oldSkeleton, ok, err := durable.Games().GetGame(ctx, live.GameID)
	if err != nil || !ok {
		t.Fatalf("GetGame(original): ok=%v err=%v", ok, err)
	}
	if oldSkeleton.RematchGameID != rematch.GameID {
		t.Fatalf("RematchGameID = %q, want %q", oldSkeleton.RematchGameID, rematch.GameID)
	}
}

func TestAcceptRematchRejectsNonPlayer(t *testing.T) {
	c, _, durable, _ := newTestCore()
	live := createTestGame(t, c)
	ctx := context.Background()
	if _, err := c.Resign(ctx, live.GameID, "white-1"); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	prior, ok, err := durable.Games().GetGame(ctx, live.GameID)
	if err != nil || !ok {
		t.Fatalf("GetGame: ok=%v err=%v", ok, err)
	}
	prior.Status = "completed"
	if err := durable.Games().SaveGame(ctx, prior); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}

	if _, err := c.AcceptRematch(ctx, live.GameID, "stranger"); arenaerr.KindOf(err) != arenaerr.Unauthorized {
		t.Fatalf("expected Unauthorized for a non-player acceptor, got %v", err)
	}
}

func TestAcceptRematchRejectsUnfinishedGame(t *testing.T) {
	c, _, _, _ := newTestCore()
	live := createTestGame(t, c)
	if _, err := c.AcceptRematch(context.Background(), live.GameID, "white-1"); arenaerr.KindOf(err) != arenaerr.Conflict {
		t.Fatalf("expected Conflict for a still-active game, got %v", err)
	}
}
