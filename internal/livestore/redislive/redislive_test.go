package redislive

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/latticechess/arena-core/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestPresenceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SetPresence(ctx, model.Presence{PlayerID: "p1", ConnectionID: "c1", RatingSnapshot: 1450, Connected: true})
	if err != nil {
		t.Fatalf("SetPresence: %v", err)
	}

	got, ok, err := s.GetPresence(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("GetPresence: ok=%v err=%v", ok, err)
	}
	if got.RatingSnapshot != 1450 || !got.Connected || got.ConnectionID != "c1" {
		t.Errorf("unexpected presence round trip: %+v", got)
	}

	if err := s.ClearPresence(ctx, "p1"); err != nil {
		t.Fatalf("ClearPresence: %v", err)
	}
	if _, ok, _ := s.GetPresence(ctx, "p1"); ok {
		t.Error("presence should be gone after ClearPresence")
	}
}

func TestQueueScanRespectsRatingRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gt := model.GameTypeKey("RAPID_10_0")

	_ = s.EnqueueCandidate(ctx, gt, "low", 900)
	_ = s.EnqueueCandidate(ctx, gt, "mid", 1200)
	_ = s.EnqueueCandidate(ctx, gt, "high", 2000)

	size, err := s.QueueSize(ctx, gt)
	if err != nil || size != 3 {
		t.Fatalf("QueueSize = %d, err %v, want 3", size, err)
	}

	candidates, err := s.ScanCandidates(ctx, gt, 1100, 1300)
	if err != nil {
		t.Fatalf("ScanCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0] != "mid" {
		t.Fatalf("ScanCandidates(1100,1300) = %v, want [mid]", candidates)
	}

	removed, err := s.DequeueCandidate(ctx, gt, "mid")
	if err != nil {
		t.Fatalf("DequeueCandidate: %v", err)
	}
	if !removed {
		t.Error("DequeueCandidate should report removed=true for a present member")
	}
	size, _ = s.QueueSize(ctx, gt)
	if size != 2 {
		t.Errorf("QueueSize after dequeue = %d, want 2", size)
	}

	if removed, err := s.DequeueCandidate(ctx, gt, "mid"); err != nil || removed {
		t.Errorf("DequeueCandidate on an already-removed member should report removed=false, got removed=%v err=%v", removed, err)
	}
}

func TestMatchLockIsExclusiveAndReleasable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, ok, err := s.AcquireMatchLock(ctx, "a", "b", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("first AcquireMatchLock should succeed: ok=%v err=%v", ok, err)
	}

	// Lock key is order-independent: (a,b) and (b,a) collide.
	if _, ok, _ := s.AcquireMatchLock(ctx, "b", "a", 5*time.Second); ok {
		t.Fatal("second AcquireMatchLock for the same pair should fail while held")
	}

	if err := s.ReleaseMatchLock(ctx, "a", "b", token); err != nil {
		t.Fatalf("ReleaseMatchLock: %v", err)
	}

	if _, ok, err := s.AcquireMatchLock(ctx, "a", "b", 5*time.Second); err != nil || !ok {
		t.Fatalf("AcquireMatchLock after release should succeed: ok=%v err=%v", ok, err)
	}
}

func TestReleaseMatchLockRefusesWrongToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.AcquireMatchLock(ctx, "a", "b", 5*time.Second); err != nil || !ok {
		t.Fatalf("AcquireMatchLock: ok=%v err=%v", ok, err)
	}

	if err := s.ReleaseMatchLock(ctx, "a", "b", "wrong-token"); err != nil {
		t.Fatalf("ReleaseMatchLock with wrong token should not error: %v", err)
	}

	if _, ok, _ := s.AcquireMatchLock(ctx, "a", "b", 5*time.Second); ok {
		t.Fatal("lock should still be held after a compare-and-delete with the wrong token")
	}
}

func TestLiveGameRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := model.LiveGame{GameID: "g1", Turn: model.White}
	if err := s.SaveLiveGame(ctx, g); err != nil {
		t.Fatalf("SaveLiveGame: %v", err)
	}
	got, ok, err := s.GetLiveGame(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("GetLiveGame: ok=%v err=%v", ok, err)
	}
	if got.GameID != "g1" || got.Turn != model.White {
		t.Errorf("unexpected round trip: %+v", got)
	}

	if err := s.DeleteLiveGame(ctx, "g1"); err != nil {
		t.Fatalf("DeleteLiveGame: %v", err)
	}
	if _, ok, _ := s.GetLiveGame(ctx, "g1"); ok {
		t.Error("live game should be gone after delete")
	}
}

func TestFinalizeGameIsClaimedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.FinalizeGame(ctx, "g1", 5*time.Second)
	if err != nil || !first {
		t.Fatalf("first FinalizeGame should claim: first=%v err=%v", first, err)
	}
	second, err := s.FinalizeGame(ctx, "g1", 5*time.Second)
	if err != nil || second {
		t.Fatalf("second FinalizeGame should not reclaim: second=%v err=%v", second, err)
	}
}
