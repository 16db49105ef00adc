package rating

import (
	"testing"

	"github.com/latticechess/arena-core/pkg/model"
)

func TestKFactorTiers(t *testing.T) {
	cases := []struct {
		name string
		rec  model.RatingRecord
		want int
	}{
		{"provisional under 30 games", model.RatingRecord{Rating: 1200, GamesPlayed: 29}, kProvisional},
		{"boundary at 30 games is no longer provisional", model.RatingRecord{Rating: 1200, GamesPlayed: 30}, kBase},
		{"high rated", model.RatingRecord{Rating: 2450, GamesPlayed: 500}, kHigh},
		{"boundary at 2400 is high", model.RatingRecord{Rating: 2400, GamesPlayed: 500}, kHigh},
		{"upper mid", model.RatingRecord{Rating: 2200, GamesPlayed: 500}, kUpperMid},
		{"boundary at 2100 is upper mid", model.RatingRecord{Rating: 2100, GamesPlayed: 500}, kUpperMid},
		{"base tier", model.RatingRecord{Rating: 1500, GamesPlayed: 500}, kBase},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := kFactor(c.rec); got != c.want {
				t.Errorf("kFactor(%+v) = %d, want %d", c.rec, got, c.want)
			}
		})
	}
}

func TestUpdateClampsDeltaToKFactor(t *testing.T) {
	rec := model.RatingRecord{Rating: 1200, GamesPlayed: 100}
	_, delta := Update(rec, 800, ScoreLoss)
	if delta < -kBase || delta > 0 {
		t.Errorf("delta %d exceeds |K|=%d bound for a huge upset loss", delta, kBase)
	}
}

func TestUpdateEnforcesRatingFloor(t *testing.T) {
	rec := model.RatingRecord{Rating: 105, GamesPlayed: 100}
	updated, _ := Update(rec, 2800, ScoreLoss)
	if updated.Rating < ratingFloor {
		t.Errorf("rating %d fell below floor %d", updated.Rating, ratingFloor)
	}
}

func TestUpdateIncrementsGameAndOutcomeCounts(t *testing.T) {
	rec := model.RatingRecord{Rating: 1200, GamesPlayed: 5, Wins: 2, Losses: 2, Draws: 1}
	updated, _ := Update(rec, 1200, ScoreWin)
	if updated.GamesPlayed != 6 || updated.Wins != 3 || updated.Losses != 2 || updated.Draws != 1 {
		t.Errorf("unexpected counters after win: %+v", updated)
	}
}

func TestExpectedIsSymmetric(t *testing.T) {
	ea := Expected(1500, 1500)
	if ea != 0.5 {
		t.Errorf("Expected(equal ratings) = %v, want 0.5", ea)
	}
	eb := Expected(1600, 1400)
	ec := Expected(1400, 1600)
	if ea == 0 || eb+ec < 0.999 || eb+ec > 1.001 {
		t.Errorf("Expected(a,b)+Expected(b,a) should sum to ~1, got %v and %v", eb, ec)
	}
}

func TestScoreFromResult(t *testing.T) {
	if ScoreFromResult("1-0", true) != ScoreWin {
		t.Error("white should win on 1-0")
	}
	if ScoreFromResult("1-0", false) != ScoreLoss {
		t.Error("black should lose on 1-0")
	}
	if ScoreFromResult("0-1", true) != ScoreLoss {
		t.Error("white should lose on 0-1")
	}
	if ScoreFromResult("1/2-1/2", true) != ScoreDraw {
		t.Error("draw score string should map to ScoreDraw")
	}
}

func TestSnapshotMarksProvisional(t *testing.T) {
	rec := model.RatingRecord{Rating: 1200, GamesPlayed: 10}
	snap := Snapshot(rec, 1200)
	if !snap.IsProvisional {
		t.Error("a player under 30 games should be flagged provisional")
	}
	if snap.OnWin <= 0 || snap.OnLoss >= 0 {
		t.Errorf("unexpected snapshot deltas: %+v", snap)
	}
}
