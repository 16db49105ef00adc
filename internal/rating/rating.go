// Package rating implements the Elo-style rating update (queue
// rating statistics live in matchmaker.Stats). Grounded on
// the outcome/score mapping the teacher's pvpchess repository already
// performs when saving a finished game (mapResultToPGN, win/loss/draw
// bookkeeping) generalized into a standalone, side-effect-free
// calculation.
package rating

import (
	"math"

	"github.com/latticechess/arena-core/pkg/model"
)

const (
	ratingFloor = 100
	kProvisional = 40
	kHigh        = 10 // rating >= 2400
	kUpperMid    = 16 // rating >= 2100
	kBase        = 32
)

// Score is one player's game outcome, S in the Elo update.
type Score float64

const (
	ScoreLoss Score = 0
	ScoreDraw Score = 0.5
	ScoreWin  Score = 1
)

// ScoreFromResult derives a's score from the game's score string.
func ScoreFromResult(scoreString string, isWhite bool) Score {
	switch scoreString {
	case "1-0":
		if isWhite {
			return ScoreWin
		}
		return ScoreLoss
	case "0-1":
		if isWhite {
			return ScoreLoss
		}
		return ScoreWin
	default:
		return ScoreDraw
	}
}

func kFactor(rec model.RatingRecord) int {
	switch {
	case rec.Provisional():
		return kProvisional
	case rec.Rating >= 2400:
		return kHigh
	case rec.Rating >= 2100:
		return kUpperMid
	default:
		return kBase
	}
}

// Expected returns E_a, the expected score of the player rated ra
// against a player rated rb.
func Expected(ra, rb int) float64 {
	return 1 / (1 + math.Pow(10, float64(rb-ra)/400))
}

// Update applies one game's outcome to rec and returns the post-game
// record. delta is the signed rating change, already clamped to
// |delta| <= K.
func Update(rec model.RatingRecord, opponentRating int, score Score) (updated model.RatingRecord, delta int) {
	k := kFactor(rec)
	e := Expected(rec.Rating, opponentRating)
	raw := float64(k) * (float64(score) - e)
	delta = int(math.Round(raw))
	if delta > k {
		delta = k
	}
	if delta < -k {
		delta = -k
	}

	updated = rec
	updated.Rating = rec.Rating + delta
	if updated.Rating < ratingFloor {
		updated.Rating = ratingFloor
	}
	updated.GamesPlayed = rec.GamesPlayed + 1
	switch score {
	case ScoreWin:
		updated.Wins = rec.Wins + 1
	case ScoreLoss:
		updated.Losses = rec.Losses + 1
	default:
		updated.Draws = rec.Draws + 1
	}
	return updated, delta
}

// Snapshot builds the pre-game display of possible rating deltas for
// one player against a known opponent rating.
func Snapshot(rec model.RatingRecord, opponentRating int) model.RatingChangeSnapshot {
	_, onWin := Update(rec, opponentRating, ScoreWin)
	_, onLoss := Update(rec, opponentRating, ScoreLoss)
	_, onDraw := Update(rec, opponentRating, ScoreDraw)
	return model.RatingChangeSnapshot{
		OnWin:         onWin,
		OnLoss:        onLoss,
		OnDraw:        onDraw,
		IsProvisional: rec.Provisional(),
	}
}
