// Package durablestore defines the DurableStore contract: the
// system-of-record for finished games, player ratings, and events the
// PersistencePipeline could not apply. The reference implementation
// lives in internal/durablestore/pgdurable.
package durablestore

import (
	"context"

	"github.com/latticechess/arena-core/pkg/model"
)

type PlayerRepository interface {
	UpsertRating(ctx context.Context, playerID string, variant model.Variant, rec model.RatingRecord) error
	GetRating(ctx context.Context, playerID string, variant model.Variant) (model.RatingRecord, bool, error)
	AppendRatingHistory(ctx context.Context, playerID string, variant model.Variant, rating float64, gameID string) error
}

type GameRepository interface {
	SaveGame(ctx context.Context, g model.DurableGame) error
	GetGame(ctx context.Context, gameID string) (model.DurableGame, bool, error)
	ListRecentByPlayer(ctx context.Context, playerID string, limit int) ([]model.DurableGame, error)
}

// DeadLetter is a persistence-pipeline event that exhausted its
// retries and needs manual or delayed recovery.
type DeadLetter struct {
	ID        int64
	Topic     string
	Payload   []byte
	Reason    string
	Attempts  int
	CreatedAt int64
}

type DeadLetterRepository interface {
	Record(ctx context.Context, topic string, payload []byte, reason string, attempts int) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}

// DurableStore aggregates every repository the pipeline and read APIs
// need, plus lifecycle and health methods.
type DurableStore interface {
	Players() PlayerRepository
	Games() GameRepository
	DeadLetters() DeadLetterRepository
	Ping(ctx context.Context) error
	Close() error
}
