// Package livestore defines the LiveStore contract: the hot-path,
// TTL-backed state every node reads and writes on every move,
// presence change, and matchmaking tick. The reference implementation
// lives in internal/livestore/redislive.
package livestore

import (
	"context"
	"time"

	"github.com/latticechess/arena-core/pkg/model"
)

// ClaimToken is returned by AcquireMatchLock and must be passed back
// to ReleaseMatchLock to guard against releasing a lock this holder no
// longer owns (the lock may have expired and been re-acquired by
// another node).
type ClaimToken string

// LiveStore is the process-independent, low-latency state layer
// backing SearchSession, LiveGame, presence and the matchmaking
// candidate queues. Every method that mutates shared state must be
// safe under concurrent access from multiple nodes.
type LiveStore interface {
	// Presence
	SetPresence(ctx context.Context, p model.Presence) error
	GetPresence(ctx context.Context, playerID string) (model.Presence, bool, error)
	ClearPresence(ctx context.Context, playerID string) error

	// Search sessions
	SaveSearchSession(ctx context.Context, s model.SearchSession) error
	GetSearchSession(ctx context.Context, playerID string) (model.SearchSession, bool, error)
	DeleteSearchSession(ctx context.Context, playerID string) error

	// Matchmaking candidate queue, one sorted set per game type keyed
	// by rating so a range scan finds candidates within a window.
	EnqueueCandidate(ctx context.Context, gameType model.GameTypeKey, playerID string, rating float64) error
	// DequeueCandidate removes playerID from gameType's queue and
	// reports whether it was actually present. Callers racing over the
	// same candidate use the returned bool as the atomic claim: only
	// the caller that actually removes the member won the race.
	DequeueCandidate(ctx context.Context, gameType model.GameTypeKey, playerID string) (removed bool, err error)
	ScanCandidates(ctx context.Context, gameType model.GameTypeKey, minRating, maxRating float64) ([]string, error)
	QueueSize(ctx context.Context, gameType model.GameTypeKey) (int64, error)
	QueueRatings(ctx context.Context, gameType model.GameTypeKey) ([]float64, error)

	// AcquireMatchLock is a cross-node mutual-exclusion primitive over
	// a pair of candidates about to be paired: it succeeds for exactly
	// one caller among racing attempts on the same (unordered) pair.
	// Attempts on different pairs that share one player do not exclude
	// each other here; the queue dequeue after the lock settles those.
	AcquireMatchLock(ctx context.Context, playerA, playerB string, ttl time.Duration) (ClaimToken, bool, error)
	ReleaseMatchLock(ctx context.Context, playerA, playerB string, token ClaimToken) error

	// Live games
	SaveLiveGame(ctx context.Context, g model.LiveGame) error
	GetLiveGame(ctx context.Context, gameID string) (model.LiveGame, bool, error)
	DeleteLiveGame(ctx context.Context, gameID string) error

	// FinalizeGame atomically marks gameID as finalized exactly once.
	// It returns claimed=true only for the caller that wins the race;
	// every other caller (including retries after a crash) gets
	// claimed=false and must not re-apply rating changes.
	FinalizeGame(ctx context.Context, gameID string, ttl time.Duration) (claimed bool, err error)

	Ping(ctx context.Context) error
	Close() error
}
