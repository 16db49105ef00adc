// Package redislive is the reference LiveStore, backed by
// github.com/redis/go-redis/v9. Key layout and the SETNX-based claim
// lock are grounded on the teacher's pvpchan store (channel metadata
// and participant sets) and pvpchan manager (SetNX code allocation,
// Watch/TxPipeline join races).
package redislive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/latticechess/arena-core/internal/arenaerr"
	"github.com/latticechess/arena-core/internal/livestore"
	"github.com/latticechess/arena-core/pkg/model"
)

type Store struct {
	rdb *redis.Client
}

// New wraps an already-configured *redis.Client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Dial builds a client from a redis:// URL, the same connection shape
// the teacher uses for its channel/session store.
func Dial(url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return &Store{rdb: redis.NewClient(opt)}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap(s.rdb.Ping(ctx).Err())
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return arenaerr.Wrap(arenaerr.StoreUnavailable, "livestore", err)
}

// key helpers, mirroring the teacher's "ch:" prefix-plus-suffix scheme.

func keyPresence(playerID string) string       { return "live:presence:" + playerID }
func keyLiveGame(gameID string) string         { return "live:game:" + gameID }
func keyQueue(gt model.GameTypeKey) string     { return "mm:queue:" + string(gt) }
func keySession(playerID string) string        { return "mm:session:" + playerID }
func keyFinalize(gameID string) string         { return "mm:finalize:" + gameID }

func keyLock(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "mm:lock:" + pair[0] + ":" + pair[1]
}

// --- Presence ---

func (s *Store) SetPresence(ctx context.Context, p model.Presence) error {
	fields := map[string]interface{}{
		"player_id":       p.PlayerID,
		"connection_id":   p.ConnectionID,
		"rating_snapshot": p.RatingSnapshot,
		"connected":       p.Connected,
	}
	return wrap(s.rdb.HSet(ctx, keyPresence(p.PlayerID), fields).Err())
}

func (s *Store) GetPresence(ctx context.Context, playerID string) (model.Presence, bool, error) {
	res, err := s.rdb.HGetAll(ctx, keyPresence(playerID)).Result()
	if err != nil {
		return model.Presence{}, false, wrap(err)
	}
	if len(res) == 0 {
		return model.Presence{}, false, nil
	}
	rating, _ := strconv.Atoi(res["rating_snapshot"])
	return model.Presence{
		PlayerID:       playerID,
		ConnectionID:   res["connection_id"],
		RatingSnapshot: rating,
		Connected:      res["connected"] == "1" || strings.EqualFold(res["connected"], "true"),
	}, true, nil
}

func (s *Store) ClearPresence(ctx context.Context, playerID string) error {
	return wrap(s.rdb.Del(ctx, keyPresence(playerID)).Err())
}

// --- Search sessions ---

const searchSessionTTL = 300 * time.Second

func (s *Store) SaveSearchSession(ctx context.Context, sess model.SearchSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return wrap(s.rdb.Set(ctx, keySession(sess.PlayerID), raw, searchSessionTTL).Err())
}

func (s *Store) GetSearchSession(ctx context.Context, playerID string) (model.SearchSession, bool, error) {
	raw, err := s.rdb.Get(ctx, keySession(playerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.SearchSession{}, false, nil
	}
	if err != nil {
		return model.SearchSession{}, false, wrap(err)
	}
	var sess model.SearchSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return model.SearchSession{}, false, err
	}
	return sess, true, nil
}

func (s *Store) DeleteSearchSession(ctx context.Context, playerID string) error {
	return wrap(s.rdb.Del(ctx, keySession(playerID)).Err())
}

// --- Matchmaking queues ---

func (s *Store) EnqueueCandidate(ctx context.Context, gt model.GameTypeKey, playerID string, rating float64) error {
	return wrap(s.rdb.ZAdd(ctx, keyQueue(gt), redis.Z{Score: rating, Member: playerID}).Err())
}

func (s *Store) DequeueCandidate(ctx context.Context, gt model.GameTypeKey, playerID string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, keyQueue(gt), playerID).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

func (s *Store) ScanCandidates(ctx context.Context, gt model.GameTypeKey, minRating, maxRating float64) ([]string, error) {
	res, err := s.rdb.ZRangeByScore(ctx, keyQueue(gt), &redis.ZRangeBy{
		Min: strconv.FormatFloat(minRating, 'f', -1, 64),
		Max: strconv.FormatFloat(maxRating, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return res, nil
}

func (s *Store) QueueSize(ctx context.Context, gt model.GameTypeKey) (int64, error) {
	n, err := s.rdb.ZCard(ctx, keyQueue(gt)).Result()
	return n, wrap(err)
}

func (s *Store) QueueRatings(ctx context.Context, gt model.GameTypeKey) ([]float64, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, keyQueue(gt), 0, -1).Result()
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]float64, 0, len(zs))
	for _, z := range zs {
		out = append(out, z.Score)
	}
	return out, nil
}

// --- Match lock ---

// releaseLockScript deletes the lock only if the value still matches
// the caller's token, the standard compare-and-delete pattern for a
// SETNX-based lock so a slow holder can't release a lock a different
// node has since acquired.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (s *Store) AcquireMatchLock(ctx context.Context, playerA, playerB string, ttl time.Duration) (livestore.ClaimToken, bool, error) {
	token := livestore.ClaimToken(uuid.NewString())
	ok, err := s.rdb.SetNX(ctx, keyLock(playerA, playerB), string(token), ttl).Result()
	if err != nil {
		return "", false, wrap(err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *Store) ReleaseMatchLock(ctx context.Context, playerA, playerB string, token livestore.ClaimToken) error {
	err := releaseLockScript.Run(ctx, s.rdb, []string{keyLock(playerA, playerB)}, string(token)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return wrap(err)
}

// --- Live games ---

const liveGameTTL = 7200 * time.Second

func (s *Store) SaveLiveGame(ctx context.Context, g model.LiveGame) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return wrap(s.rdb.Set(ctx, keyLiveGame(g.GameID), raw, liveGameTTL).Err())
}

func (s *Store) GetLiveGame(ctx context.Context, gameID string) (model.LiveGame, bool, error) {
	raw, err := s.rdb.Get(ctx, keyLiveGame(gameID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.LiveGame{}, false, nil
	}
	if err != nil {
		return model.LiveGame{}, false, wrap(err)
	}
	var g model.LiveGame
	if err := json.Unmarshal(raw, &g); err != nil {
		return model.LiveGame{}, false, err
	}
	return g, true, nil
}

func (s *Store) DeleteLiveGame(ctx context.Context, gameID string) error {
	return wrap(s.rdb.Del(ctx, keyLiveGame(gameID)).Err())
}

func (s *Store) FinalizeGame(ctx context.Context, gameID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, keyFinalize(gameID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, wrap(err)
	}
	return ok, nil
}

var _ livestore.LiveStore = (*Store)(nil)
