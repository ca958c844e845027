package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/logger"
)

// ChallengeLoader builds a day's challenge on cache miss.
type ChallengeLoader interface {
	LoadChallenge(ctx context.Context, dayIndex int) (domain.Challenge, error)
	DatasetVersion() string
}

// ChallengeRepository caches generated challenges in Redis so every instance serves the same
// bytes for a day. Keys: challenge:{datasetVersion}:{dayIndex} holding the JSON challenge.
type ChallengeRepository struct {
	client *redis.Client
	loader ChallengeLoader
	ttl    time.Duration
	log    *logger.Logger
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewChallengeRepository(client *redis.Client, loader ChallengeLoader, ttl time.Duration, log *logger.Logger) *ChallengeRepository {
	return &ChallengeRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		log:    logger.OrNop(log),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *ChallengeRepository) GetChallenge(ctx context.Context, dayIndex int) (domain.Challenge, error) {
	key := r.key(dayIndex)
	if c, ok := r.cached(ctx, key); ok {
		return c, nil
	}

	result, err, _ := r.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if c, ok := r.cached(ctx, key); ok {
			return c, nil
		}
		challenge, err := r.loader.LoadChallenge(ctx, dayIndex)
		if err != nil {
			return domain.Challenge{}, err
		}
		raw, err := json.Marshal(challenge)
		if err != nil {
			return domain.Challenge{}, err
		}
		if err := r.client.Set(ctx, key, raw, r.ttlWithJitter()).Err(); err != nil {
			r.log.Warn("challenge cache write failed", "day", dayIndex, "err", err)
		}
		return challenge, nil
	})
	if err != nil {
		return domain.Challenge{}, err
	}
	return result.(domain.Challenge), nil
}

func (r *ChallengeRepository) cached(ctx context.Context, key string) (domain.Challenge, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("challenge cache read failed", "key", key, "err", err)
		}
		return domain.Challenge{}, false
	}
	var c domain.Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		r.log.Warn("challenge cache entry corrupt", "key", key, "err", err)
		return domain.Challenge{}, false
	}
	return c, true
}

func (r *ChallengeRepository) key(dayIndex int) string {
	return "challenge:" + r.loader.DatasetVersion() + ":" + strconv.Itoa(dayIndex)
}

func (r *ChallengeRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
