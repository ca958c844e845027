package memory

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"daily-atlas-service/internal/domain"
)

// ChallengeLoader builds a day's challenge, typically the generator.
type ChallengeLoader interface {
	LoadChallenge(ctx context.Context, dayIndex int) (domain.Challenge, error)
	DatasetVersion() string
}

// ChallengeRepository caches generated challenges with TTL to avoid regenerating per session.
type ChallengeRepository struct {
	loader ChallengeLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[int]cachedChallenge
}

type cachedChallenge struct {
	challenge domain.Challenge
	expiresAt time.Time
}

func NewChallengeRepository(loader ChallengeLoader, ttl time.Duration) *ChallengeRepository {
	return &ChallengeRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[int]cachedChallenge),
	}
}

func (r *ChallengeRepository) GetChallenge(ctx context.Context, dayIndex int) (domain.Challenge, error) {
	now := r.clock()

	r.mu.RLock()
	if entry, ok := r.cache[dayIndex]; ok && entry.expiresAt.After(now) {
		r.mu.RUnlock()
		return entry.challenge, nil
	}
	r.mu.RUnlock()

	key := r.loader.DatasetVersion() + ":" + strconv.Itoa(dayIndex)
	result, err, _ := r.sf.Do(key, func() (interface{}, error) {
		now := r.clock()
		r.mu.RLock()
		if entry, ok := r.cache[dayIndex]; ok && entry.expiresAt.After(now) {
			r.mu.RUnlock()
			return entry.challenge, nil
		}
		r.mu.RUnlock()

		challenge, err := r.loader.LoadChallenge(ctx, dayIndex)
		if err != nil {
			return domain.Challenge{}, err
		}

		r.mu.Lock()
		r.cache[dayIndex] = cachedChallenge{
			challenge: challenge,
			expiresAt: now.Add(r.ttlWithJitter()),
		}
		r.mu.Unlock()
		return challenge, nil
	})
	if err != nil {
		return domain.Challenge{}, err
	}
	return result.(domain.Challenge), nil
}

func (r *ChallengeRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
