// Package app holds the play session state machine and the use cases around it: the daily
// commit sequence, the shop, shares, and identity linking.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"daily-atlas-service/internal/achievement"
	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/generator"
	"daily-atlas-service/internal/ledger"
	"daily-atlas-service/internal/logger"
	"daily-atlas-service/internal/progression"
	"daily-atlas-service/internal/scoring"
)

// ChallengeRepository returns the generated challenge for a day (usually through a cache).
type ChallengeRepository interface {
	GetChallenge(ctx context.Context, dayIndex int) (domain.Challenge, error)
}

// SessionRepository keeps live play sessions.
type SessionRepository interface {
	Put(session *Session)
	Get(id string) (*Session, bool)
	Delete(id string)
}

// Locker serializes state-changing use cases per key across instances.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ProgressionStore is the persistence surface the use cases need.
type ProgressionStore interface {
	HasPlayedToday(ctx context.Context, identity domain.Identity, dayIndex int) (progression.PlayedToday, error)
	LoadProgressionState(ctx context.Context, identity domain.Identity) (domain.ProgressionState, error)
	MutateProgressionState(ctx context.Context, identity domain.Identity, delta domain.ProgressionDelta) (domain.ProgressionState, error)
	SaveAttempt(ctx context.Context, identity domain.Identity, attempt domain.Attempt, delta domain.ProgressionDelta) (domain.ProgressionState, error)
	Link(ctx context.Context, anon, account domain.Identity) (domain.ProgressionState, error)
	Resolve(ctx context.Context, identity domain.Identity) (domain.Identity, error)
}

// Config carries the game rules.
type Config struct {
	Epoch        time.Time
	Scoring      scoring.Config
	Rewards      ledger.Rewards
	Achievements *achievement.Catalog
	Shop         ledger.Catalog
	Clock        func() time.Time
	Logger       *logger.Logger
}

type Service struct {
	progress   ProgressionStore
	challenges ChallengeRepository
	sessions   SessionRepository
	locker     Locker
	ledger     *ledger.Ledger

	epoch    time.Time
	scoring  scoring.Config
	catalog  *achievement.Catalog
	shop     ledger.Catalog
	now      func() time.Time
	log      *logger.Logger
	newID    func() string
	fastCuts []int
}

func NewService(progress ProgressionStore, challenges ChallengeRepository, sessions SessionRepository, locker Locker, cfg Config) *Service {
	s := &Service{
		progress:   progress,
		challenges: challenges,
		sessions:   sessions,
		locker:     locker,
		ledger:     ledger.New(progress, cfg.Rewards),
		epoch:      cfg.Epoch,
		scoring:    cfg.Scoring,
		catalog:    cfg.Achievements,
		shop:       cfg.Shop,
		now:        cfg.Clock,
		log:        logger.OrNop(cfg.Logger),
		newID:      uuid.NewString,
		fastCuts:   achievement.FastCutoffs,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.shop == nil {
		s.shop = ledger.DefaultCatalog()
	}
	return s
}

// DayIndex is today's day index. It is the only place the wall clock enters the game.
func (s *Service) DayIndex() int {
	return generator.DayIndex(s.now(), s.epoch)
}

// Open starts a session for identity on today's challenge. The session lands in ready, or in
// already_played when the day is already recorded.
func (s *Service) Open(ctx context.Context, identity domain.Identity) (*Session, error) {
	identity, err := s.progress.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	day := s.DayIndex()
	session := NewSession(s.newID(), identity, day, s.scoring.TimeBudgetSeconds, s.now)

	played, err := s.progress.HasPlayedToday(ctx, identity, day)
	if err != nil {
		return nil, fmt.Errorf("replay guard: %w", err)
	}
	if played.Played {
		state, err := s.progress.LoadProgressionState(ctx, identity)
		if err != nil {
			return nil, err
		}
		session.markAlreadyPlayed(played.Attempt, state)
	} else {
		challenge, err := s.challenges.GetChallenge(ctx, day)
		if err != nil {
			if errors.Is(err, domain.ErrGeneration) {
				s.log.Error("challenge unavailable", "day", day, "err", err)
			}
			return nil, fmt.Errorf("challenge for day %d: %w", day, err)
		}
		if err := session.markReady(challenge); err != nil {
			return nil, err
		}
	}
	s.sessions.Put(session)
	s.log.Debug("session opened", "session_id", session.ID(), "identity_id", identity.ID, "day", day, "state", session.State())
	return session, nil
}

func (s *Service) Session(id string) (*Session, error) {
	session, ok := s.sessions.Get(id)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// Close drops a session. Answers of an unfinished session are discarded.
func (s *Service) Close(id string) {
	s.sessions.Delete(id)
}

func (s *Service) Start(_ context.Context, sessionID string) (domain.PublicQuestion, error) {
	session, err := s.Session(sessionID)
	if err != nil {
		return domain.PublicQuestion{}, err
	}
	return session.start()
}

// Submit records an answer; choice may be domain.NoAnswer for a timeout.
func (s *Service) Submit(_ context.Context, sessionID string, ordinal, choice int) (AnswerResult, error) {
	session, err := s.Session(sessionID)
	if err != nil {
		return AnswerResult{}, err
	}
	return session.answer(ordinal, choice)
}

// Advance shows the next question, or runs the commit once every question is answered.
func (s *Service) Advance(ctx context.Context, sessionID string) (*domain.PublicQuestion, *domain.CommitResult, error) {
	session, err := s.Session(sessionID)
	if err != nil {
		return nil, nil, err
	}
	q, done, err := session.advance()
	if err != nil {
		return nil, nil, err
	}
	if !done {
		return &q, nil, nil
	}
	res, err := s.Finish(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return nil, &res, nil
}

// Finish runs the commit sequence: resolve the identity under its lock, recheck the replay
// guard, compute once, write. A failed write leaves the computed result pending so a retry
// writes the same numbers. A session whose anonymous identity was linked meanwhile commits to
// the account. When the day is already recorded the session moves to already_played and
// domain.ErrDuplicateAttempt is returned.
func (s *Service) Finish(ctx context.Context, sessionID string) (domain.CommitResult, error) {
	session, err := s.Session(sessionID)
	if err != nil {
		return domain.CommitResult{}, err
	}
	if res, ok := session.finishedResult(); ok {
		return res, nil
	}
	challenge, results, latencies, choices, pending, err := session.commitInputs()
	if err != nil {
		return domain.CommitResult{}, err
	}
	identity, unlock, err := s.lockIdentity(ctx, session.Identity())
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	defer unlock()
	if identity.ID != session.Identity().ID {
		s.log.Info("session identity linked during play", "session_id", session.ID(), "account_id", identity.ID)
		session.rebind(identity)
		pending = nil
	}

	played, err := s.progress.HasPlayedToday(ctx, identity, session.DayIndex())
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("replay guard: %w", err)
	}
	if played.Played {
		return domain.CommitResult{}, s.routeAlreadyPlayed(ctx, session, played.Attempt)
	}

	if pending == nil {
		pending, err = s.compute(ctx, identity, session.DayIndex(), challenge, results, latencies, choices)
		if err != nil {
			if errors.Is(err, domain.ErrContractViolation) {
				s.log.Error("commit compute rejected internal input", "session_id", session.ID(), "err", err)
			}
			return domain.CommitResult{}, err
		}
		session.setPending(pending)
	}

	state, err := s.progress.SaveAttempt(ctx, identity, pending.attempt, pending.delta)
	switch {
	case errors.Is(err, domain.ErrDuplicateAttempt):
		return domain.CommitResult{}, s.routeAlreadyPlayed(ctx, session, nil)
	case err != nil:
		s.log.Warn("commit write failed, result kept for retry", "session_id", session.ID(), "identity_id", identity.ID, "err", err)
		return domain.CommitResult{}, err
	}

	result := domain.CommitResult{
		Attempt:  pending.attempt,
		Coins:    pending.coins,
		Unlocked: pending.unlocks,
		State:    state,
	}
	session.markFinished(result)
	s.log.Info("attempt committed",
		"identity_id", identity.ID,
		"day", session.DayIndex(),
		"score", pending.attempt.Score.TotalScore,
		"coins", pending.coins.Total,
		"unlocked", len(pending.unlocks),
	)
	return result, nil
}

func (s *Service) routeAlreadyPlayed(ctx context.Context, session *Session, prior *domain.Attempt) error {
	if prior == nil {
		played, err := s.progress.HasPlayedToday(ctx, session.Identity(), session.DayIndex())
		if err == nil && played.Played {
			prior = played.Attempt
		}
	}
	state, err := s.progress.LoadProgressionState(ctx, session.Identity())
	if err != nil {
		return err
	}
	session.markAlreadyPlayed(prior, state)
	return domain.ErrDuplicateAttempt
}

// compute builds the attempt, coins, achievement unlocks and the single delta that records
// all of them. Nothing is written here.
func (s *Service) compute(ctx context.Context, identity domain.Identity, day int, challenge domain.Challenge, results []bool, latencies []float64, choices []int) (*pendingCommit, error) {
	before, err := s.progress.LoadProgressionState(ctx, identity)
	if err != nil {
		return nil, err
	}
	today := generator.DateOf(day, s.epoch)
	streak := progression.NextStreak(before.LastPlayedOn, before.CurrentStreak, today)

	score, err := scoring.Score(results, latencies, streak, s.scoring)
	if err != nil {
		return nil, err
	}
	attempt := domain.Attempt{
		IdentityID:         identity.ID,
		DayIndex:           day,
		Results:            results,
		LatenciesSeconds:   latencies,
		Choices:            choices,
		Score:              score,
		StreakAtCompletion: streak,
		CompletedOn:        today,
	}

	coins := ledger.ComputeEarned(attempt, before, s.ledger.Rewards())
	delta := attemptDelta(attempt, challenge, before, s.fastCuts).Merge(domain.Credit(coins.Total))

	unlocks, err := s.unlockAchievements(before, delta)
	if err != nil {
		return nil, err
	}
	if len(unlocks) > 0 {
		reward := ledger.AchievementRewards(unlocks)
		if reward.Amount > 0 {
			coins.Components = append(coins.Components, reward)
			coins.Total += reward.Amount
		}
		delta = delta.Merge(rewardDelta(unlocks))
	}
	return &pendingCommit{attempt: attempt, delta: delta, coins: coins, unlocks: unlocks}, nil
}

// attemptDelta turns a finished attempt into counter changes. The cross-game consecutive
// counter resets on every miss, mid-game included.
func attemptDelta(a domain.Attempt, challenge domain.Challenge, before domain.ProgressionState, fastCutoffs []int) domain.ProgressionDelta {
	d := domain.ProgressionDelta{
		GamesPlayed:     1,
		TotalScore:      a.Score.TotalScore,
		BestScore:       a.Score.TotalScore,
		FastAnswers:     map[int]int{},
		CategoryCorrect: map[string]int{},
		RegionCorrect:   map[string]int{},
		Streak:          &domain.StreakUpdate{Current: a.StreakAtCompletion, PlayedOn: a.CompletedOn},
	}
	run, peak := before.ConsecutiveCorrect, before.ConsecutiveCorrect
	for i, ok := range a.Results {
		if !ok {
			run = 0
			continue
		}
		run++
		peak = max(peak, run)
		d.TotalCorrect++
		if i < len(challenge.Questions) {
			q := challenge.Questions[i]
			d.CategoryCorrect[q.Category]++
			if q.Region != "" {
				d.RegionCorrect[q.Region]++
			}
		}
		for _, cutoff := range fastCutoffs {
			if a.LatenciesSeconds[i] <= float64(cutoff) {
				d.FastAnswers[cutoff]++
			}
		}
	}
	if len(a.Results) > 0 && d.TotalCorrect == len(a.Results) {
		d.PerfectGames = 1
	}
	d.ConsecutiveCorrect = &run
	d.ConsecutivePeak = peak
	return d
}

// unlockAchievements evaluates rules against the state the delta would produce, repeating
// until no new rule unlocks, since achievement rewards feed the coins-earned rules.
func (s *Service) unlockAchievements(before domain.ProgressionState, delta domain.ProgressionDelta) ([]domain.Unlock, error) {
	if s.catalog == nil {
		return nil, nil
	}
	var all []domain.Unlock
	for {
		after, err := progression.ApplyDelta(before, delta)
		if err != nil {
			return nil, err
		}
		fresh := achievement.Evaluate(before, after, s.catalog)
		if len(fresh) == 0 {
			return all, nil
		}
		all = append(all, fresh...)
		delta = delta.Merge(rewardDelta(fresh))
	}
}

func rewardDelta(unlocks []domain.Unlock) domain.ProgressionDelta {
	total := ledger.AchievementRewards(unlocks).Amount
	d := domain.Credit(total)
	d.AddUnlocks = unlockIDs(unlocks)
	return d
}

func unlockIDs(unlocks []domain.Unlock) []string {
	ids := make([]string, 0, len(unlocks))
	for _, u := range unlocks {
		ids = append(ids, u.ID)
	}
	return ids
}

func lockKey(identity domain.Identity) string {
	return "progress:" + identity.ID
}
