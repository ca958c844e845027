// Package ledger computes coin awards and debits. It never writes balances itself; every
// credit or debit is expressed as a domain.ProgressionDelta and applied by the progression store.
package ledger

import (
	"context"
	"fmt"
	"sort"

	"daily-atlas-service/internal/domain"
)

// Rewards is the coin table for a finished attempt.
type Rewards struct {
	DailyPlay         int
	PerCorrect        int
	PerFastAnswer     int
	FastAnswerSeconds float64
	PerfectGame       int
	FirstPlay         int
	// StreakMilestones maps an exact streak length to its one-off bonus.
	StreakMilestones map[int]int
}

func DefaultRewards() Rewards {
	return Rewards{
		DailyPlay:         10,
		PerCorrect:        5,
		PerFastAnswer:     2,
		FastAnswerSeconds: 3,
		PerfectGame:       25,
		FirstPlay:         50,
		StreakMilestones:  map[int]int{3: 15, 5: 25, 7: 50, 14: 100, 30: 250, 100: 1000},
	}
}

// Component names used in coin breakdowns.
const (
	ComponentDailyPlay       = "daily_play"
	ComponentCorrectAnswers  = "correct_answers"
	ComponentFastAnswers     = "fast_answers"
	ComponentPerfectGame     = "perfect_game"
	ComponentStreakMilestone = "streak_milestone"
	ComponentFirstPlay       = "first_play"
	ComponentAchievements    = "achievements"
)

// ComputeEarned returns the coins earned by a finished attempt given the state before it.
func ComputeEarned(attempt domain.Attempt, before domain.ProgressionState, r Rewards) domain.CoinBreakdown {
	correct, fast := 0, 0
	for i, ok := range attempt.Results {
		if !ok {
			continue
		}
		correct++
		if i < len(attempt.LatenciesSeconds) && attempt.LatenciesSeconds[i] <= r.FastAnswerSeconds {
			fast++
		}
	}

	var out domain.CoinBreakdown
	add := func(name string, amount int) {
		if amount <= 0 {
			return
		}
		out.Components = append(out.Components, domain.CoinComponent{Name: name, Amount: amount})
		out.Total += amount
	}
	add(ComponentDailyPlay, r.DailyPlay)
	add(ComponentCorrectAnswers, correct*r.PerCorrect)
	add(ComponentFastAnswers, fast*r.PerFastAnswer)
	if len(attempt.Results) > 0 && correct == len(attempt.Results) {
		add(ComponentPerfectGame, r.PerfectGame)
	}
	add(ComponentStreakMilestone, r.StreakMilestones[attempt.StreakAtCompletion])
	if before.GamesPlayed == 0 {
		add(ComponentFirstPlay, r.FirstPlay)
	}
	return out
}

// AchievementRewards sums one-time achievement rewards into a breakdown line.
func AchievementRewards(unlocks []domain.Unlock) domain.CoinComponent {
	total := 0
	for _, u := range unlocks {
		total += u.CoinReward
	}
	return domain.CoinComponent{Name: ComponentAchievements, Amount: total}
}

// SpendResult is a successful debit.
type SpendResult struct {
	NewBalance int
	Delta      domain.ProgressionDelta
}

// Spend checks the balance and returns the debit delta.
func Spend(state domain.ProgressionState, cost int) (SpendResult, error) {
	if cost < 0 {
		return SpendResult{}, fmt.Errorf("%w: negative cost %d", domain.ErrContractViolation, cost)
	}
	if cost > state.CoinBalance {
		return SpendResult{}, domain.ErrInsufficientFunds
	}
	return SpendResult{
		NewBalance: state.CoinBalance - cost,
		Delta:      domain.ProgressionDelta{Coins: -cost, CoinsSpent: cost},
	}, nil
}

// Mutator applies deltas to an identity's persisted state.
type Mutator interface {
	LoadProgressionState(ctx context.Context, identity domain.Identity) (domain.ProgressionState, error)
	MutateProgressionState(ctx context.Context, identity domain.Identity, delta domain.ProgressionDelta) (domain.ProgressionState, error)
}

// Ledger applies credits and debits through a Mutator.
type Ledger struct {
	store   Mutator
	rewards Rewards
}

func New(store Mutator, rewards Rewards) *Ledger {
	return &Ledger{store: store, rewards: rewards}
}

func (l *Ledger) Rewards() Rewards {
	return l.rewards
}

// Credit adds earned coins, combined with extra changes in one mutation.
func (l *Ledger) Credit(ctx context.Context, identity domain.Identity, amount int, with domain.ProgressionDelta) (domain.ProgressionState, error) {
	if amount < 0 {
		return domain.ProgressionState{}, fmt.Errorf("%w: negative credit %d", domain.ErrContractViolation, amount)
	}
	return l.store.MutateProgressionState(ctx, identity, domain.Credit(amount).Merge(with))
}

// Debit spends coins, combined with extra changes (e.g. the purchased item) in one mutation.
// The store re-checks the balance when applying, so a concurrent debit cannot overdraw.
func (l *Ledger) Debit(ctx context.Context, identity domain.Identity, cost int, with domain.ProgressionDelta) (domain.ProgressionState, error) {
	state, err := l.store.LoadProgressionState(ctx, identity)
	if err != nil {
		return domain.ProgressionState{}, err
	}
	res, err := Spend(state, cost)
	if err != nil {
		return state, err
	}
	return l.store.MutateProgressionState(ctx, identity, res.Delta.Merge(with))
}

// Item is a purchasable cosmetic.
type Item struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Slot  domain.Slot `json:"slot"`
	Price int         `json:"price"`
}

// Catalog is the shop inventory keyed by item id.
type Catalog map[string]Item

// DefaultCatalog is the shipped shop inventory.
func DefaultCatalog() Catalog {
	items := []Item{
		{ID: "theme_ocean", Name: "Ocean", Slot: domain.SlotTheme, Price: 150},
		{ID: "theme_desert", Name: "Desert", Slot: domain.SlotTheme, Price: 150},
		{ID: "theme_tundra", Name: "Tundra", Slot: domain.SlotTheme, Price: 300},
		{ID: "theme_night", Name: "Night Sky", Slot: domain.SlotTheme, Price: 500},
		{ID: "badge_compass", Name: "Compass", Slot: domain.SlotBadge, Price: 100},
		{ID: "badge_globe", Name: "Globe", Slot: domain.SlotBadge, Price: 250},
		{ID: "badge_passport", Name: "Passport", Slot: domain.SlotBadge, Price: 400},
		{ID: "frame_bronze", Name: "Bronze Frame", Slot: domain.SlotFrame, Price: 200},
		{ID: "frame_silver", Name: "Silver Frame", Slot: domain.SlotFrame, Price: 450},
		{ID: "frame_gold", Name: "Gold Frame", Slot: domain.SlotFrame, Price: 900},
		{ID: "title_explorer", Name: "Explorer", Slot: domain.SlotTitle, Price: 120},
		{ID: "title_cartographer", Name: "Cartographer", Slot: domain.SlotTitle, Price: 600},
		{ID: "title_atlas", Name: "Living Atlas", Slot: domain.SlotTitle, Price: 1500},
	}
	c := make(Catalog, len(items))
	for _, it := range items {
		c[it.ID] = it
	}
	return c
}

// Sorted returns the items ordered by slot, then price, then id.
func (c Catalog) Sorted() []Item {
	out := make([]Item, 0, len(c))
	for _, it := range c {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out
}
