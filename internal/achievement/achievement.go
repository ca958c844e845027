// Package achievement holds the declarative rule catalog and the evaluator that turns
// progression counters into one-time unlocks.
package achievement

import (
	"fmt"
	"strconv"
	"strings"

	"daily-atlas-service/internal/domain"
)

// Kind selects the counter a requirement compares against.
type Kind string

const (
	KindGamesPlayed        Kind = "games_played"
	KindTotalCorrect       Kind = "total_correct"
	KindPerfectGames       Kind = "perfect_games"
	KindCurrentStreak      Kind = "current_streak"
	KindBestStreak         Kind = "best_streak"
	KindFastAnswers        Kind = "fast_answers"
	KindSingleGameScore    Kind = "single_game_score"
	KindCumulativeScore    Kind = "cumulative_score"
	KindCategoryCorrect    Kind = "category_correct"
	KindRegionCorrect      Kind = "region_correct"
	KindItemsOwned         Kind = "items_owned"
	KindCoinsEarned        Kind = "coins_earned"
	KindCoinsSpent         Kind = "coins_spent"
	KindShares             Kind = "shares"
	KindConsecutiveCorrect Kind = "consecutive_correct"
)

// Requirement is a threshold on one counter. Key names the category or region for the
// keyed kinds; CutoffSeconds names the latency bucket for fast answers.
type Requirement struct {
	Kind          Kind   `json:"kind"`
	Threshold     int    `json:"threshold"`
	Key           string `json:"key,omitempty"`
	CutoffSeconds int    `json:"cutoffSeconds,omitempty"`
}

// Value reads the counter the requirement compares against.
func (r Requirement) Value(s domain.ProgressionState) int {
	switch r.Kind {
	case KindGamesPlayed:
		return s.GamesPlayed
	case KindTotalCorrect:
		return s.TotalCorrect
	case KindPerfectGames:
		return s.PerfectGames
	case KindCurrentStreak:
		return s.CurrentStreak
	case KindBestStreak:
		return s.BestStreak
	case KindFastAnswers:
		return s.FastAnswerCounts[r.CutoffSeconds]
	case KindSingleGameScore:
		return s.BestScore
	case KindCumulativeScore:
		return s.TotalScore
	case KindCategoryCorrect:
		return s.CategoryCorrectCounts[r.Key]
	case KindRegionCorrect:
		return s.RegionCorrectCounts[r.Key]
	case KindItemsOwned:
		return len(s.OwnedItemIDs)
	case KindCoinsEarned:
		return s.CoinsEarned
	case KindCoinsSpent:
		return s.CoinsSpent
	case KindShares:
		return s.Shares
	case KindConsecutiveCorrect:
		return s.BestConsecutiveCorrect
	default:
		return 0
	}
}

// Met reports whether the state satisfies the requirement.
func (r Requirement) Met(s domain.ProgressionState) bool {
	return r.Value(s) >= r.Threshold
}

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

var rarityLadder = []Rarity{RarityCommon, RarityUncommon, RarityRare, RarityEpic, RarityLegendary}

// RarityRewards is the coin reward per rarity.
var RarityRewards = map[Rarity]int{
	RarityCommon:    10,
	RarityUncommon:  25,
	RarityRare:      50,
	RarityEpic:      100,
	RarityLegendary: 250,
}

// Rule is one catalog entry.
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Requirement Requirement `json:"requirement"`
	CoinReward  int         `json:"coinReward"`
	Rarity      Rarity      `json:"rarity"`
}

// Catalog is an immutable ordered rule set.
type Catalog struct {
	rules []Rule
	byID  map[string]int
}

// NewCatalog validates rules: ids must be unique and thresholds positive.
func NewCatalog(rules []Rule) (*Catalog, error) {
	c := &Catalog{rules: append([]Rule(nil), rules...), byID: make(map[string]int, len(rules))}
	for i, r := range c.rules {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: rule %d has no id", domain.ErrContractViolation, i)
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule id %q", domain.ErrContractViolation, r.ID)
		}
		if r.Requirement.Threshold <= 0 {
			return nil, fmt.Errorf("%w: rule %q has non-positive threshold", domain.ErrContractViolation, r.ID)
		}
		c.byID[r.ID] = i
	}
	return c, nil
}

func (c *Catalog) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

func (c *Catalog) Len() int {
	return len(c.rules)
}

func (c *Catalog) Rule(id string) (Rule, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Rule{}, false
	}
	return c.rules[i], true
}

// Evaluate returns the rules that are unmet before, met after, and not already unlocked in
// either state. Results follow catalog order.
func Evaluate(before, after domain.ProgressionState, catalog *Catalog) []domain.Unlock {
	var out []domain.Unlock
	for _, r := range catalog.rules {
		if before.UnlockedAchievementIDs.Has(r.ID) || after.UnlockedAchievementIDs.Has(r.ID) {
			continue
		}
		if r.Requirement.Met(before) || !r.Requirement.Met(after) {
			continue
		}
		out = append(out, domain.Unlock{ID: r.ID, CoinReward: r.CoinReward})
	}
	return out
}

// FastCutoffs are the latency buckets (seconds) tracked for fast-answer counters.
var FastCutoffs = []int{1, 2, 3, 5}

type table struct {
	kind   Kind
	prefix string
	name   string
	steps  []int
}

var milestoneTables = []table{
	{KindGamesPlayed, "games", "Games played", []int{1, 3, 5, 10, 25, 50, 75, 100, 150, 200, 250, 365, 500, 750, 1000}},
	{KindTotalCorrect, "correct", "Correct answers", []int{1, 10, 25, 50, 100, 250, 500, 750, 1000, 2500, 5000, 10000}},
	{KindPerfectGames, "perfect", "Perfect games", []int{1, 3, 5, 10, 25, 50, 100, 200}},
	{KindCurrentStreak, "streak", "Day streak", []int{2, 3, 5, 7, 10, 14, 21, 30, 50, 75, 100, 150, 200, 365}},
	{KindBestStreak, "best_streak", "Best streak", []int{3, 7, 14, 30, 60, 100, 180, 365}},
	{KindSingleGameScore, "score_game", "Single game score", []int{500, 800, 1000, 1200, 1400, 1500}},
	{KindCumulativeScore, "score_total", "Lifetime score", []int{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}},
	{KindItemsOwned, "collector", "Items owned", []int{1, 3, 5, 10, 13}},
	{KindCoinsEarned, "earned", "Coins earned", []int{100, 500, 1000, 2500, 5000, 10000, 25000, 50000}},
	{KindCoinsSpent, "spent", "Coins spent", []int{100, 500, 1000, 2500, 5000}},
	{KindShares, "shares", "Shares", []int{1, 5, 10, 25, 50, 100}},
	{KindConsecutiveCorrect, "consecutive", "Correct in a row", []int{5, 10, 15, 20, 25, 30, 40, 50, 75, 100}},
}

var fastSteps = []int{1, 10, 50, 100, 250, 500, 1000}

var keyedSteps = []int{5, 25, 50, 100, 250}

// DefaultRules generates the catalog from the milestone tables plus per-category and
// per-region tables for the given dataset categories and regions.
func DefaultRules(categories, regions []string) []Rule {
	var rules []Rule
	for _, t := range milestoneTables {
		rules = append(rules, expand(t.steps, func(step int) (string, string, Requirement) {
			return fmt.Sprintf("%s_%d", t.prefix, step),
				fmt.Sprintf("%s: %d", t.name, step),
				Requirement{Kind: t.kind, Threshold: step}
		})...)
	}
	for _, cutoff := range FastCutoffs {
		rules = append(rules, expand(fastSteps, func(step int) (string, string, Requirement) {
			return fmt.Sprintf("fast_%ds_%d", cutoff, step),
				fmt.Sprintf("%d answers under %ds", step, cutoff),
				Requirement{Kind: KindFastAnswers, Threshold: step, CutoffSeconds: cutoff}
		})...)
	}
	for _, category := range categories {
		rules = append(rules, expand(keyedSteps, func(step int) (string, string, Requirement) {
			return fmt.Sprintf("category_%s_%d", slug(category), step),
				fmt.Sprintf("%s expert: %d", category, step),
				Requirement{Kind: KindCategoryCorrect, Threshold: step, Key: category}
		})...)
	}
	for _, region := range regions {
		rules = append(rules, expand(keyedSteps, func(step int) (string, string, Requirement) {
			return fmt.Sprintf("region_%s_%d", slug(region), step),
				fmt.Sprintf("%s explorer: %d", region, step),
				Requirement{Kind: KindRegionCorrect, Threshold: step, Key: region}
		})...)
	}
	return rules
}

// DefaultCatalog builds and validates the generated catalog.
func DefaultCatalog(categories, regions []string) (*Catalog, error) {
	return NewCatalog(DefaultRules(categories, regions))
}

// expand turns a step table into rules; rarity climbs with the step position.
func expand(steps []int, build func(step int) (string, string, Requirement)) []Rule {
	out := make([]Rule, 0, len(steps))
	for i, step := range steps {
		id, name, req := build(step)
		rarity := rarityLadder[i*len(rarityLadder)/len(steps)]
		out = append(out, Rule{
			ID:          id,
			Name:        name,
			Requirement: req,
			CoinReward:  RarityRewards[rarity],
			Rarity:      rarity,
		})
	}
	return out
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		default:
			b.WriteString(strconv.Itoa(int(r)))
		}
	}
	return b.String()
}
