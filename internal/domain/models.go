package domain

import (
	"sort"
	"time"
)

// NoAnswer is the choice sentinel for a question that timed out or was skipped.
const NoAnswer = -1

// Identity is the caller as seen by the core. Anonymous identities may later be linked to an account.
type Identity struct {
	ID        string `json:"id"`
	Anonymous bool   `json:"anonymous"`
}

// QuestionSpec is one generated multiple-choice question. Fully determined by
// (dayIndex, ordinal, dataset snapshot).
type QuestionSpec struct {
	DayIndex       int      `json:"dayIndex"`
	Ordinal        int      `json:"ordinal"`
	Category       string   `json:"category"`
	Field          string   `json:"field"`
	CountryID      string   `json:"countryId"`
	CountryName    string   `json:"countryName"`
	Region         string   `json:"region"`
	CorrectValue   string   `json:"correctValue"`
	Distractors    []string `json:"distractors"`
	Options        []string `json:"options"`
	CorrectIndex   int      `json:"correctIndex"`
	PromptTemplate string   `json:"promptTemplate"`
	Prompt         string   `json:"prompt"`
	Explanation    string   `json:"explanation"`
}

// Challenge is the ordered question list for one day.
type Challenge struct {
	DayIndex       int            `json:"dayIndex"`
	DatasetVersion string         `json:"datasetVersion"`
	Questions      []QuestionSpec `json:"questions"`
}

// PublicQuestion is a question without its answer, safe to send to players.
type PublicQuestion struct {
	Ordinal  int      `json:"ordinal"`
	Category string   `json:"category"`
	Prompt   string   `json:"prompt"`
	Options  []string `json:"options"`
}

// Public strips the answer from the question.
func (q QuestionSpec) Public() PublicQuestion {
	return PublicQuestion{
		Ordinal:  q.Ordinal,
		Category: q.Category,
		Prompt:   q.Prompt,
		Options:  append([]string(nil), q.Options...),
	}
}

// ScoreBreakdown is the output of the scoring engine.
type ScoreBreakdown struct {
	BaseScore    int     `json:"baseScore"`
	SpeedBonus   int     `json:"speedBonus"`
	StreakBonus  int     `json:"streakBonus"`
	TotalScore   int     `json:"totalScore"`
	CorrectCount int     `json:"correctCount"`
	AverageTime  float64 `json:"averageTime"`
}

// Attempt is the immutable record of one identity's play-through for one day.
type Attempt struct {
	IdentityID         string         `json:"identityId"`
	DayIndex           int            `json:"dayIndex"`
	Results            []bool         `json:"results"`
	LatenciesSeconds   []float64      `json:"latenciesSeconds"`
	Choices            []int          `json:"choices"`
	Score              ScoreBreakdown `json:"score"`
	StreakAtCompletion int            `json:"streakAtCompletion"`
	CompletedOn        time.Time      `json:"completedOn"`
}

// CoinComponent is one named line of a coin award.
type CoinComponent struct {
	Name   string `json:"name"`
	Amount int    `json:"amount"`
}

// CoinBreakdown is the full coin award for an event.
type CoinBreakdown struct {
	Total      int             `json:"total"`
	Components []CoinComponent `json:"components"`
}

// Unlock is a newly unlocked achievement and its one-time reward.
type Unlock struct {
	ID         string `json:"id"`
	CoinReward int    `json:"coinReward"`
}

// Slot names the cosmetic slots a player can equip.
type Slot string

const (
	SlotTheme Slot = "theme"
	SlotBadge Slot = "badge"
	SlotFrame Slot = "frame"
	SlotTitle Slot = "title"
)

// Equipped holds the currently equipped item per slot.
type Equipped struct {
	Theme string `json:"theme,omitempty"`
	Badge string `json:"badge,omitempty"`
	Frame string `json:"frame,omitempty"`
	Title string `json:"title,omitempty"`
}

// Set returns a copy with slot set to itemID.
func (e Equipped) Set(slot Slot, itemID string) Equipped {
	switch slot {
	case SlotTheme:
		e.Theme = itemID
	case SlotBadge:
		e.Badge = itemID
	case SlotFrame:
		e.Frame = itemID
	case SlotTitle:
		e.Title = itemID
	}
	return e
}

// IDSet is a sorted, duplicate-free list of ids.
type IDSet []string

// Has reports whether id is in the set.
func (s IDSet) Has(id string) bool {
	i := sort.SearchStrings(s, id)
	return i < len(s) && s[i] == id
}

// Add returns a new set containing ids in addition to s.
func (s IDSet) Add(ids ...string) IDSet {
	return s.Union(NewIDSet(ids...))
}

// Union returns the set union of s and other.
func (s IDSet) Union(other IDSet) IDSet {
	out := make(IDSet, 0, len(s)+len(other))
	out = append(out, s...)
	out = append(out, other...)
	return NewIDSet(out...)
}

// NewIDSet builds a normalized set.
func NewIDSet(ids ...string) IDSet {
	seen := make(map[string]struct{}, len(ids))
	out := make(IDSet, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ProgressionState is the persisted lifetime summary of one identity.
type ProgressionState struct {
	IdentityID             string         `json:"identityId"`
	Revision               int64          `json:"revision"`
	CoinBalance            int            `json:"coinBalance"`
	CoinsEarned            int            `json:"coinsEarned"`
	CoinsSpent             int            `json:"coinsSpent"`
	CurrentStreak          int            `json:"currentStreak"`
	BestStreak             int            `json:"bestStreak"`
	LastPlayedOn           time.Time      `json:"lastPlayedOn"`
	GamesPlayed            int            `json:"gamesPlayed"`
	TotalCorrect           int            `json:"totalCorrect"`
	PerfectGames           int            `json:"perfectGames"`
	TotalScore             int            `json:"totalScore"`
	BestScore              int            `json:"bestScore"`
	Shares                 int            `json:"shares"`
	FastAnswerCounts       map[int]int    `json:"fastAnswerCounts"`
	CategoryCorrectCounts  map[string]int `json:"categoryCorrectCounts"`
	RegionCorrectCounts    map[string]int `json:"regionCorrectCounts"`
	ConsecutiveCorrect     int            `json:"consecutiveCorrect"`
	BestConsecutiveCorrect int            `json:"bestConsecutiveCorrect"`
	OwnedItemIDs           IDSet          `json:"ownedItemIds"`
	UnlockedAchievementIDs IDSet          `json:"unlockedAchievementIds"`
	Equipped               Equipped       `json:"equipped"`
}

// NewProgressionState returns an empty state for identityID.
func NewProgressionState(identityID string) ProgressionState {
	return ProgressionState{
		IdentityID:             identityID,
		FastAnswerCounts:       map[int]int{},
		CategoryCorrectCounts:  map[string]int{},
		RegionCorrectCounts:    map[string]int{},
		OwnedItemIDs:           IDSet{},
		UnlockedAchievementIDs: IDSet{},
	}
}

// Clone returns a deep copy.
func (s ProgressionState) Clone() ProgressionState {
	out := s
	out.FastAnswerCounts = make(map[int]int, len(s.FastAnswerCounts))
	for k, v := range s.FastAnswerCounts {
		out.FastAnswerCounts[k] = v
	}
	out.CategoryCorrectCounts = cloneCounts(s.CategoryCorrectCounts)
	out.RegionCorrectCounts = cloneCounts(s.RegionCorrectCounts)
	out.OwnedItemIDs = append(IDSet{}, s.OwnedItemIDs...)
	out.UnlockedAchievementIDs = append(IDSet{}, s.UnlockedAchievementIDs...)
	return out
}

func cloneCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// StreakUpdate sets the streak fields after a completed attempt.
type StreakUpdate struct {
	Current  int       `json:"current"`
	PlayedOn time.Time `json:"playedOn"`
}

// ProgressionDelta is the only way ProgressionState changes. Counters are additive,
// sets are unioned, BestScore is max-merged.
type ProgressionDelta struct {
	Coins           int            `json:"coins"`
	CoinsEarned     int            `json:"coinsEarned"`
	CoinsSpent      int            `json:"coinsSpent"`
	GamesPlayed     int            `json:"gamesPlayed"`
	TotalCorrect    int            `json:"totalCorrect"`
	PerfectGames    int            `json:"perfectGames"`
	TotalScore      int            `json:"totalScore"`
	BestScore       int            `json:"bestScore"`
	Shares          int            `json:"shares"`
	FastAnswers     map[int]int    `json:"fastAnswers,omitempty"`
	CategoryCorrect map[string]int `json:"categoryCorrect,omitempty"`
	RegionCorrect   map[string]int `json:"regionCorrect,omitempty"`
	Streak          *StreakUpdate  `json:"streak,omitempty"`
	// ConsecutiveCorrect replaces the running cross-game counter when set. ConsecutivePeak is
	// the highest value the counter reached while the delta was produced.
	ConsecutiveCorrect *int     `json:"consecutiveCorrect,omitempty"`
	ConsecutivePeak    int      `json:"consecutivePeak,omitempty"`
	AddItems           []string `json:"addItems,omitempty"`
	AddUnlocks         []string `json:"addUnlocks,omitempty"`
	Equip              *Equip   `json:"equip,omitempty"`
}

// Equip places an owned item into a slot.
type Equip struct {
	Slot   Slot   `json:"slot"`
	ItemID string `json:"itemId"`
}

// Credit returns a delta that adds earned coins.
func Credit(amount int) ProgressionDelta {
	return ProgressionDelta{Coins: amount, CoinsEarned: amount}
}

// Merge folds other into d.
func (d ProgressionDelta) Merge(other ProgressionDelta) ProgressionDelta {
	d.Coins += other.Coins
	d.CoinsEarned += other.CoinsEarned
	d.CoinsSpent += other.CoinsSpent
	d.GamesPlayed += other.GamesPlayed
	d.TotalCorrect += other.TotalCorrect
	d.PerfectGames += other.PerfectGames
	d.TotalScore += other.TotalScore
	if other.BestScore > d.BestScore {
		d.BestScore = other.BestScore
	}
	d.Shares += other.Shares
	d.FastAnswers = mergeIntCounts(d.FastAnswers, other.FastAnswers)
	d.CategoryCorrect = mergeCounts(d.CategoryCorrect, other.CategoryCorrect)
	d.RegionCorrect = mergeCounts(d.RegionCorrect, other.RegionCorrect)
	if other.Streak != nil {
		d.Streak = other.Streak
	}
	if other.ConsecutiveCorrect != nil {
		d.ConsecutiveCorrect = other.ConsecutiveCorrect
	}
	if other.ConsecutivePeak > d.ConsecutivePeak {
		d.ConsecutivePeak = other.ConsecutivePeak
	}
	d.AddItems = append(append([]string(nil), d.AddItems...), other.AddItems...)
	d.AddUnlocks = append(append([]string(nil), d.AddUnlocks...), other.AddUnlocks...)
	if other.Equip != nil {
		d.Equip = other.Equip
	}
	return d
}

func mergeCounts(a, b map[string]int) map[string]int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]int, len(a)+len(b))
	for k, v := range a {
		out[k] += v
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}

func mergeIntCounts(a, b map[int]int) map[int]int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[int]int, len(a)+len(b))
	for k, v := range a {
		out[k] += v
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}

// CommitResult is everything a finished session reports back to the player.
type CommitResult struct {
	Attempt  Attempt          `json:"attempt"`
	Coins    CoinBreakdown    `json:"coins"`
	Unlocked []Unlock         `json:"unlocked"`
	State    ProgressionState `json:"state"`
}
