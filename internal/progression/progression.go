// Package progression owns every change to a ProgressionState: delta application, streak
// continuity, the anonymous to account merge, and reconciliation between the local and
// remote stores.
package progression

import (
	"fmt"
	"sort"
	"time"

	"daily-atlas-service/internal/domain"
)

// ApplyDelta returns state with d applied and the revision bumped. The input is not modified.
// A delta that would take the balance below zero fails with ErrInsufficientFunds and changes
// nothing.
func ApplyDelta(state domain.ProgressionState, d domain.ProgressionDelta) (domain.ProgressionState, error) {
	out := state.Clone()

	out.CoinBalance += d.Coins
	if out.CoinBalance < 0 {
		return state, domain.ErrInsufficientFunds
	}
	if d.CoinsEarned < 0 || d.CoinsSpent < 0 {
		return state, fmt.Errorf("%w: negative coin counter delta", domain.ErrContractViolation)
	}
	out.CoinsEarned += d.CoinsEarned
	out.CoinsSpent += d.CoinsSpent

	out.GamesPlayed += d.GamesPlayed
	out.TotalCorrect += d.TotalCorrect
	out.PerfectGames += d.PerfectGames
	out.TotalScore += d.TotalScore
	if d.BestScore > out.BestScore {
		out.BestScore = d.BestScore
	}
	out.Shares += d.Shares
	for k, v := range d.FastAnswers {
		out.FastAnswerCounts[k] += v
	}
	for k, v := range d.CategoryCorrect {
		out.CategoryCorrectCounts[k] += v
	}
	for k, v := range d.RegionCorrect {
		out.RegionCorrectCounts[k] += v
	}

	if d.Streak != nil {
		out.CurrentStreak = d.Streak.Current
		out.LastPlayedOn = civilDay(d.Streak.PlayedOn)
		if out.CurrentStreak > out.BestStreak {
			out.BestStreak = out.CurrentStreak
		}
	}
	if d.ConsecutiveCorrect != nil {
		out.ConsecutiveCorrect = *d.ConsecutiveCorrect
	}
	out.BestConsecutiveCorrect = max(out.BestConsecutiveCorrect, out.ConsecutiveCorrect, d.ConsecutivePeak)

	out.OwnedItemIDs = out.OwnedItemIDs.Add(d.AddItems...)
	out.UnlockedAchievementIDs = out.UnlockedAchievementIDs.Add(d.AddUnlocks...)

	if d.Equip != nil {
		if d.Equip.ItemID != "" && !out.OwnedItemIDs.Has(d.Equip.ItemID) {
			return state, domain.ErrItemNotOwned
		}
		out.Equipped = out.Equipped.Set(d.Equip.Slot, d.Equip.ItemID)
	}

	out.Revision++
	return out, nil
}

// NextStreak is the streak after completing a game on today: one more than current when the
// last play was the previous UTC day, otherwise 1.
func NextStreak(lastPlayed time.Time, current int, today time.Time) int {
	if lastPlayed.IsZero() {
		return 1
	}
	if civilDay(lastPlayed).AddDate(0, 0, 1).Equal(civilDay(today)) {
		return current + 1
	}
	return 1
}

// Merge folds an anonymous identity's state into an account's state. Countable fields add,
// sets union, bests take the max, and the streak follows whichever side played most recently.
// Account equipment wins; empty account slots take the anonymous choice.
func Merge(anon, account domain.ProgressionState) domain.ProgressionState {
	out := account.Clone()

	out.CoinBalance += anon.CoinBalance
	out.CoinsEarned += anon.CoinsEarned
	out.CoinsSpent += anon.CoinsSpent
	out.GamesPlayed += anon.GamesPlayed
	out.TotalCorrect += anon.TotalCorrect
	out.PerfectGames += anon.PerfectGames
	out.TotalScore += anon.TotalScore
	out.Shares += anon.Shares
	out.BestScore = max(out.BestScore, anon.BestScore)
	for k, v := range anon.FastAnswerCounts {
		out.FastAnswerCounts[k] += v
	}
	for k, v := range anon.CategoryCorrectCounts {
		out.CategoryCorrectCounts[k] += v
	}
	for k, v := range anon.RegionCorrectCounts {
		out.RegionCorrectCounts[k] += v
	}

	if anon.LastPlayedOn.After(account.LastPlayedOn) {
		out.CurrentStreak = anon.CurrentStreak
		out.LastPlayedOn = anon.LastPlayedOn
		out.ConsecutiveCorrect = anon.ConsecutiveCorrect
	} else if anon.LastPlayedOn.Equal(account.LastPlayedOn) {
		out.CurrentStreak = max(out.CurrentStreak, anon.CurrentStreak)
		out.ConsecutiveCorrect = max(out.ConsecutiveCorrect, anon.ConsecutiveCorrect)
	}
	out.BestStreak = max(out.BestStreak, anon.BestStreak, out.CurrentStreak)
	out.BestConsecutiveCorrect = max(out.BestConsecutiveCorrect, anon.BestConsecutiveCorrect, out.ConsecutiveCorrect)

	out.OwnedItemIDs = out.OwnedItemIDs.Union(anon.OwnedItemIDs)
	out.UnlockedAchievementIDs = out.UnlockedAchievementIDs.Union(anon.UnlockedAchievementIDs)

	if out.Equipped.Theme == "" {
		out.Equipped.Theme = anon.Equipped.Theme
	}
	if out.Equipped.Badge == "" {
		out.Equipped.Badge = anon.Equipped.Badge
	}
	if out.Equipped.Frame == "" {
		out.Equipped.Frame = anon.Equipped.Frame
	}
	if out.Equipped.Title == "" {
		out.Equipped.Title = anon.Equipped.Title
	}

	out.Revision = max(anon.Revision, account.Revision) + 1
	return out
}

// Newer picks the state with the higher revision. preferRemote breaks ties.
func Newer(local, remote domain.ProgressionState, preferRemote bool) domain.ProgressionState {
	switch {
	case remote.Revision > local.Revision:
		return remote
	case remote.Revision == local.Revision && preferRemote:
		return remote
	default:
		return local
	}
}

func civilDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func sortAttempts(attempts []domain.Attempt) {
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].DayIndex < attempts[j].DayIndex })
}
