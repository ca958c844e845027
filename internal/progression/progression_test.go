package progression

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"daily-atlas-service/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextStreak(t *testing.T) {
	today := date(2024, 3, 1)
	cases := []struct {
		name    string
		last    time.Time
		current int
		want    int
	}{
		{"first game", time.Time{}, 0, 1},
		{"played yesterday", date(2024, 2, 29), 4, 5},
		{"yesterday late evening", time.Date(2024, 2, 29, 23, 59, 0, 0, time.UTC), 9, 10},
		{"gap of two days", date(2024, 2, 28), 4, 1},
		{"long gap", date(2023, 3, 1), 40, 1},
	}
	for _, tc := range cases {
		if got := NextStreak(tc.last, tc.current, today); got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestApplyDelta(t *testing.T) {
	state := domain.NewProgressionState("u1")
	state.CoinBalance = 20
	consecutive := 7

	next, err := ApplyDelta(state, domain.ProgressionDelta{
		Coins:              30,
		CoinsEarned:        30,
		GamesPlayed:        1,
		BestScore:          900,
		CategoryCorrect:    map[string]int{"geography": 2},
		FastAnswers:        map[int]int{3: 1},
		Streak:             &domain.StreakUpdate{Current: 3, PlayedOn: time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC)},
		ConsecutiveCorrect: &consecutive,
		AddUnlocks:         []string{"games_1", "games_1"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.CoinBalance != 50 || next.GamesPlayed != 1 || next.BestScore != 900 || next.Revision != 1 {
		t.Fatalf("unexpected state %+v", next)
	}
	if next.BestStreak != 3 || !next.LastPlayedOn.Equal(date(2024, 1, 5)) {
		t.Fatalf("unexpected streak fields %+v", next)
	}
	if next.BestConsecutiveCorrect != 7 || next.CategoryCorrectCounts["geography"] != 2 || next.FastAnswerCounts[3] != 1 {
		t.Fatalf("unexpected counters %+v", next)
	}
	if len(next.UnlockedAchievementIDs) != 1 {
		t.Fatalf("unlock set must not contain duplicates: %v", next.UnlockedAchievementIDs)
	}
	if state.CoinBalance != 20 || len(state.CategoryCorrectCounts) != 0 {
		t.Fatalf("input state was modified")
	}

	if _, err := ApplyDelta(next, domain.ProgressionDelta{Coins: -51, CoinsSpent: 51}); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := ApplyDelta(next, domain.ProgressionDelta{Equip: &domain.Equip{Slot: domain.SlotTheme, ItemID: "theme_ocean"}}); !errors.Is(err, domain.ErrItemNotOwned) {
		t.Fatalf("expected item not owned, got %v", err)
	}
	owned, err := ApplyDelta(next, domain.ProgressionDelta{AddItems: []string{"theme_ocean"}, Equip: &domain.Equip{Slot: domain.SlotTheme, ItemID: "theme_ocean"}})
	if err != nil {
		t.Fatalf("equip: %v", err)
	}
	if owned.Equipped.Theme != "theme_ocean" {
		t.Fatalf("expected theme equipped, got %+v", owned.Equipped)
	}
}

func TestBalanceNeverNegativeAcrossSequence(t *testing.T) {
	state := domain.NewProgressionState("u1")
	credits, debits := 0, 0
	ops := []int{50, -20, -40, 10, -40, 100, -100, -1}
	for _, op := range ops {
		var d domain.ProgressionDelta
		if op >= 0 {
			d = domain.Credit(op)
		} else {
			d = domain.ProgressionDelta{Coins: op, CoinsSpent: -op}
		}
		next, err := ApplyDelta(state, d)
		if err != nil {
			if !errors.Is(err, domain.ErrInsufficientFunds) {
				t.Fatalf("unexpected error %v", err)
			}
			continue
		}
		if op >= 0 {
			credits += op
		} else {
			debits += -op
		}
		state = next
		if state.CoinBalance < 0 || state.CoinBalance != credits-debits {
			t.Fatalf("balance %d does not match credits %d - debits %d", state.CoinBalance, credits, debits)
		}
	}
	if state.CoinBalance != state.CoinsEarned-state.CoinsSpent {
		t.Fatalf("earned/spent counters disagree with balance: %+v", state)
	}
}

func TestMergeIsAdditive(t *testing.T) {
	anon := domain.NewProgressionState("anon")
	anon.Revision = 4
	anon.CoinBalance = 500
	anon.GamesPlayed = 3
	anon.UnlockedAchievementIDs = domain.NewIDSet("A")
	anon.OwnedItemIDs = domain.NewIDSet("theme_ocean")
	anon.Equipped.Theme = "theme_ocean"
	anon.CurrentStreak = 3
	anon.BestStreak = 3
	anon.LastPlayedOn = date(2024, 2, 10)
	anon.CategoryCorrectCounts["economy"] = 4

	account := domain.NewProgressionState("acct")
	account.Revision = 9
	account.CoinBalance = 300
	account.GamesPlayed = 10
	account.UnlockedAchievementIDs = domain.NewIDSet("B")
	account.CurrentStreak = 1
	account.BestStreak = 8
	account.LastPlayedOn = date(2024, 1, 2)
	account.CategoryCorrectCounts["economy"] = 1

	merged := Merge(anon, account)
	if merged.CoinBalance != 800 || merged.GamesPlayed != 13 {
		t.Fatalf("expected additive counters, got %+v", merged)
	}
	if len(merged.UnlockedAchievementIDs) != 2 || !merged.UnlockedAchievementIDs.Has("A") || !merged.UnlockedAchievementIDs.Has("B") {
		t.Fatalf("expected unlock union, got %v", merged.UnlockedAchievementIDs)
	}
	if merged.CurrentStreak != 3 || merged.BestStreak != 8 || !merged.LastPlayedOn.Equal(date(2024, 2, 10)) {
		t.Fatalf("expected most recent streak and best max, got %+v", merged)
	}
	if merged.Equipped.Theme != "theme_ocean" || !merged.OwnedItemIDs.Has("theme_ocean") {
		t.Fatalf("expected anonymous cosmetics carried over, got %+v", merged)
	}
	if merged.CategoryCorrectCounts["economy"] != 5 {
		t.Fatalf("expected category counts summed")
	}
	if merged.Revision != 10 || merged.IdentityID != "acct" {
		t.Fatalf("unexpected identity/revision %s/%d", merged.IdentityID, merged.Revision)
	}
}

func TestNewer(t *testing.T) {
	local := domain.ProgressionState{Revision: 3, CoinBalance: 1}
	remote := domain.ProgressionState{Revision: 3, CoinBalance: 2}
	if Newer(local, remote, false).CoinBalance != 1 {
		t.Fatalf("tie without preference keeps local")
	}
	if Newer(local, remote, true).CoinBalance != 2 {
		t.Fatalf("tie with preference takes remote")
	}
	remote.Revision = 2
	if Newer(local, remote, true).CoinBalance != 1 {
		t.Fatalf("higher revision wins")
	}
}

type flakyRemote struct {
	Store
	mu       sync.Mutex
	failures int
	attempts []domain.Attempt
	states   []domain.ProgressionState
}

func (f *flakyRemote) PutAttempt(_ context.Context, a domain.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *flakyRemote) PutState(_ context.Context, s domain.ProgressionState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
	return true, nil
}

func TestInlineSyncerRetries(t *testing.T) {
	remote := &flakyRemote{failures: 2}
	syncer := NewInlineSyncer(remote, time.Second, 5, nil)
	syncer.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	state := domain.NewProgressionState("u1")
	job := SyncJob{IdentityID: "u1", State: &state, Attempts: []domain.Attempt{{IdentityID: "u1", DayIndex: 3}}}
	if err := syncer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	syncer.Wait()

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.attempts) != 1 || len(remote.states) != 1 {
		t.Fatalf("expected job pushed after retries, got %d attempts %d states", len(remote.attempts), len(remote.states))
	}
}

func TestInlineSyncerGivesUp(t *testing.T) {
	remote := &flakyRemote{failures: 100}
	syncer := NewInlineSyncer(remote, time.Second, 2, nil)
	syncer.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	if err := syncer.Enqueue(context.Background(), SyncJob{IdentityID: "u1", Attempts: []domain.Attempt{{DayIndex: 1}}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	syncer.Wait()

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if remote.failures != 97 {
		t.Fatalf("expected 3 tries, %d failures left", remote.failures)
	}
}
