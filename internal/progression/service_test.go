package progression_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/infra/memory"
	"daily-atlas-service/internal/progression"
)

func newService(local, remote *memory.ProgressionStore) (*progression.Service, *progression.InlineSyncer) {
	opts := progression.Options{RemoteTimeout: time.Second}
	var syncer *progression.InlineSyncer
	if remote != nil {
		syncer = progression.NewInlineSyncer(remote, time.Second, 0, nil)
		opts.Remote = remote
		opts.Syncer = syncer
	}
	return progression.NewService(local, opts), syncer
}

func TestLinkMergesAnonymousProgressExactlyOnce(t *testing.T) {
	ctx := context.Background()
	local, remote := memory.NewProgressionStore(), memory.NewProgressionStore()
	svc, syncer := newService(local, remote)

	anonState := domain.NewProgressionState("anon-1")
	anonState.Revision = 1
	anonState.CoinBalance = 500
	anonState.CoinsEarned = 500
	anonState.UnlockedAchievementIDs = domain.NewIDSet("A")
	if _, err := local.PutState(ctx, anonState); err != nil {
		t.Fatalf("seed local: %v", err)
	}
	if err := local.PutAttempt(ctx, domain.Attempt{IdentityID: "anon-1", DayIndex: 7}); err != nil {
		t.Fatalf("seed attempt: %v", err)
	}

	accountState := domain.NewProgressionState("acct-1")
	accountState.Revision = 1
	accountState.CoinBalance = 300
	accountState.CoinsEarned = 300
	accountState.UnlockedAchievementIDs = domain.NewIDSet("B")
	if _, err := remote.PutState(ctx, accountState); err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	anon := domain.Identity{ID: "anon-1", Anonymous: true}
	account := domain.Identity{ID: "acct-1"}
	merged, err := svc.Link(ctx, anon, account)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if merged.CoinBalance != 800 {
		t.Fatalf("expected 800 coins, got %d", merged.CoinBalance)
	}
	if len(merged.UnlockedAchievementIDs) != 2 || !merged.UnlockedAchievementIDs.Has("A") || !merged.UnlockedAchievementIDs.Has("B") {
		t.Fatalf("expected {A,B}, got %v", merged.UnlockedAchievementIDs)
	}

	if _, err := svc.Link(ctx, anon, account); !errors.Is(err, domain.ErrAlreadyLinked) {
		t.Fatalf("expected second link rejected, got %v", err)
	}
	state, err := svc.LoadProgressionState(ctx, account)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.CoinBalance != 800 {
		t.Fatalf("second link must not merge again, balance %d", state.CoinBalance)
	}

	played, err := svc.HasPlayedToday(ctx, account, 7)
	if err != nil || !played.Played {
		t.Fatalf("expected anonymous attempt migrated, got %+v err=%v", played, err)
	}
	resolved, err := svc.Resolve(ctx, anon)
	if err != nil || resolved.ID != "acct-1" || resolved.Anonymous {
		t.Fatalf("expected anonymous identity to resolve to account, got %+v err=%v", resolved, err)
	}

	syncer.Wait()
	remoteState, err := remote.LoadState(ctx, "acct-1")
	if err != nil {
		t.Fatalf("remote load: %v", err)
	}
	if remoteState.CoinBalance != 800 {
		t.Fatalf("expected merged state pushed to remote, got %d", remoteState.CoinBalance)
	}
}

func TestLinkIsClaimedOnceAcrossDevices(t *testing.T) {
	ctx := context.Background()
	remote := memory.NewProgressionStore()
	firstLocal, secondLocal := memory.NewProgressionStore(), memory.NewProgressionStore()
	first, firstSync := newService(firstLocal, remote)
	second, secondSync := newService(secondLocal, remote)

	anonState := domain.NewProgressionState("anon-1")
	anonState.Revision = 1
	anonState.CoinBalance = 500
	for _, local := range []*memory.ProgressionStore{firstLocal, secondLocal} {
		if _, err := local.PutState(ctx, anonState); err != nil {
			t.Fatalf("seed local: %v", err)
		}
	}
	accountState := domain.NewProgressionState("acct-1")
	accountState.Revision = 1
	accountState.CoinBalance = 300
	if _, err := remote.PutState(ctx, accountState); err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	anon := domain.Identity{ID: "anon-1", Anonymous: true}
	account := domain.Identity{ID: "acct-1"}
	if _, err := first.Link(ctx, anon, account); err != nil {
		t.Fatalf("first link: %v", err)
	}
	firstSync.Wait()

	if _, err := second.Link(ctx, anon, account); !errors.Is(err, domain.ErrAlreadyLinked) {
		t.Fatalf("expected link on another device rejected, got %v", err)
	}
	secondSync.Wait()

	remoteState, err := remote.LoadState(ctx, "acct-1")
	if err != nil {
		t.Fatalf("remote load: %v", err)
	}
	if remoteState.CoinBalance != 800 {
		t.Fatalf("expected one merge on remote, got balance %d", remoteState.CoinBalance)
	}

	resolved, err := second.Resolve(ctx, anon)
	if err != nil || resolved.ID != "acct-1" {
		t.Fatalf("expected second device to route to the account, got %+v err=%v", resolved, err)
	}
	state, err := second.LoadProgressionState(ctx, account)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.CoinBalance != 800 {
		t.Fatalf("expected second device to see merged balance, got %d", state.CoinBalance)
	}
}

func TestResolveConsultsRemoteLinks(t *testing.T) {
	ctx := context.Background()
	local, remote := memory.NewProgressionStore(), memory.NewProgressionStore()
	svc, _ := newService(local, remote)
	anon := domain.Identity{ID: "anon-9", Anonymous: true}

	if err := remote.ClaimLink(ctx, progression.Link{AnonymousID: "anon-9", AccountID: "acct-9"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	resolved, err := svc.Resolve(ctx, anon)
	if err != nil || resolved.ID != "acct-9" || resolved.Anonymous {
		t.Fatalf("expected remote link honoured, got %+v err=%v", resolved, err)
	}

	remote.FailWith(errors.New("timeout"))
	other := domain.Identity{ID: "anon-10", Anonymous: true}
	resolved, err = svc.Resolve(ctx, other)
	if err != nil || resolved.ID != "anon-10" {
		t.Fatalf("remote outage must fall back to the identity itself, got %+v err=%v", resolved, err)
	}
}

func TestLinkRequiresReachableRemote(t *testing.T) {
	ctx := context.Background()
	local, remote := memory.NewProgressionStore(), memory.NewProgressionStore()
	svc, _ := newService(local, remote)
	remote.FailWith(errors.New("dial tcp: connection refused"))

	_, err := svc.Link(ctx, domain.Identity{ID: "anon", Anonymous: true}, domain.Identity{ID: "acct"})
	if !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected remote unavailable, got %v", err)
	}
	if _, err := local.LinkedAccount(ctx, "anon"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("failed link must not be recorded")
	}
}

func TestHasPlayedTodayFallsBackToLocal(t *testing.T) {
	ctx := context.Background()
	local, remote := memory.NewProgressionStore(), memory.NewProgressionStore()
	svc, _ := newService(local, remote)
	id := domain.Identity{ID: "u1"}

	if err := remote.PutAttempt(ctx, domain.Attempt{IdentityID: "u1", DayIndex: 2}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	played, err := svc.HasPlayedToday(ctx, id, 2)
	if err != nil || !played.Played {
		t.Fatalf("expected remote attempt seen, got %+v err=%v", played, err)
	}
	if _, err := local.GetAttempt(ctx, "u1", 2); err != nil {
		t.Fatalf("expected remote attempt mirrored locally: %v", err)
	}

	remote.FailWith(errors.New("timeout"))
	played, err = svc.HasPlayedToday(ctx, id, 3)
	if err != nil || played.Played {
		t.Fatalf("remote outage must not block play, got %+v err=%v", played, err)
	}
	played, err = svc.HasPlayedToday(ctx, id, 2)
	if err != nil || !played.Played {
		t.Fatalf("local record must still guard replays, got %+v err=%v", played, err)
	}
}

func TestSaveAttemptGuardsDuplicates(t *testing.T) {
	ctx := context.Background()
	local := memory.NewProgressionStore()
	svc, _ := newService(local, nil)
	id := domain.Identity{ID: "u1"}
	attempt := domain.Attempt{DayIndex: 1, Results: []bool{true}}

	state, err := svc.SaveAttempt(ctx, id, attempt, domain.ProgressionDelta{GamesPlayed: 1, Coins: 10, CoinsEarned: 10})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if state.GamesPlayed != 1 || state.CoinBalance != 10 {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, err := svc.SaveAttempt(ctx, id, attempt, domain.ProgressionDelta{GamesPlayed: 1}); !errors.Is(err, domain.ErrDuplicateAttempt) {
		t.Fatalf("expected duplicate attempt, got %v", err)
	}
	after, _ := svc.LoadProgressionState(ctx, id)
	if after.GamesPlayed != 1 || after.Revision != state.Revision {
		t.Fatalf("duplicate commit changed state: %+v", after)
	}

	local.FailWith(errors.New("disk full"))
	_, err = svc.SaveAttempt(ctx, id, domain.Attempt{DayIndex: 2}, domain.ProgressionDelta{})
	if !errors.Is(err, domain.ErrPersistenceWrite) {
		t.Fatalf("expected persistence write error, got %v", err)
	}
	var pwe *domain.PersistenceWriteError
	if !errors.As(err, &pwe) || pwe.Store != "local" {
		t.Fatalf("expected local store failure, got %v", err)
	}
}

func TestLoadAdoptsHigherRemoteRevision(t *testing.T) {
	ctx := context.Background()
	local, remote := memory.NewProgressionStore(), memory.NewProgressionStore()
	svc, syncer := newService(local, remote)
	id := domain.Identity{ID: "u1"}

	remoteState := domain.NewProgressionState("u1")
	remoteState.Revision = 5
	remoteState.CoinBalance = 70
	if _, err := remote.PutState(ctx, remoteState); err != nil {
		t.Fatalf("seed: %v", err)
	}

	state, err := svc.LoadProgressionState(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.CoinBalance != 70 || state.Revision != 5 {
		t.Fatalf("expected remote state adopted, got %+v", state)
	}

	next, err := svc.MutateProgressionState(ctx, id, domain.Credit(5))
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if next.CoinBalance != 75 || next.Revision != 6 {
		t.Fatalf("expected mutation on top of remote state, got %+v", next)
	}
	syncer.Wait()
	pushed, _ := remote.LoadState(ctx, "u1")
	if pushed.Revision != 6 || pushed.CoinBalance != 75 {
		t.Fatalf("expected local mutation pushed, got %+v", pushed)
	}

	if _, err := svc.MutateProgressionState(ctx, id, domain.ProgressionDelta{Coins: -100, CoinsSpent: 100}); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}
