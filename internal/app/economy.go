package app

import (
	"context"
	"fmt"

	"daily-atlas-service/internal/achievement"
	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/ledger"
)

// PurchaseResult is the state after a purchase plus any achievements it unlocked.
type PurchaseResult struct {
	Item     ledger.Item             `json:"item"`
	State    domain.ProgressionState `json:"state"`
	Unlocked []domain.Unlock         `json:"unlocked"`
}

// Purchase buys a shop item. The debit, the ownership change and any unlock rewards are one
// mutation.
func (s *Service) Purchase(ctx context.Context, identity domain.Identity, itemID string) (PurchaseResult, error) {
	item, ok := s.shop[itemID]
	if !ok {
		return PurchaseResult{}, domain.ErrUnknownItem
	}
	identity, unlock, err := s.lockIdentity(ctx, identity)
	if err != nil {
		return PurchaseResult{}, err
	}
	defer unlock()

	before, err := s.progress.LoadProgressionState(ctx, identity)
	if err != nil {
		return PurchaseResult{}, err
	}
	if before.OwnedItemIDs.Has(item.ID) {
		return PurchaseResult{}, domain.ErrAlreadyOwned
	}
	spend, err := ledger.Spend(before, item.Price)
	if err != nil {
		return PurchaseResult{}, err
	}

	with := domain.ProgressionDelta{AddItems: []string{item.ID}}
	unlocks, err := s.unlockAchievements(before, spend.Delta.Merge(with))
	if err != nil {
		return PurchaseResult{}, err
	}
	if len(unlocks) > 0 {
		with = with.Merge(rewardDelta(unlocks))
	}
	state, err := s.ledger.Debit(ctx, identity, item.Price, with)
	if err != nil {
		return PurchaseResult{}, err
	}
	s.log.Info("item purchased", "identity_id", identity.ID, "item", item.ID, "price", item.Price, "balance", state.CoinBalance)
	return PurchaseResult{Item: item, State: state, Unlocked: unlocks}, nil
}

// Equip places an owned item in its slot. An empty itemID clears the slot.
func (s *Service) Equip(ctx context.Context, identity domain.Identity, slot domain.Slot, itemID string) (domain.ProgressionState, error) {
	if itemID != "" {
		item, ok := s.shop[itemID]
		if !ok {
			return domain.ProgressionState{}, domain.ErrUnknownItem
		}
		if item.Slot != slot {
			return domain.ProgressionState{}, fmt.Errorf("%w: %s is a %s", domain.ErrSlotMismatch, item.ID, item.Slot)
		}
	}
	identity, unlock, err := s.lockIdentity(ctx, identity)
	if err != nil {
		return domain.ProgressionState{}, err
	}
	defer unlock()
	return s.progress.MutateProgressionState(ctx, identity, domain.ProgressionDelta{Equip: &domain.Equip{Slot: slot, ItemID: itemID}})
}

// UnlockResult is the state after a share or link plus any achievements it unlocked.
type UnlockResult struct {
	State    domain.ProgressionState `json:"state"`
	Unlocked []domain.Unlock         `json:"unlocked"`
}

// RecordShare counts a shared result.
func (s *Service) RecordShare(ctx context.Context, identity domain.Identity) (UnlockResult, error) {
	identity, unlock, err := s.lockIdentity(ctx, identity)
	if err != nil {
		return UnlockResult{}, err
	}
	defer unlock()

	before, err := s.progress.LoadProgressionState(ctx, identity)
	if err != nil {
		return UnlockResult{}, err
	}
	with := domain.ProgressionDelta{Shares: 1}
	unlocks, err := s.unlockAchievements(before, with)
	if err != nil {
		return UnlockResult{}, err
	}
	with.AddUnlocks = unlockIDs(unlocks)
	state, err := s.ledger.Credit(ctx, identity, ledger.AchievementRewards(unlocks).Amount, with)
	if err != nil {
		return UnlockResult{}, err
	}
	return UnlockResult{State: state, Unlocked: unlocks}, nil
}

// Link merges an anonymous identity into an account and grants any achievement the combined
// counters now satisfy.
func (s *Service) Link(ctx context.Context, anon, account domain.Identity) (UnlockResult, error) {
	// Anonymous key first: commits and purchases hold a single key, so the order is fixed.
	unlockAnon, err := s.locker.Lock(ctx, lockKey(anon))
	if err != nil {
		return UnlockResult{}, fmt.Errorf("link lock: %w", err)
	}
	defer unlockAnon()
	if account.ID != anon.ID {
		unlockAccount, err := s.locker.Lock(ctx, lockKey(account))
		if err != nil {
			return UnlockResult{}, fmt.Errorf("link lock: %w", err)
		}
		defer unlockAccount()
	}

	state, err := s.progress.Link(ctx, anon, account)
	if err != nil {
		return UnlockResult{}, err
	}
	var all []domain.Unlock
	for s.catalog != nil {
		fresh := achievement.Evaluate(domain.NewProgressionState(account.ID), state, s.catalog)
		if len(fresh) == 0 {
			break
		}
		state, err = s.progress.MutateProgressionState(ctx, account, rewardDelta(fresh))
		if err != nil {
			return UnlockResult{}, err
		}
		all = append(all, fresh...)
	}
	s.log.Info("identity linked", "identity_id", anon.ID, "account_id", account.ID, "balance", state.CoinBalance, "unlocked", len(all))
	return UnlockResult{State: state, Unlocked: all}, nil
}

// OnIdentityChange links when an anonymous identity upgrades to an account.
func (s *Service) OnIdentityChange(ctx context.Context, old, next domain.Identity) error {
	if !old.Anonymous || next.Anonymous || old.ID == next.ID {
		return nil
	}
	_, err := s.Link(ctx, old, next)
	return err
}

// Progression returns the reconciled state.
func (s *Service) Progression(ctx context.Context, identity domain.Identity) (domain.ProgressionState, error) {
	identity, err := s.progress.Resolve(ctx, identity)
	if err != nil {
		return domain.ProgressionState{}, err
	}
	return s.progress.LoadProgressionState(ctx, identity)
}

// AchievementStatus is a catalog rule with the identity's progress towards it.
type AchievementStatus struct {
	achievement.Rule
	Progress int  `json:"progress"`
	Unlocked bool `json:"unlocked"`
}

func (s *Service) Achievements(ctx context.Context, identity domain.Identity) ([]AchievementStatus, error) {
	state, err := s.Progression(ctx, identity)
	if err != nil {
		return nil, err
	}
	if s.catalog == nil {
		return nil, nil
	}
	rules := s.catalog.Rules()
	out := make([]AchievementStatus, 0, len(rules))
	for _, r := range rules {
		out = append(out, AchievementStatus{
			Rule:     r,
			Progress: min(r.Requirement.Value(state), r.Requirement.Threshold),
			Unlocked: state.UnlockedAchievementIDs.Has(r.ID),
		})
	}
	return out, nil
}

// ShopEntry is a catalog item with ownership flags.
type ShopEntry struct {
	ledger.Item
	Owned    bool `json:"owned"`
	Equipped bool `json:"equipped"`
}

func (s *Service) Shop(ctx context.Context, identity domain.Identity) ([]ShopEntry, int, error) {
	state, err := s.Progression(ctx, identity)
	if err != nil {
		return nil, 0, err
	}
	equipped := map[string]bool{
		state.Equipped.Theme: true,
		state.Equipped.Badge: true,
		state.Equipped.Frame: true,
		state.Equipped.Title: true,
	}
	items := s.shop.Sorted()
	out := make([]ShopEntry, 0, len(items))
	for _, it := range items {
		out = append(out, ShopEntry{Item: it, Owned: state.OwnedItemIDs.Has(it.ID), Equipped: equipped[it.ID]})
	}
	return out, state.CoinBalance, nil
}

// TodayQuestions returns today's questions without answers.
func (s *Service) TodayQuestions(ctx context.Context) (int, []domain.PublicQuestion, error) {
	day := s.DayIndex()
	challenge, err := s.challenges.GetChallenge(ctx, day)
	if err != nil {
		return day, nil, err
	}
	out := make([]domain.PublicQuestion, 0, len(challenge.Questions))
	for _, q := range challenge.Questions {
		out = append(out, q.Public())
	}
	return day, out, nil
}

// lockIdentity resolves identity to the id that owns its progress and locks that key. Link
// holds the anonymous key while it links, so a resolution that still holds once the lock is
// taken cannot change until unlock.
func (s *Service) lockIdentity(ctx context.Context, identity domain.Identity) (domain.Identity, func(), error) {
	for {
		resolved, err := s.progress.Resolve(ctx, identity)
		if err != nil {
			return identity, nil, err
		}
		unlock, err := s.locker.Lock(ctx, lockKey(resolved))
		if err != nil {
			return identity, nil, fmt.Errorf("progress lock: %w", err)
		}
		again, err := s.progress.Resolve(ctx, identity)
		if err != nil {
			unlock()
			return identity, nil, err
		}
		if again.ID == resolved.ID {
			return resolved, unlock, nil
		}
		unlock()
	}
}
