// Copyright 2025 The account-abstraction Authors
// This file is part of the account-abstraction library.
//
// StakeManager is the collateral ledger backing fee payment: per-address
// locked balances with a timed unlock schedule for withdrawal.

package aa

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// StakeRecord tracks one owner's locked collateral and its withdrawal
// schedule. UnlockBlock is zero while no withdrawal is pending.
type StakeRecord struct {
	Balance     *uint256.Int
	UnlockBlock uint64
}

// StakeManager keeps per-address collateral with a timed unlock for
// withdrawal. Debit and Credit are the only balance mutators used by
// the dispatch pipeline; Debit checks sufficiency first, so a balance
// can never go negative.
type StakeManager struct {
	// unstakeDelay is the number of blocks between a withdrawal request
	// and its unlock.
	unstakeDelay uint64

	records map[common.Address]*StakeRecord
	journal []stakeChange
}

// stakeChange is one undo-log entry: the owner's record as it was
// before a mutation, nil when the owner had no record at all.
type stakeChange struct {
	owner common.Address
	prev  *StakeRecord
}

// NewStakeManager creates an empty ledger with the given withdrawal
// delay in blocks.
func NewStakeManager(unstakeDelay uint64) *StakeManager {
	return &StakeManager{
		unstakeDelay: unstakeDelay,
		records:      make(map[common.Address]*StakeRecord),
	}
}

// BalanceOf returns the owner's collateral, zero if none.
func (sm *StakeManager) BalanceOf(owner common.Address) *uint256.Int {
	if rec, ok := sm.records[owner]; ok {
		return new(uint256.Int).Set(rec.Balance)
	}
	return new(uint256.Int)
}

// UnlockBlockOf returns the block at which the owner's pending
// withdrawal unlocks, zero if none is pending.
func (sm *StakeManager) UnlockBlockOf(owner common.Address) uint64 {
	if rec, ok := sm.records[owner]; ok {
		return rec.UnlockBlock
	}
	return 0
}

// touch journals the owner's current record and returns the live one,
// creating it if needed.
func (sm *StakeManager) touch(owner common.Address) *StakeRecord {
	if rec, ok := sm.records[owner]; ok {
		sm.journal = append(sm.journal, stakeChange{
			owner: owner,
			prev:  &StakeRecord{Balance: new(uint256.Int).Set(rec.Balance), UnlockBlock: rec.UnlockBlock},
		})
		return rec
	}
	sm.journal = append(sm.journal, stakeChange{owner: owner})
	rec := &StakeRecord{Balance: new(uint256.Int)}
	sm.records[owner] = rec
	return rec
}

// Deposit credits collateral unconditionally.
func (sm *StakeManager) Deposit(owner common.Address, amount *uint256.Int) {
	rec := sm.touch(owner)
	rec.Balance.Add(rec.Balance, amount)
}

// Credit returns collateral to the owner; it always succeeds.
func (sm *StakeManager) Credit(owner common.Address, amount *uint256.Int) {
	sm.Deposit(owner, amount)
}

// Debit subtracts collateral, failing with ErrInsufficientStake when
// the balance cannot cover the amount.
func (sm *StakeManager) Debit(owner common.Address, amount *uint256.Int) error {
	rec, ok := sm.records[owner]
	if !ok || rec.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientStake, owner, sm.BalanceOf(owner), amount)
	}
	rec = sm.touch(owner)
	rec.Balance.Sub(rec.Balance, amount)
	return nil
}

// RequestWithdraw starts the withdrawal clock: the owner's collateral
// unlocks at currentBlock plus the configured delay.
func (sm *StakeManager) RequestWithdraw(owner common.Address, currentBlock uint64) {
	rec := sm.touch(owner)
	rec.UnlockBlock = currentBlock + sm.unstakeDelay
}

// Withdraw removes unlocked collateral from the ledger. It fails with
// ErrStillLocked before the unlock block (or when no withdrawal was
// requested), and with ErrInsufficientStake when the balance cannot
// cover the amount.
func (sm *StakeManager) Withdraw(owner common.Address, amount *uint256.Int, currentBlock uint64) error {
	rec, ok := sm.records[owner]
	if !ok {
		return fmt.Errorf("%w: %s has no stake", ErrInsufficientStake, owner)
	}
	if rec.UnlockBlock == 0 || currentBlock < rec.UnlockBlock {
		return fmt.Errorf("%w: unlocks at block %d", ErrStillLocked, rec.UnlockBlock)
	}
	if rec.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientStake, owner, rec.Balance, amount)
	}
	rec = sm.touch(owner)
	rec.Balance.Sub(rec.Balance, amount)
	return nil
}

// IsAdequatelyStaked reports whether the owner's collateral covers
// minAmount and stays locked long enough. An owner mid-withdrawal whose
// remaining lock time is shorter than requiredUnlockDelay counts as
// unstaked, so a sponsor cannot pull its stake out from under in-flight
// operations.
func (sm *StakeManager) IsAdequatelyStaked(owner common.Address, minAmount *uint256.Int, requiredUnlockDelay, currentBlock uint64) bool {
	rec, ok := sm.records[owner]
	if !ok || rec.Balance.Cmp(minAmount) < 0 {
		return false
	}
	if rec.UnlockBlock == 0 {
		// No withdrawal pending.
		return true
	}
	return rec.UnlockBlock >= currentBlock+requiredUnlockDelay
}

// Snapshot returns an identifier for the current ledger state.
func (sm *StakeManager) Snapshot() int {
	return len(sm.journal)
}

// RevertToSnapshot undoes every mutation made after the snapshot was
// taken.
func (sm *StakeManager) RevertToSnapshot(snap int) {
	for i := len(sm.journal) - 1; i >= snap; i-- {
		ch := sm.journal[i]
		if ch.prev == nil {
			delete(sm.records, ch.owner)
		} else {
			sm.records[ch.owner] = ch.prev
		}
	}
	sm.journal = sm.journal[:snap]
}
