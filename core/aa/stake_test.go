// Copyright 2025 The account-abstraction Authors

package aa

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	stakeOwner = common.HexToAddress("0xaaaa0000000000000000000000000000000000aa")
	stakeOther = common.HexToAddress("0xbbbb0000000000000000000000000000000000bb")
)

func TestStakeDepositDebitCredit(t *testing.T) {
	sm := NewStakeManager(100)

	require.True(t, sm.BalanceOf(stakeOwner).IsZero())

	sm.Deposit(stakeOwner, uint256.NewInt(1000))
	require.Equal(t, uint64(1000), sm.BalanceOf(stakeOwner).Uint64())

	require.NoError(t, sm.Debit(stakeOwner, uint256.NewInt(400)))
	require.Equal(t, uint64(600), sm.BalanceOf(stakeOwner).Uint64())

	sm.Credit(stakeOwner, uint256.NewInt(150))
	require.Equal(t, uint64(750), sm.BalanceOf(stakeOwner).Uint64())

	// Debiting beyond the balance fails and leaves it untouched.
	err := sm.Debit(stakeOwner, uint256.NewInt(751))
	require.ErrorIs(t, err, ErrInsufficientStake)
	require.Equal(t, uint64(750), sm.BalanceOf(stakeOwner).Uint64())

	// Unknown owners have nothing to debit.
	require.ErrorIs(t, sm.Debit(stakeOther, uint256.NewInt(1)), ErrInsufficientStake)
}

func TestStakeWithdrawalSchedule(t *testing.T) {
	sm := NewStakeManager(100)
	sm.Deposit(stakeOwner, uint256.NewInt(1000))

	// Withdrawing without a request is locked.
	err := sm.Withdraw(stakeOwner, uint256.NewInt(500), 50)
	require.ErrorIs(t, err, ErrStillLocked)

	sm.RequestWithdraw(stakeOwner, 50)
	require.Equal(t, uint64(150), sm.UnlockBlockOf(stakeOwner))

	// Still locked one block before the unlock.
	require.ErrorIs(t, sm.Withdraw(stakeOwner, uint256.NewInt(500), 149), ErrStillLocked)

	// Unlocked at the unlock block.
	require.NoError(t, sm.Withdraw(stakeOwner, uint256.NewInt(500), 150))
	require.Equal(t, uint64(500), sm.BalanceOf(stakeOwner).Uint64())

	// Can't take out more than remains.
	require.ErrorIs(t, sm.Withdraw(stakeOwner, uint256.NewInt(501), 150), ErrInsufficientStake)
}

func TestStakeIsAdequatelyStaked(t *testing.T) {
	sm := NewStakeManager(100)
	min := uint256.NewInt(1000)

	// No record at all.
	require.False(t, sm.IsAdequatelyStaked(stakeOwner, min, 10, 50))

	// Balance below the minimum.
	sm.Deposit(stakeOwner, uint256.NewInt(999))
	require.False(t, sm.IsAdequatelyStaked(stakeOwner, min, 10, 50))

	// Enough balance, no withdrawal pending.
	sm.Deposit(stakeOwner, uint256.NewInt(1))
	require.True(t, sm.IsAdequatelyStaked(stakeOwner, min, 10, 50))

	// Pending withdrawal with lots of lock time left still qualifies.
	sm.RequestWithdraw(stakeOwner, 50) // unlocks at 150
	require.True(t, sm.IsAdequatelyStaked(stakeOwner, min, 10, 50))

	// Close to the unlock the remaining lock time is too short.
	require.True(t, sm.IsAdequatelyStaked(stakeOwner, min, 10, 140))
	require.False(t, sm.IsAdequatelyStaked(stakeOwner, min, 10, 141))
}

func TestStakeJournalRevert(t *testing.T) {
	sm := NewStakeManager(100)
	sm.Deposit(stakeOwner, uint256.NewInt(1000))

	snap := sm.Snapshot()

	require.NoError(t, sm.Debit(stakeOwner, uint256.NewInt(700)))
	sm.Deposit(stakeOther, uint256.NewInt(50))
	sm.RequestWithdraw(stakeOwner, 10)

	sm.RevertToSnapshot(snap)

	require.Equal(t, uint64(1000), sm.BalanceOf(stakeOwner).Uint64())
	require.Equal(t, uint64(0), sm.UnlockBlockOf(stakeOwner))
	// The other owner's record was created after the snapshot and must
	// be gone entirely.
	require.True(t, sm.BalanceOf(stakeOther).IsZero())
	require.False(t, sm.IsAdequatelyStaked(stakeOther, uint256.NewInt(1), 0, 0))
}

func TestStakeNestedSnapshots(t *testing.T) {
	sm := NewStakeManager(100)
	sm.Deposit(stakeOwner, uint256.NewInt(1000))

	outer := sm.Snapshot()
	require.NoError(t, sm.Debit(stakeOwner, uint256.NewInt(100)))

	inner := sm.Snapshot()
	require.NoError(t, sm.Debit(stakeOwner, uint256.NewInt(100)))
	sm.RevertToSnapshot(inner)
	require.Equal(t, uint64(900), sm.BalanceOf(stakeOwner).Uint64())

	sm.RevertToSnapshot(outer)
	require.Equal(t, uint64(1000), sm.BalanceOf(stakeOwner).Uint64())
}

func TestEntryPointWithdrawFlow(t *testing.T) {
	statedb := newMockStateDB()
	ep := NewEntryPoint(testConfig())
	env := &Env{State: statedb, BlockNumber: 100, BaseFee: uint256.NewInt(1)}

	funder := common.HexToAddress("0xcccc0000000000000000000000000000000000cc")
	dest := common.HexToAddress("0xdddd0000000000000000000000000000000000dd")
	statedb.AddBalance(funder, uint256.NewInt(5000))

	require.NoError(t, ep.DepositTo(env, funder, stakeOwner, uint256.NewInt(3000)))
	require.Equal(t, uint64(2000), statedb.GetBalance(funder).Uint64())
	require.Equal(t, uint64(3000), statedb.GetBalance(ep.Address()).Uint64())
	require.Equal(t, uint64(3000), ep.StakeOf(stakeOwner).Uint64())

	// Depositing more than the funder holds fails.
	err := ep.DepositTo(env, funder, stakeOwner, uint256.NewInt(2001))
	require.Error(t, err)

	ep.RequestWithdraw(env, stakeOwner)

	// Before the unlock block the withdrawal is refused and the backing
	// balance stays put.
	env.BlockNumber = 199
	require.True(t, errors.Is(ep.WithdrawTo(env, stakeOwner, uint256.NewInt(3000), dest), ErrStillLocked))
	require.Equal(t, uint64(3000), statedb.GetBalance(ep.Address()).Uint64())

	env.BlockNumber = 200
	require.NoError(t, ep.WithdrawTo(env, stakeOwner, uint256.NewInt(3000), dest))
	require.Equal(t, uint64(3000), statedb.GetBalance(dest).Uint64())
	require.True(t, statedb.GetBalance(ep.Address()).IsZero())
	require.True(t, ep.StakeOf(stakeOwner).IsZero())
}
