// Copyright 2025 The account-abstraction Authors

package aa

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func simEnv(r *testRig) *Env {
	return &Env{
		State:       r.statedb,
		BlockNumber: r.env.BlockNumber,
		BaseFee:     r.env.BaseFee,
		Caller:      SimulationCaller,
	}
}

func TestSimulationRequiresSentinelCaller(t *testing.T) {
	r := newTestRig(t)
	op := r.newOp(0)
	r.sign(t, op)

	env := simEnv(r)
	env.Caller = common.HexToAddress("0x0000000000000000000000000000000000000001")

	_, err := r.ep.SimulateAccountValidation(env, op)
	require.ErrorIs(t, err, ErrNotSimulationCaller)

	_, _, err = r.ep.SimulateSponsorValidation(env, op, 0)
	require.ErrorIs(t, err, ErrNotSimulationCaller)
}

func TestSimulateAccountValidationLeavesStateUntouched(t *testing.T) {
	r := newTestRig(t)
	op := r.newOp(0)
	r.sign(t, op)

	initial := r.statedb.GetBalance(r.sender)

	gasUsed, err := r.ep.SimulateAccountValidation(simEnv(r), op)
	require.NoError(t, err)
	require.NotZero(t, gasUsed)
	require.LessOrEqual(t, gasUsed, op.VerificationGasLimit)

	// The prefund transfer and the nonce bump were rolled back.
	require.Equal(t, initial, r.statedb.GetBalance(r.sender))
	require.Zero(t, r.statedb.GetNonce(r.sender))
	require.True(t, r.statedb.GetBalance(r.ep.Address()).IsZero())

	// The operation is still valid for real dispatch afterwards.
	record, err := r.ep.HandleOp(r.env, op, testBeneficiary)
	require.NoError(t, err)
	require.True(t, record.Success)
}

func TestSimulateAccountValidationReportsFailures(t *testing.T) {
	r := newTestRig(t)
	op := r.newOp(0)
	r.sign(t, op)
	op.Signature[5] ^= 0xff

	_, err := r.ep.SimulateAccountValidation(simEnv(r), op)
	require.Error(t, err)
}

func TestSimulateSponsorValidation(t *testing.T) {
	r := newTestRig(t)
	pmAddr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	r.ep.RegisterPaymaster(pmAddr, NewSponsoringPaymaster(PaymasterConfig{
		Address: pmAddr,
		Mode:    PaymasterModeFull,
		Active:  true,
	}))

	funder := common.HexToAddress("0x7777777777777777777777777777777777777777")
	stake := uint256.NewInt(10_000_000)
	r.statedb.AddBalance(funder, stake)
	require.NoError(t, r.ep.DepositTo(r.env, funder, pmAddr, stake))

	op := r.newOp(0)
	op.Paymaster = pmAddr
	r.sign(t, op)

	accountGas, err := r.ep.SimulateAccountValidation(simEnv(r), op)
	require.NoError(t, err)

	context, pmGas, err := r.ep.SimulateSponsorValidation(simEnv(r), op, accountGas)
	require.NoError(t, err)
	require.NotZero(t, pmGas)

	// The context matches what real validation would produce.
	sender, maxCost, _, err := decodePaymasterContext(context)
	require.NoError(t, err)
	require.Equal(t, op.Sender, sender)
	require.Equal(t, op.RequiredPrefund(), maxCost)

	// The sponsor's collateral was not actually debited.
	require.Equal(t, stake, r.ep.StakeOf(pmAddr))
}

func TestSimulateSponsorValidationRejectsExcessPriorGas(t *testing.T) {
	r := newTestRig(t)
	op := r.newOp(0)
	op.Paymaster = common.HexToAddress("0x3333333333333333333333333333333333333333")
	r.sign(t, op)

	// A prior measurement above the limit would underflow the remaining
	// budget handed to the paymaster.
	_, _, err := r.ep.SimulateSponsorValidation(simEnv(r), op, op.VerificationGasLimit+1)
	require.ErrorIs(t, err, ErrInvalidUserOp)
}

func TestSimulateSponsorValidationRequiresPaymaster(t *testing.T) {
	r := newTestRig(t)
	op := r.newOp(0)
	r.sign(t, op)

	_, _, err := r.ep.SimulateSponsorValidation(simEnv(r), op, 0)
	require.ErrorIs(t, err, ErrInvalidUserOp)
}
