// Copyright 2025 The account-abstraction Authors
// This file is part of the account-abstraction library.
//
// Off-ledger simulation entry points for pre-flight admission and fee
// estimation. Restricted to the sentinel caller and wrapped in full
// snapshot/revert so durable state is never mutated.

package aa

import "fmt"

// SimulateAccountValidation runs the prepayment validation stage
// against a throwaway view of state and reports the verification gas it
// consumed. Callable only with the simulation sentinel identity.
//
// Enforcing the storage-access sandbox on the simulated capability
// calls is the off-ledger caller's responsibility; this entry point
// only supplies the raw measurement.
func (ep *EntryPoint) SimulateAccountValidation(env *Env, op *UserOperation) (gasUsed uint64, err error) {
	if env.Caller != SimulationCaller {
		return 0, ErrNotSimulationCaller
	}
	stateSnap := env.State.Snapshot()
	stakeSnap := ep.stakes.Snapshot()
	defer func() {
		env.State.RevertToSnapshot(stateSnap)
		ep.stakes.RevertToSnapshot(stakeSnap)
	}()

	info, err := ep.validatePrepayment(env, 0, op)
	if err != nil {
		return 0, err
	}
	return info.verificationGasUsed, nil
}

// SimulateSponsorValidation mirrors the sponsor validation stage given
// the verification gas already consumed by account validation. It
// returns the opaque sponsor context and the gas the paymaster
// consumed.
func (ep *EntryPoint) SimulateSponsorValidation(env *Env, op *UserOperation, priorGasUsed uint64) (context []byte, gasUsed uint64, err error) {
	if env.Caller != SimulationCaller {
		return nil, 0, ErrNotSimulationCaller
	}
	if op == nil || !op.HasPaymaster() {
		return nil, 0, fmt.Errorf("%w: no paymaster named", ErrInvalidUserOp)
	}
	if priorGasUsed > op.VerificationGasLimit {
		// An inflated prior measurement would underflow the remaining
		// budget handed to the paymaster.
		return nil, 0, fmt.Errorf("%w: prior gas %d above verification gas limit %d",
			ErrInvalidUserOp, priorGasUsed, op.VerificationGasLimit)
	}
	stateSnap := env.State.Snapshot()
	stakeSnap := ep.stakes.Snapshot()
	defer func() {
		env.State.RevertToSnapshot(stateSnap)
		ep.stakes.RevertToSnapshot(stakeSnap)
	}()

	info := &validatedOp{
		opHash:              ep.OpHash(op),
		mode:                PayWithSponsorStake,
		prefund:             op.RequiredPrefund(),
		verificationGasUsed: priorGasUsed,
	}
	if err := ep.validateSponsor(env, 0, op, info); err != nil {
		return nil, 0, err
	}
	return info.context, info.verificationGasUsed - priorGasUsed, nil
}
