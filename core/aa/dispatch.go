// Copyright 2025 The account-abstraction Authors
// This file is part of the account-abstraction library.
//
// Batch dispatch: two-pass validation and execution of user operations
// with per-operation fee settlement against the collateral ledger.

package aa

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// validatedOp carries per-operation results from the validation pass
// into execution and settlement.
type validatedOp struct {
	opHash  common.Hash
	mode    PaymentMode
	prefund *uint256.Int

	// context is the opaque blob the paymaster handed back during
	// validation, replayed unchanged into PostOp.
	context []byte

	verificationGasUsed uint64
}

// HandleOps processes a batch of operations and pays the aggregate
// collected fees to beneficiary.
//
// Pass one validates every operation in index order; any validation
// failure reverts the whole batch, state and ledger both, and returns a
// *FailedOpError naming the offending index. Pass two executes and
// settles every operation in the same order; a call failure is settled
// and recorded, never propagated. The two passes are strictly
// sequential and never interleave.
func (ep *EntryPoint) HandleOps(env *Env, ops []*UserOperation, beneficiary common.Address) ([]*SettlementRecord, error) {
	stateSnap := env.State.Snapshot()
	stakeSnap := ep.stakes.Snapshot()

	records, err := ep.handleOps(env, ops, beneficiary)
	if err != nil {
		env.State.RevertToSnapshot(stateSnap)
		ep.stakes.RevertToSnapshot(stakeSnap)
		return nil, err
	}
	return records, nil
}

// HandleOp processes a single operation.
func (ep *EntryPoint) HandleOp(env *Env, op *UserOperation, beneficiary common.Address) (*SettlementRecord, error) {
	records, err := ep.HandleOps(env, []*UserOperation{op}, beneficiary)
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

func (ep *EntryPoint) handleOps(env *Env, ops []*UserOperation, beneficiary common.Address) ([]*SettlementRecord, error) {
	infos := make([]*validatedOp, len(ops))
	for i, op := range ops {
		info, err := ep.validatePrepayment(env, i, op)
		if err != nil {
			return nil, err
		}
		if info.mode == PayWithSponsorStake {
			if err := ep.validateSponsor(env, i, op, info); err != nil {
				return nil, err
			}
		}
		infos[i] = info
	}

	records := make([]*SettlementRecord, len(ops))
	collected := new(uint256.Int)
	for i, op := range ops {
		record, err := ep.executeAndSettle(env, i, op, infos[i])
		if err != nil {
			return nil, err
		}
		records[i] = record
		collected.Add(collected, record.ActualGasCost)
	}

	if !collected.IsZero() {
		env.State.SubBalance(ep.address, collected)
		env.State.AddBalance(beneficiary, collected)
	}
	return records, nil
}

// validatePrepayment deploys the target if requested, selects the
// payment mode and confirms the prefund is covered, invoking the
// account's validate capability under the verification gas limit.
func (ep *EntryPoint) validatePrepayment(env *Env, index int, op *UserOperation) (*validatedOp, error) {
	if op == nil || op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil {
		return nil, failedOp(index, common.Address{}, ErrInvalidUserOp)
	}
	prefund, ok := op.requiredPrefundChecked()
	if !ok {
		// A wrapped prefund would undercharge the metered work and later
		// trip the fatal accounting guard; reject the operation instead.
		return nil, failedOpf(index, common.Address{}, "%w: gas or fee arithmetic overflows", ErrInvalidUserOp)
	}
	if len(op.InitCode) > 0 {
		if err := ep.deployAccount(env, op); err != nil {
			return nil, failedOp(index, common.Address{}, err)
		}
	}

	info := &validatedOp{opHash: ep.OpHash(op), prefund: prefund}
	switch {
	case op.HasPaymaster():
		info.mode = PayWithSponsorStake
	case ep.stakes.BalanceOf(op.Sender).Cmp(info.prefund) >= 0:
		info.mode = PayWithStake
	default:
		info.mode = PayWithBalance
	}

	missingFunds := new(uint256.Int)
	if info.mode == PayWithBalance {
		missingFunds.Set(info.prefund)
	}

	prog, err := ep.accountProgram(env.State, op.Sender)
	if err != nil {
		return nil, failedOp(index, common.Address{}, err)
	}

	balanceBefore := env.State.GetBalance(ep.address)
	gasUsed, err := prog.ValidateOp(env.State, op, info.opHash, missingFunds, op.VerificationGasLimit)
	if err != nil {
		return nil, failedOpf(index, common.Address{}, "account validation reverted: %w", err)
	}
	if gasUsed > op.VerificationGasLimit {
		return nil, failedOp(index, common.Address{}, ErrVerificationBudgetExceeded)
	}
	info.verificationGasUsed = gasUsed

	balanceAfter := env.State.GetBalance(ep.address)
	if balanceAfter.Cmp(balanceBefore) < 0 {
		return nil, failedOp(index, common.Address{}, ErrUnexpectedPayment)
	}
	paid := new(uint256.Int).Sub(balanceAfter, balanceBefore)

	switch info.mode {
	case PayWithBalance:
		if paid.Cmp(info.prefund) < 0 {
			return nil, failedOpf(index, common.Address{}, "%w: paid %s of %s", ErrPrefundNotPaid, paid, info.prefund)
		}
		// Anything fronted beyond the requirement is refundable too.
		info.prefund = paid
	case PayWithStake:
		if !paid.IsZero() {
			return nil, failedOp(index, common.Address{}, ErrUnexpectedPayment)
		}
		if err := ep.stakes.Debit(op.Sender, info.prefund); err != nil {
			return nil, failedOp(index, common.Address{}, err)
		}
	case PayWithSponsorStake:
		if !paid.IsZero() {
			return nil, failedOp(index, common.Address{}, ErrUnexpectedPayment)
		}
	}
	return info, nil
}

// deployAccount performs the counterfactual deployment of op.Target.
func (ep *EntryPoint) deployAccount(env *Env, op *UserOperation) error {
	derived := ep.DeriveAccountAddress(op.InitCode, op.Nonce)
	if op.Target != derived {
		return fmt.Errorf("%w: have %s, derived %s", ErrAddressMismatch, op.Target, derived)
	}
	if len(env.State.GetCode(derived)) != 0 {
		return fmt.Errorf("%w: address %s already occupied", ErrDeploymentFailed, derived)
	}
	env.State.SetCode(derived, op.InitCode)
	log.Debug("Deployed account", "address", derived, "codeSize", len(op.InitCode))
	return nil
}

// validateSponsor checks the paymaster's collateral, debits the prefund
// it now backs and captures the context blob for settlement. The
// paymaster runs under whatever verification gas the account left over.
func (ep *EntryPoint) validateSponsor(env *Env, index int, op *UserOperation, info *validatedOp) error {
	pm, ok := ep.paymasters[op.Paymaster]
	if !ok {
		return failedOp(index, op.Paymaster, ErrUnknownPaymaster)
	}
	required := new(uint256.Int).Add(uint256OrZero(ep.config.MinSponsorStake), info.prefund)
	if !ep.stakes.IsAdequatelyStaked(op.Paymaster, required, ep.config.MinUnstakeDelay, env.BlockNumber) {
		return failedOpf(index, op.Paymaster, "%w: sponsor needs %s staked", ErrInsufficientStake, required)
	}
	if err := ep.stakes.Debit(op.Paymaster, info.prefund); err != nil {
		return failedOp(index, op.Paymaster, err)
	}

	remaining := op.VerificationGasLimit - info.verificationGasUsed
	context, gasUsed, err := pm.ValidateSponsorship(env.State, op, info.opHash, info.prefund, remaining)
	if err != nil {
		return failedOpf(index, op.Paymaster, "paymaster validation reverted: %w", err)
	}
	if gasUsed > remaining {
		return failedOp(index, op.Paymaster, ErrVerificationBudgetExceeded)
	}
	info.verificationGasUsed += gasUsed
	info.context = context
	return nil
}

// executeAndSettle runs the call payload and settles the fee. Only an
// internal accounting violation can return an error here; call and
// finalize failures are absorbed into the settlement record.
func (ep *EntryPoint) executeAndSettle(env *Env, index int, op *UserOperation, info *validatedOp) (*SettlementRecord, error) {
	success, execGasUsed, reason := ep.executeOp(env, op)

	gasUsed := info.verificationGasUsed + execGasUsed + opOverheadGas
	price := op.EffectiveGasPrice(env.BaseFee)

	record := &SettlementRecord{
		OpHash:            info.opHash,
		Sender:            op.Sender,
		Mode:              info.mode,
		Success:           success,
		EffectiveGasPrice: price,
		Reason:            reason,
	}

	actualCost := new(uint256.Int).Mul(new(uint256.Int).SetUint64(gasUsed), price)
	if info.mode == PayWithSponsorStake {
		record.Paymaster = op.Paymaster
		postOpGas := ep.runPostOp(env, op, info, success, actualCost, record)
		gasUsed += postOpGas
		actualCost = new(uint256.Int).Mul(new(uint256.Int).SetUint64(gasUsed), price)
	}
	if actualCost.Cmp(info.prefund) > 0 {
		// Prepayment validation is supposed to make this unreachable.
		return nil, fmt.Errorf("%w: op %d cost %s, prefund %s", ErrPrefundInsufficient, index, actualCost, info.prefund)
	}
	refund := new(uint256.Int).Sub(info.prefund, actualCost)

	switch info.mode {
	case PayWithBalance:
		// The account fronted the prefund into the entrypoint's own
		// balance; return the unused part.
		env.State.SubBalance(ep.address, refund)
		env.State.AddBalance(op.Sender, refund)
	case PayWithStake:
		ep.stakes.Credit(op.Sender, refund)
	case PayWithSponsorStake:
		ep.stakes.Credit(op.Paymaster, refund)
	}

	record.ActualGasCost = actualCost
	record.ActualGasUsed = gasUsed
	log.Info("UserOperation settled",
		"index", index,
		"sender", op.Sender,
		"mode", info.mode,
		"success", success,
		"gasUsed", gasUsed,
		"cost", actualCost,
	)
	return record, nil
}

// executeOp performs the requested call under the call gas limit. A
// failure reverts only the call's own state changes; an empty payload
// is a trivial success.
func (ep *EntryPoint) executeOp(env *Env, op *UserOperation) (success bool, gasUsed uint64, reason string) {
	if len(op.CallData) == 0 {
		return true, 0, ""
	}
	prog, err := ep.accountProgram(env.State, op.Target)
	if err != nil {
		return false, 0, err.Error()
	}
	snap := env.State.Snapshot()
	ret, callGas, callErr := prog.Execute(env.State, op.Target, op.CallData, op.CallGasLimit)
	if callGas > op.CallGasLimit {
		env.State.RevertToSnapshot(snap)
		// Never charge beyond the operation's call gas limit.
		return false, op.CallGasLimit, "out of gas during execution"
	}
	if callErr != nil {
		env.State.RevertToSnapshot(snap)
		if len(ret) > 0 {
			// Only record a revert reason when the call actually
			// produced one.
			log.Warn("UserOperation call reverted",
				"target", op.Target, "reason", callErr, "returnData", hexutil.Encode(ret))
		}
		return false, callGas, callErr.Error()
	}
	return true, callGas, ""
}

// runPostOp invokes the sponsor's finalize capability. A failure here
// is swallowed: the sponsor already irrevocably owes the fee, so the
// failure is recorded and settlement proceeds. The returned gas is
// charged on top of the operation's cost, capped at the remaining
// verification budget.
func (ep *EntryPoint) runPostOp(env *Env, op *UserOperation, info *validatedOp, success bool, actualCost *uint256.Int, record *SettlementRecord) uint64 {
	pm := ep.paymasters[op.Paymaster]
	mode := PostOpModeOpSucceeded
	if !success {
		mode = PostOpModeOpReverted
	}
	remaining := op.VerificationGasLimit - info.verificationGasUsed

	snap := env.State.Snapshot()
	gasUsed, err := pm.PostOp(env.State, mode, info.context, actualCost, remaining)
	if gasUsed > remaining {
		gasUsed = remaining
		if err == nil {
			err = fmt.Errorf("finalize exceeded remaining verification gas")
		}
	}
	if err != nil {
		env.State.RevertToSnapshot(snap)
		msg := fmt.Sprintf("sponsor finalize failed: %v", err)
		if record.Reason == "" {
			record.Reason = msg
		} else {
			record.Reason += "; " + msg
		}
		log.Warn("Paymaster postOp failed", "paymaster", op.Paymaster, "err", err)
	}
	return gasUsed
}
