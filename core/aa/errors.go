// Copyright 2025 The account-abstraction Authors
// This file is part of the account-abstraction library.
//
// Error taxonomy for operation validation, execution and settlement.

package aa

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidUserOp         = errors.New("invalid user operation")
	ErrAccountNotDeployed    = errors.New("sender account not deployed and no deployment code")
	ErrUnknownAccountProgram = errors.New("no account program registered for code hash")
	ErrUnknownPaymaster      = errors.New("paymaster not registered")
	ErrNonceInvalid          = errors.New("invalid user operation nonce")

	ErrAddressMismatch  = errors.New("target does not match derived deployment address")
	ErrDeploymentFailed = errors.New("account deployment failed")

	ErrPrefundNotPaid             = errors.New("account did not pay required prefund")
	ErrUnexpectedPayment          = errors.New("unexpected payment during validation")
	ErrVerificationBudgetExceeded = errors.New("verification gas limit exceeded")

	ErrInsufficientStake = errors.New("insufficient stake")
	ErrStillLocked       = errors.New("stake withdrawal still locked")

	// ErrPrefundInsufficient flags an internal accounting violation:
	// prepayment validation is supposed to make it unreachable.
	ErrPrefundInsufficient = errors.New("actual cost exceeds prefund")

	// ErrNotSimulationCaller guards the off-ledger simulation entry
	// points against state-changing callers.
	ErrNotSimulationCaller = errors.New("simulation restricted to the sentinel caller")
)

// FailedOpError aborts a whole batch during validation. It identifies
// the offending operation by index and, when a paymaster was the party
// being validated, the responsible paymaster address.
type FailedOpError struct {
	OpIndex   int
	Paymaster common.Address
	Reason    string
	err       error
}

func (e *FailedOpError) Error() string {
	if e.Paymaster == (common.Address{}) {
		return fmt.Sprintf("FailedOp(%d): %s", e.OpIndex, e.Reason)
	}
	return fmt.Sprintf("FailedOp(%d, %s): %s", e.OpIndex, e.Paymaster, e.Reason)
}

func (e *FailedOpError) Unwrap() error { return e.err }

func failedOp(index int, paymaster common.Address, err error) *FailedOpError {
	return &FailedOpError{OpIndex: index, Paymaster: paymaster, Reason: err.Error(), err: err}
}

func failedOpf(index int, paymaster common.Address, format string, args ...interface{}) *FailedOpError {
	err := fmt.Errorf(format, args...)
	return &FailedOpError{OpIndex: index, Paymaster: paymaster, Reason: err.Error(), err: err}
}
