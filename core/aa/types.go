// Copyright 2025 The account-abstraction Authors
// This file is part of the account-abstraction library.
//
// Core data model for sponsor-fee-bearing user operations.

package aa

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// opOverheadGas is the fixed per-operation accounting overhead charged
// on top of the metered capability calls.
const opOverheadGas = 21000

// UserOperation is a single sponsored unit of work submitted to the
// entrypoint. It is caller-supplied, immutable once submitted and never
// persisted: it lives only for the duration of one dispatch call.
type UserOperation struct {
	Sender common.Address `json:"sender"`

	// Target is the account the call payload runs against. It may equal
	// Sender, and must equal the derived deployment address whenever
	// InitCode is non-empty.
	Target common.Address `json:"target"`

	// Nonce doubles as the deployment salt. The low 64 bits are the
	// replay sequence interpreted by the account program; the upper
	// bits are free for salting counterfactual deployments.
	Nonce *uint256.Int `json:"nonce"`

	// InitCode is non-empty only for first-time account creation.
	InitCode hexutil.Bytes `json:"initCode"`
	CallData hexutil.Bytes `json:"callData"`

	VerificationGasLimit uint64 `json:"verificationGasLimit"`
	CallGasLimit         uint64 `json:"callGasLimit"`

	MaxFeePerGas         *uint256.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *uint256.Int `json:"maxPriorityFeePerGas"`

	// Paymaster is the sponsoring party; the zero address means the
	// operation is self-sponsored.
	Paymaster     common.Address `json:"paymaster"`
	PaymasterData hexutil.Bytes  `json:"paymasterData"`

	// Signature is opaque to the entrypoint; only the account program
	// interprets it.
	Signature hexutil.Bytes `json:"signature"`
}

// HasPaymaster returns true if a paymaster sponsors this operation.
func (op *UserOperation) HasPaymaster() bool {
	return op.Paymaster != (common.Address{})
}

// TotalGasLimit returns the gas the operation may consume end to end,
// including the fixed per-operation overhead. ok is false when the sum
// does not fit in 64 bits; such an operation is invalid.
func (op *UserOperation) TotalGasLimit() (total uint64, ok bool) {
	total = op.VerificationGasLimit + op.CallGasLimit
	if total < op.CallGasLimit {
		return 0, false
	}
	total += opOverheadGas
	if total < opOverheadGas {
		return 0, false
	}
	return total, true
}

// RequiredPrefund is the worst-case fee the payer must front before
// execution: the full gas allowance priced at the fee cap. The result
// saturates when the arithmetic overflows; validation rejects such
// operations via requiredPrefundChecked before the value is ever used
// for accounting.
func (op *UserOperation) RequiredPrefund() *uint256.Int {
	prefund, ok := op.requiredPrefundChecked()
	if !ok {
		return new(uint256.Int).SetAllOne()
	}
	return prefund
}

// requiredPrefundChecked computes the worst-case fee, reporting false
// when the gas total or the fee product overflows.
func (op *UserOperation) requiredPrefundChecked() (*uint256.Int, bool) {
	total, ok := op.TotalGasLimit()
	if !ok {
		return nil, false
	}
	prefund, overflow := new(uint256.Int).MulOverflow(
		new(uint256.Int).SetUint64(total), uint256OrZero(op.MaxFeePerGas))
	if overflow {
		return nil, false
	}
	return prefund, true
}

// EffectiveGasPrice returns the unit price charged under the given base
// fee: base fee plus the priority tip, capped by the fee cap.
func (op *UserOperation) EffectiveGasPrice(baseFee *uint256.Int) *uint256.Int {
	feeCap := uint256OrZero(op.MaxFeePerGas)
	if baseFee == nil {
		return new(uint256.Int).Set(feeCap)
	}
	price := new(uint256.Int).Add(baseFee, uint256OrZero(op.MaxPriorityFeePerGas))
	if price.Cmp(feeCap) > 0 {
		price.Set(feeCap)
	}
	return price
}

// PaymentMode identifies who fronts an operation's fee. It is derived
// once during prepayment validation and fixed for the remainder of the
// operation's lifecycle.
type PaymentMode uint8

const (
	// PayWithBalance: the account transfers the prefund from its own
	// balance during validation.
	PayWithBalance PaymentMode = iota
	// PayWithStake: the prefund is debited from the account's collateral.
	PayWithStake
	// PayWithSponsorStake: a paymaster's collateral backs the fee.
	PayWithSponsorStake
)

func (m PaymentMode) String() string {
	switch m {
	case PayWithBalance:
		return "balance"
	case PayWithStake:
		return "stake"
	case PayWithSponsorStake:
		return "sponsorStake"
	default:
		return "unknown"
	}
}

// PostOpMode indicates the execution outcome a paymaster's finalize
// call is settling.
type PostOpMode uint8

const (
	PostOpModeOpSucceeded PostOpMode = iota
	PostOpModeOpReverted
)

// SettlementRecord is emitted once per settled operation.
type SettlementRecord struct {
	OpHash            common.Hash    `json:"opHash"`
	Sender            common.Address `json:"sender"`
	Paymaster         common.Address `json:"paymaster"` // zero if self-sponsored
	Mode              PaymentMode    `json:"mode"`
	Success           bool           `json:"success"`
	ActualGasCost     *uint256.Int   `json:"actualGasCost"`
	ActualGasUsed     uint64         `json:"actualGasUsed"`
	EffectiveGasPrice *uint256.Int   `json:"effectiveGasPrice"`

	// Reason carries the revert reason of a failed call and the cause
	// of a swallowed finalize failure, empty otherwise.
	Reason string `json:"reason,omitempty"`
}

func uint256OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
