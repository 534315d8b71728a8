// Copyright 2026 The account-abstraction Authors
// This file is part of the account-abstraction library.
//
// Processor screens user operations off-ledger before they are admitted
// to a bundle, using the simulation entry points so real funds are
// never at risk.

package aa

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Processor performs pre-flight admission checks and verification-gas
// estimation for operations.
type Processor struct {
	entryPoint *EntryPoint
}

// NewProcessor creates a processor bound to an entrypoint.
func NewProcessor(ep *EntryPoint) *Processor {
	return &Processor{entryPoint: ep}
}

// EntryPoint returns the underlying entrypoint.
func (p *Processor) EntryPoint() *EntryPoint {
	return p.entryPoint
}

// checkShape rejects structurally invalid operations before any
// simulation is spent on them.
func (p *Processor) checkShape(op *UserOperation) error {
	if op == nil || op.Sender == (common.Address{}) {
		return fmt.Errorf("%w: empty sender", ErrInvalidUserOp)
	}
	if op.MaxFeePerGas == nil || op.MaxFeePerGas.IsZero() {
		return fmt.Errorf("%w: zero maxFeePerGas", ErrInvalidUserOp)
	}
	if op.MaxPriorityFeePerGas == nil || op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return fmt.Errorf("%w: priority fee above fee cap", ErrInvalidUserOp)
	}
	if op.VerificationGasLimit == 0 {
		return fmt.Errorf("%w: zero verification gas limit", ErrInvalidUserOp)
	}
	if _, ok := op.requiredPrefundChecked(); !ok {
		return fmt.Errorf("%w: gas or fee arithmetic overflows", ErrInvalidUserOp)
	}
	if len(op.InitCode) > 0 {
		if derived := p.entryPoint.DeriveAccountAddress(op.InitCode, op.Nonce); op.Target != derived {
			return fmt.Errorf("%w: have %s, derived %s", ErrAddressMismatch, op.Target, derived)
		}
	}
	return nil
}

// Admit decides whether an operation may enter a bundle and returns the
// verification gas it was measured to need, account and sponsor stages
// combined.
func (p *Processor) Admit(env *Env, op *UserOperation) (uint64, error) {
	if err := p.checkShape(op); err != nil {
		return 0, err
	}
	simEnv := &Env{
		State:       env.State,
		BlockNumber: env.BlockNumber,
		BaseFee:     env.BaseFee,
		Caller:      SimulationCaller,
	}
	gasUsed, err := p.entryPoint.SimulateAccountValidation(simEnv, op)
	if err != nil {
		return 0, err
	}
	if op.HasPaymaster() {
		_, pmGas, err := p.entryPoint.SimulateSponsorValidation(simEnv, op, gasUsed)
		if err != nil {
			return 0, err
		}
		gasUsed += pmGas
	}
	log.Debug("Operation admitted", "sender", op.Sender, "verificationGas", gasUsed)
	return gasUsed, nil
}
