// Copyright 2025 The account-abstraction Authors
// This file is part of the account-abstraction library.
//
// SimpleAccount is a reference account program: a single-owner account
// that authorizes operations with an ECDSA signature over the operation
// hash and executes delegate-execute payloads.

package aa

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Gas charged by the reference programs. Flat costs, metered by the
// entrypoint against the operation's budgets.
const (
	accountValidationGas = 20000
	sigByteGas           = 16
	executeBaseGas       = 9000
	executeByteGas       = 8
)

// SimpleAccount validates ownership via an ECDSA signature and keeps
// its replay sequence in the statedb nonce.
type SimpleAccount struct {
	entryPoint common.Address
	owner      common.Address
}

// NewSimpleAccount creates an account program owned by owner and bound
// to the given entrypoint for prefund transfers.
func NewSimpleAccount(entryPoint, owner common.Address) *SimpleAccount {
	return &SimpleAccount{entryPoint: entryPoint, owner: owner}
}

// Owner returns the authorizing key's address.
func (a *SimpleAccount) Owner() common.Address {
	return a.owner
}

// ValidateOp checks the owner signature and replay sequence, then
// fronts missingFunds to the entrypoint.
func (a *SimpleAccount) ValidateOp(statedb StateDB, op *UserOperation, opHash common.Hash, missingFunds *uint256.Int, gasLimit uint64) (uint64, error) {
	gasUsed := uint64(accountValidationGas) + uint64(len(op.Signature))*sigByteGas

	if err := a.checkSignature(op, opHash); err != nil {
		return gasUsed, err
	}

	// The low 64 bits of the operation nonce are the replay sequence;
	// the upper bits only salt deployments.
	seq := uint256OrZero(op.Nonce).Uint64()
	current := statedb.GetNonce(op.Sender)
	if seq != current {
		return gasUsed, fmt.Errorf("%w: expected %d, got %d", ErrNonceInvalid, current, seq)
	}
	statedb.SetNonce(op.Sender, current+1)

	if !missingFunds.IsZero() {
		if statedb.GetBalance(op.Sender).Cmp(missingFunds) < 0 {
			return gasUsed, fmt.Errorf("account balance below required prefund %s", missingFunds)
		}
		statedb.SubBalance(op.Sender, missingFunds)
		statedb.AddBalance(a.entryPoint, missingFunds)
	}
	return gasUsed, nil
}

// Execute interprets the payload as a delegate-execute call and moves
// the requested value to the inner destination. The inner calldata is
// returned for callers that forward it.
func (a *SimpleAccount) Execute(statedb StateDB, self common.Address, payload []byte, gasLimit uint64) ([]byte, uint64, error) {
	gasUsed := uint64(executeBaseGas) + uint64(len(payload))*executeByteGas

	call, ok := ParseExecuteCall(payload)
	if !ok {
		return nil, gasUsed, fmt.Errorf("payload is not an execute call")
	}
	if !call.Value.IsZero() {
		if statedb.GetBalance(self).Cmp(call.Value) < 0 {
			return []byte("insufficient balance"), gasUsed, fmt.Errorf("insufficient balance for inner call value %s", call.Value)
		}
		statedb.SubBalance(self, call.Value)
		statedb.AddBalance(call.Dest, call.Value)
	}
	return call.Data, gasUsed, nil
}

func (a *SimpleAccount) checkSignature(op *UserOperation, opHash common.Hash) error {
	if len(op.Signature) != crypto.SignatureLength {
		return fmt.Errorf("bad signature length %d", len(op.Signature))
	}
	pub, err := crypto.Ecrecover(opHash.Bytes(), op.Signature)
	if err != nil {
		return fmt.Errorf("signature recovery: %w", err)
	}
	signer := common.BytesToAddress(crypto.Keccak256(pub[1:])[12:])
	if signer != a.owner {
		return fmt.Errorf("signer %s is not the account owner", signer)
	}
	return nil
}
