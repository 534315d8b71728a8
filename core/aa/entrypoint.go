// Copyright 2025 The account-abstraction Authors
// This file is part of the account-abstraction library.
//
// EntryPoint is the shared dispatcher for sponsor-fee-bearing user
// operations: capability registries, the deposit surface over the
// collateral ledger, and deterministic account address derivation.

package aa

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

var (
	// EntryPointAddress is the well-known dispatcher identity used for
	// counterfactual address derivation and fee custody.
	EntryPointAddress = common.HexToAddress("0x0000000000000000000000000000000000AA4337")

	// SimulationCaller is the sentinel identity the off-ledger
	// simulation entry points are restricted to. It is never reachable
	// from a normal state-changing call.
	SimulationCaller = common.Address{}
)

// StateDB is the minimal mutable account state the entrypoint needs.
type StateDB interface {
	GetBalance(addr common.Address) *uint256.Int
	AddBalance(addr common.Address, amount *uint256.Int)
	SubBalance(addr common.Address, amount *uint256.Int)
	GetNonce(addr common.Address) uint64
	SetNonce(addr common.Address, nonce uint64)
	GetCode(addr common.Address) []byte
	SetCode(addr common.Address, code []byte)
	GetCodeHash(addr common.Address) common.Hash
	Exist(addr common.Address) bool
	Snapshot() int
	RevertToSnapshot(id int)
}

// Account is the capability contract an account program satisfies.
type Account interface {
	// ValidateOp authorizes the operation. When missingFunds is
	// non-zero the account must transfer at least that much to the
	// entrypoint's balance within this call. gasLimit caps the metered
	// work; implementations report the gas they consumed and the
	// entrypoint enforces the cap.
	ValidateOp(statedb StateDB, op *UserOperation, opHash common.Hash, missingFunds *uint256.Int, gasLimit uint64) (gasUsed uint64, err error)

	// Execute runs an arbitrary call payload on behalf of self.
	Execute(statedb StateDB, self common.Address, payload []byte, gasLimit uint64) (ret []byte, gasUsed uint64, err error)
}

// Paymaster is the capability contract a fee sponsor satisfies.
type Paymaster interface {
	// ValidateSponsorship decides whether the paymaster backs the
	// operation up to maxCost. The returned context is threaded
	// unchanged into PostOp at settlement.
	ValidateSponsorship(statedb StateDB, op *UserOperation, opHash common.Hash, maxCost *uint256.Int, gasLimit uint64) (context []byte, gasUsed uint64, err error)

	// PostOp finalizes accounting once the execution outcome and the
	// actual cost are known.
	PostOp(statedb StateDB, mode PostOpMode, context []byte, actualCost *uint256.Int, gasLimit uint64) (gasUsed uint64, err error)
}

// Env carries the ambient context of one call into the entrypoint: the
// mutable state, the block height driving the unlock schedule, the
// network base fee and the caller identity.
type Env struct {
	State       StateDB
	BlockNumber uint64
	BaseFee     *uint256.Int
	Caller      common.Address
}

// Config holds the entrypoint parameters.
type Config struct {
	ChainID *uint256.Int

	// MinSponsorStake is the fixed reserve a paymaster must hold on top
	// of each operation's prefund.
	MinSponsorStake *uint256.Int

	// MinUnstakeDelay is the remaining lock time, in blocks, a
	// paymaster mid-withdrawal must still have to sponsor operations.
	MinUnstakeDelay uint64

	// UnstakeDelay is the delay applied when a withdrawal is requested.
	UnstakeDelay uint64
}

// DefaultConfig returns the parameters used by the reference deployment.
func DefaultConfig() Config {
	return Config{
		ChainID:         uint256.NewInt(1),
		MinSponsorStake: uint256.NewInt(1_000_000_000),
		MinUnstakeDelay: 10,
		UnstakeDelay:    100,
	}
}

// EntryPoint is the shared dispatcher processing user operations.
type EntryPoint struct {
	address common.Address
	config  Config
	stakes  *StakeManager

	// Registered account programs by code hash.
	accounts map[common.Hash]Account

	// Registered paymasters by address.
	paymasters map[common.Address]Paymaster
}

// NewEntryPoint creates a dispatcher with an empty collateral ledger.
func NewEntryPoint(config Config) *EntryPoint {
	return &EntryPoint{
		address:    EntryPointAddress,
		config:     config,
		stakes:     NewStakeManager(config.UnstakeDelay),
		accounts:   make(map[common.Hash]Account),
		paymasters: make(map[common.Address]Paymaster),
	}
}

// Address returns the entrypoint address.
func (ep *EntryPoint) Address() common.Address {
	return ep.address
}

// RegisterAccountProgram registers prog for accounts whose code hashes
// to codeHash.
func (ep *EntryPoint) RegisterAccountProgram(codeHash common.Hash, prog Account) {
	ep.accounts[codeHash] = prog
}

// RegisterPaymaster registers a paymaster under its address.
func (ep *EntryPoint) RegisterPaymaster(addr common.Address, pm Paymaster) {
	ep.paymasters[addr] = pm
}

// accountProgram resolves the program backing the account at addr.
func (ep *EntryPoint) accountProgram(statedb StateDB, addr common.Address) (Account, error) {
	code := statedb.GetCode(addr)
	if len(code) == 0 {
		return nil, ErrAccountNotDeployed
	}
	prog, ok := ep.accounts[statedb.GetCodeHash(addr)]
	if !ok {
		return nil, ErrUnknownAccountProgram
	}
	return prog, nil
}

// DeriveAccountAddress returns the deterministic deployment address for
// the given code and salt: a pure function of the entrypoint identity,
// the salt and the code hash.
func (ep *EntryPoint) DeriveAccountAddress(code []byte, salt *uint256.Int) common.Address {
	return crypto.CreateAddress2(ep.address, uint256OrZero(salt).Bytes32(), crypto.Keccak256(code))
}

// OpHash computes the operation hash, domain-separated by chain id and
// entrypoint address.
func (ep *EntryPoint) OpHash(op *UserOperation) common.Hash {
	enc, err := rlp.EncodeToBytes([]interface{}{
		op.Sender,
		op.Target,
		uint256OrZero(op.Nonce),
		crypto.Keccak256(op.InitCode),
		crypto.Keccak256(op.CallData),
		op.VerificationGasLimit,
		op.CallGasLimit,
		uint256OrZero(op.MaxFeePerGas),
		uint256OrZero(op.MaxPriorityFeePerGas),
		op.Paymaster,
		crypto.Keccak256(op.PaymasterData),
		uint256OrZero(ep.config.ChainID),
		ep.address,
	})
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// DepositTo moves value from a funder's balance into the collateral
// ledger on behalf of owner. The entrypoint custodies the backing funds.
func (ep *EntryPoint) DepositTo(env *Env, from, owner common.Address, amount *uint256.Int) error {
	if env.State.GetBalance(from).Cmp(amount) < 0 {
		return fmt.Errorf("deposit: %s balance below %s", from, amount)
	}
	env.State.SubBalance(from, amount)
	env.State.AddBalance(ep.address, amount)
	ep.stakes.Deposit(owner, amount)
	return nil
}

// RequestWithdraw starts the withdrawal clock for owner's collateral.
func (ep *EntryPoint) RequestWithdraw(env *Env, owner common.Address) {
	ep.stakes.RequestWithdraw(owner, env.BlockNumber)
}

// WithdrawTo moves unlocked collateral out of the ledger to destination.
func (ep *EntryPoint) WithdrawTo(env *Env, owner common.Address, amount *uint256.Int, destination common.Address) error {
	if err := ep.stakes.Withdraw(owner, amount, env.BlockNumber); err != nil {
		return err
	}
	env.State.SubBalance(ep.address, amount)
	env.State.AddBalance(destination, amount)
	return nil
}

// StakeOf returns the owner's collateral balance.
func (ep *EntryPoint) StakeOf(owner common.Address) *uint256.Int {
	return ep.stakes.BalanceOf(owner)
}
