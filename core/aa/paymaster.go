// Copyright 2025 The account-abstraction Authors
// This file is part of the account-abstraction library.
//
// Reference paymaster implementations for fee sponsorship.

package aa

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

var (
	ErrPaymasterNotActive   = errors.New("paymaster is not active")
	ErrSponsorLimitExceeded = errors.New("sponsor limit exceeded")
	ErrInvalidPaymasterSig  = errors.New("invalid paymaster signature")
	ErrCallNotSponsorable   = errors.New("call payload not sponsorable")
	ErrBadPaymasterContext  = errors.New("malformed paymaster context")
)

// PaymasterMode defines how the paymaster decides to sponsor fees.
type PaymasterMode uint8

const (
	// PaymasterModeFull sponsors every operation unconditionally.
	PaymasterModeFull PaymasterMode = iota
	// PaymasterModeVerifying requires a valid signature from the
	// paymaster's signer over the operation hash.
	PaymasterModeVerifying
	// PaymasterModeToken sponsors only operations whose call payload
	// decodes to an inner call against an accepted token.
	PaymasterModeToken
)

// Gas charged by the reference paymaster per capability call.
const (
	paymasterValidationGas = 12000
	paymasterPostOpGas     = 8000
)

// PaymasterConfig holds the configuration for a sponsoring paymaster.
type PaymasterConfig struct {
	Address common.Address
	Owner   common.Address
	Mode    PaymasterMode

	// SponsorLimit caps the prefund per operation (nil or zero = unlimited).
	SponsorLimit *uint256.Int

	// TotalBudget caps lifetime sponsorship (nil = unlimited).
	TotalBudget *uint256.Int

	// SignerAddress must have signed the operation hash in verifying mode.
	SignerAddress common.Address

	// AcceptedTokens whitelists inner call destinations in token mode.
	AcceptedTokens []common.Address

	Active bool
}

// SponsoringPaymaster implements the Paymaster capability over the
// entrypoint's collateral ledger.
type SponsoringPaymaster struct {
	mu     sync.RWMutex
	config PaymasterConfig

	totalSponsored *uint256.Int
	opCount        uint64
}

// NewSponsoringPaymaster creates a paymaster from config.
func NewSponsoringPaymaster(config PaymasterConfig) *SponsoringPaymaster {
	return &SponsoringPaymaster{
		config:         config,
		totalSponsored: new(uint256.Int),
	}
}

// ValidateSponsorship decides whether the paymaster agrees to back the
// operation up to maxCost and returns the context replayed into PostOp.
func (pm *SponsoringPaymaster) ValidateSponsorship(statedb StateDB, op *UserOperation, opHash common.Hash, maxCost *uint256.Int, gasLimit uint64) ([]byte, uint64, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	gasUsed := uint64(paymasterValidationGas)
	if !pm.config.Active {
		return nil, gasUsed, ErrPaymasterNotActive
	}
	if pm.config.SponsorLimit != nil && !pm.config.SponsorLimit.IsZero() && maxCost.Cmp(pm.config.SponsorLimit) > 0 {
		return nil, gasUsed, fmt.Errorf("%w: cost %s > limit %s", ErrSponsorLimitExceeded, maxCost, pm.config.SponsorLimit)
	}
	if pm.config.TotalBudget != nil {
		spent := new(uint256.Int).Add(pm.totalSponsored, maxCost)
		if spent.Cmp(pm.config.TotalBudget) > 0 {
			return nil, gasUsed, fmt.Errorf("%w: budget %s exhausted", ErrSponsorLimitExceeded, pm.config.TotalBudget)
		}
	}

	switch pm.config.Mode {
	case PaymasterModeFull:
		// Sponsor everything.

	case PaymasterModeVerifying:
		if err := pm.verifySignature(op); err != nil {
			return nil, gasUsed, err
		}

	case PaymasterModeToken:
		if err := pm.checkSponsorableCall(op); err != nil {
			return nil, gasUsed, err
		}
	}

	return encodePaymasterContext(op.Sender, maxCost, pm.config.Mode), gasUsed, nil
}

// PostOp finalizes accounting for a sponsored operation.
func (pm *SponsoringPaymaster) PostOp(statedb StateDB, mode PostOpMode, context []byte, actualCost *uint256.Int, gasLimit uint64) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	gasUsed := uint64(paymasterPostOpGas)
	sender, _, pmMode, err := decodePaymasterContext(context)
	if err != nil {
		return gasUsed, err
	}

	switch mode {
	case PostOpModeOpSucceeded:
		log.Debug("Paymaster postOp: op succeeded", "sender", sender, "cost", actualCost)
	case PostOpModeOpReverted:
		log.Debug("Paymaster postOp: op reverted", "sender", sender, "cost", actualCost)
	}

	pm.totalSponsored.Add(pm.totalSponsored, actualCost)
	pm.opCount++

	if pmMode == PaymasterModeToken {
		// Collecting the token payment from the sender is the token
		// contract's business; only the intent is recorded here.
		log.Info("Token paymaster collecting payment", "sender", sender, "cost", actualCost)
	}
	return gasUsed, nil
}

// SponsorDigest returns the message a verifying paymaster's signer
// commits to: the operation with the trailing signature bytes of
// PaymasterData stripped. The full operation hash cannot serve here
// since it covers PaymasterData and so the signature it would have to
// contain; stripping the signature lets the sponsor sign first and the
// account owner commit to the completed PaymasterData afterwards.
func SponsorDigest(op *UserOperation) common.Hash {
	opaque := []byte(op.PaymasterData)
	if len(opaque) >= crypto.SignatureLength {
		opaque = opaque[:len(opaque)-crypto.SignatureLength]
	}
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
		crypto.Keccak256(opaque),
	})
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// verifySignature checks the paymaster signer's signature carried in
// the last 65 bytes of the paymaster data against the sponsor digest.
func (pm *SponsoringPaymaster) verifySignature(op *UserOperation) error {
	if len(op.PaymasterData) < crypto.SignatureLength {
		return ErrInvalidPaymasterSig
	}
	sig := op.PaymasterData[len(op.PaymasterData)-crypto.SignatureLength:]

	pub, err := crypto.Ecrecover(SponsorDigest(op).Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPaymasterSig, err)
	}
	recovered := common.BytesToAddress(crypto.Keccak256(pub[1:])[12:])
	if recovered != pm.config.SignerAddress {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidPaymasterSig, pm.config.SignerAddress, recovered)
	}
	return nil
}

// checkSponsorableCall permits only execute-shape payloads whose inner
// destination is an accepted token.
func (pm *SponsoringPaymaster) checkSponsorableCall(op *UserOperation) error {
	call, ok := ParseExecuteCall(op.CallData)
	if !ok {
		return fmt.Errorf("%w: not an execute call", ErrCallNotSponsorable)
	}
	for _, t := range pm.config.AcceptedTokens {
		if t == call.Dest {
			return nil
		}
	}
	return fmt.Errorf("%w: token %s not accepted", ErrCallNotSponsorable, call.Dest)
}

// Config returns the paymaster configuration.
func (pm *SponsoringPaymaster) Config() PaymasterConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.config
}

// Stats returns the total sponsored amount and the operation count.
func (pm *SponsoringPaymaster) Stats() (totalSponsored *uint256.Int, opCount uint64) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return new(uint256.Int).Set(pm.totalSponsored), pm.opCount
}

// SetActive enables or disables the paymaster.
func (pm *SponsoringPaymaster) SetActive(active bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.config.Active = active
}

// encodePaymasterContext encodes the opaque context threaded from
// validation into PostOp: sender (20) ++ maxCost (32) ++ mode (1).
func encodePaymasterContext(sender common.Address, maxCost *uint256.Int, mode PaymasterMode) []byte {
	data := make([]byte, 0, 53)
	data = append(data, sender.Bytes()...)
	cost := maxCost.Bytes32()
	data = append(data, cost[:]...)
	data = append(data, byte(mode))
	return data
}

// decodePaymasterContext decodes the context blob handed to PostOp.
func decodePaymasterContext(data []byte) (sender common.Address, maxCost *uint256.Int, mode PaymasterMode, err error) {
	if len(data) != 53 {
		return common.Address{}, nil, 0, fmt.Errorf("%w: %d bytes", ErrBadPaymasterContext, len(data))
	}
	sender = common.BytesToAddress(data[:20])
	maxCost = new(uint256.Int).SetBytes(data[20:52])
	mode = PaymasterMode(data[52])
	return sender, maxCost, mode, nil
}

// VerifyingPaymasterFactory creates a signature-gated paymaster.
func VerifyingPaymasterFactory(address, owner, signer common.Address, budget *uint256.Int) *SponsoringPaymaster {
	return NewSponsoringPaymaster(PaymasterConfig{
		Address:       address,
		Owner:         owner,
		Mode:          PaymasterModeVerifying,
		TotalBudget:   budget,
		SignerAddress: signer,
		Active:        true,
	})
}

// TokenPaymasterFactory creates a paymaster sponsoring calls against
// the given tokens.
func TokenPaymasterFactory(address, owner common.Address, tokens []common.Address, budget *uint256.Int) *SponsoringPaymaster {
	return NewSponsoringPaymaster(PaymasterConfig{
		Address:        address,
		Owner:          owner,
		Mode:           PaymasterModeToken,
		TotalBudget:    budget,
		AcceptedTokens: tokens,
		Active:         true,
	})
}
