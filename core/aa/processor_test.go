// Copyright 2026 The account-abstraction Authors

package aa

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestProcessorAdmit(t *testing.T) {
	r := newTestRig(t)
	p := NewProcessor(r.ep)

	op := r.newOp(0)
	r.sign(t, op)

	gasUsed, err := p.Admit(r.env, op)
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	if gasUsed == 0 {
		t.Fatal("expected a positive verification gas estimate")
	}
	if gasUsed > op.VerificationGasLimit {
		t.Errorf("estimate %d above the operation's own limit %d", gasUsed, op.VerificationGasLimit)
	}

	// Admission must not consume the operation.
	record, err := r.ep.HandleOp(r.env, op, testBeneficiary)
	if err != nil {
		t.Fatalf("dispatch after admission failed: %v", err)
	}
	if !record.Success {
		t.Errorf("dispatch after admission not successful: %s", record.Reason)
	}
}

func TestProcessorAdmitSponsored(t *testing.T) {
	r := newTestRig(t)
	p := NewProcessor(r.ep)

	pmAddr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	r.ep.RegisterPaymaster(pmAddr, NewSponsoringPaymaster(PaymasterConfig{
		Address: pmAddr,
		Mode:    PaymasterModeFull,
		Active:  true,
	}))
	funder := common.HexToAddress("0x7777777777777777777777777777777777777777")
	r.statedb.AddBalance(funder, uint256.NewInt(10_000_000))
	if err := r.ep.DepositTo(r.env, funder, pmAddr, uint256.NewInt(10_000_000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	plain := r.newOp(0)
	r.sign(t, plain)
	plainGas, err := p.Admit(r.env, plain)
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}

	sponsored := r.newOp(0)
	sponsored.Paymaster = pmAddr
	r.sign(t, sponsored)
	sponsoredGas, err := p.Admit(r.env, sponsored)
	if err != nil {
		t.Fatalf("sponsored admission failed: %v", err)
	}
	if sponsoredGas <= plainGas {
		t.Errorf("sponsored estimate %d not above plain estimate %d", sponsoredGas, plainGas)
	}
}

func TestProcessorRejectsMalformedOps(t *testing.T) {
	r := newTestRig(t)
	p := NewProcessor(r.ep)

	cases := []struct {
		name   string
		mutate func(op *UserOperation)
	}{
		{"empty sender", func(op *UserOperation) { op.Sender = common.Address{} }},
		{"zero fee cap", func(op *UserOperation) { op.MaxFeePerGas = nil }},
		{"tip above cap", func(op *UserOperation) { op.MaxPriorityFeePerGas = uint256.NewInt(100) }},
		{"zero verification gas", func(op *UserOperation) { op.VerificationGasLimit = 0 }},
		{"gas limit overflow", func(op *UserOperation) { op.VerificationGasLimit = ^uint64(0) }},
		{"fee product overflow", func(op *UserOperation) {
			op.MaxFeePerGas = new(uint256.Int).Lsh(uint256.NewInt(1), 255)
			op.MaxPriorityFeePerGas = uint256.NewInt(1)
		}},
	}
	for _, tc := range cases {
		op := r.newOp(0)
		tc.mutate(op)
		if _, err := p.Admit(r.env, op); !errors.Is(err, ErrInvalidUserOp) {
			t.Errorf("%s: expected ErrInvalidUserOp, got %v", tc.name, err)
		}
	}

	// Deployment target not matching the derived address.
	op := r.newOp(0)
	op.InitCode = testAccountCode
	if _, err := p.Admit(r.env, op); !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("expected ErrAddressMismatch, got %v", err)
	}

	if _, err := p.Admit(r.env, nil); !errors.Is(err, ErrInvalidUserOp) {
		t.Errorf("nil op: expected ErrInvalidUserOp, got %v", err)
	}
}
