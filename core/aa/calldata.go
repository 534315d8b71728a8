// Copyright 2025 The account-abstraction Authors
// This file is part of the account-abstraction library.
//
// Calldata introspection for the delegate-execute payload shape. Lets a
// paymaster recognize and permit a specific inner call without trusting
// arbitrary payloads. Pure functions, no side effects.

package aa

import (
	"bytes"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const executeABIJSON = `[{"type":"function","name":"execute","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}]}]`

var executeMethod = func() abi.Method {
	parsed, err := abi.JSON(strings.NewReader(executeABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed.Methods["execute"]
}()

// ExecuteCall is a decoded delegate-execute payload: an inner call to
// Dest carrying Value and the inner calldata.
type ExecuteCall struct {
	Dest  common.Address
	Value *uint256.Int
	Data  []byte
}

// Selector returns the 4-byte selector of the inner calldata,
// zero-padded when it is shorter.
func (c *ExecuteCall) Selector() [4]byte {
	var sel [4]byte
	copy(sel[:], c.Data)
	return sel
}

// ParseExecuteCall decodes payload if it matches the
// execute(address,uint256,bytes) shape.
func ParseExecuteCall(payload []byte) (*ExecuteCall, bool) {
	if len(payload) < 4 || !bytes.Equal(payload[:4], executeMethod.ID) {
		return nil, false
	}
	values, err := executeMethod.Inputs.Unpack(payload[4:])
	if err != nil || len(values) != 3 {
		return nil, false
	}
	dest, ok1 := values[0].(common.Address)
	value, ok2 := values[1].(*big.Int)
	data, ok3 := values[2].([]byte)
	if !ok1 || !ok2 || !ok3 {
		return nil, false
	}
	v, overflow := uint256.FromBig(value)
	if overflow {
		return nil, false
	}
	return &ExecuteCall{Dest: dest, Value: v, Data: data}, true
}

// PackExecuteCall encodes an execute-shape payload.
func PackExecuteCall(dest common.Address, value *uint256.Int, data []byte) ([]byte, error) {
	args, err := executeMethod.Inputs.Pack(dest, uint256OrZero(value).ToBig(), data)
	if err != nil {
		return nil, err
	}
	return append(common.CopyBytes(executeMethod.ID), args...), nil
}
