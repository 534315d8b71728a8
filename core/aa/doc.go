// Copyright 2025 The account-abstraction Authors
// This file is part of the account-abstraction library.

/*
Package aa implements a shared relay dispatcher for sponsor-fee-bearing
user operations.

A single EntryPoint accepts batches of operations, validates each one
against the issuing account (and optionally a sponsoring paymaster),
executes the requested call under a bounded gas budget, and settles the
realized cost against a collateral ledger, atomically per operation
within one batch.

# Architecture

The system consists of four main components:

 1. EntryPoint - The shared dispatcher. It runs the two-pass batch
    pipeline: validate every operation first, then execute and settle
    each one, and finally pays the aggregate fees to the caller-chosen
    recipient.

 2. StakeManager - The collateral ledger. Accounts may and paymasters
    must lock collateral here; withdrawal is gated by a timed unlock so
    a sponsor cannot pull its stake out from under in-flight work.

 3. Account / Paymaster capabilities - Abstract interfaces any program
    can satisfy: validate-and-prepay plus run-arbitrary-call for
    accounts, validate-and-sponsor plus finalize for paymasters.
    Reference implementations (SimpleAccount, SponsoringPaymaster)
    ship in-package.

 4. Simulation entry points - Sentinel-caller-only mirrors of the two
    validation stages, used off-ledger for pre-flight admission and
    fee estimation without putting real funds at risk.

# Operation Flow

	Caller submits []UserOperation
	    → EntryPoint.HandleOps:
	        Pass 1, per operation in index order:
	          1. Deploy the target counterfactually (if InitCode set)
	          2. Pick the payment mode (sponsor stake / own stake / balance)
	          3. Account.ValidateOp under the verification gas limit
	          4. Reconcile the prefund transfer against the mode
	          5. Paymaster.ValidateSponsorship (sponsored mode only)
	        Pass 2, per operation in the same order:
	          6. Execute the call payload (a revert is recorded, not fatal)
	          7. Settle: refund the unused prefund, run Paymaster.PostOp,
	             emit a SettlementRecord
	        Finally: transfer all collected fees to the recipient.

A validation failure in pass 1 aborts the whole batch with a FailedOp
error naming the offending operation; the state and the ledger are
rolled back to their pre-batch condition. Execution and finalize
failures never abort the batch; they are absorbed into accounting.

# Payment Modes

  - PayWithBalance: the account transfers the prefund from its own
    balance during validation and is refunded the unused part.
  - PayWithStake: the prefund is debited from the account's collateral
    and the unused part credited back.
  - PayWithSponsorStake: a paymaster's collateral backs the fee; the
    account pays nothing.
*/
package aa
