/**
 * Copyright 2025-present Solmate Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all ledger backends.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrEscrowNotFound    = errors.New("no escrow lock found")
	// ErrEscrowSettled means the lock was already settled the OTHER way:
	// a release raced a refund or vice versa. Retrying the same settlement
	// (same disposition, same destination) is not an error; backends
	// return the original receipt instead. The escrow settles each lock at
	// most once.
	ErrEscrowSettled = errors.New("escrow already settled")
	ErrLockExists    = errors.New("escrow lock already exists")
)

// Lock dispositions. A lock is settled exactly once, one way or the other.
const (
	DispositionReleased = "released"
	DispositionRefunded = "refunded"
)

// SettledError carries which way an already-settled lock went so callers
// can tell a harmless retry from a conflicting transition. Wraps
// ErrEscrowSettled for errors.Is checks.
type SettledError struct {
	Reference   string
	Disposition string
	SettledTo   string
}

func (e *SettledError) Error() string {
	return fmt.Sprintf("escrow already settled: reference %s is %s to %s",
		e.Reference, e.Disposition, e.SettledTo)
}

func (e *SettledError) Unwrap() error { return ErrEscrowSettled }

// MatchResolver maps a match id to its escrow lock reference and parties.
// The database service implements it; ledger backends depend on it so the
// settlement operations can be keyed by match id, which is all the engine
// knows at transition time.
type MatchResolver interface {
	ResolveSettlement(ctx context.Context, matchId string) (reference, senderWallet, receiverWallet string, amount decimal.Decimal, err error)
}

// Ledger is the value-moving collaborator. Locks are created when a tip is
// sent and settled exactly once: released to the receiver on accept, or
// refunded to the sender on reject/ghost.
type Ledger interface {
	HasSufficientBalance(ctx context.Context, walletAddress string, amount decimal.Decimal) (bool, error)
	// LockFunds moves amount from the wallet into escrow under reference
	// (the tip's transaction hash) and returns a receipt.
	LockFunds(ctx context.Context, walletAddress string, amount decimal.Decimal, reference string) (string, error)
	// ReleaseFunds pays the locked tip out to the receiver.
	ReleaseFunds(ctx context.Context, matchId, recipientWallet string) (string, error)
	// RefundFunds returns the locked tip to the sender.
	RefundFunds(ctx context.Context, matchId, senderWallet string) (string, error)
}

// Funder tops up wallet balances. Only fixture seeding uses it; production
// deposits arrive on-chain, outside this system.
type Funder interface {
	Deposit(ctx context.Context, walletAddress string, amount decimal.Decimal) error
}
