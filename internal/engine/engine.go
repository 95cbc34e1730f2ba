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

// Package engine owns the match lifecycle state machine:
//
//	PENDING -> ACCEPTED | REJECTED | GHOSTED
//
// All reputation counter mutation happens inside the store transitions the
// engine invokes, never at call sites. The engine holds no state of its own
// and is safe to reconstruct per call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"solmate-backend/internal/ledger"
	"solmate-backend/internal/models"
	"solmate-backend/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Validation and dependency errors owned by the engine.
var (
	ErrSelfMatch         = errors.New("cannot match with yourself")
	ErrInvalidTipAmount  = errors.New("tip amount must be positive")
	ErrInvalidProfile    = errors.New("invalid profile")
	ErrLedgerUnavailable = errors.New("ledger settlement failed")
	// ErrSettlementConflict means the escrow already moved the tip the
	// other way; the transition that wanted it loses.
	ErrSettlementConflict = errors.New("escrow settled for a conflicting outcome")
)

const (
	defaultMatchExpiryWindow = 24 * time.Hour
	defaultLedgerTimeout     = 10 * time.Second
	minAge                   = 18
	maxPhotos                = 6
	defaultPreferredTip      = 3
)

type Engine struct {
	store         store.MatchStore
	ledger        ledger.Ledger
	expiryWindow  time.Duration
	ledgerTimeout time.Duration
}

func New(matchStore store.MatchStore, escrow ledger.Ledger, cfg models.EngineConfig) *Engine {
	expiryWindow := cfg.MatchExpiryWindow
	if expiryWindow <= 0 {
		expiryWindow = defaultMatchExpiryWindow
	}
	ledgerTimeout := cfg.LedgerTimeout
	if ledgerTimeout <= 0 {
		ledgerTimeout = defaultLedgerTimeout
	}
	return &Engine{
		store:         matchStore,
		ledger:        escrow,
		expiryWindow:  expiryWindow,
		ledgerTimeout: ledgerTimeout,
	}
}

// SignIn resolves a wallet to its profile and touches last-active. Returns
// store.ErrUserNotFound for wallets that still need onboarding.
func (e *Engine) SignIn(ctx context.Context, walletAddress string) (*models.User, error) {
	user, err := e.store.GetUserByWallet(ctx, walletAddress)
	if err != nil {
		return nil, err
	}
	if err := e.store.TouchLastActive(ctx, user.Id, time.Now()); err != nil {
		return nil, err
	}
	return e.store.GetUserById(ctx, user.Id)
}

// OnboardParams carries a new profile. Zero PreferredTipAmount defaults.
type OnboardParams struct {
	WalletAddress      string
	Name               string
	Age                int
	Gender             models.Gender
	Bio                string
	Photos             []string
	PreferredTipAmount int
}

// Onboard creates a profile for a connected wallet. New users start online.
func (e *Engine) Onboard(ctx context.Context, params OnboardParams) (*models.User, error) {
	if params.WalletAddress == "" || params.Name == "" {
		return nil, fmt.Errorf("%w: wallet address and name are required", ErrInvalidProfile)
	}
	if params.Age < minAge {
		return nil, fmt.Errorf("%w: age must be at least %d", ErrInvalidProfile, minAge)
	}
	if !params.Gender.Valid() {
		return nil, fmt.Errorf("%w: unknown gender", ErrInvalidProfile)
	}
	if len(params.Photos) == 0 || len(params.Photos) > maxPhotos {
		return nil, fmt.Errorf("%w: between 1 and %d photos required", ErrInvalidProfile, maxPhotos)
	}
	if params.PreferredTipAmount < 0 {
		return nil, fmt.Errorf("%w: preferred tip amount cannot be negative", ErrInvalidProfile)
	}
	if params.PreferredTipAmount == 0 {
		params.PreferredTipAmount = defaultPreferredTip
	}

	return e.store.CreateUser(ctx, store.CreateUserParams{
		Id:                 uuid.New().String(),
		WalletAddress:      params.WalletAddress,
		Name:               params.Name,
		Age:                params.Age,
		Gender:             params.Gender,
		Bio:                params.Bio,
		Photos:             params.Photos,
		PreferredTipAmount: params.PreferredTipAmount,
		IsOnline:           true,
		LastActive:         time.Now(),
	})
}

// CreateMatch inserts a PENDING match for a tip whose escrow lock already
// happened upstream; transactionHash is that lock's receipt. On a pair
// conflict the existing match is returned along with
// store.ErrMatchAlreadyExists so callers can reconcile instead of retrying.
func (e *Engine) CreateMatch(ctx context.Context, senderWallet, receiverWallet string, tipAmount decimal.Decimal, transactionHash string) (*models.Match, error) {
	if senderWallet == receiverWallet {
		return nil, fmt.Errorf("%w: wallet %s", ErrSelfMatch, senderWallet)
	}
	if tipAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidTipAmount, tipAmount)
	}

	sender, err := e.store.GetUserByWallet(ctx, senderWallet)
	if err != nil {
		return nil, err
	}
	receiver, err := e.store.GetUserByWallet(ctx, receiverWallet)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return e.store.CreateMatch(ctx, store.CreateMatchParams{
		Id:              uuid.New().String(),
		SenderId:        sender.Id,
		ReceiverId:      receiver.Id,
		TipAmount:       tipAmount,
		TransactionHash: transactionHash,
		CreatedAt:       now,
		ExpiresAt:       now.Add(e.expiryWindow),
	})
}

// AcceptMatch moves a PENDING, unexpired match to ACCEPTED, increments both
// parties' matchCount, and pays the locked tip out to the receiver.
//
// Settlement is ledger-first: a PENDING audit entry is written, the ledger
// releases the escrow, and only then does the domain transition commit
// (confirming the audit entry in the same atomic unit). On ledger failure
// the match stays PENDING and the audit entry is marked FAILED. A crash
// between release and commit leaves the PENDING entry as the
// reconciliation flag.
func (e *Engine) AcceptMatch(ctx context.Context, matchId string) (*models.Match, error) {
	match, err := e.store.GetMatchById(ctx, matchId)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if match.Status != models.MatchPending {
		return nil, fmt.Errorf("%w: match %s is %s", store.ErrInvalidTransition, matchId, match.Status)
	}
	if match.Expired(now) {
		return nil, fmt.Errorf("%w: match %s expired at %s", store.ErrMatchExpired, matchId, match.ExpiresAt.Format(time.RFC3339))
	}

	audit, err := e.store.RecordTransaction(ctx, store.RecordTransactionParams{
		WalletAddress:   match.Receiver.WalletAddress,
		Type:            models.TxTipReceived,
		Amount:          models.Cents(match.TipAmount),
		TransactionHash: match.TransactionHash + "-release",
		MatchId:         match.Id,
		Status:          models.TxPending,
	})
	if err != nil {
		return nil, err
	}

	if err := e.release(ctx, match, audit.Id); err != nil {
		return nil, err
	}

	accepted, err := e.store.AcceptMatch(ctx, matchId, audit.Id, now)
	if err != nil {
		// The escrow settled but the domain commit lost a race. The audit
		// entry stays PENDING for reconciliation.
		zap.L().Warn("Accept transition failed after escrow release",
			zap.String("match_id", matchId),
			zap.Error(err))
		return nil, err
	}
	return accepted, nil
}

// release pays out the escrow with a bounded timeout. Retries of a release
// that already went through return nil at the ledger; an ErrEscrowSettled
// here means the lock was refunded, so the accept must not commit with the
// tip back in the sender's wallet.
func (e *Engine) release(ctx context.Context, match *models.Match, auditId string) error {
	lctx, cancel := context.WithTimeout(ctx, e.ledgerTimeout)
	defer cancel()

	_, err := e.ledger.ReleaseFunds(lctx, match.Id, match.Receiver.WalletAddress)
	if err == nil {
		return nil
	}

	if ferr := e.store.FailPendingTransaction(ctx, auditId); ferr != nil {
		zap.L().Error("Failed to mark settlement transaction failed",
			zap.String("transaction_id", auditId), zap.Error(ferr))
	}
	if errors.Is(err, ledger.ErrEscrowSettled) {
		zap.L().Warn("Escrow refunded before accept could release it",
			zap.String("match_id", match.Id), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrSettlementConflict, err)
	}
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}

// RejectMatch moves a PENDING match to REJECTED and refunds the sender.
// Reputation counters do not change, and expired-but-unswept matches may
// still be rejected. Same ledger-first settlement as AcceptMatch.
func (e *Engine) RejectMatch(ctx context.Context, matchId string) (*models.Match, error) {
	match, err := e.store.GetMatchById(ctx, matchId)
	if err != nil {
		return nil, err
	}
	if match.Status != models.MatchPending {
		return nil, fmt.Errorf("%w: match %s is %s", store.ErrInvalidTransition, matchId, match.Status)
	}

	audit, err := e.store.RecordTransaction(ctx, store.RecordTransactionParams{
		WalletAddress:   match.Sender.WalletAddress,
		Type:            models.TxRefund,
		Amount:          models.Cents(match.TipAmount),
		TransactionHash: match.TransactionHash + "-refund",
		MatchId:         match.Id,
		Status:          models.TxPending,
	})
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithTimeout(ctx, e.ledgerTimeout)
	defer cancel()
	if _, err := e.ledger.RefundFunds(lctx, match.Id, match.Sender.WalletAddress); err != nil {
		if ferr := e.store.FailPendingTransaction(ctx, audit.Id); ferr != nil {
			zap.L().Error("Failed to mark settlement transaction failed",
				zap.String("transaction_id", audit.Id), zap.Error(ferr))
		}
		if errors.Is(err, ledger.ErrEscrowSettled) {
			// The lock was released to the receiver: an accept won the
			// race. The REFUND entry must not confirm as if money moved.
			zap.L().Warn("Escrow released before reject could refund it",
				zap.String("match_id", match.Id), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrSettlementConflict, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	return e.store.RejectMatch(ctx, matchId, audit.Id, time.Now())
}

// GetMatch returns a match with both profiles attached.
func (e *Engine) GetMatch(ctx context.Context, matchId string) (*models.Match, error) {
	return e.store.GetMatchById(ctx, matchId)
}

// MatchesForUser returns all matches involving the wallet, newest first,
// with both profiles and the audit trail attached.
func (e *Engine) MatchesForUser(ctx context.Context, walletAddress string) ([]models.Match, error) {
	user, err := e.store.GetUserByWallet(ctx, walletAddress)
	if err != nil {
		return nil, err
	}
	return e.store.GetMatchesForUser(ctx, user.Id)
}

// TransactionsForWallet returns the wallet's audit history, newest first.
func (e *Engine) TransactionsForWallet(ctx context.Context, walletAddress string) ([]models.Transaction, error) {
	if _, err := e.store.GetUserByWallet(ctx, walletAddress); err != nil {
		return nil, err
	}
	return e.store.GetTransactionsForWallet(ctx, walletAddress)
}
