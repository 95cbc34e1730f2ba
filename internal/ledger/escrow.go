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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Compile-time checks: *EscrowLedger must satisfy Ledger and Funder.
var (
	_ Ledger = (*EscrowLedger)(nil)
	_ Funder = (*EscrowLedger)(nil)
)

// EscrowLedger is a SQLite-backed escrow ledger: wallet balances plus one
// lock row per tip. It stands in for the on-chain escrow program in
// self-contained deployments and shares the application's database file.
type EscrowLedger struct {
	db       *sql.DB
	resolver MatchResolver
}

func NewEscrowLedger(db *sql.DB, resolver MatchResolver) (*EscrowLedger, error) {
	l := &EscrowLedger{db: db, resolver: resolver}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("unable to initialize escrow schema: %w", err)
	}
	return l, nil
}

func (l *EscrowLedger) initSchema() error {
	schema := `
	-- Wallet balances (hot data), optimistic version for concurrent updates
	CREATE TABLE IF NOT EXISTS escrow_accounts (
		wallet_address TEXT PRIMARY KEY,
		balance TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- One lock per tip; settled at most once
	CREATE TABLE IF NOT EXISTS escrow_locks (
		reference TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'locked',
		receipt TEXT,
		settled_to TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		settled_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_escrow_locks_status ON escrow_locks(status);
	`
	_, err := l.db.Exec(schema)
	return err
}

const (
	queryGetEscrowBalance = `
		SELECT balance, version FROM escrow_accounts WHERE wallet_address = ?`

	queryInsertEscrowAccount = `
		INSERT INTO escrow_accounts (wallet_address, balance, version) VALUES (?, ?, 1)`

	queryUpdateEscrowBalance = `
		UPDATE escrow_accounts
		SET balance = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE wallet_address = ? AND version = ?`

	queryInsertEscrowLock = `
		INSERT INTO escrow_locks (reference, wallet_address, amount, status) VALUES (?, ?, ?, 'locked')`

	queryGetEscrowLock = `
		SELECT wallet_address, amount, status, settled_to, receipt
		FROM escrow_locks WHERE reference = ?`

	// Guarded settle: zero rows affected means the lock is gone or settled.
	querySettleEscrowLock = `
		UPDATE escrow_locks
		SET status = ?, receipt = ?, settled_to = ?, settled_at = ?
		WHERE reference = ? AND status = 'locked'`
)

// Deposit credits a wallet. Fixture seeding only.
func (l *EscrowLedger) Deposit(ctx context.Context, walletAddress string, amount decimal.Decimal) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := creditAccount(ctx, tx, walletAddress, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *EscrowLedger) HasSufficientBalance(ctx context.Context, walletAddress string, amount decimal.Decimal) (bool, error) {
	var balanceStr string
	var version int64
	err := l.db.QueryRowContext(ctx, queryGetEscrowBalance, walletAddress).Scan(&balanceStr, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("unable to query balance: %w", err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return false, fmt.Errorf("unable to parse balance '%s': %w", balanceStr, err)
	}
	return balance.GreaterThanOrEqual(amount), nil
}

// LockFunds atomically debits the wallet and creates the escrow lock.
func (l *EscrowLedger) LockFunds(ctx context.Context, walletAddress string, amount decimal.Decimal, reference string) (string, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("lock amount must be positive, got %s", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Duplicate reference means this tip was already locked.
	var existing string
	err = tx.QueryRowContext(ctx, `SELECT reference FROM escrow_locks WHERE reference = ?`, reference).Scan(&existing)
	if err == nil {
		return "", fmt.Errorf("%w: reference %s", ErrLockExists, reference)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("unable to check existing lock: %w", err)
	}

	var balanceStr string
	var version int64
	err = tx.QueryRowContext(ctx, queryGetEscrowBalance, walletAddress).Scan(&balanceStr, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: wallet %s has no balance", ErrInsufficientFunds, walletAddress)
	}
	if err != nil {
		return "", fmt.Errorf("unable to query balance: %w", err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return "", fmt.Errorf("unable to parse balance '%s': %w", balanceStr, err)
	}
	if balance.LessThan(amount) {
		return "", fmt.Errorf("%w: wallet %s has %s, needs %s", ErrInsufficientFunds, walletAddress, balance, amount)
	}

	result, err := tx.ExecContext(ctx, queryUpdateEscrowBalance, balance.Sub(amount).String(), walletAddress, version)
	if err != nil {
		return "", fmt.Errorf("unable to debit wallet: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return "", err
	} else if n == 0 {
		return "", fmt.Errorf("concurrent balance modification for wallet %s", walletAddress)
	}

	if _, err := tx.ExecContext(ctx, queryInsertEscrowLock, reference, walletAddress, amount.String()); err != nil {
		return "", fmt.Errorf("unable to insert lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Funds locked in escrow",
		zap.String("wallet", walletAddress),
		zap.String("amount", amount.String()),
		zap.String("reference", reference))
	return reference, nil
}

func (l *EscrowLedger) ReleaseFunds(ctx context.Context, matchId, recipientWallet string) (string, error) {
	return l.settle(ctx, matchId, recipientWallet, DispositionReleased)
}

func (l *EscrowLedger) RefundFunds(ctx context.Context, matchId, senderWallet string) (string, error) {
	return l.settle(ctx, matchId, senderWallet, DispositionRefunded)
}

// settle moves a locked tip to its destination wallet exactly once.
func (l *EscrowLedger) settle(ctx context.Context, matchId, destinationWallet, disposition string) (string, error) {
	reference, _, _, amount, err := l.resolver.ResolveSettlement(ctx, matchId)
	if err != nil {
		return "", fmt.Errorf("unable to resolve settlement for match %s: %w", matchId, err)
	}

	receipt := disposition + "-" + uuid.New().String()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, querySettleEscrowLock,
		disposition, receipt, destinationWallet, time.Now(), reference)
	if err != nil {
		return "", fmt.Errorf("unable to settle lock: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return "", err
	}
	if rowsAffected == 0 {
		var wallet, amountStr, status string
		var settledTo, priorReceipt sql.NullString
		err := tx.QueryRowContext(ctx, queryGetEscrowLock, reference).
			Scan(&wallet, &amountStr, &status, &settledTo, &priorReceipt)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: reference %s", ErrEscrowNotFound, reference)
		}
		if err != nil {
			return "", fmt.Errorf("unable to re-read lock: %w", err)
		}
		// A retry of the settlement that already happened returns the
		// original receipt; anything else is a conflicting transition.
		if status == disposition && settledTo.String == destinationWallet {
			return priorReceipt.String, nil
		}
		return "", &SettledError{
			Reference:   reference,
			Disposition: status,
			SettledTo:   settledTo.String,
		}
	}

	if err := creditAccount(ctx, tx, destinationWallet, amount); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Escrow settled",
		zap.String("match_id", matchId),
		zap.String("reference", reference),
		zap.String("disposition", disposition),
		zap.String("destination", destinationWallet),
		zap.String("amount", amount.String()))
	return receipt, nil
}

// creditAccount adds amount to a wallet inside an open transaction,
// creating the account row on first use.
func creditAccount(ctx context.Context, tx *sql.Tx, walletAddress string, amount decimal.Decimal) error {
	var balanceStr string
	var version int64
	err := tx.QueryRowContext(ctx, queryGetEscrowBalance, walletAddress).Scan(&balanceStr, &version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, queryInsertEscrowAccount, walletAddress, amount.String()); err != nil {
			return fmt.Errorf("unable to create account: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("unable to query balance: %w", err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return fmt.Errorf("unable to parse balance '%s': %w", balanceStr, err)
	}
	result, err := tx.ExecContext(ctx, queryUpdateEscrowBalance, balance.Add(amount).String(), walletAddress, version)
	if err != nil {
		return fmt.Errorf("unable to credit wallet: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("concurrent balance modification for wallet %s", walletAddress)
	}
	return nil
}

// Balance returns the current wallet balance. Zero for unknown wallets.
func (l *EscrowLedger) Balance(ctx context.Context, walletAddress string) (decimal.Decimal, error) {
	var balanceStr string
	var version int64
	err := l.db.QueryRowContext(ctx, queryGetEscrowBalance, walletAddress).Scan(&balanceStr, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("unable to query balance: %w", err)
	}
	return decimal.NewFromString(balanceStr)
}

// ResetAll wipes all accounts and locks. Fixture seeding only.
func (l *EscrowLedger) ResetAll(ctx context.Context) error {
	for _, table := range []string{"escrow_locks", "escrow_accounts"} {
		if _, err := l.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("unable to reset %s: %w", table, err)
		}
	}
	return nil
}
