package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"solmate-backend/internal/models"
	"solmate-backend/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newId() string {
	return uuid.New().String()
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var transaction models.Transaction
	var matchId sql.NullString
	err := row.Scan(&transaction.Id, &transaction.WalletAddress, &transaction.Type,
		&transaction.Amount, &transaction.TransactionHash, &matchId,
		&transaction.Status, &transaction.CreatedAt)
	if err != nil {
		return nil, err
	}
	if matchId.Valid {
		transaction.MatchId = matchId.String
	}
	return &transaction, nil
}

// RecordTransaction inserts an audit entry. The transaction hash is unique;
// recording the same hash again returns the existing row unchanged, so
// settlement retries never duplicate the trail.
func (s *Service) RecordTransaction(ctx context.Context, params store.RecordTransactionParams) (*models.Transaction, error) {
	existing, err := scanTransaction(s.db.QueryRowContext(ctx, queryGetTransactionByHash, params.TransactionHash))
	if err == nil {
		zap.L().Debug("Transaction already recorded",
			zap.String("tx_hash", params.TransactionHash),
			zap.String("id", existing.Id))
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unable to check existing transaction: %w", err)
	}

	id := newId()
	_, err = s.db.ExecContext(ctx, queryInsertTransaction,
		id, params.WalletAddress, string(params.Type), params.Amount,
		params.TransactionHash, nullable(params.MatchId), string(params.Status))
	if err != nil {
		if isUniqueViolation(err) {
			// Raced another recorder for the same hash; theirs is authoritative.
			return scanTransaction(s.db.QueryRowContext(ctx, queryGetTransactionByHash, params.TransactionHash))
		}
		zap.L().Error("Failed to insert transaction", zap.String("tx_hash", params.TransactionHash), zap.Error(err))
		return nil, fmt.Errorf("unable to insert transaction: %w", err)
	}

	return scanTransaction(s.db.QueryRowContext(ctx, queryGetTransactionByHash, params.TransactionHash))
}

// FailPendingTransaction downgrades a PENDING audit entry to FAILED. Zero
// rows affected is fine: either the entry was confirmed by the settlement
// that won, or it was already failed.
func (s *Service) FailPendingTransaction(ctx context.Context, transactionId string) error {
	if _, err := s.db.ExecContext(ctx, queryFailPendingTransaction, transactionId); err != nil {
		return fmt.Errorf("unable to fail pending transaction: %w", err)
	}
	return nil
}

func (s *Service) GetTransactionsForWallet(ctx context.Context, walletAddress string) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, queryGetTransactionsForWallet, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("unable to query transactions: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	transactions := []models.Transaction{}
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan transaction row: %w", err)
		}
		transactions = append(transactions, *transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return transactions, nil
}

func (s *Service) getTransactionsForMatch(ctx context.Context, matchId string) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, queryGetTransactionsForMatch, matchId)
	if err != nil {
		return nil, fmt.Errorf("unable to query match transactions: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	transactions := []models.Transaction{}
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan transaction row: %w", err)
		}
		transactions = append(transactions, *transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return transactions, nil
}

// nullable maps empty strings to NULL for optional foreign keys.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
