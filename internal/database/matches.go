package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"solmate-backend/internal/models"
	"solmate-backend/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanMatch(row rowScanner) (*models.Match, error) {
	var match models.Match
	var tip string
	var acceptedAt, rejectedAt, ghostedAt sql.NullTime
	err := row.Scan(&match.Id, &match.SenderId, &match.ReceiverId, &tip,
		&match.TransactionHash, &match.Status, &match.CreatedAt, &match.ExpiresAt,
		&acceptedAt, &rejectedAt, &ghostedAt)
	if err != nil {
		return nil, err
	}
	match.TipAmount, err = decimal.NewFromString(tip)
	if err != nil {
		return nil, fmt.Errorf("unable to parse tip amount '%s': %w", tip, err)
	}
	if acceptedAt.Valid {
		match.AcceptedAt = &acceptedAt.Time
	}
	if rejectedAt.Valid {
		match.RejectedAt = &rejectedAt.Time
	}
	if ghostedAt.Valid {
		match.GhostedAt = &ghostedAt.Time
	}
	return &match, nil
}

// attachUsers loads the sender and receiver projections onto a match.
func (s *Service) attachUsers(ctx context.Context, match *models.Match) error {
	sender, err := s.GetUserById(ctx, match.SenderId)
	if err != nil {
		return err
	}
	receiver, err := s.GetUserById(ctx, match.ReceiverId)
	if err != nil {
		return err
	}
	match.Sender = sender
	match.Receiver = receiver
	return nil
}

func (s *Service) CreateMatch(ctx context.Context, params store.CreateMatchParams) (*models.Match, error) {
	zap.L().Info("Creating match",
		zap.String("match_id", params.Id),
		zap.String("sender_id", params.SenderId),
		zap.String("receiver_id", params.ReceiverId),
		zap.String("tip_amount", params.TipAmount.String()),
		zap.String("tx_hash", params.TransactionHash))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Check for an existing match on the unordered pair. The unique pair
	// index is the backstop for creates racing past this read.
	existing, err := scanMatch(tx.QueryRowContext(ctx, queryGetMatchByPair,
		params.SenderId, params.ReceiverId, params.ReceiverId, params.SenderId))
	if err == nil {
		_ = tx.Rollback() // release the connection before the projection reads
		if aerr := s.attachUsers(ctx, existing); aerr != nil {
			return nil, aerr
		}
		return existing, fmt.Errorf("%w: match %s", store.ErrMatchAlreadyExists, existing.Id)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unable to check existing match: %w", err)
	}

	_, err = tx.ExecContext(ctx, queryInsertMatch,
		params.Id, params.SenderId, params.ReceiverId, params.TipAmount.String(),
		params.TransactionHash, params.CreatedAt, params.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; surface the winner.
			_ = tx.Rollback()
			winner, werr := scanMatch(s.db.QueryRowContext(ctx, queryGetMatchByPair,
				params.SenderId, params.ReceiverId, params.ReceiverId, params.SenderId))
			if werr == nil {
				if aerr := s.attachUsers(ctx, winner); aerr != nil {
					return nil, aerr
				}
				return winner, fmt.Errorf("%w: match %s", store.ErrMatchAlreadyExists, winner.Id)
			}
			if errors.Is(werr, sql.ErrNoRows) {
				// No match for this pair, so the unique hash fired: the
				// tip hash already backs a match between other users.
				return nil, fmt.Errorf("%w: %s", store.ErrDuplicateTransactionHash, params.TransactionHash)
			}
		}
		zap.L().Error("Failed to insert match", zap.Error(err))
		return nil, fmt.Errorf("unable to insert match: %w", err)
	}

	// Audit the tip in the same atomic unit. The escrow lock already
	// happened upstream, so the entry is CONFIRMED from the start.
	var senderWallet string
	if err := tx.QueryRowContext(ctx, queryGetWalletById, params.SenderId).Scan(&senderWallet); err != nil {
		return nil, fmt.Errorf("unable to resolve sender wallet: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryInsertTransaction,
		newId(), senderWallet, string(models.TxTipSent), models.Cents(params.TipAmount),
		params.TransactionHash, params.Id, string(models.TxConfirmed)); err != nil {
		return nil, fmt.Errorf("unable to insert tip transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return s.GetMatchById(ctx, params.Id)
}

func (s *Service) GetMatchById(ctx context.Context, matchId string) (*models.Match, error) {
	match, err := scanMatch(s.db.QueryRowContext(ctx, queryGetMatchById, matchId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %s", store.ErrMatchNotFound, matchId)
		}
		return nil, fmt.Errorf("unable to query match: %w", err)
	}
	if err := s.attachUsers(ctx, match); err != nil {
		return nil, err
	}
	return match, nil
}

func (s *Service) GetMatchesForUser(ctx context.Context, userId string) ([]models.Match, error) {
	rows, err := s.db.QueryContext(ctx, queryGetMatchesForUser, userId, userId)
	if err != nil {
		return nil, fmt.Errorf("unable to query matches: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	matches := []models.Match{}
	for rows.Next() {
		match, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan match row: %w", err)
		}
		matches = append(matches, *match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating match rows: %w", err)
	}

	for i := range matches {
		if err := s.attachUsers(ctx, &matches[i]); err != nil {
			return nil, err
		}
		transactions, err := s.getTransactionsForMatch(ctx, matches[i].Id)
		if err != nil {
			return nil, err
		}
		matches[i].Transactions = transactions
	}
	return matches, nil
}

func (s *Service) ListExpiredPending(ctx context.Context, now time.Time) ([]models.Match, error) {
	rows, err := s.db.QueryContext(ctx, queryListExpiredPending, now)
	if err != nil {
		return nil, fmt.Errorf("unable to query expired matches: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	matches := []models.Match{}
	for rows.Next() {
		match, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan match row: %w", err)
		}
		matches = append(matches, *match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating match rows: %w", err)
	}

	for i := range matches {
		if err := s.attachUsers(ctx, &matches[i]); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

// AcceptMatch performs the PENDING -> ACCEPTED transition, the matchCount
// increments on both parties, and the settlement audit confirmation as one
// atomic unit. The guarded UPDATE re-verifies status and expiry inside the
// transaction, so whichever concurrent transition commits first wins.
func (s *Service) AcceptMatch(ctx context.Context, matchId, settlementTxId string, now time.Time) (*models.Match, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryAcceptMatch, now, matchId, now)
	if err != nil {
		return nil, fmt.Errorf("unable to accept match: %w", err)
	}
	if err := s.requireTransition(ctx, tx, result, matchId, now, true); err != nil {
		return nil, err
	}

	match, err := scanMatch(tx.QueryRowContext(ctx, queryGetMatchById, matchId))
	if err != nil {
		return nil, fmt.Errorf("unable to re-read match: %w", err)
	}

	for _, userId := range []string{match.SenderId, match.ReceiverId} {
		if _, err := tx.ExecContext(ctx, queryIncrementMatchCount, userId); err != nil {
			return nil, fmt.Errorf("unable to increment match count: %w", err)
		}
	}

	if settlementTxId != "" {
		if _, err := tx.ExecContext(ctx, queryUpdateTransactionStatus, string(models.TxConfirmed), settlementTxId); err != nil {
			return nil, fmt.Errorf("unable to confirm settlement transaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Match accepted",
		zap.String("match_id", matchId),
		zap.String("sender_id", match.SenderId),
		zap.String("receiver_id", match.ReceiverId))

	if err := s.attachUsers(ctx, match); err != nil {
		return nil, err
	}
	return match, nil
}

// RejectMatch performs PENDING -> REJECTED. Reputation counters do not move:
// an explicit no is not ghosting. Rejecting an expired-but-unswept match is
// allowed, it only short-circuits what the sweep would do.
func (s *Service) RejectMatch(ctx context.Context, matchId, settlementTxId string, now time.Time) (*models.Match, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryRejectMatch, now, matchId)
	if err != nil {
		return nil, fmt.Errorf("unable to reject match: %w", err)
	}
	if err := s.requireTransition(ctx, tx, result, matchId, now, false); err != nil {
		return nil, err
	}

	match, err := scanMatch(tx.QueryRowContext(ctx, queryGetMatchById, matchId))
	if err != nil {
		return nil, fmt.Errorf("unable to re-read match: %w", err)
	}

	if settlementTxId != "" {
		if _, err := tx.ExecContext(ctx, queryUpdateTransactionStatus, string(models.TxConfirmed), settlementTxId); err != nil {
			return nil, fmt.Errorf("unable to confirm settlement transaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Match rejected", zap.String("match_id", matchId))

	if err := s.attachUsers(ctx, match); err != nil {
		return nil, err
	}
	return match, nil
}

// GhostMatch performs PENDING -> GHOSTED for an expired match: the receiver
// failed to respond, so their ghostedCount and the sender's ghostedByCount
// both move, atomically with the status write. The PENDING guard is what
// makes the sweep idempotent.
func (s *Service) GhostMatch(ctx context.Context, matchId, refundTxId, forfeitTxId string, now time.Time) (*models.Match, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryGhostMatch, now, matchId)
	if err != nil {
		return nil, fmt.Errorf("unable to ghost match: %w", err)
	}
	if err := s.requireTransition(ctx, tx, result, matchId, now, false); err != nil {
		return nil, err
	}

	match, err := scanMatch(tx.QueryRowContext(ctx, queryGetMatchById, matchId))
	if err != nil {
		return nil, fmt.Errorf("unable to re-read match: %w", err)
	}

	if _, err := tx.ExecContext(ctx, queryIncrementGhostedByCount, match.SenderId); err != nil {
		return nil, fmt.Errorf("unable to increment ghosted-by count: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryIncrementGhostedCount, match.ReceiverId); err != nil {
		return nil, fmt.Errorf("unable to increment ghosted count: %w", err)
	}

	for _, txId := range []string{refundTxId, forfeitTxId} {
		if txId == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, queryUpdateTransactionStatus, string(models.TxConfirmed), txId); err != nil {
			return nil, fmt.Errorf("unable to confirm settlement transaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Match ghosted",
		zap.String("match_id", matchId),
		zap.String("ghosted_by", match.ReceiverId),
		zap.String("left_hanging", match.SenderId))

	if err := s.attachUsers(ctx, match); err != nil {
		return nil, err
	}
	return match, nil
}

// requireTransition interprets a zero-rows guarded update by re-reading the
// match inside the same transaction.
func (s *Service) requireTransition(ctx context.Context, tx *sql.Tx, result sql.Result, matchId string, now time.Time, checkExpiry bool) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	match, err := scanMatch(tx.QueryRowContext(ctx, queryGetMatchById, matchId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id %s", store.ErrMatchNotFound, matchId)
		}
		return fmt.Errorf("unable to re-read match: %w", err)
	}
	if match.Status != models.MatchPending {
		return fmt.Errorf("%w: match %s is %s", store.ErrInvalidTransition, matchId, match.Status)
	}
	if checkExpiry && match.Expired(now) {
		return fmt.Errorf("%w: match %s expired at %s", store.ErrMatchExpired, matchId, match.ExpiresAt.Format(time.RFC3339))
	}
	return fmt.Errorf("transition failed for match %s in status %s", matchId, match.Status)
}

// ResolveSettlement maps a match id to the escrow lock reference and the
// parties' wallets. Ledger backends use it to settle by match id.
func (s *Service) ResolveSettlement(ctx context.Context, matchId string) (reference, senderWallet, receiverWallet string, amount decimal.Decimal, err error) {
	var tip string
	err = s.db.QueryRowContext(ctx, queryResolveSettlement, matchId).Scan(&reference, &tip, &senderWallet, &receiverWallet)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: id %s", store.ErrMatchNotFound, matchId)
		}
		return
	}
	amount, err = decimal.NewFromString(tip)
	return
}
