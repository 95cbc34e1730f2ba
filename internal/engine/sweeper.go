package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"solmate-backend/internal/ledger"
	"solmate-backend/internal/models"
	"solmate-backend/internal/store"

	"go.uber.org/zap"
)

// SweepExpired ghosts every PENDING match whose expiry has passed: the
// sender is refunded, the receiver's forfeited payout is recorded, the
// receiver's ghostedCount and the sender's ghostedByCount each go up by
// one. Matches are processed independently so one failure never blocks the
// rest; errors are joined and the ghosted matches returned regardless.
func (e *Engine) SweepExpired(ctx context.Context) ([]models.Match, error) {
	now := time.Now()
	expired, err := e.store.ListExpiredPending(ctx, now)
	if err != nil {
		return nil, err
	}

	ghosted := []models.Match{}
	var errs []error
	for i := range expired {
		match := &expired[i]
		swept, err := e.ghostMatch(ctx, match, now)
		if err != nil {
			zap.L().Error("Failed to ghost expired match",
				zap.String("match_id", match.Id),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("match %s: %w", match.Id, err))
			continue
		}
		if swept != nil {
			ghosted = append(ghosted, *swept)
			zap.L().Info("Ghosted expired match",
				zap.String("match_id", match.Id),
				zap.String("sender_wallet", match.Sender.WalletAddress),
				zap.String("tip_amount", match.TipAmount.String()))
		}
	}
	return ghosted, errors.Join(errs...)
}

// ghostMatch settles a single expired match. Every step is idempotent
// (hash-keyed audit rows, settle-once escrow, PENDING-guarded transition),
// so a crashed or concurrent sweep simply converges on a later run. Returns
// nil without error when a concurrent transition resolved the match first.
func (e *Engine) ghostMatch(ctx context.Context, match *models.Match, now time.Time) (*models.Match, error) {
	refund, err := e.store.RecordTransaction(ctx, store.RecordTransactionParams{
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
	forfeit, err := e.store.RecordTransaction(ctx, store.RecordTransactionParams{
		WalletAddress:   match.Receiver.WalletAddress,
		Type:            models.TxGhostForfeit,
		Amount:          models.Cents(match.TipAmount),
		TransactionHash: match.TransactionHash + "-forfeit",
		MatchId:         match.Id,
		Status:          models.TxPending,
	})
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithTimeout(ctx, e.ledgerTimeout)
	defer cancel()
	if _, err := e.ledger.RefundFunds(lctx, match.Id, match.Sender.WalletAddress); err != nil {
		e.failPendingAudits(ctx, refund.Id, forfeit.Id)
		if errors.Is(err, ledger.ErrEscrowSettled) {
			// Released to the receiver: an accept beat the sweep to the
			// escrow. The ghost transition loses.
			zap.L().Warn("Escrow released before sweep could refund it",
				zap.String("match_id", match.Id), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrSettlementConflict, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	ghosted, err := e.store.GhostMatch(ctx, match.Id, refund.Id, forfeit.Id, now)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Lost a race against an accept/reject that slipped in after the
		// expiry listing. The escrow guard already decided the money;
		// audit entries the winner did not confirm must not stay PENDING.
		e.failPendingAudits(ctx, refund.Id, forfeit.Id)
		zap.L().Warn("Match resolved concurrently during sweep", zap.String("match_id", match.Id))
		return nil, nil
	}
	return ghosted, err
}

// failPendingAudits downgrades still-PENDING audit entries to FAILED;
// entries confirmed by the settlement that won are untouched.
func (e *Engine) failPendingAudits(ctx context.Context, auditIds ...string) {
	for _, id := range auditIds {
		if err := e.store.FailPendingTransaction(ctx, id); err != nil {
			zap.L().Error("Failed to mark settlement transaction failed",
				zap.String("transaction_id", id), zap.Error(err))
		}
	}
}

// Sweeper runs SweepExpired on an interval.
type Sweeper struct {
	engine   *Engine
	interval time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{
		engine:   e,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the sweep loop. An immediate sweep runs before the first
// tick so restarts drain any backlog quickly.
func (s *Sweeper) Start(ctx context.Context) {
	zap.L().Info("Starting expiry sweeper", zap.Duration("interval", s.interval))
	go s.sweepLoop(ctx)
}

// Stop gracefully stops the sweeper, waiting for an in-flight sweep.
func (s *Sweeper) Stop() {
	zap.L().Info("Stopping expiry sweeper")
	close(s.stopChan)
	<-s.doneChan
	zap.L().Info("Expiry sweeper stopped")
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	swept, err := s.engine.SweepExpired(ctx)
	if err != nil {
		zap.L().Error("Expiry sweep finished with errors",
			zap.Int("swept", len(swept)),
			zap.Error(err))
		return
	}
	if len(swept) > 0 {
		zap.L().Info("Expiry sweep complete", zap.Int("swept", len(swept)))
	}
}
