package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"solmate-backend/internal/models"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Compile-time checks: *FormanceLedger must satisfy Ledger and Funder.
var (
	_ Ledger = (*FormanceLedger)(nil)
	_ Funder = (*FormanceLedger)(nil)
)

// Tips are denominated in USDC with 6 decimals, so [USDC/6 3000000] is a $3 tip.
const (
	tipAsset     = "USDC/6"
	tipPrecision = 6
)

// ---------------------------------------------------------------------------
// Numscript templates. Every settlement is a posting between the wallet
// account and the per-tip escrow account; metadata is set inside the script
// so the Formance transaction is fully self-describing.
// ---------------------------------------------------------------------------

const numscriptLockFunds = `vars {
  asset $asset
  number $amount
  account $wallet
  account $escrow
  string $reference
}

send [$asset $amount] (
  source = @wallets:$wallet
  destination = @escrow:$escrow
)

set_tx_meta("event_type", "tip_locked")
set_tx_meta("lock_reference", $reference)
`

const numscriptSettleFunds = `vars {
  asset $asset
  number $amount
  account $escrow
  account $wallet
  string $reference
  string $match_id
  string $disposition
  string $settled_to
}

send [$asset $amount] (
  source = @escrow:$escrow
  destination = @wallets:$wallet
)

set_tx_meta("event_type", "tip_settled")
set_tx_meta("lock_reference", $reference)
set_tx_meta("match_id", $match_id)
set_tx_meta("disposition", $disposition)
set_tx_meta("settled_to", $settled_to)
`

const numscriptDeposit = `vars {
  asset $asset
  number $amount
  account $wallet
}

send [$asset $amount] (
  source = @world
  destination = @wallets:$wallet
)

set_tx_meta("event_type", "deposit")
`

// FormanceLedger implements Ledger backed by a Formance Stack ledger.
// Transaction references make every settlement idempotent: a conflict on
// "<reference>-settled" means the lock was already paid out.
type FormanceLedger struct {
	client   *v3.Formance
	ledger   string
	resolver MatchResolver
}

// NewFormanceLedger connects to the stack and creates the ledger if it does
// not already exist.
func NewFormanceLedger(ctx context.Context, cfg models.FormanceConfig, resolver MatchResolver) (*FormanceLedger, error) {
	if cfg.StackURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("formance config requires StackURL, ClientID, and ClientSecret")
	}
	if cfg.LedgerName == "" {
		cfg.LedgerName = "solmate-tips"
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", cfg.LedgerName))

	client := v3.New(
		v3.WithServerURL(cfg.StackURL),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientID),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	l := &FormanceLedger{client: client, ledger: cfg.LedgerName, resolver: resolver}
	if err := l.ensureLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", err)
	}

	zap.L().Info("Formance ledger initialized", zap.String("ledger", cfg.LedgerName))
	return l, nil
}

func (l *FormanceLedger) ensureLedger(ctx context.Context) error {
	_, err := l.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: l.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "solmate",
			},
		},
	})
	if err != nil {
		var apiErr *sdkerrors.V2ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumLedgerAlreadyExists {
			zap.L().Info("Ledger already exists", zap.String("ledger", l.ledger))
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", l.ledger))
	return nil
}

func (l *FormanceLedger) HasSufficientBalance(ctx context.Context, walletAddress string, amount decimal.Decimal) (bool, error) {
	resp, err := l.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  l.ledger,
		Address: "wallets:" + walletAddress,
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("unable to query wallet account: %w", err)
	}

	balance := volumeBalance(resp.V2AccountResponse.Data.Volumes, tipAsset)
	if balance == nil {
		return false, nil
	}
	return decimal.NewFromBigInt(balance, -tipPrecision).GreaterThanOrEqual(amount), nil
}

func (l *FormanceLedger) LockFunds(ctx context.Context, walletAddress string, amount decimal.Decimal, reference string) (string, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("lock amount must be positive, got %s", amount)
	}

	_, err := l.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger: l.ledger,
		V2PostTransaction: shared.V2PostTransaction{
			Reference: v3.Pointer(reference),
			Script: &shared.V2PostTransactionScript{
				Plain: numscriptLockFunds,
				Vars: map[string]string{
					"asset":     tipAsset,
					"amount":    smallestUnit(amount),
					"wallet":    walletAddress,
					"escrow":    reference,
					"reference": reference,
				},
			},
		},
	})
	if err != nil {
		if isConflictError(err) {
			return "", fmt.Errorf("%w: reference %s", ErrLockExists, reference)
		}
		if isInsufficientFundError(err) {
			return "", fmt.Errorf("%w: wallet %s", ErrInsufficientFunds, walletAddress)
		}
		return "", fmt.Errorf("unable to lock funds: %w", err)
	}

	zap.L().Info("Funds locked in Formance escrow",
		zap.String("wallet", walletAddress),
		zap.String("amount", amount.String()),
		zap.String("reference", reference))
	return reference, nil
}

func (l *FormanceLedger) ReleaseFunds(ctx context.Context, matchId, recipientWallet string) (string, error) {
	return l.settle(ctx, matchId, recipientWallet, DispositionReleased)
}

func (l *FormanceLedger) RefundFunds(ctx context.Context, matchId, senderWallet string) (string, error) {
	return l.settle(ctx, matchId, senderWallet, DispositionRefunded)
}

func (l *FormanceLedger) settle(ctx context.Context, matchId, destinationWallet, disposition string) (string, error) {
	reference, _, _, amount, err := l.resolver.ResolveSettlement(ctx, matchId)
	if err != nil {
		return "", fmt.Errorf("unable to resolve settlement for match %s: %w", matchId, err)
	}

	// One settlement transaction per lock: the "-settled" reference turns a
	// double settle into a ledger conflict rather than a double payout.
	settleRef := reference + "-settled"

	_, err = l.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger: l.ledger,
		V2PostTransaction: shared.V2PostTransaction{
			Reference: v3.Pointer(settleRef),
			Script: &shared.V2PostTransactionScript{
				Plain: numscriptSettleFunds,
				Vars: map[string]string{
					"asset":       tipAsset,
					"amount":      smallestUnit(amount),
					"escrow":      reference,
					"wallet":      destinationWallet,
					"reference":   reference,
					"match_id":    matchId,
					"disposition": disposition,
					"settled_to":  destinationWallet,
				},
			},
		},
	})
	if err != nil {
		if isConflictError(err) {
			return l.resolveSettledConflict(ctx, reference, settleRef, destinationWallet, disposition)
		}
		if isNotFoundError(err) {
			return "", fmt.Errorf("%w: reference %s", ErrEscrowNotFound, reference)
		}
		return "", fmt.Errorf("unable to settle escrow: %w", err)
	}

	zap.L().Info("Escrow settled in Formance",
		zap.String("match_id", matchId),
		zap.String("reference", reference),
		zap.String("disposition", disposition),
		zap.String("destination", destinationWallet))
	return settleRef, nil
}

// resolveSettledConflict inspects the settlement transaction that won the
// reference. A retry of the same settlement returns its receipt; a
// settlement that went the other way surfaces as a SettledError so the
// caller does not commit a transition the money contradicts.
func (l *FormanceLedger) resolveSettledConflict(ctx context.Context, reference, settleRef, destinationWallet, disposition string) (string, error) {
	pageSize := int64(1)
	resp, err := l.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger:   l.ledger,
		PageSize: &pageSize,
		RequestBody: map[string]any{
			"$match": map[string]any{
				"reference": settleRef,
			},
		},
	})
	if err != nil || len(resp.V2TransactionsCursorResponse.Cursor.Data) == 0 {
		// Cannot tell which way it went; fail closed.
		return "", fmt.Errorf("%w: reference %s", ErrEscrowSettled, reference)
	}

	tx := resp.V2TransactionsCursorResponse.Cursor.Data[0]
	if tx.Metadata["disposition"] == disposition && tx.Metadata["settled_to"] == destinationWallet {
		return settleRef, nil
	}
	return "", &SettledError{
		Reference:   reference,
		Disposition: tx.Metadata["disposition"],
		SettledTo:   tx.Metadata["settled_to"],
	}
}

// Deposit credits a wallet from @world. Fixture seeding only.
func (l *FormanceLedger) Deposit(ctx context.Context, walletAddress string, amount decimal.Decimal) error {
	_, err := l.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger: l.ledger,
		V2PostTransaction: shared.V2PostTransaction{
			Script: &shared.V2PostTransactionScript{
				Plain: numscriptDeposit,
				Vars: map[string]string{
					"asset":  tipAsset,
					"amount": smallestUnit(amount),
					"wallet": walletAddress,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("unable to deposit: %w", err)
	}
	return nil
}

// ---------- helpers ----------

// smallestUnit converts a tip amount to the integer smallest-unit string
// Numscript expects, e.g. 3 -> "3000000" for USDC/6.
func smallestUnit(amount decimal.Decimal) string {
	return amount.Shift(tipPrecision).BigInt().String()
}

// volumeBalance extracts the balance for a specific asset from volumes.
func volumeBalance(vols map[string]shared.V2Volume, asset string) *big.Int {
	vol, ok := vols[asset]
	if !ok {
		return nil
	}
	if vol.Balance != nil {
		return vol.Balance
	}
	if vol.Input == nil {
		return nil
	}
	result := new(big.Int).Set(vol.Input)
	if vol.Output != nil {
		result.Sub(result, vol.Output)
	}
	return result
}

// isConflictError checks whether a Formance SDK error is a CONFLICT (duplicate reference).
func isConflictError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumConflict
}

// isNotFoundError checks whether a Formance SDK error is NOT_FOUND.
func isNotFoundError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumNotFound
}

// isInsufficientFundError checks whether a Formance SDK error is INSUFFICIENT_FUND.
func isInsufficientFundError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumInsufficientFund
}
