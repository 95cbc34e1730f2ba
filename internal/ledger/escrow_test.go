package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// stubResolver maps match ids straight onto lock references for tests.
type stubResolver struct {
	reference string
	sender    string
	receiver  string
	amount    decimal.Decimal
}

func (r stubResolver) ResolveSettlement(_ context.Context, matchId string) (string, string, string, decimal.Decimal, error) {
	if matchId != "match-1" {
		return "", "", "", decimal.Zero, errors.New("unknown match")
	}
	return r.reference, r.sender, r.receiver, r.amount, nil
}

func setupEscrowTest(t *testing.T) (*EscrowLedger, func()) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	resolver := stubResolver{
		reference: "lock-ref-1",
		sender:    "wallet-sender",
		receiver:  "wallet-receiver",
		amount:    decimal.NewFromInt(5),
	}
	escrow, err := NewEscrowLedger(db, resolver)
	if err != nil {
		t.Fatalf("Failed to initialize escrow ledger: %v", err)
	}

	cleanup := func() {
		db.Close()
	}
	return escrow, cleanup
}

func TestLockFunds_InsufficientBalance(t *testing.T) {
	escrow, cleanup := setupEscrowTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := escrow.LockFunds(ctx, "wallet-sender", decimal.NewFromInt(5), "lock-ref-1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
}

func TestLockFunds_DebitsBalance(t *testing.T) {
	escrow, cleanup := setupEscrowTest(t)
	defer cleanup()
	ctx := context.Background()

	if err := escrow.Deposit(ctx, "wallet-sender", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	receipt, err := escrow.LockFunds(ctx, "wallet-sender", decimal.NewFromInt(5), "lock-ref-1")
	if err != nil {
		t.Fatalf("LockFunds failed: %v", err)
	}
	if receipt == "" {
		t.Error("Expected a non-empty lock receipt")
	}

	balance, err := escrow.Balance(ctx, "wallet-sender")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected balance 5 after lock, got %s", balance)
	}

	// The same reference cannot be locked twice.
	if _, err := escrow.LockFunds(ctx, "wallet-sender", decimal.NewFromInt(5), "lock-ref-1"); !errors.Is(err, ErrLockExists) {
		t.Errorf("Expected ErrLockExists, got %v", err)
	}
}

func TestReleaseFunds_CreditsRecipient(t *testing.T) {
	escrow, cleanup := setupEscrowTest(t)
	defer cleanup()
	ctx := context.Background()

	if err := escrow.Deposit(ctx, "wallet-sender", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := escrow.LockFunds(ctx, "wallet-sender", decimal.NewFromInt(5), "lock-ref-1"); err != nil {
		t.Fatalf("LockFunds failed: %v", err)
	}

	receipt, err := escrow.ReleaseFunds(ctx, "match-1", "wallet-receiver")
	if err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}
	if receipt == "" {
		t.Error("Expected a settlement receipt")
	}

	balance, err := escrow.Balance(ctx, "wallet-receiver")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected receiver balance 5, got %s", balance)
	}
}

func TestSettle_AtMostOnce(t *testing.T) {
	escrow, cleanup := setupEscrowTest(t)
	defer cleanup()
	ctx := context.Background()

	if err := escrow.Deposit(ctx, "wallet-sender", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := escrow.LockFunds(ctx, "wallet-sender", decimal.NewFromInt(5), "lock-ref-1"); err != nil {
		t.Fatalf("LockFunds failed: %v", err)
	}

	if _, err := escrow.ReleaseFunds(ctx, "match-1", "wallet-receiver"); err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}

	// A refund after the release finds the lock already settled; no double
	// payout, whichever transition runs second. The error says which way
	// the lock went so the caller can tell a retry from a conflict.
	_, err := escrow.RefundFunds(ctx, "match-1", "wallet-sender")
	if !errors.Is(err, ErrEscrowSettled) {
		t.Errorf("Expected ErrEscrowSettled, got %v", err)
	}
	var settled *SettledError
	if !errors.As(err, &settled) {
		t.Fatalf("Expected a SettledError, got %v", err)
	}
	if settled.Disposition != DispositionReleased || settled.SettledTo != "wallet-receiver" {
		t.Errorf("Expected released to wallet-receiver, got %s to %s", settled.Disposition, settled.SettledTo)
	}

	senderBalance, _ := escrow.Balance(ctx, "wallet-sender")
	receiverBalance, _ := escrow.Balance(ctx, "wallet-receiver")
	if !senderBalance.Equal(decimal.NewFromInt(5)) || !receiverBalance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Balances moved twice: sender %s, receiver %s", senderBalance, receiverBalance)
	}
}

func TestSettle_SameDispositionRetry(t *testing.T) {
	escrow, cleanup := setupEscrowTest(t)
	defer cleanup()
	ctx := context.Background()

	if err := escrow.Deposit(ctx, "wallet-sender", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := escrow.LockFunds(ctx, "wallet-sender", decimal.NewFromInt(5), "lock-ref-1"); err != nil {
		t.Fatalf("LockFunds failed: %v", err)
	}

	receipt, err := escrow.ReleaseFunds(ctx, "match-1", "wallet-receiver")
	if err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}

	// Retrying the same settlement is not an error and does not pay twice.
	retryReceipt, err := escrow.ReleaseFunds(ctx, "match-1", "wallet-receiver")
	if err != nil {
		t.Fatalf("Expected retried release to succeed, got %v", err)
	}
	if retryReceipt != receipt {
		t.Errorf("Expected the original receipt %s, got %s", receipt, retryReceipt)
	}

	receiverBalance, _ := escrow.Balance(ctx, "wallet-receiver")
	if !receiverBalance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected receiver balance 5 after retry, got %s", receiverBalance)
	}
}

func TestRefundFunds_ReturnsToSender(t *testing.T) {
	escrow, cleanup := setupEscrowTest(t)
	defer cleanup()
	ctx := context.Background()

	if err := escrow.Deposit(ctx, "wallet-sender", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := escrow.LockFunds(ctx, "wallet-sender", decimal.NewFromInt(5), "lock-ref-1"); err != nil {
		t.Fatalf("LockFunds failed: %v", err)
	}

	if _, err := escrow.RefundFunds(ctx, "match-1", "wallet-sender"); err != nil {
		t.Fatalf("RefundFunds failed: %v", err)
	}

	balance, err := escrow.Balance(ctx, "wallet-sender")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected full balance back, got %s", balance)
	}
}

func TestHasSufficientBalance(t *testing.T) {
	escrow, cleanup := setupEscrowTest(t)
	defer cleanup()
	ctx := context.Background()

	ok, err := escrow.HasSufficientBalance(ctx, "wallet-sender", decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("HasSufficientBalance failed: %v", err)
	}
	if ok {
		t.Error("Expected insufficient balance for an unfunded wallet")
	}

	if err := escrow.Deposit(ctx, "wallet-sender", decimal.NewFromInt(3)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	ok, err = escrow.HasSufficientBalance(ctx, "wallet-sender", decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("HasSufficientBalance failed: %v", err)
	}
	if !ok {
		t.Error("Expected sufficient balance after deposit")
	}
}
