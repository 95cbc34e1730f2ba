package models

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Gender is persisted uppercase and serialized lowercase for the mobile client.
type Gender string

const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
)

func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale
}

// Opposite returns the gender shown to this user in discovery.
func (g Gender) Opposite() Gender {
	if g == GenderMale {
		return GenderFemale
	}
	return GenderMale
}

func (g Gender) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strings.ToLower(string(g)) + `"`), nil
}

func (g *Gender) UnmarshalJSON(data []byte) error {
	normalized := Gender(strings.ToUpper(string(bytes.Trim(data, `"`))))
	if !normalized.Valid() {
		return fmt.Errorf("invalid gender: %s", data)
	}
	*g = normalized
	return nil
}

// MatchStatus is the closed set of match lifecycle states.
type MatchStatus string

const (
	MatchPending  MatchStatus = "PENDING"
	MatchAccepted MatchStatus = "ACCEPTED"
	MatchRejected MatchStatus = "REJECTED"
	MatchGhosted  MatchStatus = "GHOSTED"
)

func (s MatchStatus) Valid() bool {
	switch s {
	case MatchPending, MatchAccepted, MatchRejected, MatchGhosted:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s MatchStatus) Terminal() bool {
	return s == MatchAccepted || s == MatchRejected || s == MatchGhosted
}

// TransactionType classifies audit trail entries.
type TransactionType string

const (
	TxTipSent      TransactionType = "TIP_SENT"
	TxTipReceived  TransactionType = "TIP_RECEIVED"
	TxRefund       TransactionType = "REFUND"
	TxGhostForfeit TransactionType = "GHOST_FORFEIT"
)

// TransactionStatus tracks settlement of an audit entry. A row stuck in
// PENDING flags a settlement that needs reconciliation.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxConfirmed TransactionStatus = "CONFIRMED"
	TxFailed    TransactionStatus = "FAILED"
)

// User represents a wallet-identified profile.
type User struct {
	Id                 string    `json:"id"`
	WalletAddress      string    `json:"walletAddress"`
	Name               string    `json:"name"`
	Age                int       `json:"age"`
	Gender             Gender    `json:"gender"`
	Bio                string    `json:"bio"`
	Photos             []string  `json:"photos"`
	PreferredTipAmount int       `json:"preferredTipAmount"`
	IsOnline           bool      `json:"isOnline"`
	LastActive         time.Time `json:"lastActive"`
	MatchCount         int       `json:"matchCount"`
	GhostedCount       int       `json:"ghostedCount"`
	GhostedByCount     int       `json:"ghostedByCount"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Match is a directed tip from sender to receiver. At most one match may
// exist per unordered user pair, enforced at the store level.
type Match struct {
	Id              string          `json:"id"`
	SenderId        string          `json:"senderId"`
	ReceiverId      string          `json:"receiverId"`
	TipAmount       decimal.Decimal `json:"tipAmount"`
	TransactionHash string          `json:"transactionHash"`
	Status          MatchStatus     `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	AcceptedAt      *time.Time      `json:"acceptedAt,omitempty"`
	RejectedAt      *time.Time      `json:"rejectedAt,omitempty"`
	GhostedAt       *time.Time      `json:"ghostedAt,omitempty"`

	// Read-only projections attached by queries for the client's convenience.
	Sender       *User         `json:"sender,omitempty"`
	Receiver     *User         `json:"receiver,omitempty"`
	Transactions []Transaction `json:"transactions,omitempty"`
}

// Expired reports whether the match has passed its expiry window at t.
func (m *Match) Expired(t time.Time) bool {
	return !t.Before(m.ExpiresAt)
}

// Transaction is an immutable ledger-linked audit record. Amounts are
// integer cents, matching the wire format the mobile client expects.
type Transaction struct {
	Id              string            `json:"id"`
	WalletAddress   string            `json:"walletAddress"`
	Type            TransactionType   `json:"type"`
	Amount          int64             `json:"amount"`
	TransactionHash string            `json:"transactionHash"`
	MatchId         string            `json:"matchId,omitempty"`
	Status          TransactionStatus `json:"status"`
	CreatedAt       time.Time         `json:"timestamp"`
}

// Cents converts a tip amount in currency units to integer cents.
func Cents(tip decimal.Decimal) int64 {
	return tip.Mul(decimal.NewFromInt(100)).IntPart()
}
