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

package store

import (
	"context"
	"errors"
	"time"

	"solmate-backend/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists for wallet")
	ErrMatchNotFound     = errors.New("match not found")
	ErrMatchAlreadyExists = errors.New("match already exists for pair")
	ErrInvalidTransition  = errors.New("invalid match transition")
	ErrMatchExpired       = errors.New("match expired")
	// ErrDuplicateTransactionHash means the tip hash already backs a match
	// between a different pair of users.
	ErrDuplicateTransactionHash = errors.New("transaction hash already used")
)

// CreateUserParams contains the parameters for creating a profile.
type CreateUserParams struct {
	Id                 string
	WalletAddress      string
	Name               string
	Age                int
	Gender             models.Gender
	Bio                string
	Photos             []string
	PreferredTipAmount int
	IsOnline           bool
	LastActive         time.Time
}

// CreateMatchParams contains the parameters for inserting a PENDING match.
// CreatedAt/ExpiresAt are supplied by the caller so fixtures can backdate.
type CreateMatchParams struct {
	Id              string
	SenderId        string
	ReceiverId      string
	TipAmount       decimal.Decimal
	TransactionHash string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// RecordTransactionParams contains the parameters for an audit trail entry.
// TransactionHash is unique; recording the same hash twice returns the
// existing row, making settlement bookkeeping idempotent.
type RecordTransactionParams struct {
	WalletAddress   string
	Type            models.TransactionType
	Amount          int64
	TransactionHash string
	MatchId         string
	Status          models.TransactionStatus
}

// MatchStore defines the durable-state contract the engine runs against.
//
// Every transition operation (AcceptMatch, RejectMatch, GhostMatch) is a
// single atomic unit: it re-reads the match status, verifies the PENDING
// precondition, writes the new status and the counter increments together,
// and fails with ErrInvalidTransition (or ErrMatchExpired for accepts) when
// a concurrent transition won the race.
type MatchStore interface {
	// --- Users ---
	CreateUser(ctx context.Context, params CreateUserParams) (*models.User, error)
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	GetUserByWallet(ctx context.Context, walletAddress string) (*models.User, error)
	TouchLastActive(ctx context.Context, userId string, now time.Time) error
	DiscoveryCandidates(ctx context.Context, userId string, gender models.Gender, limit int) ([]models.User, error)

	// --- Matches ---
	// CreateMatch inserts a PENDING match plus its TIP_SENT audit entry in
	// one atomic unit. On a pair conflict it returns the existing match
	// together with ErrMatchAlreadyExists.
	CreateMatch(ctx context.Context, params CreateMatchParams) (*models.Match, error)
	GetMatchById(ctx context.Context, matchId string) (*models.Match, error)
	GetMatchesForUser(ctx context.Context, userId string) ([]models.Match, error)
	AcceptMatch(ctx context.Context, matchId, settlementTxId string, now time.Time) (*models.Match, error)
	RejectMatch(ctx context.Context, matchId, settlementTxId string, now time.Time) (*models.Match, error)
	GhostMatch(ctx context.Context, matchId, refundTxId, forfeitTxId string, now time.Time) (*models.Match, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]models.Match, error)

	// --- Transactions ---
	RecordTransaction(ctx context.Context, params RecordTransactionParams) (*models.Transaction, error)
	// FailPendingTransaction marks an audit entry FAILED only while it is
	// still PENDING; entries a concurrent settlement already confirmed are
	// left alone.
	FailPendingTransaction(ctx context.Context, transactionId string) error
	GetTransactionsForWallet(ctx context.Context, walletAddress string) ([]models.Transaction, error)

	// --- Lifecycle ---
	// ResetAll wipes all rows. Used by fixture seeding only.
	ResetAll(ctx context.Context) error
	Close()
}
