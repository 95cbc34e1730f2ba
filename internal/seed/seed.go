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

// Package seed loads the demo fixture set. Matches are driven through the
// real lifecycle transitions rather than inserted in their final state, so
// counters, audit entries, and escrow balances come out mutually
// consistent.
package seed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"solmate-backend/internal/engine"
	"solmate-backend/internal/ledger"
	"solmate-backend/internal/models"
	"solmate-backend/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type UserFixture struct {
	Wallet             string   `yaml:"wallet"`
	Name               string   `yaml:"name"`
	Age                int      `yaml:"age"`
	Gender             string   `yaml:"gender"`
	Bio                string   `yaml:"bio"`
	Photos             []string `yaml:"photos"`
	PreferredTipAmount int      `yaml:"preferredTipAmount"`
	Online             bool     `yaml:"online"`
	LastActiveAgo      string   `yaml:"lastActiveAgo"`
	Balance            int64    `yaml:"balance"`
}

type MatchFixture struct {
	Sender          string `yaml:"sender"`
	Receiver        string `yaml:"receiver"`
	Tip             int64  `yaml:"tip"`
	TransactionHash string `yaml:"transactionHash"`
	Outcome         string `yaml:"outcome"`
	CreatedAgo      string `yaml:"createdAgo"`
}

type Fixtures struct {
	Users   []UserFixture  `yaml:"users"`
	Matches []MatchFixture `yaml:"matches"`
}

// LoadFixtures reads and validates a fixture file.
func LoadFixtures(seedFile string) (*Fixtures, error) {
	seedPath := seedFile
	if !filepath.IsAbs(seedFile) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		seedPath = filepath.Join(wd, seedFile)
	}

	data, err := os.ReadFile(seedPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", seedFile, err)
	}

	var fixtures Fixtures
	if err := yaml.Unmarshal(data, &fixtures); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", seedFile, err)
	}

	for i, user := range fixtures.Users {
		if user.Wallet == "" || user.Name == "" {
			return nil, fmt.Errorf("user at index %d missing wallet or name", i)
		}
		if !models.Gender(user.Gender).Valid() {
			return nil, fmt.Errorf("user %s has unknown gender %q", user.Wallet, user.Gender)
		}
	}
	for i, match := range fixtures.Matches {
		if match.Sender == "" || match.Receiver == "" || match.TransactionHash == "" {
			return nil, fmt.Errorf("match at index %d missing sender, receiver, or hash", i)
		}
		switch match.Outcome {
		case "pending", "accepted", "rejected", "ghosted":
		default:
			return nil, fmt.Errorf("match at index %d has unknown outcome %q", i, match.Outcome)
		}
	}
	return &fixtures, nil
}

// Service applies fixtures against the live stack.
type Service struct {
	store        store.MatchStore
	escrow       ledger.Ledger
	funder       ledger.Funder
	engine       *engine.Engine
	expiryWindow time.Duration
	seedFile     string
}

func NewService(matchStore store.MatchStore, escrow ledger.Ledger, funder ledger.Funder, eng *engine.Engine, expiryWindow time.Duration, seedFile string) *Service {
	if expiryWindow <= 0 {
		expiryWindow = 24 * time.Hour
	}
	return &Service{
		store:        matchStore,
		escrow:       escrow,
		funder:       funder,
		engine:       eng,
		expiryWindow: expiryWindow,
		seedFile:     seedFile,
	}
}

// Apply wipes the store and replays the fixture set from scratch: profiles
// first, then funded escrow locks, then the lifecycle transitions that
// carry each match to its scripted outcome.
func (s *Service) Apply(ctx context.Context) (*models.SeedResponse, error) {
	fixtures, err := LoadFixtures(s.seedFile)
	if err != nil {
		return nil, err
	}

	if err := s.store.ResetAll(ctx); err != nil {
		return nil, err
	}
	// The SQLite escrow backend supports a full wipe so fixtures can be
	// reapplied; the Formance backend does not, and reapplying there fails
	// on the duplicate lock references.
	if resettable, ok := s.escrow.(interface{ ResetAll(context.Context) error }); ok {
		if err := resettable.ResetAll(ctx); err != nil {
			return nil, err
		}
	}
	zap.L().Info("Applying seed fixtures",
		zap.Int("users", len(fixtures.Users)),
		zap.Int("matches", len(fixtures.Matches)))

	users := make(map[string]*models.User, len(fixtures.Users))
	for _, fixture := range fixtures.Users {
		lastActive := time.Now()
		if fixture.LastActiveAgo != "" {
			ago, err := time.ParseDuration(fixture.LastActiveAgo)
			if err != nil {
				return nil, fmt.Errorf("user %s: bad lastActiveAgo: %w", fixture.Wallet, err)
			}
			lastActive = lastActive.Add(-ago)
		}

		user, err := s.store.CreateUser(ctx, store.CreateUserParams{
			Id:                 uuid.New().String(),
			WalletAddress:      fixture.Wallet,
			Name:               fixture.Name,
			Age:                fixture.Age,
			Gender:             models.Gender(fixture.Gender),
			Bio:                fixture.Bio,
			Photos:             fixture.Photos,
			PreferredTipAmount: fixture.PreferredTipAmount,
			IsOnline:           fixture.Online,
			LastActive:         lastActive,
		})
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", fixture.Wallet, err)
		}
		users[fixture.Wallet] = user

		if fixture.Balance > 0 {
			if err := s.funder.Deposit(ctx, fixture.Wallet, decimal.NewFromInt(fixture.Balance)); err != nil {
				return nil, fmt.Errorf("funding %s: %w", fixture.Wallet, err)
			}
		}
	}

	txCount := 0
	for _, fixture := range fixtures.Matches {
		n, err := s.applyMatch(ctx, users, fixture)
		if err != nil {
			return nil, fmt.Errorf("match %s -> %s: %w", fixture.Sender, fixture.Receiver, err)
		}
		txCount += n
	}

	// Expired pending fixtures become GHOSTED through the real sweep.
	if _, err := s.engine.SweepExpired(ctx); err != nil {
		return nil, fmt.Errorf("sweeping ghost fixtures: %w", err)
	}

	zap.L().Info("Seed fixtures applied")
	return &models.SeedResponse{
		Message:          "Database seeded successfully with demo data",
		UserCount:        len(fixtures.Users),
		MatchCount:       len(fixtures.Matches),
		TransactionCount: txCount,
	}, nil
}

// applyMatch locks the tip, inserts the match with a creation time matching
// the fixture, and runs the scripted transition. Returns the number of
// audit entries produced.
func (s *Service) applyMatch(ctx context.Context, users map[string]*models.User, fixture MatchFixture) (int, error) {
	sender, ok := users[fixture.Sender]
	if !ok {
		return 0, fmt.Errorf("unknown sender wallet %s", fixture.Sender)
	}
	receiver, ok := users[fixture.Receiver]
	if !ok {
		return 0, fmt.Errorf("unknown receiver wallet %s", fixture.Receiver)
	}

	tip := decimal.NewFromInt(fixture.Tip)
	if _, err := s.escrow.LockFunds(ctx, fixture.Sender, tip, fixture.TransactionHash); err != nil {
		return 0, err
	}

	createdAt := time.Now()
	if fixture.CreatedAgo != "" {
		ago, err := time.ParseDuration(fixture.CreatedAgo)
		if err != nil {
			return 0, fmt.Errorf("bad createdAgo: %w", err)
		}
		createdAt = createdAt.Add(-ago)
	}

	match, err := s.store.CreateMatch(ctx, store.CreateMatchParams{
		Id:              uuid.New().String(),
		SenderId:        sender.Id,
		ReceiverId:      receiver.Id,
		TipAmount:       tip,
		TransactionHash: fixture.TransactionHash,
		CreatedAt:       createdAt,
		ExpiresAt:       createdAt.Add(s.expiryWindow),
	})
	if err != nil {
		return 0, err
	}

	switch fixture.Outcome {
	case "accepted":
		if _, err := s.engine.AcceptMatch(ctx, match.Id); err != nil {
			return 0, err
		}
		return 2, nil // TIP_SENT + TIP_RECEIVED
	case "rejected":
		if _, err := s.engine.RejectMatch(ctx, match.Id); err != nil {
			return 0, err
		}
		return 2, nil // TIP_SENT + REFUND
	case "ghosted":
		// Must be backdated past the expiry window; the final sweep in
		// Apply picks it up.
		if !match.Expired(time.Now()) {
			return 0, fmt.Errorf("ghosted fixture not expired (createdAgo %s, window %s)", fixture.CreatedAgo, s.expiryWindow)
		}
		return 3, nil // TIP_SENT + REFUND + GHOST_FORFEIT
	default:
		return 1, nil // TIP_SENT
	}
}
