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

package database

import (
	"context"
	"database/sql"
	"fmt"

	"solmate-backend/internal/models"
	"solmate-backend/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.MatchStore.
var _ store.MatchStore = (*Service)(nil)

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.initSchema(); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

// NewServiceWithDB wraps an already-open connection. Used by tests and by
// the escrow ledger, which shares the same database file.
func NewServiceWithDB(db *sql.DB) (*Service, error) {
	service := &Service{db: db}
	if err := service.initSchema(); err != nil {
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	return service, nil
}

// DB exposes the underlying handle so the SQLite escrow ledger can share it.
func (s *Service) DB() *sql.DB {
	return s.db
}

// Probe verifies the database is reachable. Used by the health endpoint.
func (s *Service) Probe(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) initSchema() error {
	schema := `
	-- Profiles, keyed by internal id with a unique wallet address
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		age INTEGER NOT NULL,
		gender TEXT NOT NULL,
		bio TEXT NOT NULL DEFAULT '',
		photos TEXT NOT NULL DEFAULT '[]',
		preferred_tip_amount INTEGER NOT NULL DEFAULT 3,
		is_online BOOLEAN NOT NULL DEFAULT 0,
		last_active TIMESTAMP NOT NULL,
		match_count INTEGER NOT NULL DEFAULT 0,
		ghosted_count INTEGER NOT NULL DEFAULT 0,
		ghosted_by_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Directed tips; one row per unordered user pair
	CREATE TABLE IF NOT EXISTS matches (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL REFERENCES users(id),
		receiver_id TEXT NOT NULL REFERENCES users(id),
		tip_amount TEXT NOT NULL,
		transaction_hash TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		accepted_at TIMESTAMP,
		rejected_at TIMESTAMP,
		ghosted_at TIMESTAMP
	);

	-- Uniqueness on the unordered pair, regardless of tip direction
	CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_pair
		ON matches (min(sender_id, receiver_id), max(sender_id, receiver_id));

	CREATE INDEX IF NOT EXISTS idx_matches_sender ON matches(sender_id);
	CREATE INDEX IF NOT EXISTS idx_matches_receiver ON matches(receiver_id);
	CREATE INDEX IF NOT EXISTS idx_matches_status_expiry ON matches(status, expires_at);

	-- Audit trail; amounts in integer cents
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		transaction_hash TEXT NOT NULL UNIQUE,
		match_id TEXT REFERENCES matches(id),
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions(wallet_address);
	CREATE INDEX IF NOT EXISTS idx_transactions_match ON transactions(match_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);

	CREATE INDEX IF NOT EXISTS idx_users_discovery ON users(gender, is_online, last_active);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ResetAll wipes every table. Fixture seeding only.
func (s *Service) ResetAll(ctx context.Context) error {
	for _, table := range []string{"transactions", "matches", "users"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("unable to reset %s: %w", table, err)
		}
	}
	return nil
}
