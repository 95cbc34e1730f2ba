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

package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"solmate-backend/internal/database"
	"solmate-backend/internal/ledger"
	"solmate-backend/internal/models"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
	}
}

// Services holds the initialized application services.
type Services struct {
	DbService *database.Service
	Ledger    ledger.Ledger
	Funder    ledger.Funder
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices opens the database and the configured escrow ledger
// backend. The SQLite backend shares the application's database handle; the
// Formance backend talks to a stack over HTTP.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	services := &Services{DbService: dbService}

	switch cfg.Ledger.Backend {
	case "sqlite":
		escrow, err := ledger.NewEscrowLedger(dbService.DB(), dbService)
		if err != nil {
			dbService.Close()
			return nil, fmt.Errorf("unable to initialize escrow ledger: %w", err)
		}
		services.Ledger = escrow
		services.Funder = escrow
	case "formance":
		formance, err := ledger.NewFormanceLedger(ctx, cfg.Ledger.Formance, dbService)
		if err != nil {
			dbService.Close()
			return nil, fmt.Errorf("unable to initialize formance ledger: %w", err)
		}
		services.Ledger = formance
		services.Funder = formance
	default:
		dbService.Close()
		return nil, fmt.Errorf("unknown ledger backend: %q", cfg.Ledger.Backend)
	}

	zap.L().Info("Services initialized", zap.String("ledger_backend", cfg.Ledger.Backend))
	return services, nil
}

func (cs *Services) Close() {
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
