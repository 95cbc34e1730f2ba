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

// Loads the demo fixture set from the command line without running the
// server.
package main

import (
	"context"
	"flag"

	"solmate-backend/internal/common"
	"solmate-backend/internal/config"
	"solmate-backend/internal/engine"
	"solmate-backend/internal/seed"

	"go.uber.org/zap"
)

func main() {
	seedFile := flag.String("file", "seed.yaml", "Path to the fixture file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	eng := engine.New(services.DbService, services.Ledger, cfg.Engine)
	seeder := seed.NewService(services.DbService, services.Ledger, services.Funder, eng,
		cfg.Engine.MatchExpiryWindow, *seedFile)

	summary, err := seeder.Apply(ctx)
	if err != nil {
		zap.L().Fatal("Seeding failed", zap.Error(err))
	}

	zap.L().Info("Seeding complete",
		zap.Int("users", summary.UserCount),
		zap.Int("matches", summary.MatchCount),
		zap.Int("transactions", summary.TransactionCount))
}
