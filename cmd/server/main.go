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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"solmate-backend/internal/api"
	"solmate-backend/internal/common"
	"solmate-backend/internal/config"
	"solmate-backend/internal/engine"
	"solmate-backend/internal/seed"

	"go.uber.org/zap"
)

func main() {
	seedFile := flag.String("seed", "", "Optional path to a fixture file enabling POST /api/seed (overrides SEED_FILE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *seedFile != "" {
		cfg.SeedFile = *seedFile
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting Solmate backend")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	eng := engine.New(services.DbService, services.Ledger, cfg.Engine)

	var seeder api.Seeder
	if cfg.SeedFile != "" {
		seeder = seed.NewService(services.DbService, services.Ledger, services.Funder, eng,
			cfg.Engine.MatchExpiryWindow, cfg.SeedFile)
		zap.L().Info("Seed endpoint enabled", zap.String("file", cfg.SeedFile))
	}

	handlers := api.NewHandlers(eng, services.Ledger, services.DbService, seeder)
	server := api.NewServer(cfg.Server, api.NewRouter(handlers, cfg.Server.AllowedOrigins))

	var sweeper *engine.Sweeper
	if cfg.Sweeper.Enabled {
		sweeper = engine.NewSweeper(eng, cfg.Sweeper.Interval)
		sweeper.Start(ctx)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		zap.L().Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			zap.L().Error("HTTP server failed", zap.Error(err))
		}
	}

	if sweeper != nil {
		sweeper.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("Graceful shutdown failed", zap.Error(err))
	}

	zap.L().Info("Solmate backend stopped")
}
