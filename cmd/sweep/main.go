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

// One-shot expiry sweep for external schedulers (cron, k8s jobs).
package main

import (
	"context"
	"flag"
	"time"

	"solmate-backend/internal/common"
	"solmate-backend/internal/config"
	"solmate-backend/internal/engine"

	"go.uber.org/zap"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "Maximum time to spend sweeping")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	eng := engine.New(services.DbService, services.Ledger, cfg.Engine)

	swept, err := eng.SweepExpired(ctx)
	if err != nil {
		zap.L().Error("Sweep finished with errors", zap.Int("swept", len(swept)), zap.Error(err))
		return
	}
	zap.L().Info("Sweep complete", zap.Int("swept", len(swept)))
}
