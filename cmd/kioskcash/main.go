// Package main запускает HTTP-сервер сервиса инкассации киосков.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/kioskcash-system/internal/config"
	"github.com/mmeshcher/kioskcash-system/internal/handler"
	"github.com/mmeshcher/kioskcash-system/internal/middleware"
	"github.com/mmeshcher/kioskcash-system/internal/repository"
	"github.com/mmeshcher/kioskcash-system/internal/service"
	"github.com/mmeshcher/kioskcash-system/internal/vision"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var visionClient *vision.Client
	if cfg.VisionSystemAddress != "" {
		visionClient = vision.NewClient(cfg.VisionSystemAddress)
	}

	svc := service.NewService(repo, visionClient, service.Policy{
		CoinUnitValue:    cfg.CoinUnitValue,
		DebtRecoveryRate: cfg.DebtRecoveryRate,
		MaxGPSDeviation:  cfg.MaxGPSDeviation,
	})
	defer svc.Close()

	if cfg.AdminLogin != "" && cfg.AdminPassword != "" {
		bootstrapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := svc.RegisterAdmin(bootstrapCtx, cfg.AdminLogin, cfg.AdminPassword); err != nil {
			if !errors.Is(err, repository.ErrUserExists) {
				cancel()
				sugar.Fatalw("admin bootstrap error", "error", err.Error())
			}
		}
		cancel()
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting kioskcash server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
