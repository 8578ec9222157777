// Package main запускает HTTP-сервер сервиса персональных книг.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/storybook/internal/compositor"
	"github.com/mmeshcher/storybook/internal/config"
	"github.com/mmeshcher/storybook/internal/handler"
	"github.com/mmeshcher/storybook/internal/imagestore"
	"github.com/mmeshcher/storybook/internal/middleware"
	"github.com/mmeshcher/storybook/internal/openai"
	"github.com/mmeshcher/storybook/internal/pdfcache"
	"github.com/mmeshcher/storybook/internal/repository"
	"github.com/mmeshcher/storybook/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	var generator service.Generator
	if cfg.OpenAIAPIKey != "" {
		generator = openai.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
	} else {
		sugar.Warn("OPENAI_API_KEY is empty, book generation is disabled")
	}

	images := imagestore.NewLocalStore(filepath.Join(cfg.StorageDir, "images"), cfg.PublicBaseURL)

	svc := service.NewService(repo, service.Deps{
		Generator:   generator,
		Images:      images,
		Renderer:    compositor.New(images, logger.Named("compositor")),
		PDFs:        pdfcache.New(filepath.Join(cfg.StorageDir, "pdf")),
		Logger:      logger.Named("service"),
		AdminEmails: cfg.AdminEmails,
	})
	defer svc.Close()

	tokens := middleware.TokenService{Secret: []byte(cfg.AuthSecret), Duration: cfg.AuthTokenTTL}
	identity := middleware.NewIdentity(cfg.SessionSecret, tokens, svc, logger.Named("identity"))

	h := handler.NewHandler(svc, logger, identity, handler.Options{
		Images:              images.Handler(),
		WebhookSecret:       cfg.WebhookSecret,
		GenerationRateLimit: cfg.GenerationRateLimit,
	})

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая генерация книг из очереди
	g.Go(func() error {
		svc.StartGeneration(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting storybook server", "addr", cfg.RunAddress, "storage", cfg.StorageDir)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
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
