// Package admin содержит команды консольной утилиты администратора.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/compositor"
	"github.com/mmeshcher/storybook/internal/config"
	"github.com/mmeshcher/storybook/internal/imagestore"
	"github.com/mmeshcher/storybook/internal/middleware"
	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/pdfcache"
	"github.com/mmeshcher/storybook/internal/repository"
	"github.com/mmeshcher/storybook/internal/service"
)

// Backend: операции сервиса, доступные утилите.
type Backend interface {
	Grant(ctx context.Context, accountID string, amount int64, reason model.Reason, referenceID string) (int64, error)
	History(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)
	VerifyBalance(ctx context.Context, accountID string) (service.Reconciliation, error)
	MergeAccounts(ctx context.Context, anonymousID, targetID string) (service.MergeResult, error)
	ExportPDF(ctx context.Context, accountID, bookID string, variant model.Variant) (*model.RenderedPDF, error)
	Close() error
}

// Opener подключает утилиту к хранилищу сервиса.
type Opener func() (Backend, error)

type app struct {
	open    Opener
	tokens  middleware.TokenService
	backend Backend
	noColor bool
}

// NewRootCmd собирает дерево команд утилиты.
func NewRootCmd(open Opener, tokens middleware.TokenService) *cobra.Command {
	a := &app{open: open, tokens: tokens}

	root := &cobra.Command{
		Use:   "storybook-admin",
		Short: "Administer storybook accounts, credits and books",
		Long: `storybook-admin works directly against the storybook database.

DATABASE_URI must point to the same database the server uses.
Token issuing only needs AUTH_SECRET.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.noColor {
				color.NoColor = true
			}
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.backend == nil {
				return nil
			}
			return a.backend.Close()
		},
	}

	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		a.newCreditsCmd(),
		a.newAccountsCmd(),
		a.newTokenCmd(),
		a.newBookCmd(),
	)
	return root
}

// service открывает хранилище при первом обращении.
func (a *app) service() (Backend, error) {
	if a.backend != nil {
		return a.backend, nil
	}
	b, err := a.open()
	if err != nil {
		return nil, err
	}
	a.backend = b
	return b, nil
}

func ok(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.YellowString("!"), fmt.Sprintf(format, args...))
}

// Execute запускает утилиту с конфигурацией из окружения и возвращает код выхода.
func Execute(ctx context.Context, args []string) int {
	cfg, err := config.ParseAdmin()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		return 1
	}

	tokens := middleware.TokenService{Secret: []byte(cfg.AuthSecret), Duration: cfg.AuthTokenTTL}
	root := NewRootCmd(func() (Backend, error) { return openService(cfg) }, tokens)
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		return 1
	}
	return 0
}

func openService(cfg *config.AdminConfig) (Backend, error) {
	if cfg.DatabaseURI == "" {
		return nil, errors.New("DATABASE_URI is required")
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}

	images := imagestore.NewLocalStore(filepath.Join(cfg.StorageDir, "images"), cfg.PublicBaseURL)
	return service.NewService(repo, service.Deps{
		Images:   images,
		Renderer: compositor.New(images, logger.Named("compositor")),
		PDFs:     pdfcache.New(filepath.Join(cfg.StorageDir, "pdf")),
		Logger:   logger,
	}), nil
}
