// Package service реализует бизнес-логику сервиса персональных книг.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/repository"
)

var (
	// ErrInsufficientCredits возвращается, если на балансе не хватает кредитов для операции.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrUnknownOperation возвращается для операции без стоимости.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrInvalidAmount возвращается для нулевой или несогласованной с причиной суммы.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidReason возвращается, если причину нельзя использовать для начисления.
	ErrInvalidReason = errors.New("invalid reason")
	// ErrInvalidInput возвращается для некорректных параметров запроса.
	ErrInvalidInput = errors.New("invalid input")
	// ErrForbidden возвращается, если у аккаунта нет прав на действие.
	ErrForbidden = errors.New("forbidden")
	// ErrBookNotReady возвращается, если книга ещё генерируется.
	ErrBookNotReady = errors.New("book is not ready")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	WithinTx(ctx context.Context, fn func(repository.Tx) error) error

	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountBySessionKey(ctx context.Context, key string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)
	SumLedger(ctx context.Context, accountID string) (int64, error)

	GetBook(ctx context.Context, id string) (*model.Book, error)
	ListBooks(ctx context.Context, accountID string) ([]model.Book, error)
	ListQueuedBooks(ctx context.Context, limit int) ([]string, error)
	ClaimBook(ctx context.Context, bookID string) (bool, error)
	RequeueStaleBooks(ctx context.Context, olderThan time.Time) (int64, error)
	SaveNarrative(ctx context.Context, bookID, title string, pages []model.Page) error
	SetBookStatus(ctx context.Context, bookID string, status model.BookStatus) error
	SetPageImage(ctx context.Context, bookID string, number int, url string) error
	UpdatePageText(ctx context.Context, bookID string, number int, text string) error
	SetRenderedPDF(ctx context.Context, bookID string, variant model.Variant, key string, version int64) (bool, error)
}

// Generator создаёт текст книги и иллюстрации.
type Generator interface {
	GenerateNarrative(ctx context.Context, req model.NarrativeRequest) (*model.Narrative, error)
	// GenerateIllustration возвращает временный URL изображения.
	GenerateIllustration(ctx context.Context, prompt string) (string, error)
}

// ImageStore переносит изображения с временных URL в постоянное хранилище.
type ImageStore interface {
	Store(ctx context.Context, tempURL, bookID string, page int) (string, error)
	FetchBytes(ctx context.Context, address string) ([]byte, error)
}

// Renderer отрисовывает книгу в PDF.
type Renderer interface {
	Render(ctx context.Context, book *model.Book, variant model.Variant) ([]byte, error)
}

// PDFStore хранит готовые PDF по ключу.
type PDFStore interface {
	Get(key string) ([]byte, error)
	Put(key string, data []byte) error
	Delete(key string) error
}

// Deps: внешние зависимости сервиса. Незаданные зависимости отключают соответствующие операции.
type Deps struct {
	Generator   Generator
	Images      ImageStore
	Renderer    Renderer
	PDFs        PDFStore
	Logger      *zap.Logger
	AdminEmails []string
}

// Service содержит бизнес-логику сервиса персональных книг.
type Service struct {
	repo        Repository
	generator   Generator
	images      ImageStore
	renderer    Renderer
	pdfs        PDFStore
	logger      *zap.Logger
	adminEmails map[string]struct{}
	newID       func() string
}

// NewService создаёт новый сервис с указанным репозиторием и зависимостями.
func NewService(repo Repository, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	admins := make(map[string]struct{}, len(deps.AdminEmails))
	for _, e := range deps.AdminEmails {
		if e = normalizeEmail(e); e != "" {
			admins[e] = struct{}{}
		}
	}

	return &Service{
		repo:        repo,
		generator:   deps.Generator,
		images:      deps.Images,
		renderer:    deps.Renderer,
		pdfs:        deps.PDFs,
		logger:      logger,
		adminEmails: admins,
		newID:       uuid.NewString,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
