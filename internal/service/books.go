package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/repository"
)

const (
	generationBatchSize = 5
	// generationStaleAfter: книга в генерации без изменений дольше этого срока считается брошенной.
	generationStaleAfter = 15 * time.Minute
)

// BookInput: параметры новой книги.
type BookInput struct {
	ProtagonistName      string
	Theme                string
	CharacterDescription *string
}

// CreateBook списывает стоимость генерации и ставит книгу в очередь.
// Списание и создание книги выполняются одной транзакцией.
func (s *Service) CreateBook(ctx context.Context, accountID string, in BookInput) (*model.Book, error) {
	name := strings.TrimSpace(in.ProtagonistName)
	theme := strings.TrimSpace(in.Theme)
	if name == "" || theme == "" {
		return nil, fmt.Errorf("%w: protagonist name and theme are required", ErrInvalidInput)
	}

	var desc *string
	if in.CharacterDescription != nil {
		if d := strings.TrimSpace(*in.CharacterDescription); d != "" {
			desc = &d
		}
	}

	book := &model.Book{
		ID:                   s.newID(),
		AccountID:            accountID,
		ProtagonistName:      name,
		Theme:                theme,
		CharacterDescription: desc,
		Status:               model.BookStatusDraft,
	}

	err := s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		ok, err := debit(ctx, tx, accountID, model.OperationBookGeneration, book.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientCredits
		}
		return tx.InsertBook(ctx, book)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("book queued", zap.String("account", accountID), zap.String("book", book.ID))
	return book, nil
}

// StartGeneration запускает фоновую генерацию книг из очереди.
func (s *Service) StartGeneration(ctx context.Context) {
	if s.generator == nil {
		return
	}

	if n, err := s.RequeueStaleBooks(ctx, generationStaleAfter); err != nil {
		s.logger.Error("requeue stale books failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("stale books requeued", zap.Int64("count", n))
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processGenerationBatch(ctx)
			}
		}
	}()
}

// RequeueStaleBooks возвращает в очередь книги, застрявшие в генерации дольше olderThan.
func (s *Service) RequeueStaleBooks(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.repo.RequeueStaleBooks(ctx, time.Now().Add(-olderThan))
}

func (s *Service) processGenerationBatch(ctx context.Context) {
	ids, err := s.repo.ListQueuedBooks(ctx, generationBatchSize)
	if err != nil {
		s.logger.Error("list queued books failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := s.GenerateBook(ctx, id); err != nil {
			s.logger.Error("book generation failed", zap.String("book", id), zap.Error(err))
		}
	}
}

// GenerateBook генерирует текст и иллюстрации книги из очереди.
// Ошибка иллюстрации одной страницы не прерывает генерацию: страница остаётся без изображения.
// Книга получает статус completed, если проиллюстрирована хотя бы одна страница, иначе error.
// При отмене ctx незавершённая книга возвращается в очередь.
func (s *Service) GenerateBook(ctx context.Context, bookID string) error {
	if s.generator == nil {
		return errors.New("generator not configured")
	}

	claimed, err := s.repo.ClaimBook(ctx, bookID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	log := s.logger.With(zap.String("book", bookID))

	book, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		return err
	}

	narrative, err := s.generator.GenerateNarrative(ctx, model.NarrativeRequest{
		ProtagonistName:      book.ProtagonistName,
		Theme:                book.Theme,
		CharacterDescription: book.CharacterDescription,
		Pages:                model.PageCount,
	})
	if err != nil {
		s.fail(ctx, log, bookID)
		return fmt.Errorf("generate narrative: %w", err)
	}

	title := narrative.Title
	if title == "" {
		title = book.ProtagonistName + " and the " + book.Theme
	}

	pages := make([]model.Page, len(narrative.Pages))
	for i, np := range narrative.Pages {
		pages[i] = model.Page{Number: i + 1, Text: strings.TrimSpace(np.Text)}
		if prompt := strings.TrimSpace(np.ImagePrompt); prompt != "" {
			pages[i].ImagePrompt = &prompt
		}
	}

	if err := s.repo.SaveNarrative(ctx, bookID, title, pages); err != nil {
		s.fail(ctx, log, bookID)
		return fmt.Errorf("save narrative: %w", err)
	}

	illustrated := 0
	for _, p := range pages {
		if ctx.Err() != nil {
			break
		}

		url, err := s.illustrate(ctx, bookID, p)
		if err != nil {
			log.Warn("page illustration failed", zap.Int("page", p.Number), zap.Error(err))
			continue
		}

		if err := s.repo.SetPageImage(ctx, bookID, p.Number, url); err != nil {
			log.Warn("save page image failed", zap.Int("page", p.Number), zap.Error(err))
			continue
		}
		illustrated++
	}

	if illustrated == 0 {
		log.Warn("no page illustrated", zap.Int("pages", len(pages)))
		s.fail(ctx, log, bookID)
		return ctx.Err()
	}
	s.setStatus(ctx, log, bookID, model.BookStatusCompleted)

	log.Info("book generated", zap.Int("pages", len(pages)), zap.Int("illustrated", illustrated))
	return nil
}

// fail завершает генерацию с ошибкой. Прерванная остановкой сервиса генерация
// возвращается в очередь.
func (s *Service) fail(ctx context.Context, log *zap.Logger, bookID string) {
	status := model.BookStatusError
	if ctx.Err() != nil {
		status = model.BookStatusDraft
		log.Info("generation interrupted, book requeued")
	}
	s.setStatus(ctx, log, bookID, status)
}

func (s *Service) setStatus(ctx context.Context, log *zap.Logger, bookID string, status model.BookStatus) {
	if err := s.repo.SetBookStatus(context.WithoutCancel(ctx), bookID, status); err != nil {
		log.Error("set book status failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func (s *Service) illustrate(ctx context.Context, bookID string, p model.Page) (string, error) {
	if s.images == nil {
		return "", errors.New("image store not configured")
	}

	prompt := p.Text
	if p.ImagePrompt != nil {
		prompt = *p.ImagePrompt
	}

	tempURL, err := s.generator.GenerateIllustration(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate illustration: %w", err)
	}

	url, err := s.images.Store(ctx, tempURL, bookID, p.Number)
	if err != nil {
		return "", fmt.Errorf("store illustration: %w", err)
	}
	return url, nil
}

// RegeneratePageImage создаёт новую иллюстрацию страницы за одну единицу кредитов.
// Кредит списывается только после успешной генерации, в одной транзакции с заменой изображения.
func (s *Service) RegeneratePageImage(ctx context.Context, accountID, bookID string, number int) (*model.Page, error) {
	if s.generator == nil {
		return nil, errors.New("generator not configured")
	}

	book, err := s.ownedBook(ctx, accountID, bookID)
	if err != nil {
		return nil, err
	}
	if !book.Ready() {
		return nil, ErrBookNotReady
	}

	page, ok := book.Page(number)
	if !ok {
		return nil, repository.ErrPageNotFound
	}

	enough, err := s.HasSufficientBalance(ctx, accountID, model.OperationPageRegeneration)
	if err != nil {
		return nil, err
	}
	if !enough {
		return nil, ErrInsufficientCredits
	}

	url, err := s.illustrate(ctx, bookID, page)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		ok, err := debit(ctx, tx, accountID, model.OperationPageRegeneration, bookID+":"+strconv.Itoa(number))
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientCredits
		}
		return tx.SetPageImage(ctx, bookID, number, url)
	})
	if err != nil {
		return nil, err
	}
	s.dropRenders(book)

	page.ImageURL = &url
	s.logger.Info("page image regenerated", zap.String("book", bookID), zap.Int("page", number))
	return &page, nil
}

// UpdatePageText заменяет текст страницы. Готовые PDF книги при этом сбрасываются.
func (s *Service) UpdatePageText(ctx context.Context, accountID, bookID string, number int, text string) (*model.Page, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidInput)
	}

	book, err := s.ownedBook(ctx, accountID, bookID)
	if err != nil {
		return nil, err
	}
	if !book.Ready() {
		return nil, ErrBookNotReady
	}

	page, ok := book.Page(number)
	if !ok {
		return nil, repository.ErrPageNotFound
	}

	if err := s.repo.UpdatePageText(ctx, bookID, number, text); err != nil {
		return nil, err
	}
	s.dropRenders(book)

	page.Text = text
	return &page, nil
}

// GetBook возвращает книгу аккаунта. Чужая книга неотличима от отсутствующей.
func (s *Service) GetBook(ctx context.Context, accountID, bookID string) (*model.Book, error) {
	return s.ownedBook(ctx, accountID, bookID)
}

// ListBooks возвращает книги аккаунта.
func (s *Service) ListBooks(ctx context.Context, accountID string) ([]model.Book, error) {
	return s.repo.ListBooks(ctx, accountID)
}

func (s *Service) ownedBook(ctx context.Context, accountID, bookID string) (*model.Book, error) {
	book, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book.AccountID != accountID {
		return nil, repository.ErrBookNotFound
	}
	return book, nil
}
