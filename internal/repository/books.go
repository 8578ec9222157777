package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/storybook/internal/model"
)

const bookColumns = `id, account_id, title, protagonist_name, theme, character_description, status,
	content_version, pdf_digital_key, pdf_print_key, created_at, updated_at`

// invalidateRenders сбрасывает ключи готовых PDF и увеличивает версию содержимого.
const invalidateRenders = `content_version = content_version + 1,
	pdf_digital_key = NULL, pdf_print_key = NULL, updated_at = now()`

func scanBook(row pgx.Row) (*model.Book, error) {
	var (
		b      model.Book
		status string
	)
	err := row.Scan(&b.ID, &b.AccountID, &b.Title, &b.ProtagonistName, &b.Theme, &b.CharacterDescription,
		&status, &b.ContentVersion, &b.DigitalPDFKey, &b.PrintPDFKey, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("scan book: %w", err)
	}
	b.Status = model.BookStatus(status)
	return &b, nil
}

func insertBook(ctx context.Context, q querier, b *model.Book) error {
	err := q.QueryRow(ctx,
		`INSERT INTO books (id, account_id, title, protagonist_name, theme, character_description, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING content_version, created_at, updated_at`,
		b.ID, b.AccountID, b.Title, b.ProtagonistName, b.Theme, b.CharacterDescription, string(b.Status),
	).Scan(&b.ContentVersion, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

func (t *pgTx) InsertBook(ctx context.Context, b *model.Book) error {
	return insertBook(ctx, t.tx, b)
}

// GetBook возвращает книгу вместе со страницами, упорядоченными по номеру.
func (r *PostgresRepository) GetBook(ctx context.Context, id string) (*model.Book, error) {
	b, err := scanBook(r.pool.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT number, text, image_url, image_prompt FROM pages WHERE book_id = $1 ORDER BY number`, id)
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.Page
		if err := rows.Scan(&p.Number, &p.Text, &p.ImageURL, &p.ImagePrompt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		b.Pages = append(b.Pages, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return b, nil
}

// ListBooks возвращает книги аккаунта без страниц, новые первыми.
func (r *PostgresRepository) ListBooks(ctx context.Context, accountID string) ([]model.Book, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bookColumns+` FROM books WHERE account_id = $1 ORDER BY created_at DESC, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("select books: %w", err)
	}
	defer rows.Close()

	var res []model.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SaveNarrative заменяет заголовок и страницы книги.
func (r *PostgresRepository) SaveNarrative(ctx context.Context, bookID, title string, pages []model.Page) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, `UPDATE books SET title = $2, `+invalidateRenders+` WHERE id = $1`, bookID, title)
		if err != nil {
			return fmt.Errorf("update book: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrBookNotFound
		}

		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM pages WHERE book_id = $1`, bookID)
		for _, p := range pages {
			batch.Queue(
				`INSERT INTO pages (book_id, number, text, image_url, image_prompt) VALUES ($1, $2, $3, $4, $5)`,
				bookID, p.Number, p.Text, p.ImageURL, p.ImagePrompt,
			)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert pages: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// SetBookStatus обновляет статус генерации книги.
func (r *PostgresRepository) SetBookStatus(ctx context.Context, bookID string, status model.BookStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE books SET status = $2, updated_at = now() WHERE id = $1`, bookID, string(status))
	if err != nil {
		return fmt.Errorf("update book status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

const setPageImageSQL = `WITH upd AS (
		UPDATE pages SET image_url = $3 WHERE book_id = $1 AND number = $2 RETURNING book_id
	)
	UPDATE books SET ` + invalidateRenders + ` WHERE id IN (SELECT book_id FROM upd)`

const updatePageTextSQL = `WITH upd AS (
		UPDATE pages SET text = $3 WHERE book_id = $1 AND number = $2 RETURNING book_id
	)
	UPDATE books SET ` + invalidateRenders + ` WHERE id IN (SELECT book_id FROM upd)`

// SetPageImage сохраняет адрес изображения страницы и тем же запросом сбрасывает готовые PDF.
func (r *PostgresRepository) SetPageImage(ctx context.Context, bookID string, number int, url string) error {
	return r.withRetry(ctx, func() error {
		return mutatePage(ctx, r.pool, setPageImageSQL, bookID, number, url)
	})
}

func (t *pgTx) SetPageImage(ctx context.Context, bookID string, number int, url string) error {
	return mutatePage(ctx, t.tx, setPageImageSQL, bookID, number, url)
}

// UpdatePageText сохраняет текст страницы и тем же запросом сбрасывает готовые PDF.
func (r *PostgresRepository) UpdatePageText(ctx context.Context, bookID string, number int, text string) error {
	return r.withRetry(ctx, func() error {
		return mutatePage(ctx, r.pool, updatePageTextSQL, bookID, number, text)
	})
}

func mutatePage(ctx context.Context, q querier, sql string, bookID string, number int, value string) error {
	tag, err := q.Exec(ctx, sql, bookID, number, value)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPageNotFound
	}
	return nil
}

// SetRenderedPDF запоминает ключ готового PDF, если версия содержимого не изменилась
// с момента отрисовки. Возвращает false, если книга успела измениться.
func (r *PostgresRepository) SetRenderedPDF(ctx context.Context, bookID string, variant model.Variant, key string, version int64) (bool, error) {
	column := "pdf_digital_key"
	if variant == model.VariantPrint {
		column = "pdf_print_key"
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE books SET `+column+` = $3 WHERE id = $1 AND content_version = $2`, bookID, version, key)
	if err != nil {
		return false, fmt.Errorf("update rendered pdf: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListQueuedBooks возвращает идентификаторы книг, ожидающих генерации, старые первыми.
func (r *PostgresRepository) ListQueuedBooks(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM books WHERE status = $1 ORDER BY created_at, id LIMIT $2`,
		string(model.BookStatusDraft), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select queued books: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan book id: %w", err)
		}
		res = append(res, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ClaimBook переводит книгу из очереди в генерацию. Возвращает false, если книгу уже забрали.
func (r *PostgresRepository) ClaimBook(ctx context.Context, bookID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE books SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		bookID, string(model.BookStatusDraft), string(model.BookStatusGenerating),
	)
	if err != nil {
		return false, fmt.Errorf("claim book: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RequeueStaleBooks возвращает в очередь книги, генерация которых не обновлялась с момента olderThan.
func (r *PostgresRepository) RequeueStaleBooks(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE books SET status = $1, updated_at = now() WHERE status = $2 AND updated_at <= $3`,
		string(model.BookStatusDraft), string(model.BookStatusGenerating), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale books: %w", err)
	}
	return tag.RowsAffected(), nil
}
