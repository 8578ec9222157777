package service

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/pdfcache"
)

// ExportPDF возвращает PDF книги в заданном варианте. Готовый документ берётся
// из хранилища, если с момента отрисовки страницы книги не менялись.
func (s *Service) ExportPDF(ctx context.Context, accountID, bookID string, variant model.Variant) (*model.RenderedPDF, error) {
	if s.renderer == nil || s.pdfs == nil {
		return nil, errors.New("pdf export not configured")
	}

	book, err := s.ownedBook(ctx, accountID, bookID)
	if err != nil {
		return nil, err
	}
	if !book.Ready() || len(book.Pages) == 0 {
		return nil, ErrBookNotReady
	}

	log := s.logger.With(zap.String("book", bookID), zap.String("variant", string(variant)))
	filename := pdfFilename(book, variant)

	if key := book.RenderedKey(variant); key != nil {
		data, err := s.pdfs.Get(*key)
		if err == nil {
			return &model.RenderedPDF{Data: data, Filename: filename, Cached: true}, nil
		}
		if !errors.Is(err, pdfcache.ErrNotFound) {
			log.Warn("read cached pdf failed", zap.Error(err))
		}
	}

	data, err := s.renderer.Render(ctx, book, variant)
	if err != nil {
		return nil, err
	}

	key := pdfcache.Key(book.ID, variant, book.ContentVersion)
	if err := s.pdfs.Put(key, data); err != nil {
		log.Warn("store rendered pdf failed", zap.Error(err))
		return &model.RenderedPDF{Data: data, Filename: filename}, nil
	}

	saved, err := s.repo.SetRenderedPDF(ctx, book.ID, variant, key, book.ContentVersion)
	if err != nil {
		log.Warn("save rendered pdf key failed", zap.Error(err))
	} else if !saved {
		log.Debug("book changed during rendering, key not saved")
	}

	return &model.RenderedPDF{Data: data, Filename: filename}, nil
}

// dropRenders удаляет готовые PDF, которые стали неактуальны после изменения страниц книги.
func (s *Service) dropRenders(book *model.Book) {
	if s.pdfs == nil {
		return
	}
	for _, key := range []*string{book.DigitalPDFKey, book.PrintPDFKey} {
		if key == nil {
			continue
		}
		if err := s.pdfs.Delete(*key); err != nil {
			s.logger.Warn("delete stale pdf failed", zap.String("book", book.ID), zap.String("key", *key), zap.Error(err))
		}
	}
}

func pdfFilename(book *model.Book, variant model.Variant) string {
	name := slug(book.ProtagonistName)
	if name == "" {
		name = "book"
	}
	name += "-storybook"
	if variant == model.VariantPrint {
		name += "-print"
	}
	return name + ".pdf"
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
