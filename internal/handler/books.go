package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/storybook/internal/middleware"
	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/service"
	"github.com/mmeshcher/storybook/internal/validation"
)

type createBookRequest struct {
	ProtagonistName      string  `json:"protagonist_name"`
	Theme                string  `json:"theme"`
	CharacterDescription *string `json:"character_description,omitempty"`
}

type pageResponse struct {
	Number   int     `json:"number"`
	Text     string  `json:"text"`
	ImageURL *string `json:"image_url,omitempty"`
}

type bookResponse struct {
	ID                   string         `json:"id"`
	Title                string         `json:"title"`
	ProtagonistName      string         `json:"protagonist_name"`
	Theme                string         `json:"theme"`
	CharacterDescription *string        `json:"character_description,omitempty"`
	Status               string         `json:"status"`
	CreatedAt            string         `json:"created_at"`
	Pages                []pageResponse `json:"pages,omitempty"`
}

func newPageResponse(p model.Page) pageResponse {
	return pageResponse{Number: p.Number, Text: p.Text, ImageURL: p.ImageURL}
}

func newBookResponse(b *model.Book) bookResponse {
	resp := bookResponse{
		ID:                   b.ID,
		Title:                b.Title,
		ProtagonistName:      b.ProtagonistName,
		Theme:                b.Theme,
		CharacterDescription: b.CharacterDescription,
		Status:               string(b.Status),
		CreatedAt:            b.CreatedAt.Format(time.RFC3339),
	}
	for _, p := range b.Pages {
		resp.Pages = append(resp.Pages, newPageResponse(p))
	}
	return resp
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func pageNumber(r *http.Request) (int, error) {
	n, err := strconv.Atoi(urlParam(r, "page"))
	if err != nil {
		return 0, &validation.FieldError{Field: "page", Message: "must be an integer"}
	}
	if err := validation.Range("page", int64(n), 1, model.PageCount); err != nil {
		return 0, err
	}
	return n, nil
}

// CreateBook списывает кредиты и ставит книгу в очередь генерации.
func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createBookRequest
	if err := decode(r, w, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	checks := []error{
		validation.Text("protagonist_name", req.ProtagonistName, 1, 40),
		validation.Text("theme", req.Theme, 1, 200),
	}
	if req.CharacterDescription != nil {
		checks = append(checks, validation.Text("character_description", *req.CharacterDescription, 0, 500))
	}
	for _, err := range checks {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	book, err := h.service.CreateBook(r.Context(), accountID, service.BookInput{
		ProtagonistName:      req.ProtagonistName,
		Theme:                req.Theme,
		CharacterDescription: req.CharacterDescription,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/books/%s", book.ID))
	writeJSON(w, http.StatusAccepted, newBookResponse(book))
}

// ListBooks возвращает книги текущего аккаунта без страниц.
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	books, err := h.service.ListBooks(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]bookResponse, 0, len(books))
	for i := range books {
		resp = append(resp, newBookResponse(&books[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBook возвращает книгу вместе со страницами.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	book, err := h.service.GetBook(r.Context(), accountID, urlParam(r, "bookID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBookResponse(book))
}

type updatePageRequest struct {
	Text string `json:"text"`
}

// UpdatePage заменяет текст страницы.
func (h *Handler) UpdatePage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	number, err := pageNumber(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req updatePageRequest
	if err := decode(r, w, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := validation.Text("text", req.Text, 1, 1000); err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.service.UpdatePageText(r.Context(), accountID, urlParam(r, "bookID"), number, req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(*page))
}

// RegeneratePage перерисовывает иллюстрацию страницы за кредит.
func (h *Handler) RegeneratePage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	number, err := pageNumber(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.service.RegeneratePageImage(r.Context(), accountID, urlParam(r, "bookID"), number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(*page))
}

// ExportPDF отдаёт PDF книги в запрошенном варианте.
func (h *Handler) ExportPDF(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	variant, err := model.ParseVariant(r.URL.Query().Get("variant"))
	if err != nil {
		h.writeError(w, r, &validation.FieldError{Field: "variant", Message: "must be digital or print"})
		return
	}

	doc, err := h.service.ExportPDF(r.Context(), accountID, urlParam(r, "bookID"), variant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Data)))
	if doc.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Data)
}
