// Package handler содержит HTTP-обработчики API сервиса персональных книг.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/middleware"
	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/repository"
	"github.com/mmeshcher/storybook/internal/service"
	"github.com/mmeshcher/storybook/internal/validation"
)

const maxBodySize = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	middleware.AccountResolver

	SignIn(ctx context.Context, email, anonymousID string) (*model.Account, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	History(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)
	AdminAdjust(ctx context.Context, actorID, accountID string, amount int64) (int64, error)
	RecordPurchase(ctx context.Context, ev service.PurchaseEvent) (service.PurchaseResult, error)

	CreateBook(ctx context.Context, accountID string, in service.BookInput) (*model.Book, error)
	GetBook(ctx context.Context, accountID, bookID string) (*model.Book, error)
	ListBooks(ctx context.Context, accountID string) ([]model.Book, error)
	UpdatePageText(ctx context.Context, accountID, bookID string, number int, text string) (*model.Page, error)
	RegeneratePageImage(ctx context.Context, accountID, bookID string, number int) (*model.Page, error)
	ExportPDF(ctx context.Context, accountID, bookID string, variant model.Variant) (*model.RenderedPDF, error)
}

// Options: необязательные параметры обработчика.
type Options struct {
	// Images отдаёт сохранённые иллюстрации по путям /images/...
	Images http.Handler
	// WebhookSecret: ключ HMAC-подписи событий оплаты.
	WebhookSecret string
	// GenerationRateLimit: число запросов генерации в минуту с одного IP.
	GenerationRateLimit int
}

// Handler реализует HTTP-обработчики API сервиса персональных книг.
type Handler struct {
	service  Service
	logger   *zap.Logger
	identity *middleware.Identity
	opts     Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, identity *middleware.Identity, opts Options) *Handler {
	if opts.GenerationRateLimit <= 0 {
		opts.GenerationRateLimit = 10
	}
	return &Handler{
		service:  s,
		logger:   logger,
		identity: identity,
		opts:     opts,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит ошибку сервиса в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErr *validation.FieldError
	switch {
	case errors.As(err, &fieldErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fieldErr.Error()})
	case errors.Is(err, service.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "insufficient_credits"})
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidReason):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, service.ErrBookNotReady):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrBookNotFound),
		errors.Is(err, repository.ErrPageNotFound),
		errors.Is(err, repository.ErrAccountNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("request failed", zap.String("uri", r.RequestURI), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func decode(r *http.Request, w http.ResponseWriter, dst any) error {
	return validation.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodySize), dst)
}

type accountResponse struct {
	ID      string  `json:"id"`
	Email   *string `json:"email,omitempty"`
	Role    string  `json:"role"`
	Balance int64   `json:"balance"`
}

func newAccountResponse(a *model.Account) accountResponse {
	return accountResponse{ID: a.ID, Email: a.Email, Role: string(a.Role), Balance: a.Balance}
}

// SignIn завершает вход по bearer-токену и присоединяет анонимный аккаунт cookie.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	if !p.Authenticated() {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	account, err := h.service.SignIn(r.Context(), p.Email, p.AnonymousID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if p.SessionKey != "" {
		h.identity.ClearSessionCookie(w)
	}

	writeJSON(w, http.StatusOK, newAccountResponse(account))
}

type creditsResponse struct {
	Balance int64            `json:"balance"`
	Costs   map[string]int64 `json:"costs"`
}

// GetCredits возвращает баланс текущего аккаунта и стоимость операций.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	costs := make(map[string]int64)
	for op, c := range model.Costs() {
		costs[string(op)] = c
	}

	writeJSON(w, http.StatusOK, creditsResponse{Balance: account.Balance, Costs: costs})
}

type ledgerEntryResponse struct {
	ID           int64   `json:"id"`
	Amount       int64   `json:"amount"`
	Reason       string  `json:"reason"`
	ReferenceID  *string `json:"reference_id,omitempty"`
	BalanceAfter int64   `json:"balance_after"`
	CreatedAt    string  `json:"created_at"`
}

// GetHistory возвращает последние изменения баланса текущего аккаунта.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit: must be an integer"})
			return
		}
		limit = n
	}

	entries, err := h.service.History(r.Context(), accountID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			ID:           e.ID,
			Amount:       e.Amount,
			Reason:       string(e.Reason),
			ReferenceID:  e.ReferenceID,
			BalanceAfter: e.BalanceAfter,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type adjustCreditsRequest struct {
	Amount int64 `json:"amount"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// AdjustCredits начисляет или списывает кредиты аккаунта от имени администратора.
func (h *Handler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req adjustCreditsRequest
	if err := decode(r, w, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := validation.NonZero("amount", req.Amount, 100000); err != nil {
		h.writeError(w, r, err)
		return
	}

	balance, err := h.service.AdminAdjust(r.Context(), actorID, urlParam(r, "accountID"), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}
