package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/middleware"
	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/repository"
	"github.com/mmeshcher/storybook/internal/service"
)

const webhookSecret = "hook-secret"

var testTokens = middleware.TokenService{Secret: []byte("token-secret"), Duration: time.Hour}

type stubService struct {
	mu       sync.Mutex
	sessions map[string]string
	byEmail  map[string]string

	signInEmail string
	signInAnon  string

	account *model.Account

	historyLimit int

	createInput service.BookInput
	createErr   error

	book    *model.Book
	bookErr error

	page    *model.Page
	pageErr error

	pdf    *model.RenderedPDF
	pdfErr error

	adjustErr error

	purchase    service.PurchaseEvent
	purchaseRes service.PurchaseResult
}

func newStubService() *stubService {
	return &stubService{
		sessions: map[string]string{},
		byEmail:  map[string]string{},
		account:  &model.Account{ID: "acct", Role: model.RoleUser, Balance: 7},
	}
}

func (s *stubService) AccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return &model.Account{ID: id, Email: &email}, nil
}

func (s *stubService) AccountBySessionKey(ctx context.Context, key string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[key]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return &model.Account{ID: id, SessionKey: &key}, nil
}

func (s *stubService) EnsureAnonymousAccount(ctx context.Context, key string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[key]
	if !ok {
		id = "anon-" + key
		s.sessions[key] = id
	}
	return &model.Account{ID: id, SessionKey: &key}, nil
}

func (s *stubService) SignIn(ctx context.Context, email, anonymousID string) (*model.Account, error) {
	s.signInEmail = email
	s.signInAnon = anonymousID
	return &model.Account{ID: "user-1", Email: &email, Role: model.RoleUser, Balance: 3}, nil
}

func (s *stubService) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.account, nil
}

func (s *stubService) History(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	s.historyLimit = limit
	return []model.LedgerEntry{{ID: 1, AccountID: accountID, Amount: 10, Reason: model.ReasonPurchase, BalanceAfter: 10}}, nil
}

func (s *stubService) AdminAdjust(ctx context.Context, actorID, accountID string, amount int64) (int64, error) {
	if s.adjustErr != nil {
		return 0, s.adjustErr
	}
	return amount, nil
}

func (s *stubService) RecordPurchase(ctx context.Context, ev service.PurchaseEvent) (service.PurchaseResult, error) {
	s.purchase = ev
	return s.purchaseRes, nil
}

func (s *stubService) CreateBook(ctx context.Context, accountID string, in service.BookInput) (*model.Book, error) {
	s.createInput = in
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &model.Book{ID: "book-1", AccountID: accountID, ProtagonistName: in.ProtagonistName, Theme: in.Theme, Status: model.BookStatusDraft}, nil
}

func (s *stubService) GetBook(ctx context.Context, accountID, bookID string) (*model.Book, error) {
	return s.book, s.bookErr
}

func (s *stubService) ListBooks(ctx context.Context, accountID string) ([]model.Book, error) {
	if s.book == nil {
		return nil, nil
	}
	return []model.Book{*s.book}, nil
}

func (s *stubService) UpdatePageText(ctx context.Context, accountID, bookID string, number int, text string) (*model.Page, error) {
	return s.page, s.pageErr
}

func (s *stubService) RegeneratePageImage(ctx context.Context, accountID, bookID string, number int) (*model.Page, error) {
	return s.page, s.pageErr
}

func (s *stubService) ExportPDF(ctx context.Context, accountID, bookID string, variant model.Variant) (*model.RenderedPDF, error) {
	return s.pdf, s.pdfErr
}

func newTestHandler(t *testing.T, svc Service, opts Options) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	identity := middleware.NewIdentity("cookie-secret", testTokens, svc, logger)
	if opts.WebhookSecret == "" {
		opts.WebhookSecret = webhookSecret
	}

	return NewHandler(svc, logger, identity, opts)
}

func serve(h *Handler, req *http.Request) *http.Response {
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func jsonRequest(method, target string, v any) *http.Request {
	body, _ := json.Marshal(v)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestGetCredits_IssuesSessionCookie(t *testing.T) {
	h := newTestHandler(t, newStubService(), Options{})

	res := serve(h, httptest.NewRequest(http.MethodGet, "/api/credits", nil))
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("expected session cookie")
	}

	var body creditsResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Balance != 7 {
		t.Fatalf("balance = %d, want 7", body.Balance)
	}
	if body.Costs["book_generation"] != 5 || body.Costs["page_regeneration"] != 1 {
		t.Fatalf("unexpected costs: %v", body.Costs)
	}
}

func TestGetHistory_RejectsBadLimit(t *testing.T) {
	svc := newStubService()
	h := newTestHandler(t, svc, Options{})

	res := serve(h, httptest.NewRequest(http.MethodGet, "/api/credits/history?limit=abc", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res = serve(h, httptest.NewRequest(http.MethodGet, "/api/credits/history?limit=500", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.historyLimit != 500 {
		t.Fatalf("limit passed = %d, want 500", svc.historyLimit)
	}
}

func TestCreateBook_Accepted(t *testing.T) {
	svc := newStubService()
	h := newTestHandler(t, svc, Options{})

	res := serve(h, jsonRequest(http.MethodPost, "/api/books", createBookRequest{
		ProtagonistName: "Mia",
		Theme:           "dragons",
	}))
	defer res.Body.Close()

	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	if loc := res.Header.Get("Location"); loc != "/api/books/book-1" {
		t.Fatalf("location = %q", loc)
	}
	if svc.createInput.ProtagonistName != "Mia" {
		t.Fatalf("name passed = %q", svc.createInput.ProtagonistName)
	}

	var body bookResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != string(model.BookStatusDraft) {
		t.Fatalf("status field = %q", body.Status)
	}
}

func TestCreateBook_InsufficientCredits(t *testing.T) {
	svc := newStubService()
	svc.createErr = service.ErrInsufficientCredits
	h := newTestHandler(t, svc, Options{})

	res := serve(h, jsonRequest(http.MethodPost, "/api/books", createBookRequest{
		ProtagonistName: "Mia",
		Theme:           "dragons",
	}))
	defer res.Body.Close()

	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "insufficient_credits" {
		t.Fatalf("error = %q", body.Error)
	}
}

func TestCreateBook_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "unknown field", body: `{"protagonist_name":"Mia","theme":"sea","age":5}`},
		{name: "missing theme", body: `{"protagonist_name":"Mia"}`},
		{name: "long name", body: `{"protagonist_name":"` + strings.Repeat("a", 41) + `","theme":"sea"}`},
		{name: "wrong type", body: `{"protagonist_name":7,"theme":"sea"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, newStubService(), Options{})
			req := httptest.NewRequest(http.MethodPost, "/api/books", strings.NewReader(tt.body))

			res := serve(h, req)
			res.Body.Close()
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
			}
		})
	}
}

func TestCreateBook_RateLimited(t *testing.T) {
	h := newTestHandler(t, newStubService(), Options{GenerationRateLimit: 1})
	router := h.SetupRouter()

	send := func() int {
		req := jsonRequest(http.MethodPost, "/api/books", createBookRequest{ProtagonistName: "Mia", Theme: "sea"})
		req.RemoteAddr = "192.0.2.10:4000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusAccepted {
		t.Fatalf("first status = %d, want %d", code, http.StatusAccepted)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want %d", code, http.StatusTooManyRequests)
	}
}

func TestGetBook_NotFound(t *testing.T) {
	svc := newStubService()
	svc.bookErr = repository.ErrBookNotFound
	h := newTestHandler(t, svc, Options{})

	res := serve(h, httptest.NewRequest(http.MethodGet, "/api/books/missing", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestGetBook_JSONResponse(t *testing.T) {
	url := "http://localhost/images/p1.png"
	svc := newStubService()
	svc.book = &model.Book{
		ID:     "book-1",
		Title:  "Mia and the Sea",
		Status: model.BookStatusCompleted,
		Pages: []model.Page{
			{Number: 1, Text: "Cover", ImageURL: &url},
			{Number: 2, Text: "Once upon a time"},
		},
	}
	h := newTestHandler(t, svc, Options{})

	res := serve(h, httptest.NewRequest(http.MethodGet, "/api/books/book-1", nil))
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var body bookResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Pages) != 2 || body.Pages[0].ImageURL == nil || *body.Pages[0].ImageURL != url {
		t.Fatalf("unexpected pages: %+v", body.Pages)
	}
}

func TestUpdatePage_RejectsPageOutOfRange(t *testing.T) {
	svc := newStubService()
	svc.page = &model.Page{Number: 2, Text: "new"}
	h := newTestHandler(t, svc, Options{})

	for _, target := range []string{"/api/books/b/pages/0", "/api/books/b/pages/13", "/api/books/b/pages/x"} {
		res := serve(h, jsonRequest(http.MethodPut, target, updatePageRequest{Text: "new"}))
		res.Body.Close()
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want %d", target, res.StatusCode, http.StatusBadRequest)
		}
	}

	res := serve(h, jsonRequest(http.MethodPut, "/api/books/b/pages/2", updatePageRequest{Text: "new"}))
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestRegeneratePage_NotReady(t *testing.T) {
	svc := newStubService()
	svc.pageErr = service.ErrBookNotReady
	h := newTestHandler(t, svc, Options{})

	res := serve(h, httptest.NewRequest(http.MethodPost, "/api/books/b/pages/3/regenerate", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestExportPDF(t *testing.T) {
	svc := newStubService()
	svc.pdf = &model.RenderedPDF{Data: []byte("%PDF-1.3"), Filename: "mia-storybook-print.pdf", Cached: true}
	h := newTestHandler(t, svc, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/books/b/pdf?variant=print", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	res := serve(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content-type = %q", ct)
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "" {
		t.Fatalf("pdf must not be compressed, got %q", ce)
	}
	if cd := res.Header.Get("Content-Disposition"); !strings.Contains(cd, "mia-storybook-print.pdf") {
		t.Fatalf("content-disposition = %q", cd)
	}
	if res.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("expected cache hit header")
	}
}

func TestExportPDF_UnknownVariant(t *testing.T) {
	h := newTestHandler(t, newStubService(), Options{})

	res := serve(h, httptest.NewRequest(http.MethodGet, "/api/books/b/pdf?variant=poster", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestSignIn_RequiresToken(t *testing.T) {
	h := newTestHandler(t, newStubService(), Options{})

	res := serve(h, httptest.NewRequest(http.MethodPost, "/api/auth/signin", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestSignIn_MergesSessionAccount(t *testing.T) {
	svc := newStubService()
	h := newTestHandler(t, svc, Options{})

	first := serve(h, httptest.NewRequest(http.MethodGet, "/api/credits", nil))
	first.Body.Close()
	cookies := first.Cookies()
	if len(cookies) == 0 {
		t.Fatalf("expected session cookie")
	}

	token, _, err := testTokens.Sign("reader@example.com")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.AddCookie(cookies[0])

	res := serve(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.signInEmail != "reader@example.com" {
		t.Fatalf("email passed = %q", svc.signInEmail)
	}
	if !strings.HasPrefix(svc.signInAnon, "anon-") {
		t.Fatalf("anonymous id passed = %q", svc.signInAnon)
	}

	cleared := false
	for _, c := range res.Cookies() {
		if c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("expected session cookie to be cleared")
	}
}

func TestAdjustCredits(t *testing.T) {
	svc := newStubService()
	h := newTestHandler(t, svc, Options{})

	res := serve(h, jsonRequest(http.MethodPost, "/api/admin/accounts/a1/credits", adjustCreditsRequest{Amount: 0}))
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero amount status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	svc.adjustErr = service.ErrForbidden
	res = serve(h, jsonRequest(http.MethodPost, "/api/admin/accounts/a1/credits", adjustCreditsRequest{Amount: 5}))
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestPaymentWebhook(t *testing.T) {
	svc := newStubService()
	svc.purchaseRes = service.PurchaseResult{Balance: 25, Duplicate: true}
	h := newTestHandler(t, svc, Options{})

	body := []byte(`{"account_id":"acct","credits":20,"payment_reference":"pay_123"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(signatureHeader, sign(body))
	res := serve(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.purchase.PaymentReference != "pay_123" || svc.purchase.Credits != 20 {
		t.Fatalf("unexpected event: %+v", svc.purchase)
	}

	var resp paymentEventResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != 25 || !resp.Duplicate {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(res.Cookies()) != 0 {
		t.Fatalf("webhook must not issue a session cookie")
	}
}

func TestPaymentWebhook_BadSignature(t *testing.T) {
	svc := newStubService()
	h := newTestHandler(t, svc, Options{})

	body := []byte(`{"account_id":"acct","credits":20,"payment_reference":"pay_123"}`)
	for _, sig := range []string{"", "sha256=deadbeef", sign([]byte("other"))} {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(body))
		if sig != "" {
			req.Header.Set(signatureHeader, sig)
		}
		res := serve(h, req)
		res.Body.Close()
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("signature %q: status = %d, want %d", sig, res.StatusCode, http.StatusUnauthorized)
		}
	}
	if svc.purchase.PaymentReference != "" {
		t.Fatalf("purchase must not be recorded")
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newTestHandler(t, newStubService(), Options{})

	res := serve(h, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}
