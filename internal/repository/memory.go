package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/storybook/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Транзакции выполняются
// последовательно над копией состояния, которая заменяет исходное только при успехе.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	accounts map[string]model.Account
	ledger   []model.LedgerEntry
	nextID   int64
	payments map[string]model.Payment
	books    map[string]model.Book
	// merges: куда перенесён удалённый при слиянии анонимный аккаунт.
	merges   map[string]string
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memState{
			accounts: make(map[string]model.Account),
			payments: make(map[string]model.Payment),
			books:    make(map[string]model.Book),
			merges:   make(map[string]string),
		},
		now: time.Now,
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		accounts: make(map[string]model.Account, len(s.accounts)),
		ledger:   make([]model.LedgerEntry, len(s.ledger)),
		nextID:   s.nextID,
		payments: make(map[string]model.Payment, len(s.payments)),
		books:    make(map[string]model.Book, len(s.books)),
		merges:   make(map[string]string, len(s.merges)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	copy(c.ledger, s.ledger)
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.books {
		c.books[k] = copyBook(v)
	}
	for k, v := range s.merges {
		c.merges[k] = v
	}
	return c
}

func copyBook(b model.Book) model.Book {
	b.Pages = append([]model.Page(nil), b.Pages...)
	return b
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// WithinTx выполняет fn над копией состояния и фиксирует её, если fn не вернула ошибку.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{state: r.state.clone(), now: r.now}
	if err := fn(tx); err != nil {
		return err
	}

	r.state = tx.state
	return nil
}

// CreateAccount создаёт аккаунт вне транзакции.
func (r *MemoryRepository) CreateAccount(ctx context.Context, a *model.Account) error {
	return r.WithinTx(ctx, func(tx Tx) error {
		return tx.CreateAccount(ctx, a)
	})
}

// GetAccount возвращает аккаунт по идентификатору.
func (r *MemoryRepository) GetAccount(_ context.Context, id string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.state.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

// GetAccountBySessionKey возвращает анонимный аккаунт по ключу сессии.
func (r *MemoryRepository) GetAccountBySessionKey(_ context.Context, key string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state.findAccount(func(a model.Account) bool {
		return a.SessionKey != nil && *a.SessionKey == key
	})
}

// GetAccountByEmail возвращает аутентифицированный аккаунт по email.
func (r *MemoryRepository) GetAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state.findAccount(func(a model.Account) bool {
		return a.Email != nil && *a.Email == email
	})
}

func (s *memState) findAccount(match func(model.Account) bool) (*model.Account, error) {
	for _, a := range s.accounts {
		if match(a) {
			return &a, nil
		}
	}
	return nil, ErrAccountNotFound
}

// ListLedgerEntries возвращает последние записи журнала аккаунта, новые первыми.
func (r *MemoryRepository) ListLedgerEntries(_ context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.LedgerEntry
	for i := len(r.state.ledger) - 1; i >= 0 && len(res) < limit; i-- {
		if e := r.state.ledger[i]; e.AccountID == accountID {
			res = append(res, e)
		}
	}
	return res, nil
}

// SumLedger возвращает сумму собственных записей журнала аккаунта.
func (r *MemoryRepository) SumLedger(_ context.Context, accountID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sum int64
	for _, e := range r.state.ledger {
		if e.AccountID == accountID && e.MergedFrom == nil {
			sum += e.Amount
		}
	}
	return sum, nil
}

// GetBook возвращает книгу вместе со страницами.
func (r *MemoryRepository) GetBook(_ context.Context, id string) (*model.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.state.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	b = copyBook(b)
	return &b, nil
}

// ListBooks возвращает книги аккаунта без страниц, новые первыми.
func (r *MemoryRepository) ListBooks(_ context.Context, accountID string) ([]model.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Book
	for _, b := range r.state.books {
		if b.AccountID == accountID {
			b.Pages = nil
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// SaveNarrative заменяет заголовок и страницы книги.
func (r *MemoryRepository) SaveNarrative(_ context.Context, bookID, title string, pages []model.Page) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.state.books[bookID]
	if !ok {
		return ErrBookNotFound
	}

	b.Title = title
	b.Pages = append([]model.Page(nil), pages...)
	sort.Slice(b.Pages, func(i, j int) bool { return b.Pages[i].Number < b.Pages[j].Number })
	invalidate(&b, r.now())
	r.state.books[bookID] = b
	return nil
}

// SetBookStatus обновляет статус генерации книги.
func (r *MemoryRepository) SetBookStatus(_ context.Context, bookID string, status model.BookStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.state.books[bookID]
	if !ok {
		return ErrBookNotFound
	}
	b.Status = status
	b.UpdatedAt = r.now()
	r.state.books[bookID] = b
	return nil
}

// SetPageImage сохраняет адрес изображения страницы и сбрасывает готовые PDF.
func (r *MemoryRepository) SetPageImage(_ context.Context, bookID string, number int, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state.mutatePage(r.now(), bookID, number, func(p *model.Page) {
		p.ImageURL = &url
	})
}

// UpdatePageText сохраняет текст страницы и сбрасывает готовые PDF.
func (r *MemoryRepository) UpdatePageText(_ context.Context, bookID string, number int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state.mutatePage(r.now(), bookID, number, func(p *model.Page) {
		p.Text = text
	})
}

func (s *memState) mutatePage(now time.Time, bookID string, number int, fn func(*model.Page)) error {
	b, ok := s.books[bookID]
	if !ok {
		return ErrPageNotFound
	}
	b = copyBook(b)

	for i := range b.Pages {
		if b.Pages[i].Number == number {
			fn(&b.Pages[i])
			invalidate(&b, now)
			s.books[bookID] = b
			return nil
		}
	}
	return ErrPageNotFound
}

func invalidate(b *model.Book, now time.Time) {
	b.ContentVersion++
	b.DigitalPDFKey = nil
	b.PrintPDFKey = nil
	b.UpdatedAt = now
}

// SetRenderedPDF запоминает ключ готового PDF, если версия содержимого не изменилась.
func (r *MemoryRepository) SetRenderedPDF(_ context.Context, bookID string, variant model.Variant, key string, version int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.state.books[bookID]
	if !ok || b.ContentVersion != version {
		return false, nil
	}

	if variant == model.VariantPrint {
		b.PrintPDFKey = &key
	} else {
		b.DigitalPDFKey = &key
	}
	r.state.books[bookID] = b
	return true, nil
}

// memTx реализует Tx над копией состояния MemoryRepository.
type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) CreateAccount(_ context.Context, a *model.Account) error {
	if _, ok := t.state.accounts[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}
	for _, other := range t.state.accounts {
		if sameKey(other.SessionKey, a.SessionKey) || sameKey(other.Email, a.Email) {
			return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
		}
	}
	if a.Balance < 0 {
		return fmt.Errorf("create account: negative balance %d", a.Balance)
	}
	if a.Role == "" {
		a.Role = model.RoleUser
	}

	a.CreatedAt = t.now()
	t.state.accounts[a.ID] = *a
	return nil
}

func sameKey(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func (t *memTx) GetAccountForUpdate(_ context.Context, id string) (*model.Account, error) {
	a, ok := t.state.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (t *memTx) GetAccountByEmailForUpdate(_ context.Context, email string) (*model.Account, error) {
	return t.state.findAccount(func(a model.Account) bool {
		return a.Email != nil && *a.Email == email
	})
}

func (t *memTx) SetBalance(_ context.Context, id string, balance int64) error {
	a, ok := t.state.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if balance < 0 {
		return fmt.Errorf("update balance: negative balance %d", balance)
	}
	a.Balance = balance
	t.state.accounts[id] = a
	return nil
}

func (t *memTx) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	if _, ok := t.state.accounts[e.AccountID]; !ok {
		return fmt.Errorf("insert ledger entry: %w", ErrAccountNotFound)
	}

	t.state.nextID++
	e.ID = t.state.nextID
	e.CreatedAt = t.now()
	t.state.ledger = append(t.state.ledger, *e)
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *model.Payment) (bool, error) {
	if _, ok := t.state.payments[p.Reference]; ok {
		return false, nil
	}
	if _, ok := t.state.accounts[p.AccountID]; !ok {
		return false, fmt.Errorf("insert payment: %w", ErrAccountNotFound)
	}

	p.CreatedAt = t.now()
	t.state.payments[p.Reference] = *p
	return true, nil
}

func (t *memTx) ReassignAccountData(_ context.Context, fromID, toID string) (Reassigned, error) {
	var res Reassigned

	for id, b := range t.state.books {
		if b.AccountID == fromID {
			b.AccountID = toID
			t.state.books[id] = b
			res.Books++
		}
	}

	for ref, p := range t.state.payments {
		if p.AccountID == fromID {
			p.AccountID = toID
			t.state.payments[ref] = p
			res.Payments++
		}
	}

	for i := range t.state.ledger {
		e := &t.state.ledger[i]
		if e.AccountID != fromID {
			continue
		}
		e.AccountID = toID
		if e.MergedFrom == nil {
			from := fromID
			e.MergedFrom = &from
		}
		res.LedgerEntries++
	}

	return res, nil
}

func (t *memTx) InsertBook(_ context.Context, b *model.Book) error {
	if _, ok := t.state.accounts[b.AccountID]; !ok {
		return fmt.Errorf("insert book: %w", ErrAccountNotFound)
	}
	if _, ok := t.state.books[b.ID]; ok {
		return fmt.Errorf("insert book: duplicate id %s", b.ID)
	}

	now := t.now()
	b.ContentVersion = 0
	b.CreatedAt, b.UpdatedAt = now, now
	t.state.books[b.ID] = copyBook(*b)
	return nil
}

func (t *memTx) SetPageImage(_ context.Context, bookID string, number int, url string) error {
	return t.state.mutatePage(t.now(), bookID, number, func(p *model.Page) {
		p.ImageURL = &url
	})
}

func (t *memTx) RecordMerge(_ context.Context, fromID, toID string) error {
	if _, ok := t.state.accounts[toID]; !ok {
		return fmt.Errorf("insert account merge: %w", ErrAccountNotFound)
	}
	t.state.merges[fromID] = toID
	return nil
}

func (t *memTx) MergedInto(_ context.Context, id string) (string, error) {
	to, ok := t.state.merges[id]
	if !ok {
		return "", ErrAccountNotFound
	}
	return to, nil
}

func (t *memTx) DeleteAccount(_ context.Context, id string) error {
	if _, ok := t.state.accounts[id]; !ok {
		return ErrAccountNotFound
	}
	delete(t.state.accounts, id)
	for from, to := range t.state.merges {
		if to == id {
			delete(t.state.merges, from)
		}
	}
	return nil
}

// ListQueuedBooks возвращает идентификаторы книг, ожидающих генерации, старые первыми.
func (r *MemoryRepository) ListQueuedBooks(_ context.Context, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var queued []model.Book
	for _, b := range r.state.books {
		if b.Status == model.BookStatusDraft {
			queued = append(queued, b)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if !queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].CreatedAt.Before(queued[j].CreatedAt)
		}
		return queued[i].ID < queued[j].ID
	})

	res := make([]string, 0, len(queued))
	for _, b := range queued {
		if len(res) == limit {
			break
		}
		res = append(res, b.ID)
	}
	return res, nil
}

// ClaimBook переводит книгу из очереди в генерацию.
func (r *MemoryRepository) ClaimBook(_ context.Context, bookID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.state.books[bookID]
	if !ok || b.Status != model.BookStatusDraft {
		return false, nil
	}
	b.Status = model.BookStatusGenerating
	b.UpdatedAt = r.now()
	r.state.books[bookID] = b
	return true, nil
}

// RequeueStaleBooks возвращает в очередь книги, генерация которых не обновлялась с момента olderThan.
func (r *MemoryRepository) RequeueStaleBooks(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, b := range r.state.books {
		if b.Status != model.BookStatusGenerating || b.UpdatedAt.After(olderThan) {
			continue
		}
		b.Status = model.BookStatusDraft
		b.UpdatedAt = r.now()
		r.state.books[id] = b
		n++
	}
	return n, nil
}
