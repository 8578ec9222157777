// Package model содержит доменные сущности сервиса генерации книг.
package model

import (
	"fmt"
	"time"
)

// Role описывает уровень доступа аккаунта.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Account представляет анонимную сессию либо аутентифицированного пользователя.
type Account struct {
	ID         string
	SessionKey *string
	Email      *string
	Balance    int64
	Role       Role
	CreatedAt  time.Time
}

// IsAnonymous сообщает, что аккаунт ещё не привязан к email.
func (a *Account) IsAnonymous() bool {
	return a.Email == nil
}

// Reason: код причины изменения баланса.
type Reason string

const (
	ReasonPurchase         Reason = "purchase"
	ReasonBookGeneration   Reason = "book_generation"
	ReasonPageRegeneration Reason = "page_regeneration"
	ReasonAdminGrant       Reason = "admin_grant"
	ReasonAdminDeduct      Reason = "admin_deduct"
	ReasonSessionMerge     Reason = "session_merge"
)

// Valid проверяет, что код причины входит в перечисление.
func (r Reason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonBookGeneration, ReasonPageRegeneration,
		ReasonAdminGrant, ReasonAdminDeduct, ReasonSessionMerge:
		return true
	}
	return false
}

// LedgerEntry: неизменяемая запись об одном изменении баланса.
// MergedFrom заполняется у записей, перешедших к аккаунту при слиянии сессий:
// их сумма уже учтена записью session_merge.
type LedgerEntry struct {
	ID           int64
	AccountID    string
	Amount       int64
	Reason       Reason
	ReferenceID  *string
	BalanceAfter int64
	MergedFrom   *string
	CreatedAt    time.Time
}

// Operation описывает платную операцию.
type Operation string

const (
	OperationBookGeneration   Operation = "book_generation"
	OperationPageRegeneration Operation = "page_regeneration"
)

var operationCosts = map[Operation]int64{
	OperationBookGeneration:   5,
	OperationPageRegeneration: 1,
}

// Cost возвращает стоимость операции в кредитах.
func (o Operation) Cost() (int64, bool) {
	c, ok := operationCosts[o]
	return c, ok
}

// Reason возвращает код причины, которым помечается списание за операцию.
func (o Operation) Reason() Reason {
	return Reason(o)
}

// Costs возвращает копию таблицы стоимости операций.
func Costs() map[Operation]int64 {
	res := make(map[Operation]int64, len(operationCosts))
	for k, v := range operationCosts {
		res[k] = v
	}
	return res
}

// Payment: подтверждённая покупка кредитов.
type Payment struct {
	ID        string
	AccountID string
	Reference string
	Credits   int64
	CreatedAt time.Time
}

// BookStatus описывает стадию генерации книги.
type BookStatus string

const (
	BookStatusDraft      BookStatus = "draft"
	BookStatusGenerating BookStatus = "generating"
	BookStatusCompleted  BookStatus = "completed"
	BookStatusError      BookStatus = "error"
)

// Variant: геометрия PDF: цифровая или печатная с вылетами.
type Variant string

const (
	VariantDigital Variant = "digital"
	VariantPrint   Variant = "print"
)

// ParseVariant разбирает строковое представление варианта.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantDigital, VariantPrint:
		return Variant(s), nil
	case "":
		return VariantDigital, nil
	}
	return "", fmt.Errorf("unknown variant %q", s)
}

// Page: страница книги. Первая страница является обложкой.
type Page struct {
	Number      int
	Text        string
	ImageURL    *string
	ImagePrompt *string
}

// IsCover сообщает, что страница является обложкой.
func (p Page) IsCover() bool {
	return p.Number == 1
}

// Book: результат генерации, принадлежащий одному аккаунту.
type Book struct {
	ID                   string
	AccountID            string
	Title                string
	ProtagonistName      string
	Theme                string
	CharacterDescription *string
	Status               BookStatus
	ContentVersion       int64
	DigitalPDFKey        *string
	PrintPDFKey          *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Pages                []Page
}

// RenderedKey возвращает ключ закэшированного PDF для варианта.
func (b *Book) RenderedKey(v Variant) *string {
	if v == VariantPrint {
		return b.PrintPDFKey
	}
	return b.DigitalPDFKey
}

// Ready сообщает, что генерация книги завершена и её страницы можно менять.
func (b *Book) Ready() bool {
	return b.Status == BookStatusCompleted || b.Status == BookStatusError
}

// Page возвращает страницу по номеру.
func (b *Book) Page(number int) (Page, bool) {
	for _, p := range b.Pages {
		if p.Number == number {
			return p, true
		}
	}
	return Page{}, false
}

// RenderedPDF: готовый документ для отдачи клиенту.
type RenderedPDF struct {
	Data     []byte
	Filename string
	Cached   bool
}

// PageCount: число страниц в сгенерированной книге, включая обложку.
const PageCount = 12

// NarrativeRequest: параметры генерации текста книги.
type NarrativeRequest struct {
	ProtagonistName      string
	Theme                string
	CharacterDescription *string
	Pages                int
}

// NarrativePage: текст страницы и подсказка для её иллюстрации.
type NarrativePage struct {
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt"`
}

// Narrative: сгенерированный текст книги.
type Narrative struct {
	Title string          `json:"title"`
	Pages []NarrativePage `json:"pages"`
}
