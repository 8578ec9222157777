// Package repository содержит хранилища аккаунтов, журнала кредитов и книг.
package repository

import (
	"context"
	"errors"

	"github.com/mmeshcher/storybook/internal/model"
)

var (
	// ErrAccountNotFound возвращается, если аккаунт не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists возвращается при конфликте email или ключа сессии.
	ErrAccountExists = errors.New("account already exists")
	// ErrBookNotFound возвращается, если книга не найдена.
	ErrBookNotFound = errors.New("book not found")
	// ErrPageNotFound возвращается, если страница книги не найдена.
	ErrPageNotFound = errors.New("page not found")
)

// Tx: единица работы: все изменения внутри неё применяются целиком либо не применяются вовсе.
type Tx interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	// GetAccountForUpdate читает аккаунт и блокирует его строку до конца транзакции.
	GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error)
	GetAccountByEmailForUpdate(ctx context.Context, email string) (*model.Account, error)
	SetBalance(ctx context.Context, id string, balance int64) error
	// AppendLedgerEntry добавляет запись журнала и заполняет её ID и CreatedAt.
	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	// InsertPayment сохраняет платёж и возвращает false, если платёж с такой ссылкой уже есть.
	InsertPayment(ctx context.Context, p *model.Payment) (bool, error)
	// ReassignAccountData переносит книги, платежи и записи журнала на другой аккаунт.
	ReassignAccountData(ctx context.Context, fromID, toID string) (Reassigned, error)
	DeleteAccount(ctx context.Context, id string) error
	// RecordMerge запоминает, что аккаунт fromID перенесён в toID.
	RecordMerge(ctx context.Context, fromID, toID string) error
	// MergedInto возвращает аккаунт, в который был перенесён удалённый аккаунт id.
	MergedInto(ctx context.Context, id string) (string, error)
	// InsertBook сохраняет книгу без страниц и заполняет версию и временные метки.
	InsertBook(ctx context.Context, b *model.Book) error
	// SetPageImage сохраняет адрес изображения страницы и сбрасывает готовые PDF.
	SetPageImage(ctx context.Context, bookID string, number int, url string) error
}

// Reassigned содержит количество перенесённых при слиянии объектов.
type Reassigned struct {
	Books         int64
	Payments      int64
	LedgerEntries int64
}
