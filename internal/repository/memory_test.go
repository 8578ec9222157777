package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/storybook/internal/model"
)

func strPtr(s string) *string { return &s }

func seedAccount(t *testing.T, r *MemoryRepository, id string, balance int64) {
	t.Helper()
	require.NoError(t, r.CreateAccount(context.Background(), &model.Account{ID: id, Balance: balance}))
}

func TestMemoryRepository_WithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedAccount(t, r, "a", 10)

	boom := errors.New("boom")
	err := r.WithinTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.SetBalance(ctx, "a", 3))
		require.NoError(t, tx.AppendLedgerEntry(ctx, &model.LedgerEntry{AccountID: "a", Amount: -7, Reason: model.ReasonAdminDeduct, BalanceAfter: 3}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := r.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.Balance)

	entries, err := r.ListLedgerEntries(ctx, "a", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryRepository_WithinTxCommits(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedAccount(t, r, "a", 0)

	err := r.WithinTx(ctx, func(tx Tx) error {
		if err := tx.SetBalance(ctx, "a", 4); err != nil {
			return err
		}
		return tx.AppendLedgerEntry(ctx, &model.LedgerEntry{AccountID: "a", Amount: 4, Reason: model.ReasonPurchase, BalanceAfter: 4})
	})
	require.NoError(t, err)

	a, err := r.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), a.Balance)

	sum, err := r.SumLedger(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum)
}

func TestMemoryRepository_RejectsNegativeBalance(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedAccount(t, r, "a", 1)

	err := r.WithinTx(ctx, func(tx Tx) error {
		return tx.SetBalance(ctx, "a", -1)
	})
	require.Error(t, err)
}

func TestMemoryRepository_UniqueIdentities(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()

	require.NoError(t, r.CreateAccount(ctx, &model.Account{ID: "a", Email: strPtr("x@example.com")}))
	err := r.CreateAccount(ctx, &model.Account{ID: "b", Email: strPtr("x@example.com")})
	require.ErrorIs(t, err, ErrAccountExists)

	require.NoError(t, r.CreateAccount(ctx, &model.Account{ID: "c", SessionKey: strPtr("k")}))
	err = r.CreateAccount(ctx, &model.Account{ID: "d", SessionKey: strPtr("k")})
	require.ErrorIs(t, err, ErrAccountExists)

	a, err := r.GetAccountBySessionKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "c", a.ID)
	assert.Equal(t, model.RoleUser, a.Role)
}

func TestMemoryRepository_LedgerOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedAccount(t, r, "a", 0)
	seedAccount(t, r, "b", 0)

	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		for i := int64(1); i <= 5; i++ {
			if err := tx.AppendLedgerEntry(ctx, &model.LedgerEntry{AccountID: "a", Amount: i, Reason: model.ReasonPurchase}); err != nil {
				return err
			}
			if err := tx.AppendLedgerEntry(ctx, &model.LedgerEntry{AccountID: "b", Amount: 100, Reason: model.ReasonPurchase}); err != nil {
				return err
			}
		}
		return nil
	}))

	entries, err := r.ListLedgerEntries(ctx, "a", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{5, 4, 3}, []int64{entries[0].Amount, entries[1].Amount, entries[2].Amount})
	assert.Greater(t, entries[0].ID, entries[1].ID)
}

func TestMemoryRepository_InsertPaymentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedAccount(t, r, "a", 0)

	var first, second bool
	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		var err error
		first, err = tx.InsertPayment(ctx, &model.Payment{ID: "p1", AccountID: "a", Reference: "ref", Credits: 10})
		return err
	}))
	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		var err error
		second, err = tx.InsertPayment(ctx, &model.Payment{ID: "p2", AccountID: "a", Reference: "ref", Credits: 10})
		return err
	}))

	assert.True(t, first)
	assert.False(t, second)
}

func TestMemoryRepository_ReassignTagsMergedEntries(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedAccount(t, r, "anon", 0)
	seedAccount(t, r, "user", 0)

	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		if err := tx.AppendLedgerEntry(ctx, &model.LedgerEntry{AccountID: "anon", Amount: 7, Reason: model.ReasonPurchase}); err != nil {
			return err
		}
		if err := tx.InsertBook(ctx, &model.Book{ID: "book", AccountID: "anon", Status: model.BookStatusDraft}); err != nil {
			return err
		}
		_, err := tx.InsertPayment(ctx, &model.Payment{ID: "p", AccountID: "anon", Reference: "ref", Credits: 7})
		return err
	}))

	var moved Reassigned
	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		var err error
		moved, err = tx.ReassignAccountData(ctx, "anon", "user")
		if err != nil {
			return err
		}
		return tx.DeleteAccount(ctx, "anon")
	}))

	assert.Equal(t, Reassigned{Books: 1, Payments: 1, LedgerEntries: 1}, moved)

	entries, err := r.ListLedgerEntries(ctx, "user", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].MergedFrom)
	assert.Equal(t, "anon", *entries[0].MergedFrom)

	sum, err := r.SumLedger(ctx, "user")
	require.NoError(t, err)
	assert.Zero(t, sum)

	book, err := r.GetBook(ctx, "book")
	require.NoError(t, err)
	assert.Equal(t, "user", book.AccountID)

	_, err = r.GetAccount(ctx, "anon")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryRepository_PageMutationInvalidatesRenders(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedAccount(t, r, "a", 0)

	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertBook(ctx, &model.Book{ID: "b", AccountID: "a", Status: model.BookStatusDraft})
	}))
	require.NoError(t, r.SaveNarrative(ctx, "b", "Title", []model.Page{{Number: 2, Text: "two"}, {Number: 1, Text: "one"}}))

	book, err := r.GetBook(ctx, "b")
	require.NoError(t, err)
	require.Len(t, book.Pages, 2)
	assert.Equal(t, 1, book.Pages[0].Number)

	ok, err := r.SetRenderedPDF(ctx, "b", model.VariantDigital, "b/digital-v1.pdf", book.ContentVersion)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.UpdatePageText(ctx, "b", 2, "changed"))

	book, err = r.GetBook(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, book.DigitalPDFKey)
	assert.Nil(t, book.PrintPDFKey)
	assert.Equal(t, int64(2), book.ContentVersion)

	ok, err = r.SetRenderedPDF(ctx, "b", model.VariantDigital, "stale", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, r.SetPageImage(ctx, "b", 13, "x"), ErrPageNotFound)
	assert.ErrorIs(t, r.UpdatePageText(ctx, "missing", 1, "x"), ErrPageNotFound)
}

func TestMemoryRepository_QueueClaim(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedAccount(t, r, "a", 0)

	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		for _, id := range []string{"b1", "b2"} {
			if err := tx.InsertBook(ctx, &model.Book{ID: id, AccountID: "a", Status: model.BookStatusDraft}); err != nil {
				return err
			}
		}
		return nil
	}))

	ids, err := r.ListQueuedBooks(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b1", "b2"}, ids)

	ok, err := r.ClaimBook(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ClaimBook(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err = r.ListQueuedBooks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2"}, ids)
}

func TestMemoryRepository_TxSetPageImage(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedAccount(t, r, "a", 0)

	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertBook(ctx, &model.Book{ID: "b", AccountID: "a", Status: model.BookStatusDraft})
	}))
	require.NoError(t, r.SaveNarrative(ctx, "b", "Title", []model.Page{{Number: 1, Text: "one"}}))
	_, err := r.SetRenderedPDF(ctx, "b", model.VariantPrint, "b/print-v1.pdf", 1)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = r.WithinTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.SetPageImage(ctx, "b", 1, "/images/new.png"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	book, err := r.GetBook(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, book.Pages[0].ImageURL)
	assert.NotNil(t, book.PrintPDFKey)

	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		return tx.SetPageImage(ctx, "b", 1, "/images/new.png")
	}))

	book, err = r.GetBook(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, book.Pages[0].ImageURL)
	assert.Equal(t, "/images/new.png", *book.Pages[0].ImageURL)
	assert.Nil(t, book.PrintPDFKey)
	assert.Equal(t, int64(2), book.ContentVersion)

	err = r.WithinTx(ctx, func(tx Tx) error {
		return tx.SetPageImage(ctx, "b", 7, "x")
	})
	assert.ErrorIs(t, err, ErrPageNotFound)
}

func TestMemoryRepository_MergeTombstone(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	seedAccount(t, r, "anon", 0)
	seedAccount(t, r, "user", 0)

	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		if err := tx.RecordMerge(ctx, "anon", "user"); err != nil {
			return err
		}
		return tx.DeleteAccount(ctx, "anon")
	}))

	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		to, err := tx.MergedInto(ctx, "anon")
		require.NoError(t, err)
		assert.Equal(t, "user", to)

		_, err = tx.MergedInto(ctx, "user")
		assert.ErrorIs(t, err, ErrAccountNotFound)

		assert.ErrorIs(t, tx.RecordMerge(ctx, "x", "missing"), ErrAccountNotFound)
		return nil
	}))
}

func TestMemoryRepository_RequeueStaleBooks(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	seedAccount(t, r, "a", 0)

	require.NoError(t, r.WithinTx(ctx, func(tx Tx) error {
		for _, id := range []string{"old", "fresh", "done"} {
			if err := tx.InsertBook(ctx, &model.Book{ID: id, AccountID: "a", Status: model.BookStatusDraft}); err != nil {
				return err
			}
		}
		return nil
	}))

	_, err := r.ClaimBook(ctx, "old")
	require.NoError(t, err)
	_, err = r.ClaimBook(ctx, "done")
	require.NoError(t, err)
	require.NoError(t, r.SetBookStatus(ctx, "done", model.BookStatusCompleted))

	now = now.Add(20 * time.Minute)
	_, err = r.ClaimBook(ctx, "fresh")
	require.NoError(t, err)

	n, err := r.RequeueStaleBooks(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ids, err := r.ListQueuedBooks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	book, err := r.GetBook(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.BookStatusGenerating, book.Status)
}
