package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/repository"
)

// PurchaseEvent: подтверждение оплаты от платёжного провайдера.
type PurchaseEvent struct {
	AccountID        string
	Credits          int64
	PaymentReference string
}

// PurchaseResult: итог обработки события оплаты.
type PurchaseResult struct {
	Balance   int64
	Duplicate bool
}

// RecordPurchase начисляет купленные кредиты. Повторное событие с той же ссылкой
// на платёж ничего не начисляет и возвращает Duplicate. Оплата анонимного аккаунта,
// уже присоединённого к другому, зачисляется на аккаунт, в который он перенесён.
func (s *Service) RecordPurchase(ctx context.Context, ev PurchaseEvent) (PurchaseResult, error) {
	ref := strings.TrimSpace(ev.PaymentReference)
	if ref == "" || ev.AccountID == "" {
		return PurchaseResult{}, fmt.Errorf("%w: account and payment reference are required", ErrInvalidInput)
	}
	if ev.Credits <= 0 {
		return PurchaseResult{}, fmt.Errorf("%w: credits must be positive", ErrInvalidAmount)
	}

	var (
		res       PurchaseResult
		accountID string
	)
	err := s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		a, err := tx.GetAccountForUpdate(ctx, ev.AccountID)
		if errors.Is(err, repository.ErrAccountNotFound) {
			a, err = mergedAccount(ctx, tx, ev.AccountID)
		}
		if err != nil {
			return err
		}
		accountID = a.ID

		inserted, err := tx.InsertPayment(ctx, &model.Payment{
			ID:        s.newID(),
			AccountID: a.ID,
			Reference: ref,
			Credits:   ev.Credits,
		})
		if err != nil {
			return err
		}
		if !inserted {
			res = PurchaseResult{Balance: a.Balance, Duplicate: true}
			return nil
		}

		balance, err := grant(ctx, tx, a, ev.Credits, model.ReasonPurchase, ref)
		if err != nil {
			return err
		}
		res = PurchaseResult{Balance: balance}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}

	s.logger.Info("purchase recorded",
		zap.String("account", accountID), zap.String("reference", ref),
		zap.Int64("credits", ev.Credits), zap.Bool("duplicate", res.Duplicate))
	return res, nil
}

// mergedAccount блокирует аккаунт, в который при слиянии был перенесён аккаунт id.
func mergedAccount(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	to, err := tx.MergedInto(ctx, id)
	if err != nil {
		return nil, err
	}
	return tx.GetAccountForUpdate(ctx, to)
}
