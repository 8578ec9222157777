package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/repository"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Reconciliation: результат сверки баланса с журналом.
type Reconciliation struct {
	AccountID string
	Balance   int64
	LedgerSum int64
}

// Consistent сообщает, что баланс совпадает с суммой записей журнала.
func (r Reconciliation) Consistent() bool {
	return r.Balance == r.LedgerSum
}

// Balance возвращает текущий баланс аккаунта.
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	a, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// HasSufficientBalance проверяет, хватает ли баланса на операцию. Баланс не меняется.
func (s *Service) HasSufficientBalance(ctx context.Context, accountID string, op model.Operation) (bool, error) {
	cost, ok := op.Cost()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	a, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}

	return a.Balance >= cost, nil
}

// Consume списывает стоимость операции. При нехватке баланса возвращает false
// и ничего не меняет.
func (s *Service) Consume(ctx context.Context, accountID string, op model.Operation, referenceID string) (bool, error) {
	var consumed bool
	err := s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		consumed, err = debit(ctx, tx, accountID, op, referenceID)
		return err
	})
	if err != nil {
		return false, err
	}

	if !consumed {
		s.logger.Info("insufficient credits",
			zap.String("account", accountID), zap.String("operation", string(op)))
	}
	return consumed, nil
}

// debit списывает стоимость операции внутри транзакции, заблокировав строку аккаунта.
func debit(ctx context.Context, tx repository.Tx, accountID string, op model.Operation, referenceID string) (bool, error) {
	cost, ok := op.Cost()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	a, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return false, err
	}

	if a.Balance < cost {
		return false, nil
	}

	if err := appendEntry(ctx, tx, a, -cost, op.Reason(), referenceID); err != nil {
		return false, err
	}
	return true, nil
}

// Grant начисляет или списывает кредиты по причине purchase, admin_grant или admin_deduct.
// Баланс не опускается ниже нуля; в журнал записывается фактическое изменение.
func (s *Service) Grant(ctx context.Context, accountID string, amount int64, reason model.Reason, referenceID string) (int64, error) {
	var balance int64
	err := s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		a, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		balance, err = grant(ctx, tx, a, amount, reason, referenceID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func grant(ctx context.Context, tx repository.Tx, a *model.Account, amount int64, reason model.Reason, referenceID string) (int64, error) {
	switch reason {
	case model.ReasonPurchase, model.ReasonAdminGrant:
		if amount <= 0 {
			return 0, fmt.Errorf("%w: %s requires a positive amount", ErrInvalidAmount, reason)
		}
	case model.ReasonAdminDeduct:
		if amount >= 0 {
			return 0, fmt.Errorf("%w: %s requires a negative amount", ErrInvalidAmount, reason)
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidReason, reason)
	}

	next := a.Balance + amount
	if next < 0 {
		next = 0
	}

	applied := next - a.Balance
	if applied == 0 {
		return a.Balance, nil
	}

	if err := appendEntry(ctx, tx, a, applied, reason, referenceID); err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// appendEntry меняет баланс на amount и добавляет запись журнала. a.Balance обновляется.
func appendEntry(ctx context.Context, tx repository.Tx, a *model.Account, amount int64, reason model.Reason, referenceID string) error {
	next := a.Balance + amount
	if err := tx.SetBalance(ctx, a.ID, next); err != nil {
		return err
	}

	e := &model.LedgerEntry{
		AccountID:    a.ID,
		Amount:       amount,
		Reason:       reason,
		BalanceAfter: next,
	}
	if referenceID != "" {
		e.ReferenceID = &referenceID
	}
	if err := tx.AppendLedgerEntry(ctx, e); err != nil {
		return err
	}

	a.Balance = next
	return nil
}

// History возвращает последние записи журнала аккаунта, новые первыми.
// Лимит ограничивается диапазоном [1, 100]; нулевой лимит означает 20.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	switch {
	case limit == 0:
		limit = defaultHistoryLimit
	case limit < 1:
		limit = 1
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.repo.ListLedgerEntries(ctx, accountID, limit)
}

// VerifyBalance сверяет баланс аккаунта с суммой его собственных записей журнала.
func (s *Service) VerifyBalance(ctx context.Context, accountID string) (Reconciliation, error) {
	a, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return Reconciliation{}, err
	}

	sum, err := s.repo.SumLedger(ctx, accountID)
	if err != nil {
		return Reconciliation{}, err
	}

	rec := Reconciliation{AccountID: accountID, Balance: a.Balance, LedgerSum: sum}
	if !rec.Consistent() {
		s.logger.Error("ledger mismatch",
			zap.String("account", accountID), zap.Int64("balance", a.Balance), zap.Int64("ledger_sum", sum))
	}
	return rec, nil
}

// AdminAdjust меняет баланс аккаунта от имени администратора.
// Положительная сумма записывается как admin_grant, отрицательная как admin_deduct.
func (s *Service) AdminAdjust(ctx context.Context, actorID, accountID string, amount int64) (int64, error) {
	actor, err := s.repo.GetAccount(ctx, actorID)
	if err != nil {
		return 0, err
	}
	if actor.Role != model.RoleAdmin {
		return 0, ErrForbidden
	}

	reason := model.ReasonAdminGrant
	if amount < 0 {
		reason = model.ReasonAdminDeduct
	}

	balance, err := s.Grant(ctx, accountID, amount, reason, "admin:"+actorID)
	if err != nil {
		return 0, err
	}

	s.logger.Info("admin balance adjustment",
		zap.String("actor", actorID), zap.String("account", accountID), zap.Int64("amount", amount))
	return balance, nil
}
