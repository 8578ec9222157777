package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/repository"
	"github.com/mmeshcher/storybook/internal/validation"
)

// MergeResult описывает результат слияния анонимного аккаунта с аутентифицированным.
type MergeResult struct {
	Merged        bool
	Transferred   int64
	Books         int64
	Payments      int64
	LedgerEntries int64
}

// MergeAccounts переносит баланс, книги, платежи и журнал анонимного аккаунта
// на целевой и удаляет анонимный аккаунт. Всё выполняется одной транзакцией.
// Отсутствующий анонимный аккаунт не считается ошибкой: Merged будет false.
func (s *Service) MergeAccounts(ctx context.Context, anonymousID, targetID string) (MergeResult, error) {
	var res MergeResult
	err := s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		res, err = merge(ctx, tx, anonymousID, targetID)
		return err
	})
	if err != nil {
		return MergeResult{}, err
	}

	if res.Merged {
		s.logger.Info("accounts merged",
			zap.String("anonymous", anonymousID), zap.String("target", targetID),
			zap.Int64("transferred", res.Transferred), zap.Int64("books", res.Books))
	}
	return res, nil
}

func merge(ctx context.Context, tx repository.Tx, anonymousID, targetID string) (MergeResult, error) {
	if anonymousID == "" || anonymousID == targetID {
		return MergeResult{}, nil
	}

	anon, target, err := lockPair(ctx, tx, anonymousID, targetID)
	if err != nil {
		return MergeResult{}, err
	}
	if anon == nil {
		return MergeResult{}, nil
	}
	if !anon.IsAnonymous() {
		return MergeResult{}, fmt.Errorf("%w: account %s is not anonymous", ErrForbidden, anonymousID)
	}

	moved, err := tx.ReassignAccountData(ctx, anonymousID, targetID)
	if err != nil {
		return MergeResult{}, err
	}

	if anon.Balance > 0 {
		if err := appendEntry(ctx, tx, target, anon.Balance, model.ReasonSessionMerge, anonymousID); err != nil {
			return MergeResult{}, err
		}
	}

	if err := tx.RecordMerge(ctx, anonymousID, targetID); err != nil {
		return MergeResult{}, err
	}
	if err := tx.DeleteAccount(ctx, anonymousID); err != nil {
		return MergeResult{}, err
	}

	return MergeResult{
		Merged:        true,
		Transferred:   anon.Balance,
		Books:         moved.Books,
		Payments:      moved.Payments,
		LedgerEntries: moved.LedgerEntries,
	}, nil
}

// lockPair блокирует оба аккаунта в порядке идентификаторов. Отсутствующий
// анонимный аккаунт возвращается как nil.
func lockPair(ctx context.Context, tx repository.Tx, anonymousID, targetID string) (anon, target *model.Account, err error) {
	lockAnon := func() error {
		anon, err = tx.GetAccountForUpdate(ctx, anonymousID)
		if errors.Is(err, repository.ErrAccountNotFound) {
			anon, err = nil, nil
		}
		return err
	}
	lockTarget := func() error {
		target, err = tx.GetAccountForUpdate(ctx, targetID)
		return err
	}

	first, second := lockAnon, lockTarget
	if targetID < anonymousID {
		first, second = lockTarget, lockAnon
	}

	if err := first(); err != nil {
		return nil, nil, err
	}
	if err := second(); err != nil {
		return nil, nil, err
	}
	return anon, target, nil
}

// SignIn находит или создаёт аккаунт для email и в той же транзакции
// присоединяет к нему анонимный аккаунт сессии, если он есть.
func (s *Service) SignIn(ctx context.Context, email, anonymousID string) (*model.Account, error) {
	email = normalizeEmail(email)
	if err := validation.Email("email", email); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	var (
		account *model.Account
		merged  MergeResult
		err     error
	)

	// Параллельный первый вход с тем же email приводит к конфликту уникальности;
	// повторная попытка находит уже созданный аккаунт.
	for attempt := 0; attempt < 2; attempt++ {
		err = s.repo.WithinTx(ctx, func(tx repository.Tx) error {
			a, err := s.findOrCreateByEmail(ctx, tx, email)
			if err != nil {
				return err
			}

			merged, err = merge(ctx, tx, anonymousID, a.ID)
			if err != nil {
				return err
			}

			account, err = tx.GetAccountForUpdate(ctx, a.ID)
			return err
		})
		if !errors.Is(err, repository.ErrAccountExists) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("signed in",
		zap.String("account", account.ID), zap.Bool("merged", merged.Merged), zap.Int64("transferred", merged.Transferred))
	return account, nil
}

func (s *Service) findOrCreateByEmail(ctx context.Context, tx repository.Tx, email string) (*model.Account, error) {
	a, err := tx.GetAccountByEmailForUpdate(ctx, email)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, err
	}

	a = &model.Account{ID: s.newID(), Email: &email, Role: model.RoleUser}
	if _, ok := s.adminEmails[email]; ok {
		a.Role = model.RoleAdmin
	}
	if err := tx.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// EnsureAnonymousAccount возвращает анонимный аккаунт ключа сессии, создавая его при первом обращении.
func (s *Service) EnsureAnonymousAccount(ctx context.Context, sessionKey string) (*model.Account, error) {
	if sessionKey == "" {
		return nil, fmt.Errorf("%w: session key is required", ErrInvalidInput)
	}

	a, err := s.repo.GetAccountBySessionKey(ctx, sessionKey)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, err
	}

	a = &model.Account{ID: s.newID(), SessionKey: &sessionKey, Role: model.RoleUser}
	if err := s.repo.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			return s.repo.GetAccountBySessionKey(ctx, sessionKey)
		}
		return nil, err
	}

	s.logger.Debug("anonymous account created", zap.String("account", a.ID))
	return a, nil
}

// AccountBySessionKey возвращает анонимный аккаунт без создания нового.
func (s *Service) AccountBySessionKey(ctx context.Context, sessionKey string) (*model.Account, error) {
	return s.repo.GetAccountBySessionKey(ctx, sessionKey)
}

// AccountByEmail возвращает аутентифицированный аккаунт по email.
func (s *Service) AccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return s.repo.GetAccountByEmail(ctx, normalizeEmail(email))
}

// GetAccount возвращает аккаунт по идентификатору.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.repo.GetAccount(ctx, accountID)
}
