package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/storybook/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	retryDelays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:        pool,
		retryDelays: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликте сериализации, взаимной блокировке и обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.retryDelays) {
			break
		}

		timer := time.NewTimer(r.retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// WithinTx выполняет fn в одной транзакции. Ошибка fn откатывает все изменения;
// конфликт сериализации повторяет fn целиком на свежем снимке.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// querier объединяет пул и транзакцию для общих запросов чтения.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const accountColumns = `id, session_key, email, balance, role, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a    model.Account
		role string
	)
	if err := row.Scan(&a.ID, &a.SessionKey, &a.Email, &a.Balance, &role, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Role = model.Role(role)
	return &a, nil
}

func createAccount(ctx context.Context, q querier, a *model.Account) error {
	if a.Role == "" {
		a.Role = model.RoleUser
	}
	err := q.QueryRow(ctx,
		`INSERT INTO accounts (id, session_key, email, balance, role) VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		a.ID, a.SessionKey, a.Email, a.Balance, string(a.Role),
	).Scan(&a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// CreateAccount создаёт аккаунт вне транзакции.
func (r *PostgresRepository) CreateAccount(ctx context.Context, a *model.Account) error {
	return createAccount(ctx, r.pool, a)
}

// GetAccount возвращает аккаунт по идентификатору.
func (r *PostgresRepository) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// GetAccountBySessionKey возвращает анонимный аккаунт по ключу сессии.
func (r *PostgresRepository) GetAccountBySessionKey(ctx context.Context, key string) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE session_key = $1`, key))
}

// GetAccountByEmail возвращает аутентифицированный аккаунт по email.
func (r *PostgresRepository) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

// ListLedgerEntries возвращает последние записи журнала аккаунта, новые первыми.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, amount, reason, reference_id, balance_after, merged_from, created_at
		 FROM ledger_entries
		 WHERE account_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e      model.LedgerEntry
			reason string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &reason, &e.ReferenceID, &e.BalanceAfter, &e.MergedFrom, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Reason = model.Reason(reason)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SumLedger возвращает сумму собственных записей журнала аккаунта (без перенесённых при слиянии).
func (r *PostgresRepository) SumLedger(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1 AND merged_from IS NULL`,
		accountID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return sum, nil
}

// pgTx реализует Tx поверх транзакции pgx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	return createAccount(ctx, t.tx, a)
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetAccountByEmailForUpdate(ctx context.Context, email string) (*model.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1 FOR UPDATE`, email))
}

func (t *pgTx) SetBalance(ctx context.Context, id string, balance int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $2 WHERE id = $1`, id, balance)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (account_id, amount, reason, reference_id, balance_after)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		e.AccountID, e.Amount, string(e.Reason), e.ReferenceID, e.BalanceAfter,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) (bool, error) {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO payments (id, account_id, reference, credits)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (reference) DO NOTHING
		 RETURNING created_at`,
		p.ID, p.AccountID, p.Reference, p.Credits,
	).Scan(&p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return true, nil
}

func (t *pgTx) ReassignAccountData(ctx context.Context, fromID, toID string) (Reassigned, error) {
	var res Reassigned

	tag, err := t.tx.Exec(ctx, `UPDATE books SET account_id = $2 WHERE account_id = $1`, fromID, toID)
	if err != nil {
		return res, fmt.Errorf("reassign books: %w", err)
	}
	res.Books = tag.RowsAffected()

	tag, err = t.tx.Exec(ctx, `UPDATE payments SET account_id = $2 WHERE account_id = $1`, fromID, toID)
	if err != nil {
		return res, fmt.Errorf("reassign payments: %w", err)
	}
	res.Payments = tag.RowsAffected()

	tag, err = t.tx.Exec(ctx,
		`UPDATE ledger_entries SET account_id = $2, merged_from = COALESCE(merged_from, $1) WHERE account_id = $1`,
		fromID, toID,
	)
	if err != nil {
		return res, fmt.Errorf("reassign ledger entries: %w", err)
	}
	res.LedgerEntries = tag.RowsAffected()

	return res, nil
}

func (t *pgTx) RecordMerge(ctx context.Context, fromID, toID string) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO account_merges (source_id, target_id) VALUES ($1, $2)
		 ON CONFLICT (source_id) DO UPDATE SET target_id = EXCLUDED.target_id, merged_at = now()`,
		fromID, toID,
	)
	if err != nil {
		return fmt.Errorf("insert account merge: %w", err)
	}
	return nil
}

func (t *pgTx) MergedInto(ctx context.Context, id string) (string, error) {
	var to string
	err := t.tx.QueryRow(ctx, `SELECT target_id FROM account_merges WHERE source_id = $1`, id).Scan(&to)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("select account merge: %w", err)
	}
	return to, nil
}

func (t *pgTx) DeleteAccount(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
