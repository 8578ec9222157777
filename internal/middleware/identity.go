// Package middleware содержит HTTP middleware сервиса персональных книг.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/repository"
)

type contextKey string

const principalKey contextKey = "principal"

const (
	sessionCookieName = "storybook_session"
	sessionCookieTTL  = 365 * 24 * time.Hour
)

// Principal: участник запроса, определённый один раз на запрос.
type Principal struct {
	// AccountID: аккаунт, от имени которого выполняется запрос. Пуст, пока аккаунта нет.
	AccountID string
	// Email заполняется при предъявлении действительного токена.
	Email string
	// SessionKey: ключ анонимной сессии из cookie.
	SessionKey string
	// AnonymousID: анонимный аккаунт cookie, который присоединяется при входе.
	AnonymousID string
}

// Authenticated сообщает, что запрос предъявил действительный токен.
func (p Principal) Authenticated() bool {
	return p.Email != ""
}

// AccountResolver находит аккаунты участников запроса.
type AccountResolver interface {
	AccountByEmail(ctx context.Context, email string) (*model.Account, error)
	AccountBySessionKey(ctx context.Context, sessionKey string) (*model.Account, error)
	EnsureAnonymousAccount(ctx context.Context, sessionKey string) (*model.Account, error)
}

// Identity определяет участника запроса по bearer-токену или подписанному cookie сессии.
type Identity struct {
	secretKey []byte
	tokens    TokenService
	accounts  AccountResolver
	logger    *zap.Logger
}

// NewIdentity создаёт middleware идентификации. Пустой секрет cookie заменяется случайным.
func NewIdentity(sessionSecret string, tokens TokenService, accounts AccountResolver, logger *zap.Logger) *Identity {
	key := []byte(sessionSecret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Identity{
		secretKey: key,
		tokens:    tokens,
		accounts:  accounts,
		logger:    logger,
	}
}

// Resolve определяет участника запроса и кладёт его в контекст.
// Недействительный bearer-токен отклоняется с 401; недействительный cookie игнорируется.
func (i *Identity) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var p Principal

		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			if key, ok := i.parseCookie(cookie.Value); ok {
				p.SessionKey = key
				a, err := i.accounts.AccountBySessionKey(ctx, key)
				switch {
				case err == nil:
					p.AnonymousID = a.ID
				case !errors.Is(err, repository.ErrAccountNotFound):
					i.logger.Error("resolve session account", zap.Error(err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
			}
		}

		if token, ok := bearerToken(r); ok {
			claims, err := i.tokens.Parse(token)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			p.Email = claims.Email

			a, err := i.accounts.AccountByEmail(ctx, claims.Email)
			switch {
			case err == nil:
				p.AccountID = a.ID
			case !errors.Is(err, repository.ErrAccountNotFound):
				i.logger.Error("resolve token account", zap.Error(err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
		} else {
			p.AccountID = p.AnonymousID
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey, p)))
	})
}

// RequireAccount гарантирует наличие аккаунта у участника. Анонимному посетителю
// создаётся аккаунт и выдаётся cookie сессии; пользователь с токеном, ещё не
// выполнивший вход, получает 401.
func (i *Identity) RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		if p.AccountID != "" {
			next.ServeHTTP(w, r)
			return
		}

		if p.Authenticated() {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		if p.SessionKey == "" {
			p.SessionKey = uuid.NewString()
			i.SetSessionCookie(w, p.SessionKey)
		}

		a, err := i.accounts.EnsureAnonymousAccount(r.Context(), p.SessionKey)
		if err != nil {
			i.logger.Error("create anonymous account", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		p.AccountID = a.ID
		p.AnonymousID = a.ID

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// SetSessionCookie устанавливает подписанный cookie с ключом анонимной сессии.
func (i *Identity) SetSessionCookie(w http.ResponseWriter, sessionKey string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    i.sign(sessionKey),
		Path:     "/",
		Expires:  time.Now().Add(sessionCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie удаляет cookie сессии после присоединения анонимного аккаунта.
func (i *Identity) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (i *Identity) sign(value string) string {
	mac := hmac.New(sha256.New, i.secretKey)
	mac.Write([]byte(value))
	return value + "." + hex.EncodeToString(mac.Sum(nil))
}

func (i *Identity) parseCookie(cookieValue string) (string, bool) {
	idx := strings.LastIndex(cookieValue, ".")
	if idx <= 0 {
		return "", false
	}

	value, signature := cookieValue[:idx], cookieValue[idx+1:]
	expected := i.sign(value)[idx+1:]
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", false
	}

	return value, true
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// PrincipalFromContext извлекает участника запроса из контекста.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// AccountIDFromContext извлекает идентификатор аккаунта участника из контекста.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.AccountID == "" {
		return "", false
	}
	return p.AccountID, true
}
