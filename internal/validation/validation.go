// Package validation содержит функции валидации входных данных.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// FieldError описывает некорректное поле запроса.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

func fieldError(field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DecodeJSON разбирает единственный JSON-объект из body в dst.
// Неизвестные поля и данные после объекта считаются ошибкой.
func DecodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			return fieldError("body", "must not be empty")
		case errors.As(err, &typeErr):
			return fieldError(typeErr.Field, "must be %s", typeErr.Type)
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			name := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
			return fieldError(name, "is not allowed")
		default:
			return fieldError("body", "malformed JSON")
		}
	}

	if dec.More() {
		return fieldError("body", "must contain a single JSON object")
	}
	return nil
}

// Text проверяет, что строка без крайних пробелов содержит от min до max символов.
func Text(field, value string, min, max int) error {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	switch {
	case n == 0 && min > 0:
		return fieldError(field, "is required")
	case n < min:
		return fieldError(field, "must be at least %d characters", min)
	case n > max:
		return fieldError(field, "must be at most %d characters", max)
	}
	return nil
}

// Email выполняет базовую проверку адреса электронной почты.
func Email(field, value string) error {
	value = strings.TrimSpace(value)
	at := strings.LastIndex(value, "@")
	if at <= 0 || at == len(value)-1 || strings.ContainsAny(value, " \t\r\n") {
		return fieldError(field, "must be a valid email")
	}
	if !strings.Contains(value[at+1:], ".") {
		return fieldError(field, "must be a valid email")
	}
	return nil
}

// Range проверяет, что значение лежит в отрезке [min, max].
func Range(field string, value, min, max int64) error {
	if value < min || value > max {
		return fieldError(field, "must be between %d and %d", min, max)
	}
	return nil
}

// NonZero проверяет, что значение отлично от нуля и по модулю не превышает max.
func NonZero(field string, value, max int64) error {
	if value == 0 {
		return fieldError(field, "must not be zero")
	}
	if value > max || value < -max {
		return fieldError(field, "must be between %d and %d", -max, max)
	}
	return nil
}

// Reference проверяет внешний идентификатор: печатные символы без пробелов, не длиннее 128.
func Reference(field, value string) error {
	if value == "" {
		return fieldError(field, "is required")
	}
	if len(value) > 128 {
		return fieldError(field, "must be at most 128 characters")
	}
	for _, r := range value {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return fieldError(field, "must contain printable ASCII characters only")
		}
	}
	return nil
}
