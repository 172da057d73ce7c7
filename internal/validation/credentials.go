// Package validation проверяет учётные данные на входе в систему.
package validation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

var (
	localPartRe = regexp.MustCompile(`^[a-z0-9._+-]+$`)
	domainRe    = regexp.MustCompile(`^[a-z0-9.-]+\.[a-z]{2,}$`)
	usernameRe  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func invalid(message string) error {
	return apperror.New(apperror.ErrCodeValidation, message)
}

// NormalizeEmail приводит email к виду, в котором он хранится.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail проверяет формат email.
func ValidateEmail(email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return invalid("email обязателен")
	}

	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return invalid("некорректный формат email")
	}
	if len(local) == 0 || len(local) > 64 {
		return invalid("локальная часть email должна быть от 1 до 64 символов")
	}
	if len(domain) == 0 || len(domain) > 255 {
		return invalid("доменная часть email должна быть от 1 до 255 символов")
	}
	if !localPartRe.MatchString(local) {
		return invalid("локальная часть email содержит недопустимые символы")
	}
	if !domainRe.MatchString(domain) {
		return invalid("доменная часть email имеет некорректный формат")
	}
	return nil
}

// ValidateUsername проверяет имя пользователя.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	n := utf8.RuneCountInString(username)
	if n < MinUsernameLength || n > MaxUsernameLength {
		return invalid("имя пользователя должно быть от 3 до 30 символов")
	}
	if !usernameRe.MatchString(username) {
		return invalid("имя пользователя может содержать латинские буквы, цифры и подчёркивание и не может начинаться с цифры")
	}
	return nil
}

// ValidatePassword требует не менее 8 символов, заглавную и строчную букву и цифру.
// Верхняя граница совпадает с пределом bcrypt.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return invalid("пароль должен быть не менее 8 символов")
	}
	if len(password) > MaxPasswordLength {
		return invalid("пароль должен быть не длиннее 72 байт")
	}

	var hasUpper, hasLower, hasNumber bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		}
	}

	switch {
	case !hasUpper:
		return invalid("пароль должен содержать хотя бы одну заглавную букву")
	case !hasLower:
		return invalid("пароль должен содержать хотя бы одну строчную букву")
	case !hasNumber:
		return invalid("пароль должен содержать хотя бы одну цифру")
	}
	return nil
}
