package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength минимальная длина пароля оператора
const MinPasswordLength = 6

// ErrWeakPassword пароль короче MinPasswordLength
var ErrWeakPassword = errors.New("пароль слишком короткий")

// HashPassword возвращает bcrypt-хеш пароля оператора для конфигурации
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckPassword сравнивает пароль с bcrypt-хешем
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IsPasswordHash сообщает, похожа ли строка на bcrypt-хеш.
// Открытый пароль в конфиге никогда не пройдёт Authenticate.
func IsPasswordHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}
