package common

import (
	"errors"

	"github.com/lib/pq"
)

// ErrStaleState - условное обновление не нашло строку в ожидаемом состоянии.
var ErrStaleState = errors.New("entity state changed concurrently")

const uniqueViolationCode = "23505"

// IsUniqueViolation сообщает, что запрос нарушил уникальный индекс.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolationCode
	}
	return false
}
