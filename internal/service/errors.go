package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound - инцидент с таким id неизвестен
	ErrNotFound = errors.New("incident not found")
	// ErrStoreUnavailable - хранилище недоступно. Submit и Resolve восстанавливаются локально
	// и наружу эту ошибку не отдают.
	ErrStoreUnavailable = errors.New("incident store unavailable")
)

// ValidationError - некорректное сообщение об инциденте, отклоняется до любых побочных эффектов
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError сообщает, является ли err ошибкой валидации
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
