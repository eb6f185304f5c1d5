package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConcurrentModification: версия документа в backend уже другая.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrNotFound возвращается, если агрегат отсутствует в backend.
	ErrNotFound = errors.New("not found")
	// ErrRetryExhausted: повторная запись после конфликта тоже получила конфликт.
	ErrRetryExhausted = errors.New("retry exhausted after concurrent modification")
	// ErrStaleCart: snapshot-токен не совпадает с текущим состоянием корзины.
	ErrStaleCart = errors.New("cart changed since checkout snapshot")
	// Неверная пара email/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// Клиент с таким email уже зарегистрирован.
	ErrDuplicateEmail = errors.New("customer email already registered")
	// Корзина уже превращена в заказ.
	ErrCartNotActive = errors.New("cart is not active")
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrInvalidToken классифицируется как неверные учётные данные.
	ErrInvalidToken = fmt.Errorf("password token is invalid or expired: %w", ErrInvalidCredentials)
	// ErrEventRejected: брокер не примет событие ни при каком повторе.
	ErrEventRejected = errors.New("event rejected by broker")
)

// ValidationError описывает отказ backend из-за некорректных данных.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError создаёт ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// UnavailableReason объясняет, почему позицию нельзя заказать.
type UnavailableReason string

const (
	ReasonOutOfStock   UnavailableReason = "out_of_stock"
	ReasonPriceChanged UnavailableReason = "price_changed"
)

// LineItemsUnavailableError возвращается, когда backend отказался создавать заказ из-за конкретных позиций.
type LineItemsUnavailableError struct {
	LineItemIDs []string
	Reasons     map[string]UnavailableReason
}

func (e *LineItemsUnavailableError) Error() string {
	return "line items unavailable: " + strings.Join(e.LineItemIDs, ",")
}

// FailureKind — закрытая классификация отказов backend.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureConcurrentModification
	FailureNotFound
	FailureInvalidCredentials
	FailureLineItemsUnavailable
	FailureValidation
	FailureOther
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureConcurrentModification:
		return "concurrent_modification"
	case FailureNotFound:
		return "not_found"
	case FailureInvalidCredentials:
		return "invalid_credentials"
	case FailureLineItemsUnavailable:
		return "line_items_unavailable"
	case FailureValidation:
		return "validation"
	default:
		return "other"
	}
}

// Classify сводит произвольную ошибку backend к FailureKind.
// Порядок проверок важен: RetryExhausted оборачивает конфликт и классифицируется как конфликт.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	var unavailable *LineItemsUnavailableError
	var validation *ValidationError

	switch {
	case errors.Is(err, ErrConcurrentModification):
		return FailureConcurrentModification
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrInvalidCredentials):
		return FailureInvalidCredentials
	case errors.As(err, &unavailable):
		return FailureLineItemsUnavailable
	case errors.As(err, &validation), errors.Is(err, ErrDuplicateEmail):
		return FailureValidation
	default:
		return FailureOther
	}
}

// IsConcurrentModification проверяет, является ли ошибка конфликтом версий.
func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound проверяет, сообщает ли ошибка об отсутствии агрегата.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NotFoundError оборачивает ErrNotFound типом и идентификатором агрегата.
func NotFoundError(kind AggregateKind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// ConflictError оборачивает ErrConcurrentModification типом, идентификатором и версией.
func ConflictError(kind AggregateKind, id string, version int64) error {
	return fmt.Errorf("%s %q at version %d: %w", kind, id, version, ErrConcurrentModification)
}
