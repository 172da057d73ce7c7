package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeProcessor         ErrorCode = "PROCESSOR_ERROR"
	ErrCodeProcessorTimeout  ErrorCode = "PROCESSOR_TIMEOUT"
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"
)

// AppError - ошибка с устойчивым кодом, пригодная для ответа клиенту.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду и сообщению, чтобы обёрнутые копии
// sentinel-ошибок распознавались через errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

// WithCause возвращает копию sentinel-ошибки с причиной.
func (e *AppError) WithCause(cause error) *AppError {
	return &AppError{
		Code:       e.Code,
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		Cause:      cause,
	}
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case ErrCodeProcessor:
		return http.StatusBadGateway
	case ErrCodeProcessorTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// As извлекает AppError из цепочки ошибок.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func HasCode(err error, code ErrorCode) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

func IsForbidden(err error) bool {
	return HasCode(err, ErrCodeForbidden)
}

func IsValidation(err error) bool {
	return HasCode(err, ErrCodeValidation)
}

func IsConflict(err error) bool {
	return HasCode(err, ErrCodeConflict)
}

// IsProcessorFailure сообщает, что ошибка пришла от платёжного процессора.
func IsProcessorFailure(err error) bool {
	return HasCode(err, ErrCodeProcessor) || HasCode(err, ErrCodeProcessorTimeout)
}

var (
	ErrUserNotFound       = New(ErrCodeNotFound, "пользователь не найден")
	ErrUnauthorized       = New(ErrCodeUnauthorized, "требуется авторизация")
	ErrAuthentication     = New(ErrCodeUnauthorized, "невалидные учетные данные подключения")
	ErrForbidden          = New(ErrCodeForbidden, "недостаточно прав")
	ErrNotAuthorized      = New(ErrCodeForbidden, "действие недоступно для этого пользователя")
	ErrInvalidTransition  = New(ErrCodeConflict, "недопустимый переход состояния")
	ErrInternal           = New(ErrCodeInternal, "внутренняя ошибка сервера")
	ErrRateLimited        = New(ErrCodeRateLimited, "слишком много запросов, попробуйте позже")
	ErrInvalidAmount      = New(ErrCodeValidation, "сумма должна быть положительной")
	ErrProcessor          = New(ErrCodeProcessor, "платёжный процессор отклонил операцию")
	ErrProcessorTimeout   = New(ErrCodeProcessorTimeout, "платёжный процессор не ответил вовремя")
	ErrDuplicateReference = New(ErrCodeConflict, "операция с таким reference уже проведена")
	ErrInsufficientFunds  = New(ErrCodeInsufficientFunds, "недостаточно средств на балансе")
	ErrWalletNotFound     = New(ErrCodeNotFound, "кошелёк не найден")
	ErrTransactionMissing = New(ErrCodeNotFound, "транзакция не найдена")
	ErrEmailTaken         = New(ErrCodeConflict, "email уже зарегистрирован")
	ErrInvalidCredentials = New(ErrCodeUnauthorized, "неверный email или пароль")
	ErrAccountDisabled    = New(ErrCodeForbidden, "аккаунт заблокирован")

	ErrOrderNotFound             = New(ErrCodeNotFound, "заказ не найден")
	ErrOrderNotPayable           = New(ErrCodeConflict, "заказ нельзя оплатить")
	ErrPaymentNotFound           = New(ErrCodeNotFound, "платёж не найден")
	ErrPaymentAlreadyExists      = New(ErrCodeConflict, "по заказу уже есть активный платёж")
	ErrPaymentNotInEscrow        = New(ErrCodeConflict, "платёж не находится в escrow")
	ErrPaymentNotRefundable      = New(ErrCodeConflict, "платёж нельзя вернуть в текущем статусе")
	ErrRefundExceedsAmount       = New(ErrCodeValidation, "сумма возврата превышает сумму платежа")
	ErrEscrowHeld                = New(ErrCodeConflict, "escrow заблокирован открытым спором")
	ErrInsufficientWalletBalance = New(ErrCodeInsufficientFunds, "на кошельке исполнителя недостаточно средств для сторнирования")
	ErrPayoutDestinationMissing  = New(ErrCodeValidation, "у исполнителя не настроен счёт для выплат")

	ErrDisputeNotFound      = New(ErrCodeNotFound, "спор не найден")
	ErrDisputeAlreadyExists = New(ErrCodeConflict, "по этому платежу уже открыт спор")
	ErrDisputeResolved      = New(ErrCodeConflict, "спор уже закрыт")
	ErrPaymentNotDisputable = New(ErrCodeConflict, "по платежу в текущем статусе нельзя открыть спор")
	ErrInvalidSplitAmount   = New(ErrCodeValidation, "суммы возврата и выплаты должны давать сумму платежа")
	ErrInvalidResolution    = New(ErrCodeValidation, "неизвестный тип решения спора")
	ErrRefundInProgress     = New(ErrCodeConflict, "по платежу уже проведён возврат другой суммы")

	ErrPayoutNotFound = New(ErrCodeNotFound, "выплата не найдена")

	ErrNotificationNotFound = New(ErrCodeNotFound, "уведомление не найдено")

	ErrChatNotFound        = New(ErrCodeNotFound, "чат не найден")
	ErrMessageNotFound     = New(ErrCodeNotFound, "сообщение не найдено")
	ErrNotParticipant      = New(ErrCodeForbidden, "пользователь не участник чата")
	ErrMessageTooOldToEdit = New(ErrCodeConflict, "сообщение уже нельзя редактировать")
	ErrChatBlocked         = New(ErrCodeConflict, "чат заблокирован")
	ErrEmptyMessage        = New(ErrCodeValidation, "сообщение не может быть пустым")
)
