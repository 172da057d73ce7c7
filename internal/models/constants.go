package models

// Роли пользователей
const (
	RoleUser    = "user"
	RoleArtisan = "artisan"
	RoleAdmin   = "admin"
)

// ValidRoles список ролей, доступных при регистрации (admin назначается вручную)
var ValidRoles = map[string]struct{}{
	RoleUser:    {},
	RoleArtisan: {},
}

// OrderStatus константы статусов заказов
const (
	OrderStatusPending      = "pending"
	OrderStatusConfirmed    = "confirmed"
	OrderStatusInProgress   = "in_progress"
	OrderStatusCompleted    = "completed"
	OrderStatusCancelled    = "cancelled"
	OrderStatusDisputed     = "disputed"
	OrderStatusRefunded     = "refunded"
	OrderStatusRefundReview = "refund_review"
)

// Статусы оплаты заказа
const (
	OrderPaymentStatusUnpaid     = "unpaid"
	OrderPaymentStatusProcessing = "processing"
	OrderPaymentStatusPaid       = "paid"
	OrderPaymentStatusReleased   = "released"
	OrderPaymentStatusFailed     = "failed"
	OrderPaymentStatusRefunded   = "refunded"
)

var payableOrderStatuses = map[string]struct{}{
	OrderStatusPending:   {},
	OrderStatusConfirmed: {},
}

// Причины автоматического возврата
const (
	RefundReasonServiceNotStarted  = "service_not_started"
	RefundReasonArtisanUnavailable = "artisan_unavailable"
	RefundReasonCustomerRequest    = "customer_request"
	RefundReasonSystemError        = "system_error"
)

// AutoRefundReasons причины, допускающие возврат без участия администратора
var AutoRefundReasons = map[string]struct{}{
	RefundReasonServiceNotStarted:  {},
	RefundReasonArtisanUnavailable: {},
	RefundReasonCustomerRequest:    {},
	RefundReasonSystemError:        {},
}
