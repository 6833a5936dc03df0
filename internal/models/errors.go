package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrorCode is the machine-readable code returned to clients
type ErrorCode string

const (
	CodeValidation               ErrorCode = "VALIDATION_ERROR"
	CodeCartMismatch             ErrorCode = "CART_MISMATCH"
	CodeInsufficientStock        ErrorCode = "INSUFFICIENT_STOCK"
	CodeDiscountInvalid          ErrorCode = "DISCOUNT_INVALID"
	CodeIntentNotFound           ErrorCode = "INTENT_NOT_FOUND"
	CodeIntentExpired            ErrorCode = "INTENT_EXPIRED"
	CodeIntentInvalidState       ErrorCode = "INTENT_INVALID_STATE"
	CodeInvalidLockState         ErrorCode = "INVALID_LOCK_STATE"
	CodeLockNotFound             ErrorCode = "LOCK_NOT_FOUND"
	CodeOrderNotFound            ErrorCode = "ORDER_NOT_FOUND"
	CodePaymentSignatureMismatch ErrorCode = "PAYMENT_SIGNATURE_MISMATCH"
	CodeGatewayUnavailable       ErrorCode = "GATEWAY_UNAVAILABLE"
	CodeServiceUnavailable       ErrorCode = "SERVICE_UNAVAILABLE"
)

// Sentinels for errors.Is; an *Error matches any sentinel carrying the same code.
var (
	ErrValidation               = &Error{Code: CodeValidation}
	ErrCartMismatch             = &Error{Code: CodeCartMismatch}
	ErrInsufficientStock        = &Error{Code: CodeInsufficientStock}
	ErrDiscountInvalid          = &Error{Code: CodeDiscountInvalid}
	ErrIntentNotFound           = &Error{Code: CodeIntentNotFound}
	ErrIntentExpired            = &Error{Code: CodeIntentExpired}
	ErrIntentInvalidState       = &Error{Code: CodeIntentInvalidState}
	ErrInvalidLockState         = &Error{Code: CodeInvalidLockState}
	ErrLockNotFound             = &Error{Code: CodeLockNotFound}
	ErrOrderNotFound            = &Error{Code: CodeOrderNotFound}
	ErrPaymentSignatureMismatch = &Error{Code: CodePaymentSignatureMismatch}
	ErrGatewayUnavailable       = &Error{Code: CodeGatewayUnavailable}
	ErrServiceUnavailable       = &Error{Code: CodeServiceUnavailable}
)

// ErrNotFound is returned by repositories when a row does not exist
var ErrNotFound = errors.New("record not found")

// Mismatch reasons reported by cart revalidation
const (
	MismatchNotFound          = "not_found"
	MismatchInactive          = "inactive"
	MismatchPriceChanged      = "price_changed"
	MismatchInsufficientStock = "insufficient_stock"
)

// CartMismatch describes one line that no longer matches the catalog
type CartMismatch struct {
	ProductID     int64            `json:"product_id"`
	VariantID     *int64           `json:"variant_id,omitempty"`
	Reason        string           `json:"reason"`
	Message       string           `json:"message"`
	ExpectedPrice *decimal.Decimal `json:"expected_price,omitempty"`
	CurrentPrice  *decimal.Decimal `json:"current_price,omitempty"`
	Available     *int             `json:"available,omitempty"`
}

// Error is the checkout domain error
type Error struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Violations []string       `json:"violations,omitempty"`
	Mismatches []CartMismatch `json:"mismatches,omitempty"`
	Available  *int           `json:"available,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Violations) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Violations, "; "))
		b.WriteString("]")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so wrapped domain errors compare equal to the sentinels
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func NewValidationError(violations ...string) *Error {
	return &Error{Code: CodeValidation, Message: "request is invalid", Violations: violations}
}

func NewCartMismatch(mismatches []CartMismatch) *Error {
	return &Error{
		Code:       CodeCartMismatch,
		Message:    fmt.Sprintf("%d cart line(s) no longer match the catalog", len(mismatches)),
		Mismatches: mismatches,
	}
}

func NewInsufficientStock(target Target, requested, available int) *Error {
	if available < 0 {
		available = 0
	}
	return &Error{
		Code:      CodeInsufficientStock,
		Message:   fmt.Sprintf("only %d available for %s, requested %d", available, target, requested),
		Available: &available,
	}
}

// NewStockShortfall reports cart lines whose only problem is stock
func NewStockShortfall(mismatches []CartMismatch) *Error {
	return &Error{
		Code:       CodeInsufficientStock,
		Message:    fmt.Sprintf("%d cart line(s) exceed available stock", len(mismatches)),
		Mismatches: mismatches,
	}
}

func NewDiscountInvalid(code string, reasons ...string) *Error {
	return &Error{
		Code:       CodeDiscountInvalid,
		Message:    fmt.Sprintf("discount code %q cannot be applied", code),
		Violations: reasons,
	}
}

func NewIntentNotFound(id string) *Error {
	return &Error{Code: CodeIntentNotFound, Message: fmt.Sprintf("intent %s not found", id)}
}

func NewIntentExpired(id string) *Error {
	return &Error{Code: CodeIntentExpired, Message: fmt.Sprintf("intent %s has expired", id)}
}

func NewIntentInvalidState(id string, status IntentStatus, op string) *Error {
	return &Error{
		Code:    CodeIntentInvalidState,
		Message: fmt.Sprintf("cannot %s intent %s in status %s", op, id, status),
	}
}

func NewInvalidLockState(id string, status LockStatus, op string) *Error {
	return &Error{
		Code:    CodeInvalidLockState,
		Message: fmt.Sprintf("cannot %s lock %s in status %s", op, id, status),
	}
}

func NewLockNotFound(id string) *Error {
	return &Error{Code: CodeLockNotFound, Message: fmt.Sprintf("lock %s not found", id)}
}

func NewOrderNotFound(id string) *Error {
	return &Error{Code: CodeOrderNotFound, Message: fmt.Sprintf("order %s not found", id)}
}

// NewPaymentSignatureMismatch never carries the offending values
func NewPaymentSignatureMismatch() *Error {
	return &Error{Code: CodePaymentSignatureMismatch, Message: "payment could not be verified"}
}

func NewGatewayUnavailable(cause error) *Error {
	return &Error{Code: CodeGatewayUnavailable, Message: "payment gateway unavailable", cause: cause}
}

func NewServiceUnavailable(reason string) *Error {
	return &Error{Code: CodeServiceUnavailable, Message: reason}
}
