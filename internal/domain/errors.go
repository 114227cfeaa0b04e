package domain

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeOrderNotFound     Code = "ORDER_NOT_FOUND"
	CodePaymentNotFound   Code = "PAYMENT_NOT_FOUND"
	CodePaymentKeyExpired Code = "PAYMENT_KEY_EXPIRED"
	CodeAmountMismatch    Code = "AMOUNT_MISMATCH"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeProductNotFound   Code = "PRODUCT_NOT_FOUND"
	CodeInsufficientStock Code = "INSUFFICIENT_STOCK"
	CodePGUnavailable     Code = "PG_UNAVAILABLE"
	CodePGRejected        Code = "PG_REJECTED"
	CodeInvalidMessage    Code = "INVALID_MESSAGE"
	CodeInternal          Code = "INTERNAL"
)

// Error carries a stable code so callers and the dead-letter path can tell
// failure kinds apart without parsing messages.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Err       error
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) WithCause(err error) *Error {
	out := *e
	out.Err = err
	return &out
}

var (
	ErrOrderNotFound     = &Error{Code: CodeOrderNotFound, Message: "order not found"}
	ErrPaymentNotFound   = &Error{Code: CodePaymentNotFound, Message: "payment not found"}
	ErrPaymentKeyExpired = &Error{Code: CodePaymentKeyExpired, Message: "cached payment key expired"}
	ErrInvalidState      = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrPGUnavailable     = &Error{Code: CodePGUnavailable, Message: "payment gateway unavailable", Retryable: true}
)

// CodeOf returns the code of the first *Error in the chain, or INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable treats unknown errors (I/O, driver) as transient and typed
// errors as permanent unless marked otherwise.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}
