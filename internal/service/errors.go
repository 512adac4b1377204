package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a wallet failure. It is returned to clients verbatim.
type Code string

const (
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeInvalidAmount        Code = "INVALID_AMOUNT"
	CodeAmountTooLarge       Code = "AMOUNT_TOO_LARGE"
	CodeBalanceLimitExceeded Code = "BALANCE_LIMIT_EXCEEDED"
	CodeSelfTransfer         Code = "SELF_TRANSFER_FORBIDDEN"
	CodeAccountNotFound      Code = "ACCOUNT_NOT_FOUND"
	CodeAccountBlocked       Code = "ACCOUNT_BLOCKED"
	CodeInsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	CodeTransactionNotFound  Code = "TRANSACTION_NOT_FOUND"
	CodeStorageReadFailed    Code = "STORAGE_READ_FAILED"
	CodeStorageWriteFailed   Code = "STORAGE_WRITE_FAILED"
	CodeLedgerWriteFailed    Code = "LEDGER_WRITE_FAILED"
)

func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput, CodeInvalidAmount, CodeAmountTooLarge, CodeBalanceLimitExceeded,
		CodeSelfTransfer, CodeInsufficientFunds:
		return http.StatusBadRequest
	case CodeAccountBlocked:
		return http.StatusForbidden
	case CodeAccountNotFound, CodeTransactionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Internal reports whether the failure is a server fault whose cause must
// not be shown to clients.
func (c Code) Internal() bool {
	return c.HTTPStatus() >= http.StatusInternalServerError
}

// Error is the typed failure returned by every Wallet operation.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, service.ErrAccountBlocked).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidInput         = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrInvalidAmount        = &Error{Code: CodeInvalidAmount, Message: "invalid amount"}
	ErrAmountTooLarge       = &Error{Code: CodeAmountTooLarge, Message: "amount too large"}
	ErrBalanceLimitExceeded = &Error{Code: CodeBalanceLimitExceeded, Message: "balance limit exceeded"}
	ErrSelfTransfer         = &Error{Code: CodeSelfTransfer, Message: "cannot transfer to yourself"}
	ErrAccountNotFound      = &Error{Code: CodeAccountNotFound, Message: "account not found"}
	ErrAccountBlocked       = &Error{Code: CodeAccountBlocked, Message: "account is blocked"}
	ErrInsufficientFunds    = &Error{Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrTransactionNotFound  = &Error{Code: CodeTransactionNotFound, Message: "transaction not found"}
	ErrStorageReadFailed    = &Error{Code: CodeStorageReadFailed, Message: "storage read failed"}
	ErrStorageWriteFailed   = &Error{Code: CodeStorageWriteFailed, Message: "storage write failed"}
	ErrLedgerWriteFailed    = &Error{Code: CodeLedgerWriteFailed, Message: "ledger write failed"}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the code from err. Untyped errors count as storage write
// failures since only the store produces them.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorageWriteFailed
}
