// Package errors defines the typed error carried from services to the HTTP
// layer. Each Code maps to one status, one public message and a retry hint.
package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeIdempotency         Code = "IDEMPOTENCY_KEY_REUSED"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeAlreadyHeld         Code = "ALREADY_HELD"
	CodeInsufficientBalance Code = "INSUFFICIENT_ESCROW_BALANCE"
	CodeDisputeOpen         Code = "DISPUTE_ALREADY_OPEN"
	CodeIntegrity           Code = "INTEGRITY_ERROR"
	CodeTransientStore      Code = "TRANSIENT_STORE_ERROR"
	CodeInternal            Code = "INTERNAL_ERROR"
	CodeDependency          Code = "DEPENDENCY_ERROR"
)

// Metadata is how a Code is presented over HTTP. Retryable tells clients a
// retry with the same idempotency key may succeed.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:          {http.StatusBadRequest, false, "validation failed", true},
	CodeUnauthorized:        {http.StatusUnauthorized, false, "authentication required", false},
	CodeForbidden:           {http.StatusForbidden, false, "access denied", false},
	CodeNotFound:            {http.StatusNotFound, false, "resource not found", false},
	CodeConflict:            {http.StatusConflict, false, "conflict detected", false},
	CodeIdempotency:         {http.StatusConflict, false, "idempotency key reused", true},
	CodeInvalidTransition:   {http.StatusConflict, false, "state transition not allowed", true},
	CodeAlreadyHeld:         {http.StatusConflict, false, "escrow already held", true},
	CodeInsufficientBalance: {http.StatusUnprocessableEntity, false, "insufficient escrow balance", true},
	CodeDisputeOpen:         {http.StatusConflict, false, "dispute already open", true},
	CodeIntegrity:           {http.StatusInternalServerError, false, "escrow integrity check failed", false},
	CodeTransientStore:      {http.StatusServiceUnavailable, true, "storage temporarily unavailable", false},
	CodeInternal:            {http.StatusInternalServerError, true, "internal server error", false},
	CodeDependency:          {http.StatusServiceUnavailable, true, "dependency unavailable", true},
}

// MetadataFor falls back to CodeInternal for codes it does not know.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches code and message to err. A nil err behaves like New.
func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

// WithDetails sets the structured payload shown to clients when the code
// allows it. It mutates and returns e.
func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the outermost *Error in err's chain.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

func Is(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

func IsRetryable(err error) bool {
	typed := As(err)
	return typed != nil && MetadataFor(typed.code).Retryable
}

// Passthrough keeps an already typed err as is and wraps anything else.
func Passthrough(err error, code Code, message string) error {
	switch {
	case err == nil:
		return nil
	case As(err) != nil:
		return err
	default:
		return Wrap(code, err, message)
	}
}
