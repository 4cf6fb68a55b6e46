// Package errs defines the typed error taxonomy shared across finsight.
// Every error carries a stable machine-readable code, distinct from its
// human-readable message, so API clients can branch on failures without
// string matching.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	CodeDocumentProcessing Code = "DOCUMENT_PROCESSING_ERROR"
	CodeEmbedding          Code = "EMBEDDING_ERROR"
	CodeRetrieval          Code = "RETRIEVAL_ERROR"
	CodeLLM                Code = "LLM_ERROR"
	CodeHallucination      Code = "HALLUCINATION_DETECTED"
	CodePIIDetected        Code = "PII_DETECTED"
	CodeGuardrail          Code = "GUARDRAIL_VIOLATION"
	CodeRateLimit          Code = "RATE_LIMIT_EXCEEDED"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error is a structured application error.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports equality by code, so errors.Is(err, &Error{Code: CodeLLM})
// matches any LLM error regardless of message or wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from an error chain, or CodeInternal if the
// chain contains no *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
