package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Error codes of the delivery core. Callers branch on these through
// errs.Code / the Is* helpers, never on message text.
const (
	CodeValidation      = 1001 // bad input, rejected synchronously, never retried
	CodeCapacity        = 1002 // per-user connection cap exceeded
	CodeTransient       = 1003 // remote unreachable / timeout / socket closed mid-write
	CodeClockRegression = 1004 // id generator saw the clock move backwards
	CodeRetryExhausted  = 1005 // retry engine gave up after maxRetries
	CodeNotFound        = 1006
	CodeInternal        = 1500
)

var (
	ErrValidation        = NewCodeError(CodeValidation, "invalid argument")
	ErrCapacity          = NewCodeError(CodeCapacity, "connection cap exceeded")
	ErrTransientDelivery = NewCodeError(CodeTransient, "transient delivery failure")
	ErrClockRegression   = NewCodeError(CodeClockRegression, "clock moved backwards")
	ErrRetryExhausted    = NewCodeError(CodeRetryExhausted, "retry attempts exhausted")
	ErrNotFound          = NewCodeError(CodeNotFound, "record not found")
)

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra context; the original sentinel
// stays comparable via errors.Is.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Code extracts the error code, or CodeInternal for foreign errors.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

func IsValidation(err error) bool { return Code(err) == CodeValidation }
func IsCapacity(err error) bool   { return Code(err) == CodeCapacity }
func IsTransient(err error) bool  { return Code(err) == CodeTransient }
