/*
Copyright 2024 Referral Payouts Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package payerr classifies every failure in the payout pipeline as either
// permanent (never retried) or transient (handed back to the queue for retry).
package payerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind decides the retry policy of an error.
type Kind string

const (
	KindPermanent Kind = "PERMANENT"
	KindTransient Kind = "TRANSIENT"
)

// Code is a machine readable reason attached to an Error.
type Code string

const (
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeUnsupportedCurrency Code = "UNSUPPORTED_CURRENCY"
	CodeProviderMismatch    Code = "PROVIDER_MISMATCH"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeConfigMismatch      Code = "CONFIG_MISMATCH"
	CodeNotFound            Code = "NOT_FOUND"
	CodeIllegalTransition   Code = "ILLEGAL_TRANSITION"
	CodeProviderRejected    Code = "PROVIDER_REJECTED"
	CodeNetwork             Code = "NETWORK"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeBreakerOpen         Code = "BREAKER_OPEN"
	CodeStorage             Code = "STORAGE"
	CodeUnknown             Code = "UNKNOWN"
)

// Error is the tagged error type raised by every component of the pipeline.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
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

// Permanent builds an error that must never be retried.
func Permanent(code Code, message string, err error) *Error {
	return &Error{Kind: KindPermanent, Code: code, Message: message, Err: err}
}

// Transient builds an error the queue is expected to retry.
func Transient(code Code, message string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: message, Err: err}
}

// Permanentf is Permanent with a formatted message and no cause.
func Permanentf(code Code, format string, args ...interface{}) *Error {
	return Permanent(code, fmt.Sprintf(format, args...), nil)
}

// Transientf is Transient with a formatted message and no cause.
func Transientf(code Code, format string, args ...interface{}) *Error {
	return Transient(code, fmt.Sprintf(format, args...), nil)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf reports the retry kind of err. Anything that was not classified
// upstream is treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	pe, ok := As(err)
	if !ok {
		return KindTransient
	}
	switch pe.Kind {
	case KindPermanent:
		return KindPermanent
	case KindTransient:
		return KindTransient
	default:
		return KindTransient
	}
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	if pe, ok := As(err); ok {
		return pe.Code
	}
	return CodeUnknown
}

func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// Classify returns err as an *Error, tagging unclassified errors. Context
// deadlines and network failures become transient NETWORK errors; anything
// else becomes a transient UNKNOWN error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := As(err); ok {
		return pe
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return Transient(CodeNetwork, "network failure", err)
	}
	return Transient(CodeUnknown, "unclassified failure", err)
}

// Reason returns the operator facing message for err, without causes.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if pe, ok := As(err); ok {
		return fmt.Sprintf("%s: %s", pe.Code, pe.Message)
	}
	return err.Error()
}

// HTTPStatus maps err onto the status code returned by the operator API.
func HTTPStatus(err error) int {
	pe, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch pe.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIllegalTransition:
		return http.StatusConflict
	case CodeInvalidInput, CodeUnsupportedCurrency, CodeProviderMismatch:
		return http.StatusBadRequest
	case CodeInsufficientFunds, CodeProviderRejected:
		return http.StatusUnprocessableEntity
	case CodeBreakerOpen, CodeProviderUnavailable, CodeRateLimited, CodeNetwork, CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
