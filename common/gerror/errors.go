package gerror

import (
	"errors"
	"net/http"
)

const (
	ErrCodeInternal         Code = "Internal"
	ErrCodeValidationFailed Code = "ValidationFailed"
	ErrCodeNotFound         Code = "NotFound"
	ErrCodeNotReady         Code = "NotReady"
	ErrCodeOverloaded       Code = "Overloaded"
	ErrCodeAlreadyExists    Code = "AlreadyExists"
	ErrCodeExecutionFailed  Code = "ExecutionFailed"
	ErrCodeUploadFailed     Code = "UploadFailed"
	ErrCodeShutdown         Code = "Shutdown"
	// ErrCodeHTTPOperationFailed is used client-side when an HTTP response
	// carries an error status but no parseable error document.
	ErrCodeHTTPOperationFailed Code = "HttpOperationFailed"
)

// ToError locates an Error in the provided error chain and returns it if it
// matches the provided code. Otherwise, returns nil.
func ToError(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var gErr Error
	if errors.As(err, &gErr) && gErr.Code() == code {
		return &gErr
	}
	return nil
}

func NewErrInternal() Error {
	return NewError(
		"An internal server error occurred",
		AudienceExternal,
		ErrCodeInternal,
		http.StatusInternalServerError,
		nil,
	)
}

func ToInternal(err error) *Error {
	return ToError(err, ErrCodeInternal)
}

func IsInternal(err error) bool {
	return ToInternal(err) != nil
}

func NewErrValidationFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeValidationFailed, http.StatusBadRequest, nil)
}

func ToValidationFailed(err error) *Error {
	return ToError(err, ErrCodeValidationFailed)
}

func IsValidationFailed(err error) bool {
	return ToValidationFailed(err) != nil
}

func NewErrNotFound(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeNotFound, http.StatusNotFound, nil)
}

func ToNotFound(err error) *Error {
	return ToError(err, ErrCodeNotFound)
}

func IsNotFound(err error) bool {
	return ToNotFound(err) != nil
}

// NewErrNotReady is returned when a job's result or schema is requested
// before the job has reached the ready state.
func NewErrNotReady(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeNotReady, http.StatusBadRequest, nil)
}

func ToNotReady(err error) *Error {
	return ToError(err, ErrCodeNotReady)
}

func IsNotReady(err error) bool {
	return ToNotReady(err) != nil
}

// NewErrOverloaded is returned when the worker pool's queue is saturated and
// cannot accept new submissions. Clients should retry after a backoff.
func NewErrOverloaded() Error {
	return NewError(
		"The server is overloaded; retry later",
		AudienceExternal,
		ErrCodeOverloaded,
		http.StatusServiceUnavailable,
		nil,
	)
}

func ToOverloaded(err error) *Error {
	return ToError(err, ErrCodeOverloaded)
}

func IsOverloaded(err error) bool {
	return ToOverloaded(err) != nil
}

func NewErrAlreadyExists(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeAlreadyExists, http.StatusConflict, nil)
}

func ToAlreadyExists(err error) *Error {
	return ToError(err, ErrCodeAlreadyExists)
}

func IsAlreadyExists(err error) bool {
	return ToAlreadyExists(err) != nil
}

func NewErrExecutionFailed(message string, err error) Error {
	return NewError(message, AudienceInternal, ErrCodeExecutionFailed, http.StatusInternalServerError, err)
}

func ToExecutionFailed(err error) *Error {
	return ToError(err, ErrCodeExecutionFailed)
}

func IsExecutionFailed(err error) bool {
	return ToExecutionFailed(err) != nil
}

func NewErrUploadFailed(message string, err error) Error {
	return NewError(message, AudienceInternal, ErrCodeUploadFailed, http.StatusInternalServerError, err)
}

func ToUploadFailed(err error) *Error {
	return ToError(err, ErrCodeUploadFailed)
}

func IsUploadFailed(err error) bool {
	return ToUploadFailed(err) != nil
}

func NewErrShutdown(message string) Error {
	return NewError(message, AudienceInternal, ErrCodeShutdown, http.StatusServiceUnavailable, nil)
}

func ToShutdown(err error) *Error {
	return ToError(err, ErrCodeShutdown)
}

func IsShutdown(err error) bool {
	return ToShutdown(err) != nil
}
