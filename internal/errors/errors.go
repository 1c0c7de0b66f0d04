// Copyright Ricardo Oliveira 2025.
// SPDX-License-Identifier: MPL-2.0

// Package errors provides standardized error types and handling for the application
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error codes for better error handling
type ErrorCode string

// Standard error codes
const (
	CodeInvalidInput    ErrorCode = "invalid_input"
	CodeOperationFailed ErrorCode = "operation_failed"

	// Provisioning and launch failure taxonomy. Every one of these is
	// fatal to the current invocation; none is retried. Drift detection
	// failure is the one exception: an unreadable installed credential
	// is handled as drift, and the code only tags the audit log.
	CodeKeyGeneration     ErrorCode = "key_generation_failed"
	CodeDriftDetection    ErrorCode = "drift_detection_failed"
	CodePrivilegedInstall ErrorCode = "privileged_install_failed"
	CodeRegistration      ErrorCode = "registration_failed"
	CodeLaunch            ErrorCode = "launch_failed"
)

// AppError represents an application-specific error with context
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]interface{}
}

// Error implements the error interface for AppError
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap implements the unwrap interface to support errors.Is and errors.As
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error in an AppError
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OperationFailed creates a new operation failed error
func OperationFailed(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeOperationFailed,
		Message: fmt.Sprintf("Operation '%s' failed", operation),
		Err:     err,
		Context: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Is checks if the error is of the specified code
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code returns the error code carried by err, or CodeOperationFailed when
// err is not an AppError.
func Code(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeOperationFailed
}
