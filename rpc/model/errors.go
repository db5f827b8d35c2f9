// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package model

import (
	"fmt"
)

const (
	// AccessDeniedShape is sent when authorization refuses an operation.
	AccessDeniedShape ShapeID = "aws#AccessDenied"

	// UnsupportedOperationShape is sent for an operation the service
	// model does not know.
	UnsupportedOperationShape ShapeID = "aws#UnsupportedOperation"

	// ValidationExceptionShape is sent when a payload does not decode
	// as the shape it claims to be.
	ValidationExceptionShape ShapeID = "aws#ValidationException"
)

// AccessDenied is the modeled error for a denied operation.
type AccessDenied struct {
	Message string `json:"message,omitempty"`
}

func (e *AccessDenied) Error() string {
	return withMessage("access denied", e.Message)
}

// UnsupportedOperation is the modeled error for an unknown operation.
type UnsupportedOperation struct {
	Message string `json:"message,omitempty"`
}

func (e *UnsupportedOperation) Error() string {
	return withMessage("unsupported operation", e.Message)
}

// ValidationException is the modeled error for a request that could not
// be deserialized.
type ValidationException struct {
	Message string `json:"message,omitempty"`
}

func (e *ValidationException) Error() string {
	return withMessage("validation failed", e.Message)
}

func withMessage(prefix, msg string) string {
	if msg == "" {
		return prefix
	}
	return prefix + ": " + msg
}

func frameworkShapes() []*Shape {
	return []*Shape{
		Error[*AccessDenied](AccessDeniedShape),
		Error[*UnsupportedOperation](UnsupportedOperationShape),
		Error[*ValidationException](ValidationExceptionShape),
	}
}

// DeserializationError is returned when a payload cannot be decoded as
// the requested shape.
type DeserializationError struct {
	Shape ShapeID
	Err   error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("cannot deserialize %q: %v", e.Shape, e.Err)
}

// Unwrap returns the underlying decoding error.
func (e *DeserializationError) Unwrap() error {
	return e.Err
}
