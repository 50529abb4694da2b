// Copyright 2025 James Ross
// Package pipelineerr holds the error taxonomy shared by the engine, the
// restart coordinator, the query API and the HTTP adapter so none of them
// have to re-derive status codes on their own.
package pipelineerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one entry of the error taxonomy.
type Code string

const (
	CodeUnknownPipelineType Code = "UNKNOWN_PIPELINE_TYPE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeJobNotFound         Code = "JOB_NOT_FOUND"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeJobExecutionError   Code = "JOB_EXECUTION_ERROR"
	CodeStorageError        Code = "STORAGE_ERROR"
	CodeDuplicatePipelineID Code = "DUPLICATE_PIPELINE_ID"
	CodeTimeout             Code = "TIMEOUT"
)

// Error is a taxonomy-tagged error that an HTTP adapter can map to a status
// code without string-matching the message.
type Error struct {
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

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// As is a small helper wrapping errors.As for callers that just want the
// tagged *Error back, mirroring the rest of the codebase's preference for
// sentinel-shaped errors over type switches at call sites.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// HTTPStatus maps a Code to its HTTP status code.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput, CodeInvalidState:
		return http.StatusBadRequest
	case CodeNotFound, CodeJobNotFound, CodeUnknownPipelineType:
		return http.StatusNotFound
	case CodeDuplicatePipelineID:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
