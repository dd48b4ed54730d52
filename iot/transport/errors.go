// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnsupported is returned, wrapped, by operations a protocol does not provide
	ErrUnsupported = errors.New("operation not supported by this protocol")
	// ErrClosed is returned by operations on a closed transport handle
	ErrClosed = errors.New("transport is closed")
	// ErrUnauthorized matches status errors for 401 answers
	ErrUnauthorized = errors.New("unauthorized")
)

// UnsupportedError names the protocol and operation that is not supported
type UnsupportedError struct {
	Protocol  string
	Operation string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Protocol, e.Operation, ErrUnsupported)
}

// Is makes errors.Is(err, ErrUnsupported) work
func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

// Unsupported returns an UnsupportedError
func Unsupported(protocol, operation string) error {
	return &UnsupportedError{Protocol: protocol, Operation: operation}
}

// Error is a network or client failure during an operation. It is not retried.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError reports a non-2xx answer of the hub
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: hub returned %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: hub returned %d %s: %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Is makes errors.Is(err, ErrUnauthorized) work for 401
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}
