package types

import (
	"errors"
	"fmt"
)

// ResolutionErrorCode categorises resolution failures. Values follow the
// W3C DID Resolution error names where one exists.
type ResolutionErrorCode string

const (
	ErrorCodeInvalidDID                 ResolutionErrorCode = "invalidDid"
	ErrorCodeMethodNotSupported         ResolutionErrorCode = "methodNotSupported"
	ErrorCodeNotFound                   ResolutionErrorCode = "notFound"
	ErrorCodeNetwork                    ResolutionErrorCode = "networkError"
	ErrorCodeTimeout                    ResolutionErrorCode = "timeoutError"
	ErrorCodeInvalidLog                 ResolutionErrorCode = "invalidLog"
	ErrorCodeSignature                  ResolutionErrorCode = "signatureError"
	ErrorCodeDIDMismatch                ResolutionErrorCode = "didMismatch"
	ErrorCodeRepresentationNotSupported ResolutionErrorCode = "representationNotSupported"
	ErrorCodeInvalidDIDDocument         ResolutionErrorCode = "invalidDidDocument"
	ErrorCodeInternal                   ResolutionErrorCode = "internalError"
)

// ResolutionError is a typed resolution failure.
type ResolutionError struct {
	Code    ResolutionErrorCode
	Message string
}

func (e *ResolutionError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *ResolutionError with the same code.
func (e *ResolutionError) Is(target error) bool {
	var other *ResolutionError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Sentinel errors for errors.Is comparisons.
var (
	ErrInvalidDID                 = &ResolutionError{Code: ErrorCodeInvalidDID}
	ErrMethodNotSupported         = &ResolutionError{Code: ErrorCodeMethodNotSupported}
	ErrNotFound                   = &ResolutionError{Code: ErrorCodeNotFound}
	ErrNetwork                    = &ResolutionError{Code: ErrorCodeNetwork}
	ErrTimeout                    = &ResolutionError{Code: ErrorCodeTimeout}
	ErrInvalidLog                 = &ResolutionError{Code: ErrorCodeInvalidLog}
	ErrSignature                  = &ResolutionError{Code: ErrorCodeSignature}
	ErrDIDMismatch                = &ResolutionError{Code: ErrorCodeDIDMismatch}
	ErrRepresentationNotSupported = &ResolutionError{Code: ErrorCodeRepresentationNotSupported}
	ErrInvalidDIDDocument         = &ResolutionError{Code: ErrorCodeInvalidDIDDocument}
	ErrInternal                   = &ResolutionError{Code: ErrorCodeInternal}
)

// NewResolutionError builds a ResolutionError with a formatted message.
func NewResolutionError(code ResolutionErrorCode, format string, args ...any) *ResolutionError {
	return &ResolutionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsResolutionError unwraps err into a *ResolutionError, defaulting to internalError.
func AsResolutionError(err error) *ResolutionError {
	if err == nil {
		return nil
	}
	var re *ResolutionError
	if errors.As(err, &re) {
		if re.Message == "" && err.Error() != re.Error() {
			return &ResolutionError{Code: re.Code, Message: err.Error()}
		}
		return re
	}
	return &ResolutionError{Code: ErrorCodeInternal, Message: err.Error()}
}
