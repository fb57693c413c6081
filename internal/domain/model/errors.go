package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for propagation and fallback decisions.
type Kind string

const (
	KindConfiguration        Kind = "ConfigurationError"
	KindValidation           Kind = "ValidationError"
	KindNotFound             Kind = "NotFoundError"
	KindOriginUnavailable    Kind = "OriginUnavailable"
	KindTransformationFailed Kind = "TransformationFailed"
	KindAuthMisconfigured    Kind = "AuthMisconfigured"
	KindCache                Kind = "CacheError"
	KindUnknown              Kind = "UnknownError"
)

// Status maps a Kind to the HTTP status it surfaces as.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindOriginUnavailable:
		return http.StatusBadGateway
	case KindTransformationFailed:
		return http.StatusBadGateway
	case KindAuthMisconfigured, KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure with a context bag for structured logging.
// Context values must never contain secrets; callers store env var names,
// not their values.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Context map[string]string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error. ctx pairs are key, value, key, value.
func NewError(kind Kind, msg string, err error, ctx ...string) *Error {
	e := &Error{Kind: kind, Message: msg, Err: err}
	if len(ctx) > 0 {
		e.Context = make(map[string]string, len(ctx)/2)
		for i := 0; i+1 < len(ctx); i += 2 {
			e.Context[ctx[i]] = ctx[i+1]
		}
	}
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to UnknownError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
