package provider

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrorKindAuth        ErrorKind = "auth"
	ErrorKindRateLimit   ErrorKind = "rate_limit"
	ErrorKindNetwork     ErrorKind = "network"
	ErrorKindUpstream    ErrorKind = "upstream"
	ErrorKindInvalidData ErrorKind = "invalid_data"
)

type Error struct {
	Kind       ErrorKind
	Operation  string
	Region     string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	base := fmt.Sprintf("provider %s error", e.Kind)
	if e.Operation != "" {
		base = fmt.Sprintf("%s during %s", base, e.Operation)
	}
	if e.Region != "" {
		base = fmt.Sprintf("%s for region %s", base, e.Region)
	}
	if e.StatusCode > 0 {
		base = fmt.Sprintf("%s (status %d)", base, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", base, e.Err)
	}
	return base
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsKind(err error, kind ErrorKind) bool {
	var providerErr *Error
	if errors.As(err, &providerErr) {
		return providerErr.Kind == kind
	}
	return false
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrorKindAuth
	case status == 429:
		return ErrorKindRateLimit
	default:
		return ErrorKindUpstream
	}
}
