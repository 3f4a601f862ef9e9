package transmit

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a transmission failure
type Kind string

// Failure kinds
const (
	KindInvalidFormat           Kind = "invalid_format"
	KindNoCredential            Kind = "no_credential"
	KindInvalidCredentialConfig Kind = "invalid_credential_config"
	KindHTTP                    Kind = "http_error"
	KindSOAPFault               Kind = "soap_fault"
	KindBusiness                Kind = "business_error"
	KindParse                   Kind = "parse_error"
	KindEmptyResponse           Kind = "empty_response"
	KindAuthFailure             Kind = "auth_failure"
)

// maxExcerpt bounds the response text carried in an error
const maxExcerpt = 500

// Error is a classified transmission failure
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Body       string
	Err        error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindHTTP:
		msg = fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
		if e.Body != "" {
			msg += ": " + Excerpt(e.Body)
		}
	case KindSOAPFault:
		msg = "SOAP fault: " + e.Message
	case KindBusiness:
		msg = "host rejected document: " + e.Message
	case KindParse:
		msg = "unparseable response: " + e.Message
	case KindEmptyResponse:
		msg = "empty response: " + e.Message
	case KindAuthFailure:
		msg = "authentication failed: " + e.Message
	case KindInvalidFormat:
		msg = "unsupported format: " + e.Message
	case KindNoCredential:
		msg = "no credential: " + e.Message
	case KindInvalidCredentialConfig:
		msg = "credential misconfigured: " + e.Message
	default:
		msg = e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the remote status code, or 0 when none applies
func (e *Error) HTTPStatus() int {
	return e.StatusCode
}

// Permanent reports configuration failures, which are never retried
func (e *Error) Permanent() bool {
	switch e.Kind {
	case KindInvalidFormat, KindNoCredential, KindInvalidCredentialConfig:
		return true
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or ""
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsConfigError reports InvalidFormat, NoCredential and InvalidCredentialConfig
func IsConfigError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Permanent()
}

// Excerpt truncates s for diagnostics
func Excerpt(s string) string {
	r := []rune(s)
	if len(r) <= maxExcerpt {
		return s
	}
	return string(r[:maxExcerpt]) + "..."
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
