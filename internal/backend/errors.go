package backend

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrContract marks a response that is missing or has malformed expected fields.
var ErrContract = errors.New("backend contract violation")

// contractError wraps ErrContract with the offending field.
func contractError(op, field string) error {
	return fmt.Errorf("%s: %w: missing or invalid %q", op, ErrContract, field)
}

// TransportError is a failure to reach the backend at all (DNS, refused
// connection, timeout, cancelled context).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.URL != "":
		return fmt.Sprintf("%s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// APIError is a non-success HTTP status from the backend.
type APIError struct {
	Op     string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: backend returned %d", e.Op, e.Status)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}

func redactURLUserInfo(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
