package identity

import "fmt"

// ResolverError is returned when discovery fails in a way the user can fix by
// retrying or entering a different identifier.
type ResolverError struct {
	Code    string
	Message string
	Err     error
}

func (e *ResolverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ResolverError) Unwrap() error {
	return e.Err
}

func resolverErr(code string, err error, format string, args ...any) *ResolverError {
	return &ResolverError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}
