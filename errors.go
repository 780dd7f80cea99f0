package oauth

import "fmt"

// LoginError means a callback could not be matched to a login that this
// client started, or was missing required parameters.
type LoginError struct {
	Message string
	Err     error
}

func (e *LoginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login failed: %s: %v", e.Message, e.Err)
	}
	return "login failed: " + e.Message
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// AuthorizationError is the error the authorization server redirected back
// with, for example access_denied when the user cancels.
type AuthorizationError struct {
	Code        string
	Description string
	AppState    string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
	}
	return "authorization failed: " + e.Code
}
