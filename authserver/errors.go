package authserver

import (
	"errors"
	"fmt"
)

// ErrMalformedTokenResponse means the server broke the token response
// contract. Retrying will not help.
var ErrMalformedTokenResponse = errors.New("malformed token response")

// FetchResponseError is returned when a response arrived but could not be
// used, for example because it was not JSON.
type FetchResponseError struct {
	Status  int
	Message string
}

func (e *FetchResponseError) Error() string {
	return fmt.Sprintf("unusable response (status %d): %s", e.Status, e.Message)
}

// OAuthResponseError carries a structured error from the authorization
// server.
type OAuthResponseError struct {
	Status      int
	Code        string
	Description string
}

func (e *OAuthResponseError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %s (status %d): %s", e.Code, e.Status, e.Description)
	}
	return fmt.Sprintf("oauth error %s (status %d)", e.Code, e.Status)
}

func (e *OAuthResponseError) IsInvalidGrant() bool {
	return e.Code == "invalid_grant"
}

// TokenRefreshError means a session can no longer be refreshed and the user
// has to sign in again.
type TokenRefreshError struct {
	Sub     string
	Message string
	Err     error
}

func (e *TokenRefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token refresh failed for %s: %s: %v", e.Sub, e.Message, e.Err)
	}
	return fmt.Sprintf("token refresh failed for %s: %s", e.Sub, e.Message)
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}
