// Package services defines the application-facing logic that sits between the
// HTTP handlers and the upstream clients: session management and read-side
// student/payment queries. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

// Session-related errors.
var (
	// ErrBadCredentials indicates that the Identity service rejected the
	// username/password pair.
	ErrBadCredentials = errors.New("invalid username or password")

	// ErrTokenInvalid is returned when a presented session token cannot be
	// parsed, fails signature verification, or has expired.
	ErrTokenInvalid = errors.New("session token invalid or expired")

	// ErrEmptyCredentials is returned when a login request omits the
	// username or password.
	ErrEmptyCredentials = errors.New("username and password are required")
)
