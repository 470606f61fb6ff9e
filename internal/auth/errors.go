package auth

import "errors"

var (
	// ErrInvalidToken wraps every token parsing or validation failure.
	ErrInvalidToken = errors.New("invalid token")

	ErrChallengeNotFound = errors.New("auth: no pending challenge for address")
	ErrBadSignature      = errors.New("auth: signature does not match address")

	errMissingSecret = errors.New("auth: " + secretEnvVariable + " is not set")
)
