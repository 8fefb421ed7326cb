package auth

import "errors"

var (
	// ErrTokenExpired is returned when a token's exp claim has passed.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid is returned for any other validation failure:
	// bad signature, wrong issuer, malformed claims, wrong algorithm.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
