package token

import "errors"

var (
	errEmptyToken    = errors.New("token: empty token")
	errInvalidFormat = errors.New("token: invalid format")
)
