package reset

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidToken = errors.New("reset token invalid or expired")
	ErrConfig       = errors.New("reset config invalid")
)
