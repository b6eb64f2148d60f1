package registry

import "errors"

var (
	ErrNotFound = errors.New("registry: not found")
	ErrClosed   = errors.New("registry: closed")
)
