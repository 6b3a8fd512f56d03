package server

import "errors"

// Server-specific errors
var (
	ErrNodeClosed     = errors.New("node is closed")
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRateLimited    = errors.New("rate limit exceeded")
)
