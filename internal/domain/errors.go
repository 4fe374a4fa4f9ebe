package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrTaskTerminal  = errors.New("task is in a terminal state")
	ErrTaskRunning   = errors.New("task is still running")
	ErrDuplicate     = errors.New("duplicate request")
	ErrNoTicker      = errors.New("no ticker available")
	ErrRateLimited   = errors.New("request weight limit reached")
	ErrInvalidTask   = errors.New("invalid trade task")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrWSDisconnect  = errors.New("websocket disconnected")
)

// APIError is a structured venue rejection.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Message)
}
