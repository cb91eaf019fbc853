package dispatch

import "errors"

var (
	ErrDisabled  = errors.New("dispatcher disabled")
	ErrStopped   = errors.New("dispatcher stopped")
	ErrQueueFull = errors.New("dispatcher queue full")
	ErrNilTask   = errors.New("task func is nil")
)
