package domain

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrTooLarge           = errors.New("file too large")
	ErrMissingChunk       = errors.New("missing chunk")
	ErrUnsupportedContent = errors.New("unsupported content type")
	ErrAlreadyCompleted   = errors.New("transfer already completed")
	ErrNotFound           = errors.New("not found")
)
