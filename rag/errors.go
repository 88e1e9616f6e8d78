package rag

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyIndex            = errors.New("document has no usable chunks")
	ErrChunkStoreUnavailable = errors.New("chunk store unavailable")
	ErrGeneration            = errors.New("answer generation failed")
	ErrMalformedReply        = errors.New("malformed model reply")
)

// GenerationError is returned once every generation attempt failed.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrGeneration, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() []error {
	return []error{ErrGeneration, e.Err}
}
