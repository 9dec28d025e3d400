package session

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	// ErrForbidden is returned for zero-token-limit appends; the operation
	// fails without any mutation.
	ErrForbidden = errors.New("operation forbidden for zero token limit")
	// ErrMessageTooLarge is returned when a single message exceeds the
	// caller's token limit on its own; the operation fails without any
	// mutation, since evicting the whole history still could not fit it.
	ErrMessageTooLarge = errors.New("message exceeds token limit")
)
