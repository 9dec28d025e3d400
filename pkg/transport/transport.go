// Package transport adapts the external WhatsApp webhook provider: an HTTP
// receiver normalising inbound notifications and a sender with classified
// failures. The core depends only on the Transport contract.
package transport

import (
	"context"
	"fmt"

	"github.com/denidin/denidin/pkg/types"
)

// Transport sends replies back to the chat a notification came from.
type Transport interface {
	Reply(ctx context.Context, msg types.IncomingMessage, text string) error
}

// SendError is a classified transport failure.
type SendError struct {
	StatusCode int
	Message    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("transport: send failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether a single retry is worthwhile. Client errors
// (4xx other than 429) are not retried; StatusCode 0 means a network or
// timeout failure.
func (e *SendError) Retryable() bool {
	if e.StatusCode == 0 || e.StatusCode == 429 {
		return true
	}
	return e.StatusCode >= 500
}
