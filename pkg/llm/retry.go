package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// retryBackoff is the fixed wait before the single retry of a transient
// provider failure.
const retryBackoff = time.Second

// DoWithRetry runs fn, retrying exactly once after a fixed backoff when the
// failure classifies as transient. Permanent (4xx) failures return
// immediately.
func DoWithRetry(ctx context.Context, log zerolog.Logger, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	pe := Classify(err)
	if !pe.Retryable() {
		return pe
	}

	log.Warn().Str("op", op).Str("kind", string(pe.Kind)).Err(pe).Msg("transient provider failure, retrying once")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryBackoff):
	}

	if err := fn(ctx); err != nil {
		return Classify(err)
	}
	return nil
}
