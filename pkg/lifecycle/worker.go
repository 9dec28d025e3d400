// Package lifecycle runs the background cleanup pipeline: expired sessions
// are archived, summarised into long-term memory, de-indexed, and marked
// transferred. Every step is idempotent and resumable, so a crash at any
// point is recovered by the next iteration.
package lifecycle

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/denidin/denidin/pkg/session"
	"github.com/denidin/denidin/pkg/summary"
)

// Worker is the single background agent driving the four-step protocol:
// archive → summarise+remember → remove-from-index → mark-transferred.
type Worker struct {
	store      *session.Store
	summariser *summary.Summariser
	interval   time.Duration
	log        zerolog.Logger
	done       chan struct{}
}

// NewWorker wires a Worker. Exactly one instance runs per process.
func NewWorker(store *session.Store, summariser *summary.Summariser, interval time.Duration, log zerolog.Logger) *Worker {
	return &Worker{
		store:      store,
		summariser: summariser,
		interval:   interval,
		log:        log.With().Str("component", "lifecycle_worker").Logger(),
		done:       make(chan struct{}),
	}
}

// Start runs the startup sweep synchronously (crash recovery must finish
// before foreground traffic), then continues periodically until ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.StartupSweep(ctx)
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// Wait blocks until the loop has stopped or the deadline passes.
func (w *Worker) Wait(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// StartupSweep resolves orphan sessions and runs one cleanup iteration.
// Fresh orphans are adopted into the index; stale ones go straight through
// the cleanup protocol.
func (w *Worker) StartupSweep(ctx context.Context) {
	for _, orphan := range w.store.OrphanSessions() {
		if ctx.Err() != nil {
			return
		}
		if w.store.IsExpired(orphan) {
			w.cleanupSession(ctx, orphan)
			continue
		}
		if w.store.Adopt(orphan) {
			w.log.Info().Str("session_id", orphan.ID).Str("chat_id", orphan.ChatID).
				Msg("orphan session loaded to short-term")
		}
	}
	w.RunOnce(ctx)
}

// RunOnce executes one cleanup iteration. One bad session cannot poison the
// cycle; cancellation is honoured between sessions.
func (w *Worker) RunOnce(ctx context.Context) {
	start := time.Now()
	candidates := w.store.SessionsNeedingCleanup()

	for _, sess := range candidates {
		if ctx.Err() != nil {
			return
		}
		w.cleanupSession(ctx, sess)
	}

	if len(candidates) > 0 {
		w.log.Info().Int("candidates", len(candidates)).Dur("elapsed", time.Since(start)).
			Msg("cleanup iteration finished")
	}
}

// cleanupSession drives one session through the four-step protocol. Each
// step logs its elapsed time; a panic is contained to this session.
// Cancellation is checked only at step boundaries so the state machine's
// invariants hold.
func (w *Worker) cleanupSession(ctx context.Context, sess *session.Session) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("session_id", sess.ID).Interface("panic", r).
				Bytes("stack", debug.Stack()).Msg("cleanup panicked, session skipped")
		}
	}()

	log := w.log.With().Str("session_id", sess.ID).Str("chat_id", sess.ChatID).Logger()

	// (a) archive, if still under the active root
	if !sess.Archived() {
		start := time.Now()
		ok := w.store.Archive(sess)
		log.Info().Bool("ok", ok).Dur("elapsed", time.Since(start)).Msg("cleanup: archive")
		if !ok {
			return // retried next cycle
		}
	}
	if ctx.Err() != nil {
		return
	}

	// (b) summarise and remember, unless already transferred
	transferred := sess.TransferredToLongTerm
	if !transferred {
		start := time.Now()
		out := w.summariser.Summarise(ctx, sess)
		log.Info().Bool("ok", out.OK).Bool("fallback", out.UsedFallback).
			Str("memory_id", out.MemoryID).Dur("elapsed", time.Since(start)).
			Msg("cleanup: transfer to long-term")
		transferred = out.OK
	}
	if ctx.Err() != nil {
		return
	}

	// (c) always de-index, so the next message for this chat gets a fresh
	// session even when transfer failed; the untransferred sweep retries.
	if w.store.RemoveFromIndex(sess) {
		log.Debug().Msg("cleanup: removed from index")
	}

	// (d) mark transferred only after a successful transfer
	if transferred && !sess.TransferredToLongTerm {
		if err := w.store.MarkTransferred(sess); err != nil {
			log.Error().Err(err).Msg("cleanup: mark transferred failed")
		}
	}
}
