// Package summary converts an expiring session into one long-term memory
// record. When the LLM cannot summarise, the raw transcript is stored
// instead: no expired session is ever dropped without a durable record.
package summary

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/denidin/denidin/pkg/llm"
	"github.com/denidin/denidin/pkg/memory"
	"github.com/denidin/denidin/pkg/session"
	"github.com/denidin/denidin/pkg/types"
)

// summaryPrompt is the fixed preamble for the summarisation call.
const summaryPrompt = `Summarise the following conversation: key topics, decisions made, and action items. Keep it under 500 words.`

// maxSummaryTokens bounds the summarisation reply.
const maxSummaryTokens = 1024

// Outcome reports how a session's transfer went. The lifecycle worker
// proceeds on OK regardless of UsedFallback.
type Outcome struct {
	OK           bool
	MemoryID     string
	UsedFallback bool
}

// Summariser produces one memory record per expired session.
type Summariser struct {
	store     *session.Store
	mem       *memory.Store
	completer llm.Completer
	model     string
	log       zerolog.Logger
}

// NewSummariser wires a Summariser.
func NewSummariser(store *session.Store, mem *memory.Store, completer llm.Completer, model string, log zerolog.Logger) *Summariser {
	return &Summariser{
		store:     store,
		mem:       mem,
		completer: completer,
		model:     model,
		log:       log.With().Str("component", "summariser").Logger(),
	}
}

// Summarise loads the session's transcript (active or archived), asks the
// LLM for a summary, and stores the result in the per-chat collection. Any
// LLM failure falls back to storing the raw transcript.
func (s *Summariser) Summarise(ctx context.Context, sess *session.Session) Outcome {
	// With long-term memory disabled there is nowhere to transfer to; the
	// session is considered handled so cleanup can finish.
	if s.mem == nil {
		s.log.Debug().Str("session_id", sess.ID).Msg("memory disabled, skipping transfer")
		return Outcome{OK: true}
	}

	msgs, err := s.store.MessagesOf(sess)
	if err != nil {
		s.log.Error().Str("session_id", sess.ID).Err(err).Msg("transcript load failed")
		return Outcome{}
	}

	transcript := formatTranscript(msgs)

	content := ""
	usedFallback := false
	resp, err := s.completer.Complete(ctx, &llm.CompletionRequest{
		Prompt:    summaryPrompt + "\n\n--- CONVERSATION ---\n" + transcript,
		Model:     s.model,
		MaxTokens: maxSummaryTokens,
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Text) == "" {
		if err != nil {
			s.log.Warn().Str("session_id", sess.ID).Err(err).Msg("summarisation failed, storing raw transcript")
		}
		content = transcript
		usedFallback = true
	} else {
		content = resp.Text
	}

	recordType := memory.TypeSessionSummary
	if usedFallback {
		recordType = memory.TypeSummaryFallback
	}

	meta := map[string]string{
		memory.MetaType:        recordType,
		memory.MetaScope:       string(types.ScopePrivate),
		memory.MetaUserPhone:   ownerPhone(sess.ChatID),
		"session_id":           sess.ID,
		"chat_id":              sess.ChatID,
		"session_start":        sess.CreatedAt.UTC().Format(time.RFC3339),
		"session_end":          sess.LastActive.UTC().Format(time.RFC3339),
		"message_count":        strconv.Itoa(len(msgs)),
		"summarization_failed": strconv.FormatBool(usedFallback),
	}

	id, err := s.mem.Remember(ctx, content, memory.CollectionForChat(sess.ChatID), meta)
	if err != nil {
		s.log.Error().Str("session_id", sess.ID).Err(err).Msg("storing session memory failed")
		return Outcome{}
	}

	return Outcome{OK: true, MemoryID: id, UsedFallback: usedFallback}
}

// formatTranscript renders the turns as "[role] content" lines.
func formatTranscript(msgs []*session.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	return b.String()
}

// ownerPhone derives the owning phone from a WhatsApp-style chat id
// ("97250…@c.us" → "+97250…"). Opaque ids own their own records.
func ownerPhone(chatID string) string {
	if at := strings.Index(chatID, "@"); at > 0 {
		phone := chatID[:at]
		if !strings.HasPrefix(phone, "+") {
			phone = "+" + phone
		}
		return phone
	}
	return chatID
}
