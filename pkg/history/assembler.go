// Package history composes the LLM input for one turn: the constitution
// preamble, a recalled-memories block, and the suffix of the conversation
// that fits the caller's token budget.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/denidin/denidin/pkg/llm"
	"github.com/denidin/denidin/pkg/memory"
	"github.com/denidin/denidin/pkg/session"
	"github.com/denidin/denidin/pkg/tokens"
	"github.com/denidin/denidin/pkg/users"
)

// memoriesHeader introduces the recalled-memories block appended to the
// constitution. Nothing else may be appended to the preamble.
const memoriesHeader = "## Relevant long-term memories"

// Constitution provides the system preamble text.
type Constitution interface {
	Load() (string, error)
}

// Config tunes the assembler.
type Config struct {
	Model          string
	MaxReplyTokens int
	Temperature    float32
	TopK           int
	MinSimilarity  float32
	RBACEnabled    bool
}

// Assembler builds CompletionRequests under the user's token budget.
type Assembler struct {
	store        *session.Store
	mem          *memory.Store // nil when the memory system is disabled
	constitution Constitution
	counter      tokens.Counter
	cfg          Config
	log          zerolog.Logger
}

// NewAssembler wires the assembler. mem may be nil to disable recall.
func NewAssembler(store *session.Store, mem *memory.Store, constitution Constitution, counter tokens.Counter, cfg Config, log zerolog.Logger) *Assembler {
	return &Assembler{
		store:        store,
		mem:          mem,
		constitution: constitution,
		counter:      counter,
		cfg:          cfg,
		log:          log.With().Str("component", "history_assembler").Logger(),
	}
}

// Compose builds the LLM input for the pending prompt. Memory failures
// degrade to no recalled memories; they never fail the request.
func (a *Assembler) Compose(ctx context.Context, user users.User, chatID, prompt string) (*llm.CompletionRequest, error) {
	preamble, err := a.constitution.Load()
	if err != nil {
		a.log.Warn().Err(err).Msg("constitution unavailable, using cached/empty preamble")
	}

	if a.mem != nil {
		if block := a.recallBlock(ctx, user, chatID, prompt); block != "" {
			preamble = strings.TrimRight(preamble, "\n") + "\n\n" + block
		}
	}

	turns := a.budgetedHistory(user, chatID, preamble, prompt)

	messages := make([]llm.ChatMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, llm.ChatMessage{Role: t.Role, Content: t.Content})
	}

	return &llm.CompletionRequest{
		System:      preamble,
		Messages:    messages,
		Prompt:      prompt,
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxReplyTokens,
		Temperature: a.cfg.Temperature,
	}, nil
}

// recallBlock formats RBAC-filtered recall hits, one per line. Errors are
// logged and yield an empty block.
func (a *Assembler) recallBlock(ctx context.Context, user users.User, chatID, prompt string) string {
	collections := []string{memory.CollectionForChat(chatID)}

	var (
		hits []memory.Hit
		err  error
	)
	if a.cfg.RBACEnabled {
		hits, err = a.mem.RecallWithRBACFilter(ctx, prompt, collections, a.cfg.TopK, a.cfg.MinSimilarity,
			user.Phone, user.AllowedScopes, user.CanSeeAllMemories)
	} else {
		hits, err = a.mem.RecallWithScopeFilter(ctx, prompt, collections, a.cfg.TopK, a.cfg.MinSimilarity,
			user.AllowedScopes)
	}
	if err != nil {
		a.log.Warn().Str("chat_id", chatID).Err(err).Msg("memory recall failed, proceeding without memories")
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(memoriesHeader)
	for _, h := range hits {
		b.WriteString(fmt.Sprintf("\n- %s", strings.ReplaceAll(h.Content, "\n", " ")))
	}
	return b.String()
}

// budgetedHistory selects the history suffix whose cumulative tokens stay
// within the user's limit after reserving room for the preamble, the prompt
// and the reply.
func (a *Assembler) budgetedHistory(user users.User, chatID, preamble, prompt string) []session.Turn {
	turns, err := a.store.History(chatID)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			a.log.Warn().Str("chat_id", chatID).Err(err).Msg("history load failed")
		}
		return nil
	}

	reserve := a.counter.Count(preamble) + a.counter.Count(prompt) + a.cfg.MaxReplyTokens
	budget := user.TokenLimit - reserve
	if budget <= 0 {
		return nil
	}

	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := a.counter.Count(turns[i].Content) + 4
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	return turns[start:]
}
