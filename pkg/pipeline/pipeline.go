// Package pipeline orchestrates one inbound message end to end: permission
// check, history assembly, LLM call, persistence, reply. Failures degrade
// to fixed user-visible messages; nothing here may kill the process.
package pipeline

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/denidin/denidin/pkg/history"
	"github.com/denidin/denidin/pkg/llm"
	"github.com/denidin/denidin/pkg/session"
	"github.com/denidin/denidin/pkg/transport"
	"github.com/denidin/denidin/pkg/types"
	"github.com/denidin/denidin/pkg/users"
)

// Fixed user-visible replies.
const (
	unsupportedReply = "I can only read text messages for now."
	blockedReply     = "Sorry, I'm not able to talk to you."
	fallbackReply    = "Something went wrong on my side. Please try again in a moment."
	clearedReply     = "Conversation cleared."
)

// defaultMaxReplyChars is the transport's per-message size limit.
const defaultMaxReplyChars = 4000

// Config tunes the pipeline.
type Config struct {
	AssistantName  string
	MaxReplyChars  int  // 0 = default 4000
	ReplyToBlocked bool // send blockedReply instead of dropping silently
}

// Pipeline handles inbound messages synchronously.
type Pipeline struct {
	users     *users.Directory
	assembler *history.Assembler
	store     *session.Store
	completer llm.Completer
	transport transport.Transport
	cfg       Config
	log       zerolog.Logger
}

// New wires a Pipeline.
func New(dir *users.Directory, assembler *history.Assembler, store *session.Store, completer llm.Completer, t transport.Transport, cfg Config, log zerolog.Logger) *Pipeline {
	if cfg.MaxReplyChars <= 0 {
		cfg.MaxReplyChars = defaultMaxReplyChars
	}
	return &Pipeline{
		users:     dir,
		assembler: assembler,
		store:     store,
		completer: completer,
		transport: t,
		cfg:       cfg,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// Handle processes one normalised inbound message.
func (p *Pipeline) Handle(ctx context.Context, msg types.IncomingMessage) {
	log := p.log.With().Str("chat_id", msg.ChatID).Str("message_id", msg.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).
				Msg("pipeline panicked")
			p.reply(ctx, log, msg, fallbackReply)
		}
	}()

	if !msg.Kind.Supported() {
		log.Debug().Str("kind", string(msg.Kind)).Msg("unsupported message kind")
		p.reply(ctx, log, msg, unsupportedReply)
		return
	}

	// In groups, only answer when addressed by name.
	if msg.IsGroup && !strings.Contains(strings.ToLower(msg.Text), strings.ToLower(p.cfg.AssistantName)) {
		return
	}

	user, err := p.users.Lookup(msg.Sender)
	if err != nil {
		log.Warn().Err(err).Msg("sender lookup failed, dropping message")
		return
	}

	// Blocked users never touch persistence or the LLM.
	if user.IsBlocked() {
		log.Info().Str("sender", msg.Sender).Msg("blocked sender")
		if p.cfg.ReplyToBlocked {
			p.reply(ctx, log, msg, blockedReply)
		}
		return
	}

	if p.handleCommand(ctx, log, user, msg) {
		return
	}

	input, err := p.assembler.Compose(ctx, user, msg.ChatID, msg.Text)
	if err != nil {
		log.Error().Err(err).Msg("history assembly failed")
		p.reply(ctx, log, msg, fallbackReply)
		return
	}

	var resp *llm.CompletionResponse
	err = llm.DoWithRetry(ctx, log, "complete", func(ctx context.Context) error {
		r, err := p.completer.Complete(ctx, input)
		if err == nil {
			resp = r
		}
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("completion failed")
		p.reply(ctx, log, msg, fallbackReply)
		return
	}

	// Persist the user turn first, then the assistant turn, each under the
	// caller's token budget.
	if _, err := p.store.AppendWithTokenLimit(msg.ChatID, "user", msg.Text, user.TokenLimit,
		msg.Sender, p.cfg.AssistantName, ""); err != nil {
		log.Error().Err(err).Msg("persisting user turn failed")
		p.reply(ctx, log, msg, fallbackReply)
		return
	}
	if _, err := p.store.AppendWithTokenLimit(msg.ChatID, "assistant", resp.Text, user.TokenLimit,
		p.cfg.AssistantName, msg.Sender, ""); err != nil {
		log.Error().Err(err).Msg("persisting assistant turn failed")
		p.reply(ctx, log, msg, fallbackReply)
		return
	}

	// The transport limit is characters, not bytes; cut on a rune boundary.
	reply := resp.Text
	if runes := utf8.RuneCountInString(reply); runes > p.cfg.MaxReplyChars {
		reply = string([]rune(reply)[:p.cfg.MaxReplyChars-3]) + "..."
		log.Info().Bool("is_truncated", true).Int("original_chars", runes).
			Msg("reply truncated to transport limit")
	}

	p.reply(ctx, log, msg, reply)
}

// handleCommand serves slash commands. Returns true when the message was a
// command and has been answered.
func (p *Pipeline) handleCommand(ctx context.Context, log zerolog.Logger, user users.User, msg types.IncomingMessage) bool {
	if strings.TrimSpace(msg.Text) != "/forget" {
		return false
	}
	if user.Role != types.RoleAdmin && user.Role != types.RoleGodfather {
		return false
	}
	if err := p.store.Clear(msg.ChatID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		log.Error().Err(err).Msg("clear failed")
		p.reply(ctx, log, msg, fallbackReply)
		return true
	}
	p.reply(ctx, log, msg, clearedReply)
	return true
}

// reply sends text, retrying once on transient transport failures.
func (p *Pipeline) reply(ctx context.Context, log zerolog.Logger, msg types.IncomingMessage, text string) {
	err := p.transport.Reply(ctx, msg, text)
	if err == nil {
		return
	}
	if !retryable(err) {
		log.Error().Err(err).Msg("reply failed")
		return
	}

	log.Warn().Err(err).Msg("transient reply failure, retrying once")
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Second):
	}
	if err := p.transport.Reply(ctx, msg, text); err != nil {
		log.Error().Err(err).Msg("reply failed after retry")
	}
}

func retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
