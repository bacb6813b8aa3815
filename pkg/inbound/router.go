package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"chat-bridge/pkg/assistant"
	"chat-bridge/pkg/observability"
	"chat-bridge/pkg/sanitize"
	"chat-bridge/pkg/transport"

	"golang.org/x/time/rate"
)

const (
	replyBusy    = "The assistant is busy, try again in a minute."
	replyFailed  = "Sorry, I could not answer that right now."
	replyNoMedia = "No media attached to this message."
)

// Generator produces an answer for a free-text prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type HandlerFunc func(ctx context.Context, msg transport.InboundMessage, args string) error

type command struct {
	name string
	help string
	// withArgs commands match "name <args>"; the rest only match the bare name.
	withArgs bool
	fn       HandlerFunc
}

type Config struct {
	AssistantPrefix string
	// AssistantRate is the number of assistant queries allowed per minute. Zero means unlimited.
	AssistantRate int
}

// Router classifies inbound chat messages into assistant queries, fixed
// commands, or noise, and runs the matching handler.
type Router struct {
	client    transport.Client
	generator Generator
	limiter   *rate.Limiter
	prefix    string
	commands  map[string]command
	started   time.Time
	logger    *slog.Logger
}

func NewRouter(client transport.Client, generator Generator, cfg Config, logger *slog.Logger) *Router {
	if cfg.AssistantPrefix == "" {
		cfg.AssistantPrefix = "!ai"
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.AssistantRate > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.AssistantRate)), cfg.AssistantRate)
	}
	r := &Router{
		client:    client,
		generator: generator,
		limiter:   limiter,
		prefix:    strings.ToLower(cfg.AssistantPrefix),
		commands:  map[string]command{},
		started:   time.Now(),
		logger:    logger.With("component", "inbound"),
	}
	r.registerDefaults()
	return r
}

// Register adds or replaces a command. name includes its leading "!".
func (r *Router) Register(name, help string, withArgs bool, fn HandlerFunc) {
	name = strings.ToLower(name)
	r.commands[name] = command{name: name, help: help, withArgs: withArgs, fn: fn}
}

func (r *Router) registerDefaults() {
	r.Register("!ping", "check the bridge is alive", false, r.ping)
	r.Register("!echo", "repeat <text> back", true, r.echo)
	r.Register("!status", "show session state and uptime", false, r.status)
	r.Register("!mediainfo", "describe the attached media", false, r.mediaInfo)
	r.Register("!typing", "show the typing indicator", false, r.chatState(transport.ChatStateTyping))
	r.Register("!recording", "show the recording indicator", false, r.chatState(transport.ChatStateRecording))
	r.Register("!clearstate", "clear the typing or recording indicator", false, r.chatState(transport.ChatStateClear))
	r.Register("!pin", "pin this chat", false, r.chatAction(transport.ActionPin, "Chat pinned."))
	r.Register("!unpin", "unpin this chat", false, r.chatAction(transport.ActionUnpin, "Chat unpinned."))
	r.Register("!archive", "archive this chat", false, r.chatAction(transport.ActionArchive, ""))
	r.Register("!unarchive", "unarchive this chat", false, r.chatAction(transport.ActionUnarchive, "Chat unarchived."))
	r.Register("!mute", "mute this chat", false, r.chatAction(transport.ActionMute, "Chat muted."))
	r.Register("!unmute", "unmute this chat", false, r.chatAction(transport.ActionUnmute, "Chat unmuted."))
	r.Register("!react", "react to your message with <emoji>", true, r.react)
	r.Register("!help", "list commands", false, r.help)
}

// Handle routes one inbound message. Errors from handlers are logged, never returned;
// the event stream must keep flowing.
func (r *Router) Handle(ctx context.Context, msg transport.InboundMessage) {
	l := r.logger.With("from", msg.From, "message_id", msg.ID)
	if msg.FromMe || msg.IsStatus {
		observability.Inbound.WithLabelValues("ignored").Inc()
		return
	}
	text := sanitize.Text(msg.Body)
	if text == "" {
		observability.Inbound.WithLabelValues("ignored").Inc()
		return
	}

	if prompt, ok := r.assistantPrompt(text); ok {
		observability.Inbound.WithLabelValues("assistant").Inc()
		if err := r.ask(ctx, msg, prompt); err != nil {
			l.Error("assistant reply failed", "error", err)
		}
		return
	}

	name, args := splitCommand(text)
	cmd, ok := r.commands[strings.ToLower(name)]
	if !ok || (!cmd.withArgs && args != "") {
		observability.Inbound.WithLabelValues("ignored").Inc()
		return
	}

	observability.Inbound.WithLabelValues(strings.TrimPrefix(cmd.name, "!")).Inc()
	l.Debug("running command", "command", cmd.name)
	if err := cmd.fn(ctx, msg, args); err != nil {
		l.Error("command failed", "command", cmd.name, "error", err)
	}
}

// assistantPrompt returns everything after the prefix as the prompt.
func (r *Router) assistantPrompt(text string) (string, bool) {
	if len(text) < len(r.prefix) || !strings.EqualFold(text[:len(r.prefix)], r.prefix) {
		return "", false
	}
	rest := text[len(r.prefix):]
	if first, _ := utf8.DecodeRuneInString(rest); rest != "" && !unicode.IsSpace(first) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// splitCommand separates the command word from its arguments at the first whitespace rune.
func splitCommand(text string) (name, args string) {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

func chatOf(msg transport.InboundMessage) string {
	if msg.ChatID != "" {
		return msg.ChatID
	}
	return msg.From
}

func (r *Router) reply(ctx context.Context, msg transport.InboundMessage, text string) error {
	text = sanitize.Text(text)
	if text == "" {
		return nil
	}
	_, err := r.client.SendText(ctx, chatOf(msg), text, transport.SendOptions{})
	return err
}

func (r *Router) ask(ctx context.Context, msg transport.InboundMessage, prompt string) error {
	if prompt == "" {
		return r.reply(ctx, msg, fmt.Sprintf("Usage: %s <question>", r.prefix))
	}
	if r.generator == nil {
		return r.reply(ctx, msg, replyFailed)
	}
	if !r.limiter.Allow() {
		return r.reply(ctx, msg, replyBusy)
	}

	chat := chatOf(msg)
	if err := r.client.SendChatState(ctx, chat, transport.ChatStateTyping); err != nil {
		r.logger.Debug("failed to set typing state", "error", err)
	}
	answer, err := r.generator.Generate(ctx, prompt)
	if err := r.client.SendChatState(ctx, chat, transport.ChatStateClear); err != nil {
		r.logger.Debug("failed to clear typing state", "error", err)
	}
	if err != nil {
		r.logger.Warn("assistant generation failed", "error", err)
		return r.reply(ctx, msg, replyFailed)
	}
	return r.reply(ctx, msg, assistant.Render(answer))
}

func (r *Router) ping(ctx context.Context, msg transport.InboundMessage, _ string) error {
	return r.reply(ctx, msg, "pong")
}

func (r *Router) echo(ctx context.Context, msg transport.InboundMessage, args string) error {
	if args == "" {
		return r.reply(ctx, msg, "Usage: !echo <text>")
	}
	return r.reply(ctx, msg, args)
}

func (r *Router) status(ctx context.Context, msg transport.InboundMessage, _ string) error {
	uptime := time.Since(r.started).Truncate(time.Second)
	return r.reply(ctx, msg, fmt.Sprintf("Session: %s\nUptime: %s", r.client.State(), uptime))
}

func (r *Router) mediaInfo(ctx context.Context, msg transport.InboundMessage, _ string) error {
	if !msg.HasMedia || msg.Media == nil {
		return r.reply(ctx, msg, replyNoMedia)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Mimetype: %s", msg.Media.MimeType)
	if msg.Media.Filename != "" {
		fmt.Fprintf(&b, "\nFilename: %s", msg.Media.Filename)
	}
	if msg.Media.Size > 0 {
		fmt.Fprintf(&b, "\nSize: %d bytes", msg.Media.Size)
	}
	return r.reply(ctx, msg, b.String())
}

func (r *Router) chatState(st transport.ChatState) HandlerFunc {
	return func(ctx context.Context, msg transport.InboundMessage, _ string) error {
		return r.client.SendChatState(ctx, chatOf(msg), st)
	}
}

func (r *Router) chatAction(action transport.ChatAction, confirm string) HandlerFunc {
	return func(ctx context.Context, msg transport.InboundMessage, _ string) error {
		if err := r.client.Chat(ctx, chatOf(msg), action); err != nil {
			return err
		}
		return r.reply(ctx, msg, confirm)
	}
}

func (r *Router) react(ctx context.Context, msg transport.InboundMessage, args string) error {
	if args == "" {
		return r.reply(ctx, msg, "Usage: !react <emoji>")
	}
	return r.client.React(ctx, msg.ID, args)
}

func (r *Router) help(ctx context.Context, msg transport.InboundMessage, _ string) error {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s <question> - ask the assistant", r.prefix)
	for _, name := range names {
		cmd := r.commands[name]
		usage := cmd.name
		if cmd.withArgs {
			usage += " <...>"
		}
		fmt.Fprintf(&b, "\n%s - %s", usage, cmd.help)
	}
	return r.reply(ctx, msg, b.String())
}
