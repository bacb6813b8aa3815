package transport

import (
	"context"
	"errors"
	"strings"
)

// DefaultSuffix is the addressing domain for individual chats.
const DefaultSuffix = "@c.us"

var ErrNotReady = errors.New("chat session is not ready")

// Media is the transport's media object. Data is base64.
type Media struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

type SendOptions struct {
	LinkPreview      *bool
	ViewOnce         bool
	SendAudioAsVoice bool
	Caption          string
}

type ChatState string

const (
	ChatStateTyping    ChatState = "typing"
	ChatStateRecording ChatState = "recording"
	ChatStateClear     ChatState = "clear"
)

type ChatAction string

const (
	ActionPin       ChatAction = "pin"
	ActionUnpin     ChatAction = "unpin"
	ActionArchive   ChatAction = "archive"
	ActionUnarchive ChatAction = "unarchive"
	ActionMute      ChatAction = "mute"
	ActionUnmute    ChatAction = "unmute"
)

type MediaInfo struct {
	MimeType string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"filesize,omitempty"`
}

// InboundMessage is a chat message received from the session.
type InboundMessage struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	ChatID    string     `json:"chatId"`
	Body      string     `json:"body"`
	FromMe    bool       `json:"fromMe"`
	IsStatus  bool       `json:"isStatus"`
	HasMedia  bool       `json:"hasMedia"`
	Media     *MediaInfo `json:"media,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// Sender delivers messages to a single address.
type Sender interface {
	SendText(ctx context.Context, to, text string, opts SendOptions) (string, error)
	SendMedia(ctx context.Context, to string, m Media, opts SendOptions) (string, error)
}

// Client is everything the bridge uses from the chat session.
type Client interface {
	Sender
	State() State
	WaitReady(ctx context.Context) error
	SendChatState(ctx context.Context, chatID string, st ChatState) error
	Chat(ctx context.Context, chatID string, action ChatAction) error
	React(ctx context.Context, messageID, emoji string) error
}

// Address resolves a raw recipient to the transport's addressing form. Anything
// already carrying a domain is kept; bare identifiers get suffix appended.
func Address(raw, suffix string) string {
	to := strings.TrimSpace(raw)
	if suffix == "" {
		suffix = DefaultSuffix
	}
	if strings.HasSuffix(to, suffix) || strings.Contains(to, "@") {
		return to
	}
	return to + suffix
}
