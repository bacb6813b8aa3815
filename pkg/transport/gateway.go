package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-bridge/pkg/observability"
)

type GatewayConfig struct {
	BaseURL        string
	Session        string
	APIKey         string
	ReconnectDelay time.Duration
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.Status, e.Message)
}

type envelope struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CallInfo struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	IsVideo bool   `json:"isVideo"`
}

// Gateway is a Client backed by a chat-session gateway: REST for actions and a
// websocket stream for lifecycle and inbound events.
type Gateway struct {
	cfg     GatewayConfig
	http    *http.Client
	dialer  *websocket.Dialer
	session *Session
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	onMessage func(ctx context.Context, msg InboundMessage)
}

func NewGateway(cfg GatewayConfig, httpClient *http.Client, logger *slog.Logger) *Gateway {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	logger = logger.With("component", "gateway", "session", cfg.Session)
	return &Gateway{
		cfg:     cfg,
		http:    httpClient,
		dialer:  websocket.DefaultDialer,
		session: NewSession(logger),
		logger:  logger,
	}
}

func (g *Gateway) Session() *Session { return g.session }

func (g *Gateway) State() State { return g.session.State() }

func (g *Gateway) WaitReady(ctx context.Context) error { return g.session.WaitReady(ctx) }

// OnMessage installs the inbound message handler. It runs on the event loop,
// so messages are handled one at a time in arrival order.
func (g *Gateway) OnMessage(fn func(ctx context.Context, msg InboundMessage)) {
	g.mu.Lock()
	g.onMessage = fn
	g.mu.Unlock()
}

// Run keeps the event stream connected until ctx is cancelled, waiting
// ReconnectDelay between attempts.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		err := g.stream(ctx)
		g.session.Apply(EventDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		g.logger.Warn("gateway event stream lost, reconnecting", "error", err, "delay", g.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.cfg.ReconnectDelay):
		}
	}
}

func (g *Gateway) stream(ctx context.Context) error {
	wsURL, err := g.eventsURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if g.cfg.APIKey != "" {
		header.Set("X-Api-Key", g.cfg.APIKey)
	}
	conn, _, err := g.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	g.logger.Info("gateway event stream connected")
	if err := g.syncStatus(ctx); err != nil {
		g.logger.Warn("failed to read session status", "error", err)
	}

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		g.handle(ctx, env)
	}
}

func (g *Gateway) handle(ctx context.Context, env envelope) {
	switch env.Event {
	case EventMessage:
		var msg InboundMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			g.logger.Warn("dropping undecodable inbound message", "error", err)
			return
		}
		g.mu.Lock()
		fn := g.onMessage
		g.mu.Unlock()
		if fn != nil {
			fn(ctx, msg)
		}
	case EventCall:
		var call CallInfo
		_ = json.Unmarshal(env.Payload, &call)
		observability.Inbound.WithLabelValues("call").Inc()
		g.logger.Info("incoming call", "from", call.From, "video", call.IsVideo)
	case EventAuthFailure:
		g.logger.Error("chat session authentication failed", "detail", string(env.Payload))
		g.session.Apply(env.Event)
	default:
		g.session.Apply(env.Event)
	}
}

func (g *Gateway) syncStatus(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := g.do(ctx, http.MethodGet, g.sessionPath("status"), nil, &out); err != nil {
		return err
	}
	switch strings.ToLower(out.Status) {
	case "ready", "working", "connected":
		g.session.Apply(EventReady)
	case "qr", "authenticating", "starting":
		g.session.Apply(EventQR)
	default:
		g.session.Apply(EventDisconnected)
	}
	return nil
}

func (g *Gateway) SendText(ctx context.Context, to, text string, opts SendOptions) (string, error) {
	if !g.session.Ready() {
		return "", ErrNotReady
	}
	body := map[string]any{"chatId": to, "text": text}
	if opts.LinkPreview != nil {
		body["linkPreview"] = *opts.LinkPreview
	}
	return g.send(ctx, "messages/text", body)
}

func (g *Gateway) SendMedia(ctx context.Context, to string, m Media, opts SendOptions) (string, error) {
	if !g.session.Ready() {
		return "", ErrNotReady
	}
	body := map[string]any{
		"chatId":           to,
		"media":            m,
		"isViewOnce":       opts.ViewOnce,
		"sendAudioAsVoice": opts.SendAudioAsVoice,
	}
	if opts.Caption != "" {
		body["caption"] = opts.Caption
	}
	if opts.LinkPreview != nil {
		body["linkPreview"] = *opts.LinkPreview
	}
	return g.send(ctx, "messages/media", body)
}

func (g *Gateway) send(ctx context.Context, path string, body any) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := g.do(ctx, http.MethodPost, g.sessionPath(path), body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (g *Gateway) SendChatState(ctx context.Context, chatID string, st ChatState) error {
	return g.do(ctx, http.MethodPost, g.sessionPath("chats/"+url.PathEscape(chatID)+"/state"), map[string]string{"state": string(st)}, nil)
}

func (g *Gateway) Chat(ctx context.Context, chatID string, action ChatAction) error {
	return g.do(ctx, http.MethodPost, g.sessionPath("chats/"+url.PathEscape(chatID)+"/"+string(action)), nil, nil)
}

func (g *Gateway) React(ctx context.Context, messageID, emoji string) error {
	return g.do(ctx, http.MethodPost, g.sessionPath("messages/"+url.PathEscape(messageID)+"/react"), map[string]string{"emoji": emoji}, nil)
}

// Close stops the remote session and drops the event stream.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	err := g.do(ctx, http.MethodPost, g.sessionPath("stop"), nil, nil)
	g.session.Apply(EventDisconnected)
	return err
}

func (g *Gateway) sessionPath(p string) string {
	return "/api/" + url.PathEscape(g.cfg.Session) + "/" + p
}

func (g *Gateway) eventsURL() (string, error) {
	u, err := url.Parse(g.cfg.BaseURL + g.sessionPath("events"))
	if err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (g *Gateway) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal gateway request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create gateway request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", g.cfg.APIKey)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &e) == nil {
			apiErr.Message = e.Error
			if apiErr.Message == "" {
				apiErr.Message = e.Message
			}
		}
		return apiErr
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}

// IsAPIStatus reports whether err is an APIError with the given status.
func IsAPIStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
