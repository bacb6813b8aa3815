package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recorded
	events   chan envelope
	status   string
}

type recorded struct {
	Method string
	Path   string
	APIKey string
	Body   map[string]any
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	f := &fakeGateway{t: t, events: make(chan envelope, 8), status: "ready"}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/main/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for ev := range f.events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/api/main/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": f.status})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{Method: r.Method, Path: r.URL.Path, APIKey: r.Header.Get("X-Api-Key")}
		json.NewDecoder(r.Body).Decode(&rec.Body)
		f.mu.Lock()
		f.requests = append(f.requests, rec)
		f.mu.Unlock()
		if r.URL.Path == "/api/main/chats/broken@c.us/pin" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "chat not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "msg-1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		close(f.events)
		srv.Close()
	})
	return f, srv
}

func (f *fakeGateway) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.requests)
	return f.requests[len(f.requests)-1]
}

func readyGateway(t *testing.T, srv *httptest.Server) *Gateway {
	g := NewGateway(GatewayConfig{BaseURL: srv.URL, Session: "main", APIKey: "secret"}, srv.Client(), quietLogger())
	g.Session().Apply(EventReady)
	return g
}

func TestGatewaySendText(t *testing.T) {
	f, srv := newFakeGateway(t)
	g := readyGateway(t, srv)

	preview := false
	id, err := g.SendText(context.Background(), "1@c.us", "hi", SendOptions{LinkPreview: &preview})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	req := f.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/main/messages/text", req.Path)
	assert.Equal(t, "secret", req.APIKey)
	assert.Equal(t, "1@c.us", req.Body["chatId"])
	assert.Equal(t, "hi", req.Body["text"])
	assert.Equal(t, false, req.Body["linkPreview"])
}

func TestGatewaySendMedia(t *testing.T) {
	f, srv := newFakeGateway(t)
	g := readyGateway(t, srv)

	_, err := g.SendMedia(context.Background(), "1@c.us", Media{MimeType: "image/png", Data: "aGVsbG8=", Filename: "media.png"}, SendOptions{ViewOnce: true})
	require.NoError(t, err)

	req := f.last()
	assert.Equal(t, "/api/main/messages/media", req.Path)
	_, hasCaption := req.Body["caption"]
	assert.False(t, hasCaption)
	assert.Equal(t, true, req.Body["isViewOnce"])
	m := req.Body["media"].(map[string]any)
	assert.Equal(t, "image/png", m["mimetype"])
	assert.Equal(t, "media.png", m["filename"])
}

func TestGatewayNotReady(t *testing.T) {
	_, srv := newFakeGateway(t)
	g := NewGateway(GatewayConfig{BaseURL: srv.URL, Session: "main"}, srv.Client(), quietLogger())
	_, err := g.SendText(context.Background(), "1@c.us", "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestGatewayChatActionsAndErrors(t *testing.T) {
	f, srv := newFakeGateway(t)
	g := readyGateway(t, srv)
	ctx := context.Background()

	require.NoError(t, g.Chat(ctx, "1@c.us", ActionArchive))
	assert.Equal(t, "/api/main/chats/1@c.us/archive", f.last().Path)

	require.NoError(t, g.SendChatState(ctx, "1@c.us", ChatStateTyping))
	assert.Equal(t, "typing", f.last().Body["state"])

	require.NoError(t, g.React(ctx, "m1", "👍"))
	assert.Equal(t, "/api/main/messages/m1/react", f.last().Path)

	err := g.Chat(ctx, "broken@c.us", ActionPin)
	require.Error(t, err)
	assert.True(t, IsAPIStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "chat not found")
}

func TestGatewayRunAppliesLifecycleAndDeliversMessages(t *testing.T) {
	f, srv := newFakeGateway(t)
	f.status = "qr"
	g := NewGateway(GatewayConfig{BaseURL: srv.URL, Session: "main", ReconnectDelay: 10 * time.Millisecond}, srv.Client(), quietLogger())

	got := make(chan InboundMessage, 1)
	g.OnMessage(func(ctx context.Context, msg InboundMessage) { got <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	f.events <- envelope{Event: EventAuthenticated}
	f.events <- envelope{Event: EventReady}
	payload, _ := json.Marshal(InboundMessage{ID: "in-1", From: "1@c.us", ChatID: "1@c.us", Body: "!ping"})
	f.events <- envelope{Event: EventMessage, Payload: payload}

	select {
	case msg := <-got:
		assert.Equal(t, "!ping", msg.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message delivered")
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, g.WaitReady(waitCtx))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, StateDisconnected, g.State())
}

func TestEventsURL(t *testing.T) {
	g := NewGateway(GatewayConfig{BaseURL: "https://gw.example.com/", Session: "main"}, nil, quietLogger())
	u, err := g.eventsURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example.com/api/main/events", u)
}
