package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"response": `{"answer":"Paris is the capital."}`})
	}))
	defer srv.Close()

	c := New(srv.URL, "llama3", srv.Client())
	answer, err := c.Generate(context.Background(), "what is the capital of france")
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital.", answer)

	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, "json", got.Format)
	assert.False(t, got.Stream)
	assert.Contains(t, got.Prompt, "what is the capital of france")
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "missing answer key", status: 200, body: `{"response":"{\"reply\":\"x\"}"}`, wantErr: ErrNoAnswer},
		{name: "blank answer", status: 200, body: `{"response":"{\"answer\":\"  \"}"}`, wantErr: ErrNoAnswer},
		{name: "null answer", status: 200, body: `{"response":"{\"answer\":null}"}`, wantErr: ErrNoAnswer},
		{name: "model output not json", status: 200, body: `{"response":"hello"}`},
		{name: "server error", status: 500, body: `model not loaded`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "m", srv.Client()).Generate(context.Background(), "q")
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.status >= 300 {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.status, se.Status)
				assert.Equal(t, "model not loaded", se.Body)
			}
		})
	}
}

func TestGenerateStructuredAnswer(t *testing.T) {
	answer, err := parseAnswer(`{"answer":["a","b"]}`)
	require.NoError(t, err)
	assert.Equal(t, "[\n  \"a\",\n  \"b\"\n]", answer)
}

func TestGenerateNotConfigured(t *testing.T) {
	c := New("", "m", nil)
	assert.False(t, c.Enabled())
	_, err := c.Generate(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"heading", "# Title", "*Title*"},
		{"heading with bold", "## **Bold** title", "*Bold title*"},
		{"inline", "Some **bold** and __also__ and ~~gone~~", "Some *bold* and *also* and ~gone~"},
		{"bullets", "- one\n* two\n  + nested", "• one\n• two\n  • nested"},
		{"link", "see [docs](https://x.io/a)", "see docs (https://x.io/a)"},
		{"code block untouched", "```go\nx := **y**\n```", "```\nx := **y**\n```"},
		{"collapses blank runs", "a\n\n\n\nb", "a\n\nb"},
		{"horizontal rule", "a\n---\nb", "a\n\nb"},
		{"crlf", "line one\r\nline **two**", "line one\nline *two*"},
		{"plain", "  just text  ", "just text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.in))
		})
	}
}
