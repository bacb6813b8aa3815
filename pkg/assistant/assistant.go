package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AnswerKey is the field of the model's JSON response that carries the reply.
const AnswerKey = "answer"

const instruction = `Reply with a JSON object containing a single key "answer" whose value is your response as a string.`

var (
	ErrNotConfigured = errors.New("assistant endpoint not configured")
	ErrNoAnswer      = errors.New("assistant response has no answer")
)

// StatusError is returned when the generation endpoint answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generate endpoint returned %d: %s", e.Status, e.Body)
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Client talks to a local text generation endpoint that returns the model output
// as a JSON-encoded string.
type Client struct {
	url   string
	model string
	http  *http.Client
}

func New(url, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{url: strings.TrimSpace(url), model: model, http: httpClient}
}

func (c *Client) Enabled() bool { return c != nil && c.url != "" }

// Generate sends prompt to the model and returns the value of its answer key.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: instruction + "\n\n" + prompt,
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return parseAnswer(out.Response)
}

func parseAnswer(raw string) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("model output is not json: %w", err)
	}
	v, ok := fields[AnswerKey]
	if !ok {
		return "", ErrNoAnswer
	}
	switch a := v.(type) {
	case string:
		if strings.TrimSpace(a) == "" {
			return "", ErrNoAnswer
		}
		return a, nil
	case nil:
		return "", ErrNoAnswer
	default:
		// models sometimes answer with a list or object; keep it readable
		b, err := json.MarshalIndent(a, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
