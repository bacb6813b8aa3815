package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chat-bridge/pkg/config"
	"chat-bridge/pkg/job"
	"chat-bridge/pkg/observability"
)

// 1x1 transparent PNG
const samplePNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := time.Second
	if cfg.RatePerSec > 0 {
		interval = time.Second / time.Duration(cfg.RatePerSec)
	}
	if interval < time.Millisecond {
		interval = time.Millisecond // prevent very tight loop that overwhelms the API
	}

	apiURL := strings.TrimRight(cfg.APIURL, "/") + "/messages"
	client := &http.Client{Timeout: 10 * time.Second}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	logger.Info("simulator started", "api", apiURL, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := randomPayload(rng)
			status, err := submit(ctx, client, apiURL, p)
			if err != nil {
				logger.Error("failed to submit message", "error", err)
				continue
			}
			logger.Info("submitted message", "type", p.Type, "recipients", len(p.To), "status", status)
		}
	}
}

func submit(ctx context.Context, client *http.Client, url string, p job.Payload) (int, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func randomRecipients(rng *rand.Rand) job.Recipients {
	n := 1 + rng.Intn(3)
	out := make(job.Recipients, n)
	for i := range out {
		out[i] = fmt.Sprintf("1555%07d", rng.Intn(10_000_000))
	}
	return out
}

func randomPayload(rng *rand.Rand) job.Payload {
	p := job.Payload{To: randomRecipients(rng)}
	switch rng.Intn(3) {
	case 0:
		p.Type = job.ModeText
		p.Message = fmt.Sprintf("simulated message #%d", rng.Intn(1000))
	case 1:
		p.Type = job.ModeEncodedMedia
		p.Base64Data = "data:image/png;base64," + samplePNG
		p.Caption = "simulated image"
	default:
		p.Type = job.ModeRemoteMedia
		p.MediaURL = "https://picsum.photos/200"
		p.Mimetype = "image/jpeg"
		p.Caption = "simulated remote image"
	}
	return p
}
