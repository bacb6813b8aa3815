package job

import (
	"encoding/json"
	"errors"
	"strings"

	"chat-bridge/pkg/media"
)

type Mode string

const (
	ModeText         Mode = "text"
	ModeRemoteMedia  Mode = "media"
	ModeEncodedMedia Mode = "base64"
)

// Recipients accepts either a single JSON string or an array of strings.
type Recipients []string

func (r *Recipients) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if strings.TrimSpace(one) == "" {
			*r = nil
			return nil
		}
		*r = Recipients{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("to must be a string or an array of strings")
	}
	out := make(Recipients, 0, len(many))
	for _, s := range many {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	*r = out
	return nil
}

type PayloadOptions struct {
	LinkPreview      *bool `json:"linkPreview,omitempty"`
	IsViewOnce       bool  `json:"isViewOnce,omitempty"`
	SendAudioAsVoice bool  `json:"sendAudioAsVoice,omitempty"`
}

// Payload is the wire form of a queued outbound message.
type Payload struct {
	To         Recipients      `json:"to"`
	Message    string          `json:"message,omitempty"`
	Type       Mode            `json:"type,omitempty" validate:"omitempty,oneof=text media base64"`
	MediaURL   string          `json:"mediaUrl,omitempty" validate:"omitempty,url"`
	Base64Data string          `json:"base64Data,omitempty"`
	Mimetype   string          `json:"mimetype,omitempty"`
	Filename   string          `json:"filename,omitempty"`
	Caption    string          `json:"caption,omitempty"`
	Options    *PayloadOptions `json:"options,omitempty"`
}

// DeliveryOptions is passed through to the transport untouched.
type DeliveryOptions struct {
	LinkPreview      *bool
	ViewOnce         bool
	SendAudioAsVoice bool
}

// OutboundJob is the normalized form of a Payload. It lives for one dispatch attempt.
type OutboundJob struct {
	ID         string
	Recipients []string
	Mode       Mode
	Body       string
	MediaRef   string
	Media      *media.Descriptor
	MimeType   string
	Filename   string
	Caption    string
	Options    DeliveryOptions
}

// DeliveryResult is the outcome of one recipient of a job.
type DeliveryResult struct {
	Recipient string `json:"recipient"`
	Address   string `json:"address"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Failed counts the unsuccessful entries of results.
func Failed(results []DeliveryResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}
