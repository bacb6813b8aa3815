package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chat-bridge/pkg/job"
	"chat-bridge/pkg/media"
	"chat-bridge/pkg/observability"
	"chat-bridge/pkg/sanitize"
	"chat-bridge/pkg/transport"
)

var ErrEmptyMessageAfterSanitization = errors.New("message is empty after sanitization")

type Config struct {
	AddressSuffix string
	// SendDelay is the pause after every successful send.
	SendDelay time.Duration
}

// Dispatcher delivers one job to each of its recipients in order.
type Dispatcher struct {
	sender  transport.Sender
	fetcher Fetcher
	cfg     Config
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration)
}

func New(sender transport.Sender, fetcher Fetcher, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.AddressSuffix == "" {
		cfg.AddressSuffix = transport.DefaultSuffix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:  sender,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Dispatch sends j to every recipient sequentially and returns one result per
// recipient in the order they were listed. A failing recipient never stops the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, j *job.OutboundJob) []job.DeliveryResult {
	results := make([]job.DeliveryResult, 0, len(j.Recipients))
	var fetched *media.Descriptor

	for i, raw := range j.Recipients {
		addr := transport.Address(raw, d.cfg.AddressSuffix)
		l := d.logger.With("job_id", j.ID, "recipient", addr, "index", i)

		res := job.DeliveryResult{Recipient: raw, Address: addr}
		id, err := d.deliverOne(ctx, j, addr, &fetched)
		if err != nil {
			res.Error = err.Error()
			l.Warn("delivery failed", "mode", j.Mode, "error", err)
			observability.Deliveries.WithLabelValues(string(j.Mode), "failed").Inc()
			results = append(results, res)
			continue
		}

		res.Success = true
		res.MessageID = id
		l.Info("message delivered", "mode", j.Mode, "message_id", id)
		observability.Deliveries.WithLabelValues(string(j.Mode), "sent").Inc()
		results = append(results, res)

		d.sleep(ctx, d.cfg.SendDelay)
	}
	return results
}

// Fail records err against every recipient without attempting delivery.
func (d *Dispatcher) Fail(recipients []string, mode job.Mode, err error) []job.DeliveryResult {
	results := make([]job.DeliveryResult, 0, len(recipients))
	for _, raw := range recipients {
		results = append(results, job.DeliveryResult{
			Recipient: raw,
			Address:   transport.Address(raw, d.cfg.AddressSuffix),
			Error:     err.Error(),
		})
		observability.Deliveries.WithLabelValues(string(mode), "failed").Inc()
	}
	return results
}

func (d *Dispatcher) deliverOne(ctx context.Context, j *job.OutboundJob, addr string, fetched **media.Descriptor) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send to %s panicked: %v", addr, r)
		}
	}()

	opts := transport.SendOptions{
		LinkPreview:      j.Options.LinkPreview,
		ViewOnce:         j.Options.ViewOnce,
		SendAudioAsVoice: j.Options.SendAudioAsVoice,
	}

	switch j.Mode {
	case job.ModeEncodedMedia:
		if j.Media == nil {
			return "", errors.New("encoded media job has no media")
		}
		return d.sendMedia(ctx, addr, j, j.Media, opts)

	case job.ModeRemoteMedia:
		if *fetched == nil {
			desc, err := d.fetcher.Fetch(ctx, j.MediaRef)
			if err != nil {
				return "", err
			}
			*fetched = desc
		}
		desc := *fetched
		if j.MimeType != "" {
			copied := *desc
			copied.MimeType = j.MimeType
			copied.Extension = media.ExtensionFor(j.MimeType)
			desc = &copied
		}
		return d.sendMedia(ctx, addr, j, desc, opts)

	default:
		text := sanitize.Text(j.Body)
		if text == "" {
			return "", ErrEmptyMessageAfterSanitization
		}
		return d.sender.SendText(ctx, addr, text, opts)
	}
}

func (d *Dispatcher) sendMedia(ctx context.Context, addr string, j *job.OutboundJob, desc *media.Descriptor, opts transport.SendOptions) (string, error) {
	filename := desc.Filename
	if j.Filename != "" {
		filename = j.Filename
	}
	if filename == "" {
		filename = media.DefaultFilename(desc.MimeType)
	}
	m := transport.Media{MimeType: desc.MimeType, Data: desc.Encoded, Filename: filename}

	caption := j.Caption
	if sanitize.IsEmpty(caption) {
		caption = j.Body
	}
	opts.Caption = sanitize.Text(caption)
	return d.sender.SendMedia(ctx, addr, m, opts)
}
