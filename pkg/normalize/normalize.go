package normalize

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"chat-bridge/pkg/job"
	"chat-bridge/pkg/media"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidBase64     = errors.New("media payload is not valid base64")
	ErrEmptyMediaPayload = errors.New("media payload decoded to zero bytes")
)

// StructuralError marks a payload that can never be delivered, however often it is retried.
type StructuralError struct {
	Reason string
	Err    error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed job: %s: %v", e.Reason, e.Err)
	}
	return "malformed job: " + e.Reason
}

func (e *StructuralError) Unwrap() error { return e.Err }

// IsStructural reports whether err (or anything it wraps) is a *StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

var (
	dataURIHeader  = regexp.MustCompile(`^data:([^;,]+);base64$`)
	base64Alphabet = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

	// decodeBase64 is swapped in tests to prove validation runs first.
	decodeBase64 = base64.StdEncoding.DecodeString

	validate = validator.New()
)

// Parse decodes a queue body and checks its structure. It does not touch media.
func Parse(body []byte) (*job.Payload, error) {
	var p job.Payload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return nil, &StructuralError{Reason: "invalid json", Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, &StructuralError{Reason: "invalid json", Err: errors.New("trailing data after payload")}
	}
	if err := validate.Struct(&p); err != nil {
		return nil, &StructuralError{Reason: "invalid field", Err: err}
	}
	if len(p.To) == 0 {
		return nil, &StructuralError{Reason: "no recipients"}
	}
	if _, err := resolveMode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func resolveMode(p *job.Payload) (job.Mode, error) {
	mode := p.Type
	if mode == "" {
		switch {
		case p.Base64Data != "":
			mode = job.ModeEncodedMedia
		case p.MediaURL != "":
			mode = job.ModeRemoteMedia
		default:
			mode = job.ModeText
		}
	}
	switch mode {
	case job.ModeText:
		if strings.TrimSpace(p.Message) == "" {
			return "", &StructuralError{Reason: "text job without message"}
		}
	case job.ModeRemoteMedia:
		if strings.TrimSpace(p.MediaURL) == "" {
			return "", &StructuralError{Reason: "media job without mediaUrl"}
		}
	case job.ModeEncodedMedia:
		if strings.TrimSpace(p.Base64Data) == "" {
			return "", &StructuralError{Reason: "base64 job without base64Data"}
		}
	default:
		return "", &StructuralError{Reason: fmt.Sprintf("unknown type %q", mode)}
	}
	return mode, nil
}

// Normalize turns a parsed payload into an OutboundJob. Encoded media is decoded
// and validated here; remote media is only recorded for the dispatcher to fetch.
func Normalize(p *job.Payload) (*job.OutboundJob, error) {
	mode, err := resolveMode(p)
	if err != nil {
		return nil, err
	}
	j := &job.OutboundJob{
		Recipients: append([]string(nil), p.To...),
		Mode:       mode,
		Body:       p.Message,
		MimeType:   strings.TrimSpace(p.Mimetype),
		Filename:   strings.TrimSpace(p.Filename),
		Caption:    p.Caption,
	}
	if p.Options != nil {
		j.Options = job.DeliveryOptions{
			LinkPreview:      p.Options.LinkPreview,
			ViewOnce:         p.Options.IsViewOnce,
			SendAudioAsVoice: p.Options.SendAudioAsVoice,
		}
	}

	switch mode {
	case job.ModeRemoteMedia:
		j.MediaRef = strings.TrimSpace(p.MediaURL)
	case job.ModeEncodedMedia:
		desc, err := DecodeMedia(p.Base64Data, j.MimeType, j.Filename)
		if err != nil {
			return nil, err
		}
		j.Media = desc
	}
	return j, nil
}

// DecodeMedia resolves an encoded payload of the form "data:<mime>;base64,<body>" or
// bare base64. An explicit mimeType wins over the declared header; with neither the
// type defaults to image/jpeg.
func DecodeMedia(payload, mimeType, filename string) (*media.Descriptor, error) {
	body := strings.TrimSpace(payload)
	declared := ""
	if strings.HasPrefix(body, "data:") {
		header, rest, ok := strings.Cut(body, ",")
		if !ok {
			return nil, fmt.Errorf("%w: data uri without body", ErrInvalidBase64)
		}
		if m := dataURIHeader.FindStringSubmatch(header); m != nil {
			declared = strings.ToLower(strings.TrimSpace(m[1]))
		}
		body = strings.TrimSpace(rest)
	}

	if !base64Alphabet.MatchString(body) {
		return nil, ErrInvalidBase64
	}
	data, err := decodeBase64(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyMediaPayload
	}

	resolved := mimeType
	if resolved == "" {
		resolved = declared
	}
	if resolved == "" {
		resolved = media.DefaultMimeType
	}
	ext := media.ExtensionFor(resolved)
	if filename == "" {
		filename = "media." + ext
	}
	return &media.Descriptor{
		MimeType:  resolved,
		Data:      data,
		Encoded:   body,
		Extension: ext,
		Filename:  filename,
	}, nil
}
