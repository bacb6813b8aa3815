package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"chat-bridge/pkg/media"
)

var (
	ErrMediaFetchFailed = errors.New("media fetch failed")
	ErrMediaTooLarge    = errors.New("remote media exceeds size limit")
)

// FetchError carries the HTTP status of a failed remote media fetch.
type FetchError struct {
	URL    string
	Status int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("media fetch failed: %s returned status %d", e.URL, e.Status)
}

func (e *FetchError) Is(target error) bool { return target == ErrMediaFetchFailed }

// Fetcher downloads remote media referenced by a job.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*media.Descriptor, error)
}

type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// NewHTTPFetcherWithClient is used by tests to point at an httptest server.
func NewHTTPFetcherWithClient(c *http.Client, maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{client: c, maxBytes: maxBytes}
}

// Fetch downloads ref. The MIME type comes from Content-Type, falling back to the
// URL's extension; Filename is the trailing path segment when there is one.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (*media.Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaFetchFailed, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: ref, Status: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrMediaFetchFailed, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, ErrMediaTooLarge
	}

	name := filenameFromURL(ref)
	mt := ""
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			mt = parsed
		}
	}
	if mt == "" || mt == media.OctetStream {
		if guessed := media.MimeForFilename(name); guessed != media.OctetStream {
			mt = guessed
		}
	}
	if mt == "" {
		mt = media.OctetStream
	}

	return &media.Descriptor{
		MimeType:  mt,
		Data:      data,
		Encoded:   base64.StdEncoding.EncodeToString(data),
		Extension: media.ExtensionFor(mt),
		Filename:  name,
	}, nil
}

func filenameFromURL(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || strings.TrimSpace(base) == "" {
		return ""
	}
	return base
}
