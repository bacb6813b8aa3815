package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chat-bridge/pkg/job"
	"chat-bridge/pkg/media"
	"chat-bridge/pkg/normalize"
	"chat-bridge/pkg/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendText(ctx context.Context, to, text string, opts transport.SendOptions) (string, error) {
	args := m.Called(ctx, to, text, opts)
	return args.String(0), args.Error(1)
}

func (m *MockSender) SendMedia(ctx context.Context, to string, md transport.Media, opts transport.SendOptions) (string, error) {
	args := m.Called(ctx, to, md, opts)
	return args.String(0), args.Error(1)
}

type stubFetcher struct {
	desc  *media.Descriptor
	err   error
	calls int
}

func (s *stubFetcher) Fetch(ctx context.Context, ref string) (*media.Descriptor, error) {
	s.calls++
	return s.desc, s.err
}

func newTestDispatcher(sender transport.Sender, fetcher Fetcher) (*Dispatcher, *[]time.Duration) {
	d := New(sender, fetcher, Config{SendDelay: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var slept []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) { slept = append(slept, dur) }
	return d, &slept
}

func TestDispatchTextSanitizesAndSuffixes(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendText", mock.Anything, "15551230000@c.us", "hi", mock.Anything).Return("id-1", nil)
	sender.On("SendText", mock.Anything, "bad@c.us", "hi", mock.Anything).Return("", errors.New("invalid wid"))

	p, err := normalize.Parse([]byte(`{"to":["15551230000","bad"],"message":"  hi\u0000 "}`))
	require.NoError(t, err)
	j, err := normalize.Normalize(p)
	require.NoError(t, err)

	d, slept := newTestDispatcher(sender, nil)
	results := d.Dispatch(context.Background(), j)

	require.Len(t, results, 2)
	assert.Equal(t, job.DeliveryResult{Recipient: "15551230000", Address: "15551230000@c.us", Success: true, MessageID: "id-1"}, results[0])
	assert.Equal(t, "bad@c.us", results[1].Address)
	assert.False(t, results[1].Success)
	assert.Equal(t, "invalid wid", results[1].Error)
	// throttle only after successful sends
	assert.Equal(t, []time.Duration{time.Second}, *slept)
	sender.AssertExpectations(t)
}

func TestDispatchIsolatesRecipientFailureAndKeepsOrder(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendText", mock.Anything, "3@c.us", mock.Anything, mock.Anything).Return("", errors.New("malformed"))
	sender.On("SendText", mock.Anything, mock.Anything, "broadcast", mock.Anything).Return("ok", nil)

	j := &job.OutboundJob{Mode: job.ModeText, Body: "broadcast", Recipients: []string{"1", "2", "3", "4", "5"}}
	d, slept := newTestDispatcher(sender, nil)
	results := d.Dispatch(context.Background(), j)

	require.Len(t, results, 5)
	failed := 0
	for i, r := range results {
		assert.Equal(t, j.Recipients[i], r.Recipient)
		if !r.Success {
			failed++
			assert.Equal(t, "3", r.Recipient)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, job.Failed(results))
	assert.Len(t, *slept, 4)
}

func TestDispatchEmptyAfterSanitization(t *testing.T) {
	sender := new(MockSender)
	j := &job.OutboundJob{Mode: job.ModeText, Body: "\u0000\uFEFF ", Recipients: []string{"1", "2"}}
	d, _ := newTestDispatcher(sender, nil)
	results := d.Dispatch(context.Background(), j)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, ErrEmptyMessageAfterSanitization.Error(), r.Error)
	}
	sender.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchEncodedMediaWithoutCaption(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendMedia", mock.Anything, "1@c.us", mock.Anything, mock.Anything).Return("m-1", nil)

	p, err := normalize.Parse([]byte(`{"to":"1","type":"base64","base64Data":"data:image/png;base64,aGVsbG8="}`))
	require.NoError(t, err)
	j, err := normalize.Normalize(p)
	require.NoError(t, err)

	d, _ := newTestDispatcher(sender, nil)
	results := d.Dispatch(context.Background(), j)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	call := sender.Calls[0]
	m := call.Arguments.Get(2).(transport.Media)
	opts := call.Arguments.Get(3).(transport.SendOptions)
	assert.Equal(t, "image/png", m.MimeType)
	assert.Equal(t, "aGVsbG8=", m.Data)
	assert.Regexp(t, `\.png$`, m.Filename)
	assert.Empty(t, opts.Caption)
}

func TestDispatchCaptionFallsBackToBody(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.MatchedBy(func(o transport.SendOptions) bool {
		return o.Caption == "from body" && o.ViewOnce
	})).Return("m-1", nil)

	desc, err := normalize.DecodeMedia("aGVsbG8=", "image/jpeg", "")
	require.NoError(t, err)
	j := &job.OutboundJob{
		Mode: job.ModeEncodedMedia, Media: desc, Body: " from body\u0007", Recipients: []string{"1"},
		Options: job.DeliveryOptions{ViewOnce: true},
	}
	d, _ := newTestDispatcher(sender, nil)
	results := d.Dispatch(context.Background(), j)
	assert.True(t, results[0].Success)
	sender.AssertExpectations(t)
}

func TestDispatchBlankCaptionFallsBackToBody(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendMedia", mock.Anything, "1@c.us", mock.Anything, mock.MatchedBy(func(o transport.SendOptions) bool {
		return o.Caption == "from body"
	})).Return("m-1", nil)

	desc, err := normalize.DecodeMedia("aGVsbG8=", "image/jpeg", "")
	require.NoError(t, err)
	j := &job.OutboundJob{
		Mode: job.ModeEncodedMedia, Media: desc, Caption: " \u0000\uFEFF ", Body: "from body", Recipients: []string{"1"},
	}
	d, _ := newTestDispatcher(sender, nil)
	results := d.Dispatch(context.Background(), j)
	assert.True(t, results[0].Success)
	sender.AssertExpectations(t)
}

func TestDispatchRemoteMediaFetchFailureIsPerRecipient(t *testing.T) {
	sender := new(MockSender)
	fetcher := &stubFetcher{err: &FetchError{URL: "https://x/y.png", Status: 404}}
	j := &job.OutboundJob{Mode: job.ModeRemoteMedia, MediaRef: "https://x/y.png", Recipients: []string{"1", "2"}}

	d, _ := newTestDispatcher(sender, fetcher)
	results := d.Dispatch(context.Background(), j)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Contains(t, r.Error, "404")
	}
	// a failed fetch is retried for the next recipient
	assert.Equal(t, 2, fetcher.calls)
}

func TestDispatchRemoteMediaFetchedOnce(t *testing.T) {
	sender := new(MockSender)
	sender.On("SendMedia", mock.Anything, mock.Anything, mock.MatchedBy(func(m transport.Media) bool {
		return m.Filename == "override.pdf" && m.MimeType == "application/pdf"
	}), mock.Anything).Return("m", nil)
	fetcher := &stubFetcher{desc: &media.Descriptor{MimeType: "application/octet-stream", Encoded: "aGk=", Filename: "file"}}
	j := &job.OutboundJob{
		Mode: job.ModeRemoteMedia, MediaRef: "https://x/file", MimeType: "application/pdf", Filename: "override.pdf",
		Recipients: []string{"1", "2"},
	}

	d, _ := newTestDispatcher(sender, fetcher)
	results := d.Dispatch(context.Background(), j)
	assert.Equal(t, 0, job.Failed(results))
	assert.Equal(t, 1, fetcher.calls)
	sender.AssertNumberOfCalls(t, "SendMedia", 2)
}

type panicSender struct{ MockSender }

func (p *panicSender) SendText(ctx context.Context, to, text string, opts transport.SendOptions) (string, error) {
	if to == "boom@c.us" {
		panic("transport exploded")
	}
	return "ok", nil
}

func TestDispatchRecoversPanicPerRecipient(t *testing.T) {
	j := &job.OutboundJob{Mode: job.ModeText, Body: "x", Recipients: []string{"boom", "fine"}}
	d, _ := newTestDispatcher(&panicSender{}, nil)
	results := d.Dispatch(context.Background(), j)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "panicked")
	assert.True(t, results[1].Success)
}

func TestFail(t *testing.T) {
	d, _ := newTestDispatcher(new(MockSender), nil)
	results := d.Fail([]string{"1", "2@g.us"}, job.ModeEncodedMedia, normalize.ErrInvalidBase64)
	require.Len(t, results, 2)
	assert.Equal(t, "1@c.us", results[0].Address)
	assert.Equal(t, "2@g.us", results[1].Address)
	assert.Equal(t, 2, job.Failed(results))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/images/cat.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("hello"))
		case "/docs/report.pdf":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte("%PDF"))
		case "/big":
			w.Write(make([]byte, 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	f := NewHTTPFetcherWithClient(srv.Client(), 32)
	ctx := context.Background()

	desc, err := f.Fetch(ctx, srv.URL+"/images/cat.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", desc.MimeType)
	assert.Equal(t, "cat.png", desc.Filename)
	assert.Equal(t, "aGVsbG8=", desc.Encoded)

	desc, err = f.Fetch(ctx, srv.URL+"/docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", desc.MimeType)

	_, err = f.Fetch(ctx, srv.URL+"/missing.png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMediaFetchFailed)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.Status)

	_, err = f.Fetch(ctx, srv.URL+"/big")
	assert.ErrorIs(t, err, ErrMediaTooLarge)
}
