// Package ctfetch retrieves signed tree heads and entry batches from
// Certificate Transparency logs over HTTP.
package ctfetch

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	ct "github.com/google/certificate-transparency-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ctmon.dev/internal/entrycodec"
	"ctmon.dev/internal/loglist"
)

// userAgent and contactAddress are sent with every request, mirroring
// good-citizen behavior expected of CT log crawlers: an operator should be
// able to tell who is hammering their log and how to reach them.
const (
	userAgent      = "ctmon/0.1 (+https://ctmon.dev)"
	contactAddress = "ctmon@ctmon.dev"
)

// ErrorKind classifies why a fetch failed.
type ErrorKind int

const (
	ErrTransport ErrorKind = iota
	ErrBadStatus
	ErrDeserialize
)

// Error is returned by every Fetcher method on failure.
type Error struct {
	Kind   ErrorKind
	Status int // set when Kind == ErrBadStatus
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrBadStatus:
		return fmt.Sprintf("ctfetch: bad status %d", e.Status)
	case ErrDeserialize:
		return fmt.Sprintf("ctfetch: deserialize: %v", e.Err)
	default:
		return fmt.Sprintf("ctfetch: transport: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher issues HTTP requests against CT logs, transparently handling
// Brotli- or gzip-compressed responses and OpenTelemetry span propagation.
type Fetcher struct {
	client *http.Client
}

// New returns a Fetcher whose requests are wrapped in OpenTelemetry spans.
func New() *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (f *Fetcher) getBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: ErrTransport, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("From", contactAddress)
	req.Header.Set("Accept-Encoding", "br, gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: ErrBadStatus, Status: resp.StatusCode}
	}

	reader := resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		reader = io.NopCloser(brotli.NewReader(resp.Body))
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &Error{Kind: ErrTransport, Err: err}
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &Error{Kind: ErrTransport, Err: err}
	}
	return body, nil
}

// FetchSTH retrieves a log's current signed tree head.
func (f *Fetcher) FetchSTH(ctx context.Context, log loglist.Log) (ct.SignedTreeHead, error) {
	body, err := f.getBody(ctx, log.GetSTHURL())
	if err != nil {
		return ct.SignedTreeHead{}, err
	}
	var sth ct.SignedTreeHead
	if err := json.Unmarshal(body, &sth); err != nil {
		return ct.SignedTreeHead{}, &Error{Kind: ErrDeserialize, Err: err}
	}
	return sth, nil
}

// FetchEntries retrieves entries [start, end] (inclusive) from a log. The
// log may legally return fewer entries than requested, but never more, and
// never zero for a non-empty range; callers must check the returned count.
func (f *Fetcher) FetchEntries(ctx context.Context, log loglist.Log, start, end uint64) ([]entrycodec.GetEntriesItem, error) {
	body, err := f.getBody(ctx, log.GetEntriesURL(start, end))
	if err != nil {
		return nil, err
	}
	items, err := entrycodec.ParseGetEntriesResponse(body, start)
	if err != nil {
		return nil, &Error{Kind: ErrDeserialize, Err: err}
	}
	return items, nil
}
