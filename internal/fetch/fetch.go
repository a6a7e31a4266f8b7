// Package fetch provides the hardened HTTP client used by every
// ingestion adapter. All outbound requests go through URL validation,
// a redirect limit, a response size cap and retry with exponential
// backoff for transient failures.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxBytes   = 10 * 1024 * 1024
	defaultMaxElapsed = 30 * time.Second
	maxRedirects      = 5
)

// Result is the outcome of a single HTTP exchange.
type Result struct {
	Body       []byte
	StatusCode int
	Header     http.Header

	// Conditional fetch bookkeeping, populated by Fetch.
	Hash         string
	ETag         string
	LastModified string
	Changed      bool
}

// StatusError reports a non-2xx response. The header is kept so callers
// can honor rate limit hints.
type StatusError struct {
	URL        string
	StatusCode int
	Header     http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Config controls fetcher behavior. The zero value gets sane defaults.
type Config struct {
	// Timeout bounds a single request, including body read.
	Timeout time.Duration

	// MaxBytes caps the response body. Longer bodies are truncated.
	MaxBytes int64

	// UserAgent is sent when non-empty.
	UserAgent string

	// MaxElapsed bounds the total retry budget of Get/GetJSON/PostJSON.
	MaxElapsed time.Duration

	// URLValidator rejects URLs before any connection is made. Defaults
	// to ValidateURL. Override with a nil-returning func to disable.
	URLValidator func(string) error
}

// Fetcher performs validated HTTP requests.
type Fetcher struct {
	client   *http.Client
	config   Config
	validate func(string) error

	newBackOff func() backoff.BackOff
}

// New creates a Fetcher from cfg.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = defaultMaxElapsed
	}
	validate := cfg.URLValidator
	if validate == nil {
		validate = ValidateURL
	}

	f := &Fetcher{
		config:   cfg,
		validate: validate,
	}
	f.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("fetch: stopped after %d redirects", maxRedirects)
			}
			return f.validate(req.URL.String())
		},
	}
	f.newBackOff = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = cfg.MaxElapsed
		return bo
	}
	return f
}

// HTTPClient exposes the underlying client so SDKs that accept a custom
// http.Client inherit the timeout and redirect policy.
func (f *Fetcher) HTTPClient() *http.Client {
	return f.client
}

// Do performs a single request attempt without retry. Non-2xx responses
// return a *StatusError that still carries the response header.
func (f *Fetcher) Do(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*Result, error) {
	if err := f.validate(rawURL); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if f.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", rawURL, err)
	}

	res := &Result{
		Body:       data,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, &StatusError{URL: rawURL, StatusCode: resp.StatusCode, Header: resp.Header}
	}
	return res, nil
}

// Get performs a GET with retry. Transport errors, 429 and 5xx responses
// are retried until the backoff budget runs out; other statuses fail
// immediately.
func (f *Fetcher) Get(ctx context.Context, rawURL string, header http.Header) (*Result, error) {
	return f.retry(ctx, func() (*Result, error) {
		return f.Do(ctx, http.MethodGet, rawURL, header, nil)
	})
}

// GetJSON performs a retrying GET and decodes the body into v.
func (f *Fetcher) GetJSON(ctx context.Context, rawURL string, header http.Header, v any) (*Result, error) {
	res, err := f.Get(ctx, rawURL, header)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(res.Body, v); err != nil {
		return res, fmt.Errorf("fetch %s: decode response: %w", rawURL, err)
	}
	return res, nil
}

// PostJSON marshals in, POSTs it and decodes the response into out when
// out is non-nil. Retries follow the Get policy.
func (f *Fetcher) PostJSON(ctx context.Context, rawURL string, header http.Header, in, out any) (*Result, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: encode request: %w", rawURL, err)
	}
	res, err := f.retry(ctx, func() (*Result, error) {
		h := http.Header{}
		for k, vs := range header {
			h[k] = vs
		}
		h.Set("Content-Type", "application/json")
		return f.Do(ctx, http.MethodPost, rawURL, h, bytes.NewReader(payload))
	})
	if err != nil {
		return res, err
	}
	if out != nil {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return res, fmt.Errorf("fetch %s: decode response: %w", rawURL, err)
		}
	}
	return res, nil
}

// Delete performs a single DELETE without retry. Callers that delete
// rows after ingesting them must not replay the request blindly.
func (f *Fetcher) Delete(ctx context.Context, rawURL string, header http.Header) (*Result, error) {
	return f.Do(ctx, http.MethodDelete, rawURL, header, nil)
}

func (f *Fetcher) retry(ctx context.Context, op func() (*Result, error)) (*Result, error) {
	var last *Result
	err := backoff.Retry(func() error {
		res, err := op()
		last = res
		if err == nil {
			return nil
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(f.newBackOff(), ctx))
	return last, err
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	// Transport level failure.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Fetch performs a conditional GET for feed polling. The caller passes
// the validators of the previous fetch; a 304 or an unchanged body hash
// comes back with Changed=false and an empty body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, header http.Header, etag, lastModified, prevHash string) (*Result, error) {
	h := http.Header{}
	for k, vs := range header {
		h[k] = vs
	}
	if etag != "" {
		h.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		h.Set("If-Modified-Since", lastModified)
	}

	res, err := f.Do(ctx, http.MethodGet, rawURL, h, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotModified {
			return &Result{
				StatusCode:   se.StatusCode,
				Header:       se.Header,
				Hash:         prevHash,
				ETag:         etag,
				LastModified: lastModified,
				Changed:      false,
			}, nil
		}
		return nil, err
	}

	sum := sha256.Sum256(res.Body)
	res.Hash = hex.EncodeToString(sum[:])
	res.ETag = res.Header.Get("ETag")
	res.LastModified = res.Header.Get("Last-Modified")
	res.Changed = prevHash == "" || res.Hash != prevHash
	if !res.Changed {
		res.Body = nil
	}
	return res, nil
}
