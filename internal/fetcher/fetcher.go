// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetcher performs upstream HTTP fetches with single-flight
// coalescing and per-host circuit breaking.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/HEXIkx/mirror-server/internal/httpx"
)

// Error kinds surfaced to adapters. Adapters map ErrNotFound to 404 and
// everything else to 502.
var (
	ErrNotFound  = errors.New("upstream not found")
	ErrUpstream  = errors.New("upstream error")
	ErrTransport = errors.New("transport error")
	ErrTimeout   = errors.New("upstream timeout")
)

// Credentials are upstream basic-auth credentials for one fetch. They go out
// on the upstream request only, never to mirror clients.
type Credentials struct {
	Username string
	Password string
}

// Options tune one fetch.
type Options struct {
	Timeout     time.Duration
	Range       string // passthrough "bytes=a-b", optional
	Accept      string
	Header      http.Header
	Method      string // default GET
	Credentials *Credentials
}

// Result is a completed upstream response, fully buffered.
type Result struct {
	Body        []byte
	Status      int
	ContentType string
	Header      http.Header
}

// Fetcher issues coalesced upstream requests.
type Fetcher struct {
	client httpx.BasicClient
	log    *zap.Logger
	sf     singleflight.Group

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Fetcher over the given transport. ua is sent as User-Agent on
// every request.
func New(client *http.Client, ua string, log *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{
		client:   &httpx.WithUserAgent{BasicClient: client, UserAgent: ua},
		log:      log,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// NewWithClient builds a Fetcher over any BasicClient; used by tests.
func NewWithClient(client httpx.BasicClient, log *zap.Logger) *Fetcher {
	return &Fetcher{client: client, log: log, breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (f *Fetcher) breaker(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	f.breakers[host] = cb
	return cb
}

// Fetch performs a single-flight GET (or opts.Method) against rawURL.
// Concurrent calls for the same (url, range) pair coalesce into one upstream
// request; every caller receives the shared Result.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	key := rawURL
	if opts.Range != "" {
		key += "\x00" + opts.Range
	}
	v, err, shared := f.sf.Do(key, func() (any, error) {
		return f.fetchOnce(ctx, rawURL, opts)
	})
	if shared && f.log != nil {
		f.log.Debug("coalesced upstream fetch", zap.String("url", rawURL))
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Head performs an uncoalesced HEAD, used by the health checker.
func (f *Fetcher) Head(ctx context.Context, rawURL string, timeout time.Duration) (int, time.Duration, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, "building request")
	}
	start := time.Now()
	resp, err := f.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, elapsed, ErrTimeout
		}
		return 0, elapsed, ErrTransport
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, elapsed, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if opts.Accept != "" {
		req.Header.Set("Accept", opts.Accept)
	}
	if opts.Range != "" {
		req.Header.Set("Range", opts.Range)
	}

	client := f.client
	if c := opts.Credentials; c != nil {
		client = &httpx.WithBasicAuth{BasicClient: client, Username: c.Username, Password: c.Password}
	}

	host := hostOf(rawURL)
	out, err := f.breaker(host).Execute(func() (any, error) {
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, errors.Wrapf(ErrTransport, "%v", err)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			// A 404 is a valid upstream answer, not a failure for the breaker.
			io.Copy(io.Discard, resp.Body)
			return &Result{Status: http.StatusNotFound}, nil
		case resp.StatusCode >= 400:
			io.Copy(io.Discard, resp.Body)
			return nil, errors.Wrapf(ErrUpstream, "status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrapf(ErrTransport, "reading body: %v", err)
		}
		return &Result{
			Body:        body,
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Header:      resp.Header,
		}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errors.Wrapf(ErrUpstream, "%s circuit open", host)
		}
		return nil, err
	}
	res := out.(*Result)
	if res.Status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	return res, nil
}

// IsNotFound reports whether err is the upstream-404 kind.
func IsNotFound(err error) bool { return errors.Cause(err) == ErrNotFound }

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	if i := strings.Index(rawURL, "/"); i > 0 {
		return rawURL[:i]
	}
	return rawURL
}
