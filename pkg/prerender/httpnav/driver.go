/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httpnav loads candidate pages over HTTP. It implements `contracts.FrameTreeDelegate` for deployments where
// a "frame tree" is just a fetch of the document: redirects are surfaced hop by hop, response headers are reported
// before the body is read, and destroying the frame tree aborts the fetch.
package httpnav

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-logr/logr"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/contracts"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

const (
	// SecPurposeHeader marks requests made for a prerender.
	SecPurposeHeader = "Sec-Purpose"
	SecPurposeValue  = "prefetch;prerender"

	defaultMaxRedirects = 20
	defaultMaxBodyBytes = 16 << 20
)

// Reporter is the renderer-facing part of the registry API. Every method is called on the sequence passed to `New`.
type Reporter interface {
	OnRedirectReceived(id types.CandidateID, navID types.NavigationID, to *url.URL) error
	OnHeadersReceived(id types.CandidateID, navID types.NavigationID, statusCode int, header http.Header) error
	OnNavigationCommitted(id types.CandidateID, navID types.NavigationID, u *url.URL) error
	OnNavigationFailed(id types.CandidateID, navID types.NavigationID, failure types.NavigationFailure) error
	OnLoadCompleted(id types.CandidateID) error
}

// Option configures a Driver.
type Option func(*Driver)

// WithClient replaces the HTTP client. Its CheckRedirect is overridden so redirects reach the registry.
func WithClient(c *http.Client) Option {
	return func(d *Driver) { d.client = c }
}

// WithMaxRedirects bounds the redirect chain of a single navigation.
func WithMaxRedirects(n int) Option {
	return func(d *Driver) { d.maxRedirects = n }
}

// WithMaxBodyBytes bounds how much of a document is read before it counts as loaded.
func WithMaxBodyBytes(n int64) Option {
	return func(d *Driver) { d.maxBodyBytes = n }
}

// Driver fetches candidate documents. Fetches run on their own goroutines; all results are posted to the sequence.
type Driver struct {
	client       *http.Client
	seq          contracts.Sequence
	logger       logr.Logger
	maxRedirects int
	maxBodyBytes int64

	mu       sync.Mutex
	reporter Reporter
	inflight map[types.CandidateID]*fetch
	wg       sync.WaitGroup
	closed   bool
}

type fetch struct {
	cancel context.CancelFunc
}

var _ contracts.FrameTreeDelegate = &Driver{}

// New creates a driver. `Bind` must be called before the first navigation starts.
func New(seq contracts.Sequence, logger logr.Logger, opts ...Option) *Driver {
	d := &Driver{
		client:       &http.Client{},
		seq:          seq,
		logger:       logger.WithName("httpnav"),
		maxRedirects: defaultMaxRedirects,
		maxBodyBytes: defaultMaxBodyBytes,
		inflight:     make(map[types.CandidateID]*fetch),
	}
	for _, opt := range opts {
		opt(d)
	}
	client := *d.client
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	d.client = &client
	return d
}

// Bind sets the reporter. The registry takes the driver at construction, so the two are tied together afterwards.
func (d *Driver) Bind(r Reporter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reporter = r
}

// StartNavigation implements contracts.FrameTreeDelegate.
func (d *Driver) StartNavigation(id types.CandidateID, navID types.NavigationID, u *url.URL) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if prev, ok := d.inflight[id]; ok {
		prev.cancel()
	}
	f := &fetch{cancel: cancel}
	d.inflight[id] = f
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.forget(id, f)
		d.navigate(ctx, id, navID, u)
	}()
}

// DestroyFrameTree implements contracts.FrameTreeDelegate.
func (d *Driver) DestroyFrameTree(id types.CandidateID, status types.FinalStatus) {
	d.mu.Lock()
	f, ok := d.inflight[id]
	delete(d.inflight, id)
	d.mu.Unlock()
	if ok {
		f.cancel()
	}
	d.logger.V(logging.DEBUG).Info("Frame tree destroyed", "candidateID", id, "finalStatus", status, "aborted", ok)
}

// Close aborts every in-flight fetch and waits for them to return.
func (d *Driver) Close() {
	d.mu.Lock()
	d.closed = true
	for id, f := range d.inflight {
		f.cancel()
		delete(d.inflight, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Driver) forget(id types.CandidateID, f *fetch) {
	f.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	// A restarted navigation may have replaced the entry.
	if d.inflight[id] == f {
		delete(d.inflight, id)
	}
}

// post reports back on the sequence unless the fetch was aborted. It returns false when nothing was posted.
func (d *Driver) post(ctx context.Context, id types.CandidateID, what string, fn func(Reporter) error) bool {
	if ctx.Err() != nil {
		return false
	}
	d.mu.Lock()
	r := d.reporter
	d.mu.Unlock()
	if r == nil {
		d.logger.Error(nil, "Navigation result dropped: no reporter bound", "candidateID", id, "report", what)
		return false
	}
	d.seq.Post(func() {
		if err := fn(r); err != nil {
			d.logger.V(logging.DEBUG).Info("Navigation report not applied", "candidateID", id, "report", what,
				"err", err.Error())
		}
	})
	return true
}

// followRedirect reports a redirect hop and waits until the registry has judged it. The next hop is only requested
// when the hop was accepted and the frame tree is still alive.
func (d *Driver) followRedirect(ctx context.Context, id types.CandidateID, navID types.NavigationID,
	next *url.URL,
) bool {
	decided := make(chan error, 1)
	if !d.post(ctx, id, "redirect", func(r Reporter) error {
		err := r.OnRedirectReceived(id, navID, next)
		decided <- err
		return err
	}) {
		return false
	}
	select {
	case err := <-decided:
		return err == nil && ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

func (d *Driver) fail(ctx context.Context, id types.CandidateID, navID types.NavigationID, f types.NavigationFailure) {
	d.post(ctx, id, "failed", func(r Reporter) error { return r.OnNavigationFailed(id, navID, f) })
}

func (d *Driver) navigate(ctx context.Context, id types.CandidateID, navID types.NavigationID, u *url.URL) {
	logger := d.logger.WithValues("candidateID", id, "navigationID", navID)
	current := u
	for hops := 0; ; hops++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			d.fail(ctx, id, navID, types.FailureNetworkError)
			return
		}
		req.Header.Set(SecPurposeHeader, SecPurposeValue)

		logger.V(logging.TRACE).Info("Fetching", "url", current.String())
		resp, err := d.client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				logger.V(logging.VERBOSE).Info("Fetch failed", "url", current.String(), "err", err.Error())
			}
			d.fail(ctx, id, navID, classify(err))
			return
		}

		if next, ok := redirectTarget(resp); ok {
			drain(resp)
			if hops >= d.maxRedirects {
				logger.V(logging.VERBOSE).Info("Too many redirects", "url", current.String())
				d.fail(ctx, id, navID, types.FailureNetworkError)
				return
			}
			if !d.followRedirect(ctx, id, navID, next) {
				logger.V(logging.DEBUG).Info("Redirect not followed", "url", next.String())
				return
			}
			current = next
			continue
		}

		if failure, ok := failureFromResponse(resp); ok {
			drain(resp)
			d.fail(ctx, id, navID, failure)
			return
		}

		header := resp.Header.Clone()
		status := resp.StatusCode
		committed := current
		d.post(ctx, id, "headers", func(r Reporter) error { return r.OnHeadersReceived(id, navID, status, header) })
		d.post(ctx, id, "commit", func(r Reporter) error { return r.OnNavigationCommitted(id, navID, committed) })

		_, err = io.Copy(io.Discard, io.LimitReader(resp.Body, d.maxBodyBytes))
		_ = resp.Body.Close()
		if err != nil {
			d.fail(ctx, id, navID, types.FailureStopped)
			return
		}
		d.post(ctx, id, "load", func(r Reporter) error { return r.OnLoadCompleted(id) })
		return
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func redirectTarget(resp *http.Response) (*url.URL, bool) {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return nil, false
	}
	next, err := resp.Location()
	if err != nil {
		return nil, false
	}
	return next, true
}

// failureFromResponse maps responses that never become a document.
func failureFromResponse(resp *http.Response) (types.NavigationFailure, bool) {
	switch {
	case resp.StatusCode == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") != "",
		resp.StatusCode == http.StatusProxyAuthRequired && resp.Header.Get("Proxy-Authenticate") != "":
		return types.FailureLoginAuthRequested, true
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if disposition, _, err := mime.ParseMediaType(cd); err == nil && disposition == "attachment" {
			return types.FailureDownload, true
		}
	}
	return 0, false
}

func classify(err error) types.NavigationFailure {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
		alertErr    tls.AlertError
	)
	switch {
	case errors.As(err, &verifyErr), errors.As(err, &unknownAuth), errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert):
		return types.FailureCertificateError
	case errors.As(err, &alertErr) && alertErr == 116: // certificate_required
		return types.FailureClientCertRequested
	default:
		return types.FailureNetworkError
	}
}
