// Package httpx is the net/http implementation of transport.Transport.
//
// It streams download progress, raises a challenge for HTTP Basic (and other
// WWW-Authenticate schemes) and for unverifiable TLS certificates, and
// rate-limits requests per host.
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"connq/internal/transport"
	logx "connq/pkg/logx"
)

var (
	ErrUnauthorized = errors.New("httpx: unauthorized")
	ErrUntrusted    = errors.New("httpx: server identity not trusted")
)

const (
	defaultUserAgent   = "connq/1"
	defaultAuthRetries = 3
	readChunk          = 32 * 1024
)

type Config struct {
	// Timeout bounds a whole request, including retries after a challenge.
	// Request.Timeout overrides it. 0 means no limit.
	Timeout   time.Duration
	UserAgent string
	// RatePerHost limits requests per second to one host. 0 disables it.
	RatePerHost float64
	Burst       int
	// MaxAuthRetries bounds how often a request is re-sent after a challenge.
	MaxAuthRetries int
	// TLS is the base TLS configuration. nil uses system roots.
	TLS *tls.Config
}

type Option func(*Transport)

func WithLogger(log logx.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithHTTPTransport replaces the underlying round tripper base.
func WithHTTPTransport(rt *http.Transport) Option {
	return func(t *Transport) { t.base = rt }
}

type Transport struct {
	cfg  Config
	log  logx.Logger
	base *http.Transport

	client   *http.Client
	insecure *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, opts ...Option) *Transport {
	t := &Transport{cfg: cfg, limiters: map[string]*rate.Limiter{}}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	if t.cfg.UserAgent == "" {
		t.cfg.UserAgent = defaultUserAgent
	}
	if t.cfg.MaxAuthRetries <= 0 {
		t.cfg.MaxAuthRetries = defaultAuthRetries
	}
	if t.base == nil {
		t.base = http.DefaultTransport.(*http.Transport).Clone()
	}
	if t.cfg.TLS != nil {
		t.base.TLSClientConfig = t.cfg.TLS.Clone()
	}

	insecure := t.base.Clone()
	tc := &tls.Config{}
	if insecure.TLSClientConfig != nil {
		tc = insecure.TLSClientConfig.Clone()
	}
	tc.InsecureSkipVerify = true
	insecure.TLSClientConfig = tc

	t.client = &http.Client{Transport: t.base}
	t.insecure = &http.Client{Transport: insecure}
	return t
}

// Do performs req. It blocks until the body has been read, the request failed
// or ctx was cancelled.
func (t *Transport) Do(ctx context.Context, req transport.Request, ev transport.Events) (transport.Response, []byte, error) {
	if ev == nil {
		ev = nopEvents{}
	}
	timeout := t.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return transport.Response{}, nil, fmt.Errorf("parse url: %w", err)
	}
	client := t.client
	var (
		cred     *transport.Credential
		failures int
	)
	for attempt := 0; ; attempt++ {
		if err := t.wait(ctx, u.Hostname()); err != nil {
			return transport.Response{}, nil, err
		}
		hreq, err := t.build(ctx, req, cred)
		if err != nil {
			return transport.Response{}, nil, err
		}

		started := time.Now()
		hresp, err := client.Do(hreq)
		if err != nil {
			if client == t.insecure || !isTrustError(err) {
				return transport.Response{}, nil, err
			}
			ans := ev.Challenge(ctx, transport.Challenge{Space: space(u, "", transport.AuthServerTrust)})
			if ans.Disposition != transport.TrustServer {
				return transport.Response{}, nil, fmt.Errorf("%w: %v", ErrUntrusted, err)
			}
			t.log.Debug("server trusted", logx.String("host", u.Hostname()))
			client = t.insecure
			continue
		}

		resp := toResponse(hresp)
		if hresp.StatusCode == http.StatusUnauthorized {
			method, realm := parseChallenge(hresp.Header.Get("WWW-Authenticate"))
			if cred != nil {
				failures++
			}
			drain(hresp.Body)
			failed := resp
			ch := transport.Challenge{
				Space:            space(u, realm, method),
				PreviousFailures: failures,
				Proposed:         cred,
				FailureResponse:  &failed,
			}
			if attempt >= t.cfg.MaxAuthRetries {
				return resp, nil, fmt.Errorf("%w: %w", ErrUnauthorized, &transport.AuthenticationError{Challenge: ch})
			}
			ans := ev.Challenge(ctx, ch)
			switch {
			case ans.Disposition == transport.UseCredential && ans.Credential != nil && method == transport.AuthBasic:
				c := *ans.Credential
				cred = &c
				continue
			case ans.Disposition == transport.PerformDefault:
				return resp, nil, nil
			case ans.Disposition == transport.UseCredential:
				return resp, nil, fmt.Errorf("%w: unsupported scheme %s", ErrUnauthorized, method)
			default:
				return resp, nil, ErrUnauthorized
			}
		}

		body, err := t.read(ctx, hresp, req, ev)
		t.log.Debug("http request done",
			logx.String("method", hreq.Method),
			logx.String("url", req.URL),
			logx.Int("status", resp.StatusCode),
			logx.Int("bytes", len(body)),
			logx.Duration("took", time.Since(started)),
		)
		return resp, body, err
	}
}

func (t *Transport) build(ctx context.Context, req transport.Request, cred *transport.Credential) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", t.cfg.UserAgent)
	}
	if cred != nil {
		hreq.SetBasicAuth(cred.User, cred.Password)
	}
	return hreq, nil
}

func (t *Transport) read(ctx context.Context, hresp *http.Response, req transport.Request, ev transport.Events) ([]byte, error) {
	defer hresp.Body.Close()

	p := transport.Progress{
		ExpectedDownload: hresp.ContentLength,
		Uploaded:         int64(len(req.Body)),
		ExpectedUpload:   int64(len(req.Body)),
		Header:           hresp.Header.Clone(),
	}
	ev.Progress(p)

	var buf bytes.Buffer
	if hresp.ContentLength > 0 {
		buf.Grow(int(hresp.ContentLength))
	}
	chunk := make([]byte, readChunk)
	for {
		n, err := hresp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			p.Downloaded += int64(n)
			if ctx.Err() == nil {
				ev.Progress(p)
			}
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
	}
}

func (t *Transport) wait(ctx context.Context, host string) error {
	if t.cfg.RatePerHost <= 0 {
		return ctx.Err()
	}
	return t.limiter(host).Wait(ctx)
}

func (t *Transport) limiter(host string) *rate.Limiter {
	host = strings.ToLower(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	lim := t.limiters[host]
	if lim == nil {
		burst := t.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(t.cfg.RatePerHost), burst)
		t.limiters[host] = lim
	}
	return lim
}

func toResponse(r *http.Response) transport.Response {
	out := transport.Response{
		StatusCode:     r.StatusCode,
		Status:         r.Status,
		Header:         r.Header.Clone(),
		ExpectedLength: r.ContentLength,
	}
	if r.Request != nil && r.Request.URL != nil {
		out.URL = r.Request.URL.String()
	}
	return out
}

func space(u *url.URL, realm string, method transport.AuthMethod) transport.ProtectionSpace {
	port, _ := strconv.Atoi(u.Port())
	if port == 0 {
		switch u.Scheme {
		case "https":
			port = 443
		case "http":
			port = 80
		}
	}
	return transport.ProtectionSpace{
		Host:     strings.ToLower(u.Hostname()),
		Port:     port,
		Protocol: u.Scheme,
		Realm:    realm,
		Method:   method,
	}
}

// parseChallenge extracts the scheme and realm of a WWW-Authenticate header.
func parseChallenge(h string) (transport.AuthMethod, string) {
	h = strings.TrimSpace(h)
	scheme, params, _ := strings.Cut(h, " ")
	method := transport.AuthOther
	switch strings.ToLower(scheme) {
	case "basic":
		method = transport.AuthBasic
	case "digest":
		method = transport.AuthDigest
	}
	for _, part := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "realm") {
			return method, strings.Trim(v, `"`)
		}
	}
	return method, ""
}

func isTrustError(err error) bool {
	var (
		unknown  x509.UnknownAuthorityError
		hostname x509.HostnameError
		invalid  x509.CertificateInvalidError
		verify   *tls.CertificateVerificationError
	)
	return errors.As(err, &unknown) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verify)
}

func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 64*1024))
	_ = rc.Close()
}

type nopEvents struct{}

func (nopEvents) Progress(transport.Progress) {}
func (nopEvents) Challenge(context.Context, transport.Challenge) transport.Answer {
	return transport.Answer{Disposition: transport.Reject}
}
