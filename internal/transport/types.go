package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Request is a transport-neutral description of one network request.
//
// Body is held as bytes so that a request can be replayed verbatim when an
// operation is duplicated or resubmitted after a freeze.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Clone returns a deep copy of r.
func (r Request) Clone() Request {
	cp := r
	if r.Header != nil {
		cp.Header = r.Header.Clone()
	}
	if r.Body != nil {
		cp.Body = append([]byte(nil), r.Body...)
	}
	return cp
}

// Host returns the request's host name (without port), lower-cased.
func (r Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	URL        string

	// ExpectedLength is the advertised content length, -1 if unknown.
	ExpectedLength int64
}

// Progress is one progress notification for an in-flight request.
//
// Header is nil until the response headers have been received.
type Progress struct {
	Downloaded       int64
	ExpectedDownload int64
	Uploaded         int64
	ExpectedUpload   int64
	Header           http.Header
}

// AuthMethod identifies the kind of challenge raised by the server.
type AuthMethod string

const (
	AuthBasic       AuthMethod = "basic"
	AuthDigest      AuthMethod = "digest"
	AuthServerTrust AuthMethod = "server_trust"
	AuthOther       AuthMethod = "other"
)

// ProtectionSpace describes the server realm a challenge applies to.
type ProtectionSpace struct {
	Host     string
	Port     int
	Protocol string
	Realm    string
	Method   AuthMethod
}

func (p ProtectionSpace) String() string {
	var b strings.Builder
	b.WriteString(p.Protocol)
	b.WriteString("://")
	b.WriteString(p.Host)
	if p.Port > 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(p.Port))
	}
	if p.Realm != "" {
		b.WriteString(" realm=")
		b.WriteString(strconv.Quote(p.Realm))
	}
	b.WriteString(" method=")
	b.WriteString(string(p.Method))
	return b.String()
}

// Challenge is raised by a transport when the server requires authentication
// (or when the server's identity cannot be verified).
//
// PreviousFailures counts how many times this same challenge has already been
// answered with a credential and rejected by the server.
type Challenge struct {
	Space            ProtectionSpace
	PreviousFailures int
	Proposed         *Credential
	FailureResponse  *Response
}

// ErrAuthentication marks a request the server kept refusing after every
// credential it was offered.
var ErrAuthentication = errors.New("transport: authentication rejected")

// AuthenticationError carries the last challenge of a request that gave up
// on authentication. It matches ErrAuthentication.
type AuthenticationError struct {
	Challenge Challenge
}

func (e *AuthenticationError) Error() string {
	return "authentication rejected for " + e.Challenge.Space.String()
}

func (e *AuthenticationError) Unwrap() error { return ErrAuthentication }

type Credential struct {
	User     string
	Password string
}

// IsZero reports whether c carries no usable secret.
func (c *Credential) IsZero() bool {
	return c == nil || (c.User == "" && c.Password == "")
}

// Disposition tells the transport what to do with a challenge.
type Disposition int

const (
	// Reject cancels the authentication attempt; the transport must fail the request.
	Reject Disposition = iota
	// UseCredential retries with Answer.Credential.
	UseCredential
	// TrustServer accepts an unverified server identity.
	TrustServer
	// PerformDefault lets the transport apply its own default handling.
	PerformDefault
)

func (d Disposition) String() string {
	switch d {
	case Reject:
		return "reject"
	case UseCredential:
		return "use_credential"
	case TrustServer:
		return "trust_server"
	case PerformDefault:
		return "default"
	default:
		return "unknown"
	}
}

type Answer struct {
	Disposition Disposition
	Credential  *Credential
}

// Events receives the notifications a transport produces while a request is
// in flight. Implementations are called from the goroutine running Do.
type Events interface {
	Progress(p Progress)
	Challenge(ctx context.Context, ch Challenge) Answer
}

// Transport performs one request.
//
// Do blocks until the request reaches a terminal result. Cancelling ctx is the
// abort signal: the transport must stop emitting events and return an error
// wrapping context.Canceled (unless the result was already terminal).
type Transport interface {
	Do(ctx context.Context, req Request, ev Events) (Response, []byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request, ev Events) (Response, []byte, error)

func (f TransportFunc) Do(ctx context.Context, req Request, ev Events) (Response, []byte, error) {
	return f(ctx, req, ev)
}
