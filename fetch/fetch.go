// Package fetch implements the crawler's HTTP fetcher (spec.md §4.3):
// configured UA, 10 s connect / 30 s read timeouts, redirects followed,
// TLS verified, HTML bodies streamed up to a 10 MiB cap.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fenwick-labs/taskcrawl/urlnorm"
)

// Kind classifies a fetch failure (spec.md §4.3, §7).
type Kind string

const (
	KindSSL        Kind = "ssl"
	KindConnection Kind = "connection"
	KindTimeout    Kind = "timeout"
	KindHTTP       Kind = "http"
	KindOther      Kind = "other"
)

// Error is a typed fetch failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// Prefix returns the terminal error-message prefix for this kind, per
// spec.md §7 (e.g. "SSL Error: ...").
func (e *Error) Prefix() string {
	switch e.Kind {
	case KindSSL:
		return "SSL Error: "
	case KindConnection:
		return "Connection Error: "
	case KindTimeout:
		return "Timeout Error: "
	default:
		return ""
	}
}

// Success is the outcome of a successful fetch.
type Success struct {
	FinalURL    string // normalized, post-redirect (or collapsed-redirect target)
	StatusCode  int
	ContentType string
	Body        []byte // populated only when ContentType begins with text/html
	ByteCount   int64
	Elapsed     time.Duration

	// Collapsed is true when a claimRedirect callback refused to follow a
	// redirect hop because another in-flight fetch already owns FinalURL.
	// StatusCode/ContentType reflect the last response actually received
	// (the redirect itself), not FinalURL's content; Body is nil and
	// ByteCount is zero.
	Collapsed bool
}

// MaxBodyBytes is the HTML body cap of spec.md §4.3/§8.
const MaxBodyBytes = 10 * 1024 * 1024

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second
)

// Fetcher issues GET requests with the crawler's politeness defaults.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// New creates a Fetcher with the given User-Agent string.
func New(userAgent string) *Fetcher {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: readTimeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: false},
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   connectTimeout + readTimeout,
		},
		userAgent: userAgent,
	}
}

// Fetch issues a GET request for rawURL. On success it streams the body
// (capped at MaxBodyBytes) only for text/html responses; for other
// content types ByteCount is read from Content-Length.
//
// claimRedirect, when non-nil, is consulted before each redirect hop is
// followed (via http.Client's CheckRedirect): it is passed the
// normalized next-hop URL and must return true to let the client
// proceed. A false claims the hop is already owned by another in-flight
// fetch; Fetch stops following and returns a Collapsed success carrying
// the last response actually received, so the caller never issues two
// physical requests for the same resource.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, claimRedirect func(nextURL string) bool) (*Success, *Error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, connectTimeout+readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindOther, Message: err.Error()}
	}
	req.Header.Set("User-Agent", f.userAgent)

	client := f.client
	var collapsedAt string
	if claimRedirect != nil {
		withCheck := *f.client
		withCheck.CheckRedirect = func(r *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			next := r.URL.String()
			if normalized, nerr := urlnorm.Normalize(next); nerr == nil {
				next = normalized
			}
			if !claimRedirect(next) {
				collapsedAt = next
				return http.ErrUseLastResponse
			}
			return nil
		}
		client = &withCheck
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	normalizedFinal, normErr := urlnorm.Normalize(finalURL)
	if normErr == nil {
		finalURL = normalizedFinal
	}

	collapsed := collapsedAt != ""
	if collapsed {
		finalURL = collapsedAt
	}

	contentType := resp.Header.Get("Content-Type")

	success := &Success{
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Collapsed:   collapsed,
	}

	if !collapsed && strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
		if err != nil {
			return nil, &Error{Kind: KindOther, Message: fmt.Sprintf("read body: %v", err)}
		}
		success.Body = body
		success.ByteCount = int64(len(body))
	} else if !collapsed {
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			var n int64
			if _, scanErr := fmt.Sscanf(cl, "%d", &n); scanErr == nil {
				success.ByteCount = n
			}
		}
	}

	success.Elapsed = time.Since(start)
	return success, nil
}

// classify maps a transport-level error to a fetch Kind, per spec.md §7.
func classify(err error) *Error {
	msg := err.Error()

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: msg}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: msg}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "tls"), strings.Contains(lower, "x509"),
		strings.Contains(lower, "certificate"), strings.Contains(lower, "ssl"):
		return &Error{Kind: KindSSL, Message: msg}
	case strings.Contains(lower, "eof"):
		return &Error{Kind: KindSSL, Message: msg}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindConnection, Message: msg}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindConnection, Message: msg}
	}

	return &Error{Kind: KindOther, Message: msg}
}
