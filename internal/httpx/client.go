package httpx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tanq16/bolt/internal/bolterr"
	"github.com/tanq16/bolt/internal/logging"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultStallWindow    = 15 * time.Second
	defaultMaxRedirects   = 10
	defaultUserAgent      = "bolt/1.0"

	// readBufferSize is the chunk granularity handed to sinks; the stop
	// flag is observed between chunks.
	readBufferSize = 256 * 1024
)

// Config tunes the HTTP client.
type Config struct {
	ConnectTimeout      time.Duration
	TLSHandshakeTimeout time.Duration
	StallWindow         time.Duration
	MaxRedirects        int
	UserAgent           string
	Headers             map[string]string
	InsecureSkipVerify  bool
	DisableHTTP2        bool
}

// DefaultConfig returns the client defaults.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:      defaultConnectTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		StallWindow:         defaultStallWindow,
		MaxRedirects:        defaultMaxRedirects,
		UserAgent:           defaultUserAgent,
	}
}

// ResourceDescriptor is the result of a HEAD probe. Immutable.
type ResourceDescriptor struct {
	Status        int
	ContentLength int64 // 0 means unknown
	AcceptsRanges bool
	ContentType   string
	Filename      string // from Content-Disposition, may be empty
	Headers       http.Header
}

// ChunkFunc receives each body chunk as it arrives.
type ChunkFunc func(p []byte) error

// Client performs HEAD probes and ranged GETs over a per-host handle pool.
type Client struct {
	pool   *Pool
	config Config
}

// NewClient builds a client; nil config uses defaults.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = defaultStallWindow
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Client{
		pool:   NewPool(cfg),
		config: *cfg,
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, bolterr.New(bolterr.KindInvalidURL, method, rawURL, err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// do runs the request on a pooled handle, applying the redirect cap.
func (c *Client) do(req *http.Request) (*http.Response, *Handle, error) {
	h := c.pool.Acquire(req.URL.Hostname())

	redirects := 0
	h.client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		redirects = len(via)
		if redirects >= c.config.MaxRedirects {
			return bolterr.New(bolterr.KindTooManyRedirects, "redirect", r.URL.String(), nil)
		}
		return nil
	}

	resp, err := h.client.Do(req)
	if err != nil {
		c.pool.Release(h)
		return nil, nil, classify(req.Method, req.URL.String(), err)
	}
	return resp, h, nil
}

// Head probes the resource, following redirects, and captures all response
// headers in a case-insensitive map.
func (c *Client) Head(ctx context.Context, rawURL string) (*ResourceDescriptor, error) {
	log := logging.GetLogger("httpx")

	req, err := c.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}

	resp, h, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(h)
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &bolterr.Error{
			Kind:   bolterr.FromStatus(resp.StatusCode),
			Op:     "HEAD",
			URL:    rawURL,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("HEAD returned status %d", resp.StatusCode),
		}
	}

	desc := &ResourceDescriptor{
		Status:        resp.StatusCode,
		AcceptsRanges: strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes"),
		ContentType:   resp.Header.Get("Content-Type"),
		Filename:      filenameFromHeader(resp.Header.Get("Content-Disposition")),
		Headers:       resp.Header.Clone(),
	}
	if resp.ContentLength > 0 {
		desc.ContentLength = resp.ContentLength
	}

	log.Debug().
		Str("url", rawURL).
		Int64("size", desc.ContentLength).
		Bool("ranges", desc.AcceptsRanges).
		Str("type", desc.ContentType).
		Msg("HEAD complete")

	return desc, nil
}

// GetRange streams [offset, offset+length) to sink; length 0 requests an
// open-ended range from offset (offset 0 with length 0 is a plain GET). The
// stop flag is observed between chunks and aborts without error
// classification; the caller decides what an abort means.
func (c *Client) GetRange(ctx context.Context, rawURL string, offset, length int64, sink ChunkFunc, stop *atomic.Bool) error {
	ctx, cancelStall := context.WithCancel(ctx)
	defer cancelStall()

	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}

	ranged := offset > 0 || length > 0
	if ranged {
		if length > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	}

	resp, h, err := c.do(req)
	if err != nil {
		return err
	}
	defer c.pool.Release(h)
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &bolterr.Error{
			Kind:   bolterr.FromStatus(resp.StatusCode),
			Op:     "GET",
			URL:    rawURL,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("ranged GET returned status %d", resp.StatusCode),
		}
	}
	if ranged && resp.StatusCode != http.StatusPartialContent {
		// Server ignored the Range header and is replaying the whole body.
		return bolterr.New(bolterr.KindInvalidRange, "GET", rawURL,
			fmt.Errorf("server ignored range request, status %d", resp.StatusCode))
	}

	// Low-speed guard: no bytes within the stall window cancels the request.
	var stalled atomic.Bool
	watchdog := time.AfterFunc(c.config.StallWindow, func() {
		stalled.Store(true)
		cancelStall()
	})
	defer watchdog.Stop()

	buf := make([]byte, readBufferSize)
	for {
		if stop != nil && stop.Load() {
			return nil
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(c.config.StallWindow)
			if err := sink(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			if stop != nil && stop.Load() {
				return nil
			}
			if stalled.Load() {
				return bolterr.New(bolterr.KindStallDetected, "GET", rawURL, readErr)
			}
			return classify("GET", rawURL, readErr)
		}
	}
}

// classify maps transport errors onto stable kinds.
func classify(op, rawURL string, err error) error {
	var be *bolterr.Error
	if errors.As(err, &be) {
		return be
	}

	kind := bolterr.KindNetwork
	var dnsErr *net.DNSError
	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	var unknownAuthority x509.UnknownAuthorityError
	var urlErr *url.Error

	switch {
	case errors.As(err, &dnsErr):
		kind = bolterr.KindDNS
	case errors.As(err, &certErr), errors.As(err, &recordErr), errors.As(err, &unknownAuthority):
		kind = bolterr.KindSSL
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = bolterr.KindRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF):
		kind = bolterr.KindConnectionLost
	case errors.Is(err, context.DeadlineExceeded):
		kind = bolterr.KindTimeout
	case errors.As(err, &urlErr) && urlErr.Timeout():
		kind = bolterr.KindTimeout
	}

	return bolterr.New(kind, op, rawURL, err)
}

// filenameFromHeader extracts a filename from a Content-Disposition value.
func filenameFromHeader(cd string) string {
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	if fn := params["filename"]; fn != "" {
		return fn
	}
	if fn := params["filename*"]; strings.HasPrefix(fn, "UTF-8''") {
		if unescaped, err := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''")); err == nil {
			return unescaped
		}
	}
	return ""
}
