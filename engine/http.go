package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = 3
	maxRedirects       = 5
	maxBodyBytes       = 8 << 20 // refuse to buffer more than 8 MiB of HTML
)

// HTTPService is the shared outbound HTTP pool. One instance serves every
// source adapter: connections are reused per host, total in-flight requests
// are capped by a semaphore, and each host gets its own politeness limiter.
//
// TLS verification is deliberately disabled; a large share of the target
// sites run on expired or self-signed certificates.
type HTTPService struct {
	Logger *LoggerService

	// MaxAttempts is the total number of tries per logical request.
	MaxAttempts int
	// Timeout is the per-attempt deadline for the first attempt. Timeout
	// classed failures lengthen it by 50% on each subsequent attempt.
	Timeout time.Duration
	// BaseBackoff is the starting backoff for ordinary retries.
	BaseBackoff time.Duration
	// ServerBackoff is the starting backoff after 5xx / Cloudflare errors.
	ServerBackoff time.Duration

	client *http.Client
	sem    *semaphore.Weighted

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	hostRate  rate.Limit
	hostBurst int
}

// FetchOptions customizes a single logical request. The zero value is a
// plain GET decoded as UTF-8 (with charset sniffing).
type FetchOptions struct {
	Method      string // GET if empty
	Body        string // request body for POST
	ContentType string // defaults to form-encoding when Body is set
	Encoding    string // rule-declared page encoding, e.g. "gbk"
	Referer     string
}

// NewHTTPService builds the pool. maxConcurrency bounds in-flight requests
// across the whole process.
func NewHTTPService(logger *LoggerService, maxConcurrency int) *HTTPService {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &HTTPService{
		Logger:        logger,
		MaxAttempts:   defaultMaxAttempts,
		Timeout:       defaultTimeout,
		BaseBackoff:   time.Second,
		ServerBackoff: 5 * time.Second,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		sem:       semaphore.NewWeighted(int64(maxConcurrency)),
		limiters:  make(map[string]*rate.Limiter),
		hostRate:  rate.Limit(4),
		hostBurst: 2,
	}
}

// errClass buckets a failed attempt for backoff selection.
type errClass int

const (
	classTimeout errClass = iota // connect/read deadline exceeded
	classReset                   // connection reset or hang-up
	classServer                  // 5xx, Cloudflare 520-522
	classRate                    // 429
	classFatal                   // 4xx other than 429, malformed request
)

// fetchError carries the classification through retry-go's callbacks.
type fetchError struct {
	class      errClass
	status     int
	retryAfter time.Duration
	err        error
}

func (f *fetchError) Error() string { return f.err.Error() }
func (f *fetchError) Unwrap() error { return f.err }

// FetchPage performs a logical request with retries and returns the decoded
// page text. Failures carry KindNetwork or KindSourceBlocked with the url,
// last status and attempt count.
func (h *HTTPService) FetchPage(ctx context.Context, pageURL string, opts FetchOptions) (string, error) {
	body, attempts, err := h.fetchWithRetries(ctx, pageURL, opts)
	if err == nil {
		return body, nil
	}

	// Some sites advertise https in their rule but only answer http (and
	// vice versa). One transparent crossgrade attempt before giving up.
	if alt, ok := flipScheme(pageURL); ok && schemeFailure(err) {
		h.Logger.Debug("retrying %s with flipped scheme", pageURL)
		if body, altErr := h.fetchOnce(ctx, alt, opts, h.Timeout); altErr == nil {
			return body, nil
		}
	}

	var fe *fetchError
	status := 0
	if errors.As(err, &fe) {
		status = fe.status
	}
	kind := KindNetwork
	if status == 403 || status == 429 || (status >= 520 && status <= 522) {
		kind = KindSourceBlocked
	}
	return "", &Error{
		Kind:     kind,
		Message:  fmt.Sprintf("request failed after %d attempts", attempts),
		URL:      pageURL,
		Status:   status,
		Attempts: attempts,
		Err:      err,
	}
}

func (h *HTTPService) fetchWithRetries(ctx context.Context, pageURL string, opts FetchOptions) (string, int, error) {
	var body string
	attempt := 0
	timeout := h.Timeout

	err := retry.Do(
		func() error {
			attempt++
			var err error
			body, err = h.fetchOnce(ctx, pageURL, opts, timeout)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(h.MaxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var fe *fetchError
			if errors.As(err, &fe) {
				return fe.class != classFatal
			}
			return !errors.Is(err, context.Canceled)
		}),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			var fe *fetchError
			if !errors.As(err, &fe) {
				return backoff(h.BaseBackoff, n)
			}
			switch fe.class {
			case classTimeout:
				// Slow host: give the next attempt more room.
				timeout = timeout + timeout/2
				return backoff(h.BaseBackoff, n)
			case classReset:
				return backoff(h.BaseBackoff, n) + 500*time.Millisecond
			case classServer:
				return backoff(h.ServerBackoff, n)
			case classRate:
				if fe.retryAfter > 0 {
					return fe.retryAfter
				}
				return backoff(h.BaseBackoff, n)
			}
			return backoff(h.BaseBackoff, n)
		}),
		retry.OnRetry(func(n uint, err error) {
			h.Logger.Debug("retry %d for %s: %v", n+1, pageURL, err)
		}),
	)
	return body, attempt, err
}

// backoff is base × 2^(attempt-1) × (1 + jitter), jitter in [0, 0.5).
// n is zero-based as delivered by retry-go.
func backoff(base time.Duration, n uint) time.Duration {
	d := base << n
	return d + time.Duration(rand.Float64()*0.5*float64(d))
}

// fetchOnce performs a single attempt: semaphore slot, per-host limiter,
// request, status check, charset decode.
func (h *HTTPService) fetchOnce(ctx context.Context, pageURL string, opts FetchOptions, timeout time.Duration) (string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)

	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return "", &fetchError{class: classFatal, err: fmt.Errorf("invalid url %q", pageURL)}
	}
	if err := h.hostLimiter(u.Host).Wait(ctx); err != nil {
		return "", err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var reqBody io.Reader
	if opts.Body != "" {
		reqBody = strings.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, pageURL, reqBody)
	if err != nil {
		return "", &fetchError{class: classFatal, err: err}
	}
	req.Header.Set("User-Agent", nextUserAgent())
	req.Header.Set("Accept", "text/html,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	if opts.Referer != "" {
		req.Header.Set("Referer", opts.Referer)
	}
	if opts.Body != "" {
		ct := opts.ContentType
		if ct == "" {
			ct = "application/x-www-form-urlencoded"
		}
		req.Header.Set("Content-Type", ct)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", classifyStatus(resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", classifyTransport(err)
	}
	return decodeBody(raw, opts.Encoding, resp.Header.Get("Content-Type"))
}

// decodeBody decodes raw page bytes: the rule's declared encoding wins, then
// the Content-Type charset or a <meta charset> sniff, then UTF-8 as-is.
func decodeBody(raw []byte, declared, contentType string) (string, error) {
	if declared != "" && !strings.EqualFold(declared, "utf-8") {
		if enc, err := htmlindex.Get(declared); err == nil {
			if decoded, err := enc.NewDecoder().Bytes(raw); err == nil {
				return string(decoded), nil
			}
		}
	}
	reader, err := charset.NewReader(strings.NewReader(string(raw)), contentType)
	if err != nil {
		return string(raw), nil
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return string(raw), nil
	}
	return string(decoded), nil
}

func classifyTransport(err error) *fetchError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &fetchError{class: classTimeout, err: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return &fetchError{class: classReset, err: err}
	}
	return &fetchError{class: classReset, err: err}
}

func classifyStatus(resp *http.Response) *fetchError {
	status := resp.StatusCode
	err := fmt.Errorf("unexpected status %d", status)
	switch {
	case status == 429:
		return &fetchError{class: classRate, status: status, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), err: err}
	case status >= 500:
		return &fetchError{class: classServer, status: status, err: err}
	default:
		return &fetchError{class: classFatal, status: status, err: err}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// schemeFailure reports whether err looks like the site only speaks the
// other scheme: protocol mismatch or a TLS handshake that never recovers.
func schemeFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "server gave HTTP response to HTTPS client") ||
		strings.Contains(msg, "unsupported protocol scheme") ||
		strings.Contains(msg, "tls:") ||
		strings.Contains(msg, "handshake failure")
}

func flipScheme(pageURL string) (string, bool) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", false
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "https"
	case "https":
		u.Scheme = "http"
	default:
		return "", false
	}
	return u.String(), true
}

func (h *HTTPService) hostLimiter(host string) *rate.Limiter {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()
	if l, ok := h.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(h.hostRate, h.hostBurst)
	h.limiters[host] = l
	return l
}

// Close releases idle connections. Part of engine shutdown; in-flight
// requests are cancelled through their contexts, not here.
func (h *HTTPService) Close() {
	h.client.CloseIdleConnections()
}
