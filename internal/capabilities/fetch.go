package capabilities

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/maitre/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/maitre/internal/sandbox"
)

var (
	ErrFetchBlocked  = errors.New("fetch blocked")
	ErrFetchTooLarge = errors.New("fetch response too large")
)

const userAgent = "maitre-fetch/1.0"

// FetchConfig bounds what a module may do with fetch.
type FetchConfig struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	// AllowPrivate lifts the private, loopback, link-local and multicast
	// address filter.
	AllowPrivate bool
	// RPS limits requests per second across the worker; zero means no limit.
	RPS     float64
	Retries int
}

// DefaultFetchConfig returns conservative limits.
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		Timeout:      15 * time.Second,
		MaxBodyBytes: 1 << 20,
		RPS:          10,
		Retries:      2,
	}
}

// Request is one fetch call.
type Request struct {
	URL     string
	Type    string
	Method  string
	Headers map[string]string
	Body    any
}

// Fetcher performs outbound requests for modules with rate limiting,
// retries, an address filter and one circuit breaker per host.
type Fetcher struct {
	config   FetchConfig
	client   *resty.Client
	limiter  *rate.Limiter
	breakers *resilience.Group
	logger   *zap.Logger
}

// NewFetcher builds a fetcher from config.
func NewFetcher(config FetchConfig, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultFetchConfig().MaxBodyBytes
	}

	f := &Fetcher{config: config, logger: logger}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = config.Retries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if transport, ok := retryClient.HTTPClient.Transport.(*http.Transport); ok {
		dialer := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   f.control,
		}
		transport.DialContext = dialer.DialContext
		// A proxy would be dialled instead of the target and defeat the filter.
		transport.Proxy = nil
	}

	f.client = resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(config.Timeout).
		SetHeader("User-Agent", userAgent).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return checkScheme(req.URL)
		}))

	f.limiter = rate.NewLimiter(rate.Inf, 0)
	if config.RPS > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(config.RPS), max(1, int(config.RPS)))
	}

	f.breakers = resilience.NewGroup(resilience.Settings{
		Cooldown: 30 * time.Second,
		Trip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(host string, from, to resilience.State) {
			logger.Warn("fetch circuit changed state",
				zap.String("host", host),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return f
}

// Capability exposes the fetcher as fetch(url, type, options).
func (f *Fetcher) Capability() sandbox.Capability {
	return sandbox.Capability{
		Path: "fetch",
		Kind: sandbox.Async,
		Func: func(ctx context.Context, args []any) (any, error) {
			req, err := parseFetchArgs(args)
			if err != nil {
				return nil, err
			}
			return f.Do(ctx, req)
		},
	}
}

// Do performs req and returns the decoded body. Any status is returned
// as a body; only transport failures and policy violations are errors.
func (f *Fetcher) Do(ctx context.Context, req Request) (any, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url: %w", err)
	}
	if err := checkScheme(u); err != nil {
		return nil, err
	}
	if err := f.checkHost(u.Hostname()); err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var (
		body    []byte
		header  http.Header
		callErr error
	)
	err = f.breakers.Do(u.Host, func() error {
		var status int
		body, header, status, callErr = f.execute(ctx, u, req)
		switch {
		case callErr != nil && !hostFault(ctx, callErr):
			return nil
		case callErr != nil:
			return callErr
		case status >= http.StatusInternalServerError:
			return fmt.Errorf("status %d", status)
		}
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	if callErr != nil {
		return nil, callErr
	}

	return decodeBody(body, header.Get("Content-Type"), req.Type)
}

func (f *Fetcher) execute(ctx context.Context, u *url.URL, req Request) ([]byte, http.Header, int, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	r := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaders(req.Headers)
	if req.Body != nil {
		switch b := req.Body.(type) {
		case string:
			r.SetBody(b)
		default:
			data, err := sonic.ConfigStd.Marshal(b)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("fetch: encode body: %w", err)
			}
			if _, ok := req.Headers["Content-Type"]; !ok {
				r.SetHeader("Content-Type", "application/json")
			}
			r.SetBody(data)
		}
	}

	resp, err := r.Execute(method, u.String())
	if err != nil {
		f.logger.Debug("fetch failed", zap.String("url", u.Redacted()), zap.Error(err))
		return nil, nil, 0, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	body, err := io.ReadAll(io.LimitReader(raw, f.config.MaxBodyBytes+1))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("fetch %s: read body: %w", u.Redacted(), err)
	}
	if int64(len(body)) > f.config.MaxBodyBytes {
		return nil, nil, 0, fmt.Errorf("%w: more than %d bytes", ErrFetchTooLarge, f.config.MaxBodyBytes)
	}

	f.logger.Debug("fetch",
		zap.String("method", method),
		zap.String("url", u.Redacted()),
		zap.Int("status", resp.StatusCode()),
		zap.Int("bytes", len(body)))
	return body, resp.Header(), resp.StatusCode(), nil
}

// hostFault reports whether err says something about the remote host, as
// opposed to our own policy or the caller giving up.
func hostFault(ctx context.Context, err error) bool {
	if errors.Is(err, ErrFetchBlocked) || errors.Is(err, ErrFetchTooLarge) {
		return false
	}
	return ctx.Err() == nil
}

func checkScheme(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrFetchBlocked, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrFetchBlocked)
	}
	return nil
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if errors.Is(err, ErrFetchBlocked) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// parseFetchArgs reads fetch(url, type, {method, headers, body}).
func parseFetchArgs(args []any) (Request, error) {
	var req Request
	if len(args) == 0 {
		return req, errors.New("fetch requires a url")
	}
	u, ok := args[0].(string)
	if !ok {
		return req, errors.New("fetch url must be a string")
	}
	req.URL = u

	if len(args) > 1 && args[1] != nil {
		kind, ok := args[1].(string)
		if !ok {
			return req, errors.New("fetch type must be a string")
		}
		req.Type = kind
	}

	if len(args) > 2 && args[2] != nil {
		opts, ok := args[2].(map[string]any)
		if !ok {
			return req, errors.New("fetch options must be an object")
		}
		if m, ok := opts["method"].(string); ok {
			req.Method = m
		}
		if h, ok := opts["headers"].(map[string]any); ok {
			req.Headers = make(map[string]string, len(h))
			for k, v := range h {
				req.Headers[http.CanonicalHeaderKey(k)] = fmt.Sprint(v)
			}
		}
		req.Body = opts["body"]
	}
	return req, nil
}
