package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"trendwatch/internal/components/assert"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/credential"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	report_client_do      = "client.do"
	report_client_sign    = "client.sign"
	report_client_backoff = "client.backoff"
)

var tracer = otel.Tracer("trendwatch/upstream")

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// platform status codes observed in json bodies
const (
	statusCodeNotLoggedIn = 8
	statusCodeTooFrequent = 2154
)

const maxErrorBody = 512

type Config struct {
	BaseURL     string
	LiveBaseURL string
	UserAgent   string
	// Proxy is optional, http(s) and socks5 urls are accepted.
	Proxy   string
	Timeout time.Duration

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RateLimitBackoff is used when a throttle response carries no Retry-After.
	RateLimitBackoff time.Duration

	CloudflareBypass bool
	// DumpDir is optional, when set every exchanged message is written there.
	DumpDir string
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.douyin.com"
	}
	if c.LiveBaseURL == "" {
		c.LiveBaseURL = "https://live.douyin.com"
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 10 * time.Second
	}
}

// Request describes one logical call, retries reuse it.
type Request struct {
	URL    string
	Params url.Values
	// Key identifies the target for per-target spacing, empty means none.
	Key string
	// Unsigned skips the default parameter set and the signature.
	Unsigned bool
}

type Response struct {
	Status int
	Body   []byte
}

func (r Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Client sends signed, rate limited requests with the active credential.
type Client struct {
	http    *resty.Client
	config  Config
	store   *credential.Store
	signer  Signer
	limiter *Limiter
	tel     telemetry.API

	sleep    func(ctx context.Context, d time.Duration) error
	requests metric.Int64Counter
}

func NewClient(config Config, store *credential.Store, signer Signer, limiter *Limiter, tel telemetry.API) (*Client, error) {
	assert.NotNil(store)
	assert.NotNil(signer)
	assert.NotNil(limiter)
	assert.NotNil(tel)

	config.defaults()
	tel = telemetry.NewScopedAPI("upstream", tel)

	httpClient := resty.New()
	httpClient.SetTimeout(config.Timeout)
	httpClient.SetHeader("user-agent", config.UserAgent)
	httpClient.SetHeader("referer", config.BaseURL+"/")
	httpClient.SetHeader("accept", "application/json, text/plain, */*")
	httpClient.SetHeader("accept-language", "zh-CN,zh;q=0.9")
	if config.Proxy != "" {
		_, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		httpClient.SetProxy(config.Proxy)
	}
	if config.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}
	telemetry.InstrumentResty(httpClient, tel)
	if config.DumpDir != "" {
		dump, err := newMessageDump(config.DumpDir, tel)
		if err != nil {
			return nil, err
		}
		dump.attach(httpClient)
	}

	requests, err := otel.Meter("trendwatch/upstream").Int64Counter(
		"upstream_requests",
		metric.WithDescription("outbound platform requests by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Client{
		http:     httpClient,
		config:   config,
		store:    store,
		signer:   signer,
		limiter:  limiter,
		tel:      tel,
		sleep:    sleepContext,
		requests: requests,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do performs the request, retrying network failures and upstream throttling
// with exponential backoff.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "upstream.Do")
	defer span.End()
	span.SetAttributes(attribute.String("upstream.url", req.URL))

	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		res, err := c.attempt(ctx, req)
		c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", Outcome(err))))
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.config.MaxAttempts-1 {
			break
		}

		wait := c.backoff(attempt, err)
		c.tel.ReportDebug(report_client_backoff, req.URL, attempt+1, wait.String(), err.Error())
		if sleepErr := c.sleep(ctx, wait); sleepErr != nil {
			lastErr = &NetworkError{Err: sleepErr}
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, Outcome(lastErr))
	return Response{}, lastErr
}

func (c *Client) backoff(attempt int, err error) time.Duration {
	wait := c.config.BaseBackoff << attempt
	var limited *RateLimitedError
	if errors.As(err, &limited) && limited.RetryAfter > wait {
		wait = limited.RetryAfter
	}
	if wait > c.config.MaxBackoff {
		wait = c.config.MaxBackoff
	}
	return wait
}

func (c *Client) attempt(ctx context.Context, req Request) (Response, error) {
	// checked on every attempt, a concurrent job may have invalidated it
	_, ok := c.store.Valid()
	if !ok {
		return Response{}, ErrAuthExpired
	}

	err := c.limiter.Wait(ctx, req.Key)
	if err != nil {
		var limited *RateLimitedError
		if errors.As(err, &limited) {
			return Response{}, err
		}
		return Response{}, &NetworkError{Err: err}
	}

	// the credential may have been invalidated or replaced during the wait
	cred, ok := c.store.Valid()
	if !ok {
		return Response{}, ErrAuthExpired
	}
	query, err := c.buildQuery(req, cred)
	if err != nil {
		return Response{}, err
	}

	httpReq := c.http.R().
		SetContext(ctx).
		SetHeader("cookie", cred.Token).
		SetQueryParamsFromValues(query)
	res, err := httpReq.Get(req.URL)
	if err != nil {
		return Response{}, &NetworkError{Err: err}
	}

	out := Response{Status: res.StatusCode(), Body: res.Body()}
	err = classify(res.StatusCode(), res.Header(), out.Body, c.config.RateLimitBackoff)
	if errors.Is(err, ErrAuthExpired) {
		invalidateErr := c.store.InvalidateIfCurrent(ctx, cred.AcquiredAt)
		if invalidateErr != nil {
			c.tel.ReportBroken(report_client_do, invalidateErr)
		}
	}
	if err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) buildQuery(req Request, cred credential.Credential) (url.Values, error) {
	query := url.Values{}
	if !req.Unsigned {
		for k, v := range defaultParams {
			query.Set(k, v)
		}
		msToken, err := newMsToken()
		if err != nil {
			return nil, err
		}
		webid, err := newWebID()
		if err != nil {
			return nil, err
		}
		query.Set("msToken", msToken)
		query.Set("webid", webid)
	}
	for k, values := range req.Params {
		query[k] = append([]string{}, values...)
	}
	if req.Unsigned {
		return query, nil
	}

	signature, err := c.signer.Sign(query, cred)
	if err != nil {
		c.tel.ReportBroken(report_client_sign, err)
		return nil, fmt.Errorf("sign request: %w", err)
	}
	query.Set("X-Bogus", signature)
	return query, nil
}

var defaultParams = map[string]string{
	"device_platform":  "webapp",
	"aid":              "6383",
	"channel":          "channel_pc_web",
	"cookie_enabled":   "true",
	"browser_language": "zh-CN",
	"browser_platform": "Win32",
	"browser_name":     "Chrome",
	"browser_version":  "120.0.0.0",
	"browser_online":   "true",
	"engine_name":      "Blink",
	"engine_version":   "120.0.0.0",
	"os_name":          "Windows",
	"os_version":       "10",
	"cpu_core_num":     "12",
	"device_memory":    "8",
	"platform":         "PC",
	"version_code":     "170400",
	"version_name":     "17.4.0",
}

type statusEnvelope struct {
	StatusCode *int   `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
}

// classify maps a raw response onto the error taxonomy, nil means success.
func classify(status int, header http.Header, body []byte, defaultBackoff time.Duration) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthExpired
	case status == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(header.Get("retry-after"), defaultBackoff)}
	case status < 200 || status > 299:
		return &UpstreamError{Status: status, Body: truncate(body)}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		// the platform answers with an empty 200 to unsigned or cookie-less requests
		return &UpstreamError{Status: status, Body: "empty response"}
	}
	if trimmed[0] == '<' {
		if isLoginWall(trimmed) {
			return ErrAuthExpired
		}
		return &UpstreamError{Status: status, Body: truncate(trimmed)}
	}

	var envelope statusEnvelope
	err := json.Unmarshal(trimmed, &envelope)
	if err != nil {
		return &UpstreamError{Status: status, Body: "malformed json: " + truncate(trimmed)}
	}
	if envelope.StatusCode == nil || *envelope.StatusCode == 0 {
		return nil
	}

	code := *envelope.StatusCode
	msg := strings.ToLower(envelope.StatusMsg)
	switch {
	case code == statusCodeNotLoggedIn || strings.Contains(msg, "login") || strings.Contains(envelope.StatusMsg, "登录"):
		return ErrAuthExpired
	case code == statusCodeTooFrequent || strings.Contains(msg, "too frequent") || strings.Contains(envelope.StatusMsg, "频繁"):
		return &RateLimitedError{RetryAfter: defaultBackoff}
	}
	return &UpstreamError{Status: status, Code: code, Body: truncate([]byte(envelope.StatusMsg))}
}

var loginWallSelectors = []string{
	"#login-pannel",
	"#login-panel",
	`[class*="login-guide"]`,
	`[id*="verify"]`,
}

func isLoginWall(html []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return false
	}
	for _, selector := range loginWallSelectors {
		if doc.Find(selector).Length() > 0 {
			return true
		}
	}
	title := strings.ToLower(doc.Find("title").Text())
	return strings.Contains(title, "登录") ||
		strings.Contains(title, "login") ||
		strings.Contains(title, "验证")
}

func parseRetryAfter(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(value)
	if err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	at, err := http.ParseTime(value)
	if err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

// Outcome labels a result of Do for run logs and metrics.
func Outcome(err error) string {
	var limited *RateLimitedError
	var upstream *UpstreamError
	var network *NetworkError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrAuthExpired):
		return OutcomeAuthError
	case errors.As(err, &limited):
		return OutcomeRateLimited
	case errors.As(err, &upstream):
		return OutcomeUpstreamError
	case errors.As(err, &network):
		return OutcomeNetworkError
	}
	return OutcomeError
}
