package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"
	"trendwatch/internal/credential"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	table := []struct {
		name   string
		status int
		header http.Header
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "success",
			status: 200,
			body:   `{"status_code":0,"user":{}}`,
			check:  func(t *testing.T, err error) { require.Nil(t, err) },
		},
		{
			name:   "no status code field",
			status: 200,
			body:   `{"data":{}}`,
			check:  func(t *testing.T, err error) { require.Nil(t, err) },
		},
		{
			name:   "empty body",
			status: 200,
			body:   "  ",
			check: func(t *testing.T, err error) {
				var upstream *UpstreamError
				require.True(t, errors.As(err, &upstream))
			},
		},
		{
			name:   "login required message",
			status: 200,
			body:   `{"status_code":9,"status_msg":"请先登录"}`,
			check:  func(t *testing.T, err error) { require.ErrorIs(t, err, ErrAuthExpired) },
		},
		{
			name:   "retry after header",
			status: 429,
			header: http.Header{"Retry-After": {"3"}},
			check: func(t *testing.T, err error) {
				var limited *RateLimitedError
				require.True(t, errors.As(err, &limited))
				require.Equal(t, 3*time.Second, limited.RetryAfter)
			},
		},
		{
			name:   "429 without header",
			status: 429,
			check: func(t *testing.T, err error) {
				var limited *RateLimitedError
				require.True(t, errors.As(err, &limited))
				require.Equal(t, 10*time.Second, limited.RetryAfter)
			},
		},
		{
			name:   "other status code",
			status: 200,
			body:   `{"status_code":2053,"status_msg":"not found"}`,
			check: func(t *testing.T, err error) {
				var upstream *UpstreamError
				require.True(t, errors.As(err, &upstream))
				require.Equal(t, 2053, upstream.Code)
			},
		},
		{
			name:   "plain html",
			status: 200,
			body:   `<html><head><title>home</title></head><body></body></html>`,
			check: func(t *testing.T, err error) {
				var upstream *UpstreamError
				require.True(t, errors.As(err, &upstream))
			},
		},
		{
			name:   "html with login title",
			status: 200,
			body:   `<html><head><title>登录 - 抖音</title></head></html>`,
			check:  func(t *testing.T, err error) { require.ErrorIs(t, err, ErrAuthExpired) },
		},
		{
			name:   "bad gateway",
			status: 502,
			body:   "bad gateway",
			check: func(t *testing.T, err error) {
				var upstream *UpstreamError
				require.True(t, errors.As(err, &upstream))
				require.Equal(t, 502, upstream.Status)
			},
		},
	}

	for _, test := range table {
		t.Run(test.name, func(t *testing.T) {
			header := test.header
			if header == nil {
				header = http.Header{}
			}
			test.check(t, classify(test.status, header, []byte(test.body), 10*time.Second))
		})
	}
}

func TestParseCount(t *testing.T) {
	table := []struct {
		in       string
		expected int64
	}{
		{"", 0},
		{"356", 356},
		{"3,456", 3456},
		{"1.2万", 12000},
		{"1.5w", 15000},
		{"2亿", 200000000},
		{"10万+", 100000},
		{" 1.5w+ ", 15000},
		{"999+", 999},
		{"3 万", 30000},
		{"+", 0},
		{"n/a", 0},
	}
	for _, test := range table {
		require.Equal(t, test.expected, ParseCount(test.in), test.in)
	}
}

func TestParamSigner(t *testing.T) {
	signer := ParamSigner{Secret: []byte("k"), UserAgent: DefaultUserAgent}
	cred := credential.Credential{Token: "sessionid=abc"}

	a, err := signer.Sign(url.Values{"aid": {"6383"}, "sec_user_id": {"x"}}, cred)
	require.Nil(t, err)
	b, err := signer.Sign(url.Values{"sec_user_id": {"x"}, "aid": {"6383"}}, cred)
	require.Nil(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 28)

	c, err := signer.Sign(url.Values{"aid": {"6383"}, "sec_user_id": {"y"}}, cred)
	require.Nil(t, err)
	require.NotEqual(t, a, c)

	d, err := signer.Sign(url.Values{"aid": {"6383"}, "sec_user_id": {"x"}}, credential.Credential{Token: "other"})
	require.Nil(t, err)
	require.NotEqual(t, a, d)
}

func TestWebID(t *testing.T) {
	id, err := newWebID()
	require.Nil(t, err)
	require.Len(t, id, 19)
	require.Equal(t, byte('7'), id[0])
	for _, c := range id {
		require.True(t, c >= '0' && c <= '9')
	}
}

func TestOutcome(t *testing.T) {
	table := []struct {
		err      error
		expected string
	}{
		{nil, OutcomeSuccess},
		{fmt.Errorf("fetch user: %w", ErrAuthExpired), OutcomeAuthError},
		{&RateLimitedError{Local: true}, OutcomeRateLimited},
		{&UpstreamError{Status: 500}, OutcomeUpstreamError},
		{&NetworkError{Err: errors.New("connection reset")}, OutcomeNetworkError},
		{errors.New("decode profile"), OutcomeError},
	}
	for _, test := range table {
		require.Equal(t, test.expected, Outcome(test.err), "%v", test.err)
	}
}
