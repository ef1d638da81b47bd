package upstream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"trendwatch/internal/components/telemetry"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

func TestMessageDumpRedactsCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ttwid", Value: "fresh"})
		writeJSON(w, 200, `{"status_code":0}`)
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "dump")
	dump, err := newMessageDump(dir, &telemetry.MemoryAPI{})
	require.Nil(t, err)

	client := resty.New()
	dump.attach(client)

	res, err := client.R().
		SetHeader("cookie", "sessionid=secret").
		Get(server.URL + "/aweme/v1/web/user/profile/other/")
	require.Nil(t, err)
	require.Equal(t, 200, res.StatusCode())

	contents, err := os.ReadFile(filepath.Join(dir, "000001.txt"))
	require.Nil(t, err)
	message := string(contents)
	require.Contains(t, message, "GET "+server.URL+"/aweme/v1/web/user/profile/other/")
	require.Contains(t, message, `{"status_code":0}`)
	require.Contains(t, message, "Cookie: <redacted>")
	require.Contains(t, message, "Set-Cookie: <redacted>")
	require.NotContains(t, message, "secret")
	require.NotContains(t, message, "fresh")
}

func TestFormatRequestBody(t *testing.T) {
	get, err := http.NewRequest("GET", "http://localhost/", nil)
	require.Nil(t, err)
	require.Equal(t, "", formatRequestBody(get))

	get.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
	require.Equal(t, "", formatRequestBody(get))

	get.GetBody = func() (io.ReadCloser, error) { return nil, nil }
	require.Equal(t, "", formatRequestBody(get))

	post, err := http.NewRequest("POST", "http://localhost/", strings.NewReader("a=1"))
	require.Nil(t, err)
	require.Equal(t, "a=1", formatRequestBody(post))
}
