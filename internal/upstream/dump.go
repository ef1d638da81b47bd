package upstream

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"trendwatch/internal/components/telemetry"

	"github.com/go-resty/resty/v2"
)

const report_dump_write = "dump.write"

// headers that carry the credential and never reach the disk
var redactedHeaders = map[string]bool{
	"Cookie":     true,
	"Set-Cookie": true,
}

// messageDump writes every exchanged http message to its own file, used when
// debugging changes in the platform's responses.
type messageDump struct {
	directory string
	tel       telemetry.API
	counter   atomic.Uint64
}

func newMessageDump(dir string, tel telemetry.API) (*messageDump, error) {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return nil, fmt.Errorf("create dump directory: %w", err)
	}
	return &messageDump{directory: dir, tel: tel}, nil
}

func (d *messageDump) attach(client *resty.Client) {
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		d.write(formatMessage(res))
		return nil
	})
}

func (d *messageDump) write(contents string) {
	name := fmt.Sprintf("%06d.txt", d.counter.Add(1))
	err := os.WriteFile(filepath.Join(d.directory, name), []byte(contents), 0600)
	if err != nil {
		d.tel.ReportWarning(report_dump_write, name, err)
	}
}

func formatHeaders(headers http.Header) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out strings.Builder
	for _, k := range keys {
		for _, v := range headers[k] {
			if redactedHeaders[http.CanonicalHeaderKey(k)] {
				v = "<redacted>"
			}
			fmt.Fprintf(&out, "%s: %s\n", k, v)
		}
	}
	return strings.TrimSuffix(out.String(), "\n")
}

func formatRequestBody(req *http.Request) string {
	if req.GetBody == nil {
		return ""
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Sprintf("failed to get request body: %s", err)
	}
	if body == nil || body == http.NoBody {
		return ""
	}
	defer body.Close()
	read, err := io.ReadAll(body)
	if err != nil {
		return fmt.Sprintf("failed to read request body: %s", err)
	}
	return string(read)
}

const messageTemplate = `---- REQUEST ----

%s %s

%s

%s

---- RESPONSE ----

%d %s

%s

%s`

func formatMessage(res *resty.Response) string {
	raw := res.Request.RawRequest
	requestHeaders := ""
	requestBody := ""
	if raw != nil {
		requestHeaders = formatHeaders(raw.Header)
		requestBody = formatRequestBody(raw)
	}

	responseURL := res.Request.URL
	if res.RawResponse != nil {
		if location, err := res.RawResponse.Location(); err == nil {
			responseURL = location.String()
		}
	}

	return fmt.Sprintf(
		messageTemplate,
		res.Request.Method, res.Request.URL,
		requestHeaders,
		requestBody,
		res.StatusCode(), responseURL,
		formatHeaders(res.Header()),
		res.String(),
	)
}
