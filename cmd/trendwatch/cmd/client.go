package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	"trendwatch/lib/util/serviceutil"

	"github.com/go-resty/resty/v2"
	"github.com/jedib0t/go-pretty/v6/table"
)

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newClient() *resty.Client {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseUrl, "/")).
		SetTimeout(30*time.Second).
		SetHeader("accept", "application/json")
	if token := os.Getenv("TRENDWATCH_ACCESS_TOKEN"); token != "" {
		client.SetHeader("Authorization", serviceutil.ProvideAccessToken(token))
	}
	return client
}

// check turns a non 2xx response into an error carrying the server's message.
func check(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if res.IsSuccess() {
		return nil
	}
	var body apiError
	if json.Unmarshal(res.Body(), &body) == nil && body.Message != "" {
		return fmt.Errorf("%s: %s", res.Status(), body.Message)
	}
	return fmt.Errorf("%s: %s", res.Status(), strings.TrimSpace(string(res.Body())))
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	return t
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
