package login

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

const DefaultLoginURL = "https://www.douyin.com/"

var qrSelectors = []string{
	"div#login-pannel img",
	`div[class*="qrcode"] img`,
	`div[class*="QRCode"] img`,
	"div.login-pannel img",
	`div[class*="web-login"] img`,
	`div[class*="scan-code"] img`,
	`img[class*="qrcode"]`,
	`img[alt*="二维码"]`,
	"canvas",
}

const clickLoginJS = `(() => {
	for (const el of document.querySelectorAll("button, div, span, a")) {
		if (el.innerText === "登录" && el.offsetParent !== null) {
			el.click();
			return true;
		}
	}
	return false;
})()`

const clickQRTabJS = `(() => {
	for (const el of document.querySelectorAll("div, span, li, a")) {
		if (el.innerText && el.innerText.includes("扫码") && el.offsetParent !== null) {
			el.click();
			return true;
		}
	}
	return false;
})()`

const hasUserLoginJS = `(() => { try { return window.localStorage.getItem("HasUserLogin") || ""; } catch (e) { return ""; } })()`

// ChromeLauncher drives a local Chrome through the devtools protocol.
type ChromeLauncher struct {
	LoginURL  string
	UserAgent string
	Headless  bool
	// ExecPath is optional, chromedp looks up chrome on PATH otherwise.
	ExecPath string
}

func (l ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	loginURL := l.LoginURL
	if loginURL == "" {
		loginURL = DefaultLoginURL
	}

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.Headless),
		chromedp.WindowSize(1280, 900),
	)
	if l.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.UserAgent))
	}
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// starts the browser process
	err := chromedp.Run(browserCtx)
	if err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	return &chromeBrowser{
		loginURL: loginURL,
		ctx:      browserCtx,
		cancel: func() {
			cancelBrowser()
			cancelAlloc()
		},
	}, nil
}

type chromeBrowser struct {
	loginURL string
	ctx      context.Context
	cancel   context.CancelFunc
}

// run executes actions in the browser, bounded by both the caller's context
// and the browser's lifetime.
func (b *chromeBrowser) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (b *chromeBrowser) Open(ctx context.Context) ([]byte, error) {
	err := b.run(ctx,
		chromedp.Navigate(b.loginURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}

	var clicked bool
	err = b.run(ctx,
		chromedp.Evaluate(clickLoginJS, &clicked),
		chromedp.Sleep(3*time.Second),
		chromedp.Evaluate(clickQRTabJS, &clicked),
		chromedp.Sleep(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("open login dialog: %w", err)
	}

	for _, selector := range qrSelectors {
		var present bool
		err := b.run(ctx, chromedp.Evaluate(
			fmt.Sprintf(`document.querySelector(%q) !== null`, selector),
			&present,
		))
		if err != nil {
			return nil, err
		}
		if !present {
			continue
		}

		var image []byte
		err = b.run(ctx, chromedp.Screenshot(selector, &image, chromedp.NodeVisible, chromedp.ByQuery))
		if err != nil {
			continue
		}
		if len(image) > 0 {
			return image, nil
		}
	}
	return nil, errors.New("qr code element not found on the login surface")
}

func (b *chromeBrowser) Poll(ctx context.Context) (string, bool, error) {
	var flag string
	var cookies []*network.Cookie
	err := b.run(ctx,
		chromedp.Evaluate(hasUserLoginJS, &flag),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().WithUrls([]string{b.loginURL}).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", false, err
	}

	pairs := make([]cookiePair, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, cookiePair{Name: c.Name, Value: c.Value})
	}
	if !loginConfirmed(flag, pairs) {
		return "", false, nil
	}
	return cookieString(pairs), true, nil
}

func (b *chromeBrowser) Close() error {
	b.cancel()
	return nil
}

type cookiePair struct {
	Name  string
	Value string
}

// loginConfirmed applies the platform's signals for a finished scan.
func loginConfirmed(hasUserLogin string, cookies []cookiePair) bool {
	if hasUserLogin == "1" {
		return true
	}
	for _, c := range cookies {
		if c.Name == "LOGIN_STATUS" && c.Value == "1" {
			return true
		}
		if c.Name == "sessionid" && c.Value != "" {
			return true
		}
	}
	return false
}

func cookieString(cookies []cookiePair) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
