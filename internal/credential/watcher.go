package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"trendwatch/internal/components/telemetry"

	"github.com/fsnotify/fsnotify"
)

const (
	report_watcher_read = "watcher.read"
	report_watcher_set  = "watcher.set"
)

// Watcher copies the contents of a cookie file into the store whenever the
// file is written. It is the file based counterpart of a manual paste.
type Watcher struct {
	path  string
	store *Store
	tel   telemetry.API
}

func NewWatcher(path string, store *Store, tel telemetry.API) Watcher {
	return Watcher{
		path:  filepath.Clean(path),
		store: store,
		tel:   telemetry.NewScopedAPI("credential", tel),
	}
}

// Run blocks until ctx is done. The parent directory is watched rather than
// the file itself so that editors which replace the file are handled.
func (w Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cookie watcher: %w", err)
	}
	defer watcher.Close()

	err = watcher.Add(filepath.Dir(w.path))
	if err != nil {
		return fmt.Errorf("cookie watcher: %w", err)
	}

	// pick up a file that already exists
	w.sync(ctx)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.sync(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.tel.ReportWarning(report_watcher_read, err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w Watcher) sync(ctx context.Context) {
	contents, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		w.tel.ReportWarning(report_watcher_read, err, w.path)
		return
	}
	token := strings.TrimSpace(string(contents))
	if token == "" {
		return
	}
	if current, ok := w.store.Get(); ok && current.Token == token && current.Valid {
		return
	}

	_, err = w.store.Set(ctx, token, SourceManualPaste)
	if err != nil {
		w.tel.ReportBroken(report_watcher_set, err)
		return
	}
	w.tel.ReportDebug("loaded cookie from file", w.path)
}
