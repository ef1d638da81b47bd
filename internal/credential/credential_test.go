package credential

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"trendwatch/internal/components/chrono"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/db"

	"github.com/stretchr/testify/require"
)

func setup(t testing.TB) (*Store, *chrono.FakeClock, *db.Queries) {
	database, err := db.OpenMemory(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	clock := chrono.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	qry := db.New(database)
	return NewStore(qry, clock, &telemetry.MemoryAPI{}), clock, qry
}

func TestStoreSetOverwrites(t *testing.T) {
	store, clock, qry := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	_, ok := store.Get()
	require.False(t, ok)
	require.False(t, store.IsValid())

	_, err := store.Set(ctx, "   ", SourceManualPaste)
	require.ErrorIs(t, err, ErrEmptyToken)

	first, err := store.Set(ctx, "sessionid=a", SourceManualPaste)
	require.Nil(t, err)
	clock.Advance(time.Minute)
	second, err := store.Set(ctx, "sessionid=b", SourceInteractiveLogin)
	require.Nil(t, err)
	require.True(t, second.AcquiredAt.After(first.AcquiredAt))

	got, ok := store.Valid()
	require.True(t, ok)
	require.Equal(t, "sessionid=b", got.Token)
	require.Equal(t, SourceInteractiveLogin, got.Source)

	// a fresh store sees the persisted row
	restored := NewStore(qry, clock, &telemetry.MemoryAPI{})
	require.Nil(t, restored.Load(ctx))
	got, ok = restored.Valid()
	require.True(t, ok)
	require.Equal(t, "sessionid=b", got.Token)
	require.True(t, got.AcquiredAt.Equal(second.AcquiredAt))
}

func TestStoreInvalidate(t *testing.T) {
	store, _, qry := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	events := []Event{}
	store.Subscribe(func(e Event) { events = append(events, e) })

	// nothing to invalidate yet
	require.Nil(t, store.Invalidate(ctx))

	cred, err := store.Set(ctx, "sessionid=a", SourceManualPaste)
	require.Nil(t, err)

	require.Nil(t, store.Invalidate(ctx))
	require.Nil(t, store.Invalidate(ctx))
	require.False(t, store.IsValid())
	_, ok := store.Valid()
	require.False(t, ok)

	got, ok := store.Get()
	require.True(t, ok)
	require.False(t, got.Valid)
	require.Equal(t, cred.Token, got.Token)

	row, err := qry.GetCredential(ctx)
	require.Nil(t, err)
	require.False(t, row.Valid)

	require.Len(t, events, 2)
	require.Equal(t, EventSet, events[0].Kind)
	require.Equal(t, EventInvalidated, events[1].Kind)
}

func TestStoreStaleInvalidation(t *testing.T) {
	store, _, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	old, err := store.Set(ctx, "sessionid=old", SourceManualPaste)
	require.Nil(t, err)
	// same clock reading, acquired_at still has to move forward
	fresh, err := store.Set(ctx, "sessionid=fresh", SourceInteractiveLogin)
	require.Nil(t, err)
	require.True(t, fresh.AcquiredAt.After(old.AcquiredAt))

	require.Nil(t, store.InvalidateIfCurrent(ctx, old.AcquiredAt))
	require.True(t, store.IsValid())
}

func TestStoreConcurrentReaders(t *testing.T) {
	store, _, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	tokens := map[string]bool{"t0": true}
	_, err := store.Set(ctx, "t0", SourceManualPaste)
	require.Nil(t, err)

	wg := sync.WaitGroup{}
	seen := make(chan string, 1000)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				cred, ok := store.Get()
				if ok {
					seen <- cred.Token
				}
			}
		}()
	}
	for i := 1; i <= 10; i++ {
		token := "t" + string(rune('0'+i%10)) + "x"
		tokens[token] = true
		_, err := store.Set(ctx, token, SourceManualPaste)
		require.Nil(t, err)
	}
	wg.Wait()
	close(seen)

	for token := range seen {
		require.True(t, tokens[token], "reader observed a torn token %q", token)
	}
}

func TestPreview(t *testing.T) {
	table := []struct {
		token    string
		expected string
	}{
		{"", ""},
		{"short", "..."},
		{"sessionid=0123456789", "sessionid=..."},
		{
			"ttwid=aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa; sessionid=bbbbbbbbbbbbbbbbbbbbbb",
			"ttwid=aaaaaaaaaaaaaa...bbbbbbbbbbbbbbbbbbbb",
		},
	}
	for _, test := range table {
		require.Equal(t, test.expected, Preview(test.token))
	}
}

func TestWatcher(t *testing.T) {
	store, _, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cookie.txt")
	require.Nil(t, os.WriteFile(path, []byte("sessionid=from-file\n"), 0600))

	watcher := NewWatcher(path, store, &telemetry.MemoryAPI{})
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		cred, ok := store.Valid()
		return ok && cred.Token == "sessionid=from-file"
	}, 5*time.Second, 20*time.Millisecond)

	require.Nil(t, os.WriteFile(path, []byte("sessionid=rotated"), 0600))
	require.Eventually(t, func() bool {
		cred, ok := store.Valid()
		return ok && cred.Token == "sessionid=rotated" && cred.Source == SourceManualPaste
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.Nil(t, <-done)
}
