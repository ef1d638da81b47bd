package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"trendwatch/internal/components/chrono"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/credential"
	"trendwatch/internal/db"

	"github.com/stretchr/testify/require"
)

type testEnv struct {
	client *Client
	store  *credential.Store
	hits   *int64
	sleeps *[]time.Duration
}

func setup(t testing.TB, handler http.HandlerFunc, withCredential bool) testEnv {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	database, err := db.OpenMemory(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	clock := chrono.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	store := credential.NewStore(db.New(database), clock, &telemetry.MemoryAPI{})
	if withCredential {
		_, err := store.Set(context.Background(), "sessionid=abc; ttwid=xyz", credential.SourceManualPaste)
		if err != nil {
			t.Fatal(err)
		}
	}

	client, err := NewClient(
		Config{
			BaseURL:     server.URL,
			LiveBaseURL: server.URL,
			Timeout:     2 * time.Second,
			MaxAttempts: 3,
			BaseBackoff: 10 * time.Millisecond,
		},
		store,
		ParamSigner{Secret: []byte("test"), UserAgent: DefaultUserAgent},
		NewLimiter(LimiterConfig{}),
		&telemetry.MemoryAPI{},
	)
	if err != nil {
		t.Fatal(err)
	}

	sleeps := []time.Duration{}
	var sleepLock sync.Mutex
	client.sleep = func(ctx context.Context, d time.Duration) error {
		sleepLock.Lock()
		defer sleepLock.Unlock()
		sleeps = append(sleeps, d)
		return nil
	}

	return testEnv{client: client, store: store, hits: &hits, sleeps: &sleeps}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func TestFetchUserSuccess(t *testing.T) {
	var seen url.Values
	var cookie string
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query()
		cookie = r.Header.Get("cookie")
		require.Equal(t, pathUserProfile, r.URL.Path)
		writeJSON(w, 200, `{"status_code":0,"user":{"uid":"42","nickname":"creator","follower_count":1200,"following_count":"35","total_favorited":"98000","aweme_count":17}}`)
	}, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	profile, err := env.client.FetchUser(ctx, "MS4wLjABAAAA", "target:1")
	require.Nil(t, err)
	require.Equal(t, map[string]float64{
		"follower_count":  1200,
		"following_count": 35,
		"total_likes":     98000,
		"post_count":      17,
	}, profile.Metrics())
	require.Equal(t, "creator", profile.Nickname)

	require.Equal(t, "sessionid=abc; ttwid=xyz", cookie)
	require.Equal(t, "MS4wLjABAAAA", seen.Get("sec_user_id"))
	require.Equal(t, "6383", seen.Get("aid"))
	require.Len(t, seen.Get("msToken"), 128)
	require.Len(t, seen.Get("webid"), 19)
	require.NotEmpty(t, seen.Get("X-Bogus"))
}

func TestMissingCredentialFailsFast(t *testing.T) {
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"status_code":0}`)
	}, false)

	_, err := env.client.Do(context.Background(), Request{URL: env.client.config.BaseURL + "/x"})
	require.ErrorIs(t, err, ErrAuthExpired)
	require.Equal(t, int64(0), atomic.LoadInt64(env.hits))
}

func TestAuthFailureInvalidates(t *testing.T) {
	table := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http 401",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, 401, `{}`)
			},
		},
		{
			name: "http 403",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(403)
			},
		},
		{
			name: "status code 8",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, 200, `{"status_code":8,"status_msg":"user not login"}`)
			},
		},
		{
			name: "html login wall",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("content-type", "text/html")
				fmt.Fprint(w, `<html><head><title>抖音</title></head><body><div id="login-pannel"></div></body></html>`)
			},
		},
	}

	for _, test := range table {
		t.Run(test.name, func(t *testing.T) {
			env := setup(t, test.handler, true)
			_, err := env.client.Do(context.Background(), Request{URL: env.client.config.BaseURL + "/x"})
			require.ErrorIs(t, err, ErrAuthExpired)
			require.False(t, env.store.IsValid())
			require.Equal(t, int64(1), atomic.LoadInt64(env.hits))

			// the next call does no network io at all
			_, err = env.client.Do(context.Background(), Request{URL: env.client.config.BaseURL + "/x"})
			require.ErrorIs(t, err, ErrAuthExpired)
			require.Equal(t, int64(1), atomic.LoadInt64(env.hits))
		})
	}
}

func TestRateLimitedRetries(t *testing.T) {
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "7")
		writeJSON(w, 429, `{}`)
	}, true)

	_, err := env.client.Do(context.Background(), Request{URL: env.client.config.BaseURL + "/x"})
	var limited *RateLimitedError
	require.True(t, errors.As(err, &limited))
	require.Equal(t, 7*time.Second, limited.RetryAfter)
	require.False(t, limited.Local)
	require.Equal(t, int64(3), atomic.LoadInt64(env.hits))
	require.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second}, *env.sleeps)
	require.True(t, env.store.IsValid())
}

func TestThrottleMarkerInBody(t *testing.T) {
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"status_code":2154,"status_msg":"request too frequent"}`)
	}, true)

	_, err := env.client.Do(context.Background(), Request{URL: env.client.config.BaseURL + "/x"})
	var limited *RateLimitedError
	require.True(t, errors.As(err, &limited))
	require.Equal(t, int64(3), atomic.LoadInt64(env.hits))
}

func TestUpstreamErrorNotRetried(t *testing.T) {
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 500, `{"message":"internal"}`)
	}, true)

	_, err := env.client.Do(context.Background(), Request{URL: env.client.config.BaseURL + "/x"})
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	require.Equal(t, 500, upstream.Status)
	require.Equal(t, int64(1), atomic.LoadInt64(env.hits))
	require.Len(t, *env.sleeps, 0)
}

func TestNetworkErrorRetriesWithBackoff(t *testing.T) {
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.Nil(t, err)
		conn.Close()
	}, true)

	_, err := env.client.Do(context.Background(), Request{URL: env.client.config.BaseURL + "/x"})
	var network *NetworkError
	require.True(t, errors.As(err, &network))
	require.Equal(t, int64(3), atomic.LoadInt64(env.hits))
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *env.sleeps)
}

func TestRetryRechecksCredential(t *testing.T) {
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 429, `{}`)
	}, true)
	env.client.sleep = func(ctx context.Context, d time.Duration) error {
		// another job observed an auth failure while this one was backing off
		return env.store.Invalidate(ctx)
	}

	_, err := env.client.Do(context.Background(), Request{URL: env.client.config.BaseURL + "/x"})
	require.ErrorIs(t, err, ErrAuthExpired)
	require.Equal(t, int64(1), atomic.LoadInt64(env.hits))
}

func TestCredentialRecheckedAfterLimiterWait(t *testing.T) {
	var cookies []string
	var cookieLock sync.Mutex
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		cookieLock.Lock()
		cookies = append(cookies, r.Header.Get("cookie"))
		cookieLock.Unlock()
		writeJSON(w, 200, `{"status_code":0}`)
	}, true)
	env.client.limiter = NewLimiter(LimiterConfig{
		Requests: 1,
		Period:   300 * time.Millisecond,
		Burst:    1,
	})
	ctx := context.Background()
	endpoint := env.client.config.BaseURL + "/x"

	// consume the burst so the next call has to wait
	_, err := env.client.Do(ctx, Request{URL: endpoint})
	require.Nil(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := env.client.Do(ctx, Request{URL: endpoint})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.Nil(t, env.store.Invalidate(ctx))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAuthExpired)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not return")
	}
	require.Equal(t, int64(1), atomic.LoadInt64(env.hits))

	// a replacement during the wait is picked up
	_, err = env.store.Set(ctx, "sessionid=new", credential.SourceManualPaste)
	require.Nil(t, err)
	_, err = env.client.Do(ctx, Request{URL: endpoint})
	require.Nil(t, err)

	go func() {
		_, err := env.client.Do(ctx, Request{URL: endpoint})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	_, err = env.store.Set(ctx, "sessionid=newer", credential.SourceManualPaste)
	require.Nil(t, err)

	select {
	case err := <-done:
		require.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not return")
	}

	cookieLock.Lock()
	defer cookieLock.Unlock()
	require.Equal(t, []string{"sessionid=abc; ttwid=xyz", "sessionid=new", "sessionid=newer"}, cookies)
}

func TestLocalRateLimitNotRetried(t *testing.T) {
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"status_code":0}`)
	}, true)
	env.client.limiter = NewLimiter(LimiterConfig{
		Requests: 1,
		Period:   time.Hour,
		Burst:    1,
		MaxWait:  time.Second,
	})

	_, err := env.client.Do(context.Background(), Request{URL: env.client.config.BaseURL + "/x"})
	require.Nil(t, err)

	_, err = env.client.Do(context.Background(), Request{URL: env.client.config.BaseURL + "/x"})
	var limited *RateLimitedError
	require.True(t, errors.As(err, &limited))
	require.True(t, limited.Local)
	require.Equal(t, int64(1), atomic.LoadInt64(env.hits))
	require.Len(t, *env.sleeps, 0)
}

func TestFetchVideoAndLive(t *testing.T) {
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathVideoDetail:
			writeJSON(w, 200, `{"status_code":0,"aweme_detail":{"aweme_id":"7300","desc":"hello","statistics":{"play_count":1000,"digg_count":80,"comment_count":12,"share_count":5,"collect_count":3}}}`)
		case pathLiveEnter:
			require.Empty(t, r.URL.Query().Get("X-Bogus"))
			writeJSON(w, 200, `{"status_code":0,"data":{"data":[{"title":"live now","status":2,"user_count_str":"1.2万"}]}}`)
		case pathHotSearch:
			writeJSON(w, 200, `{"status_code":0,"data":{"word_list":[{"word":"a","hot_value":100},{"position":2,"word":"b","hot_value":"90"}]}}`)
		default:
			w.WriteHeader(404)
		}
	}, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	video, err := env.client.FetchVideo(ctx, "7300", "")
	require.Nil(t, err)
	require.Equal(t, float64(80), video.Metrics()["like_count"])
	require.Equal(t, float64(1000), video.Metrics()["play_count"])

	live, err := env.client.FetchLive(ctx, "123456", "")
	require.Nil(t, err)
	require.Equal(t, int64(12000), live.ViewerCount)
	require.Equal(t, LiveStatusLive, live.Status)

	words, err := env.client.FetchTrending(ctx)
	require.Nil(t, err)
	require.Equal(t, []TrendingWord{
		{Position: 1, Word: "a", HotValue: 100},
		{Position: 2, Word: "b", HotValue: 90},
	}, words)
}

func TestFetchVideoMissingDetail(t *testing.T) {
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"status_code":0,"aweme_detail":null}`)
	}, true)

	_, err := env.client.FetchVideo(context.Background(), "7300", "")
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
}

func TestFetchCommentsPages(t *testing.T) {
	var cursors []string
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathCommentList, r.URL.Path)
		require.Equal(t, "7300", r.URL.Query().Get("aweme_id"))
		require.Equal(t, "50", r.URL.Query().Get("count"))
		cursor := r.URL.Query().Get("cursor")
		cursors = append(cursors, cursor)
		switch cursor {
		case "0":
			writeJSON(w, 200, `{"status_code":0,"comments":[{"cid":"1","text":"好看","digg_count":3},{"cid":"2","text":"一般"}],"cursor":2,"has_more":1}`)
		case "2":
			writeJSON(w, 200, `{"status_code":0,"comments":[{"cid":"3","text":"差评","digg_count":"7"}],"cursor":3,"has_more":0}`)
		default:
			t.Errorf("unexpected cursor %s", cursor)
		}
	}, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	comments, err := env.client.FetchComments(ctx, "7300", 500)
	require.Nil(t, err)
	require.Equal(t, []Comment{
		{CID: "1", Text: "好看", DiggCount: 3},
		{CID: "2", Text: "一般"},
		{CID: "3", Text: "差评", DiggCount: 7},
	}, comments)
	require.Equal(t, []string{"0", "2"}, cursors)

	// the limit cuts paging short
	cursors = nil
	comments, err = env.client.FetchComments(ctx, "7300", 1)
	require.Nil(t, err)
	require.Len(t, comments, 1)
	require.Equal(t, []string{"0"}, cursors)
}

func TestFetchCommentsFailure(t *testing.T) {
	env := setup(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"status_code":0,"comments":"nope"}`)
	}, true)

	_, err := env.client.FetchComments(context.Background(), "7300", 10)
	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
}
