package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"trendwatch/internal/components/chrono"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/credential"
	"trendwatch/internal/db"
	"trendwatch/internal/login"
	"trendwatch/internal/registry"
	"trendwatch/internal/runlog"
	"trendwatch/internal/scheduler"
	"trendwatch/internal/snapshot"
	"trendwatch/internal/upstream"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeLogins struct {
	startErr error
}

func (f fakeLogins) Start(ctx context.Context) (login.Status, error) {
	if f.startErr != nil {
		return login.Status{}, f.startErr
	}
	return login.Status{SessionID: "abc", State: login.StateWaitingScan, QRImage: "cG5n"}, nil
}

func (f fakeLogins) Status(id string) login.Status {
	if id == "abc" {
		return login.Status{SessionID: id, State: login.StateWaitingScan, QRImage: "cG5n"}
	}
	return login.Status{SessionID: id, State: login.StateExpired, Message: "session not found or expired"}
}

func (f fakeLogins) Wait(ctx context.Context, id string) (login.Status, error) {
	if id == "abc" {
		return login.Status{SessionID: id, State: login.StateConfirmed, Message: "login succeeded, credential saved"}, nil
	}
	return f.Status(id), login.ErrLoginExpired
}

func (f fakeLogins) Cancel(id string) (login.Status, error) {
	if id != "abc" {
		return login.Status{}, fmt.Errorf("login session %s is not active", id)
	}
	return login.Status{SessionID: id, State: login.StateCancelled}, nil
}

type fakeScheduler struct {
	mu      sync.Mutex
	queued  []int64
	runErr  error
	streams map[int64]chan runlog.Run
}

func (f *fakeScheduler) RunNow(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}
	f.queued = append(f.queued, id)
	return nil
}

func (f *fakeScheduler) Subscribe(targetID int64) (<-chan runlog.Run, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan runlog.Run, 4)
	f.streams[targetID] = ch
	return ch, func() {}
}

func (f *fakeScheduler) stream(targetID int64) chan runlog.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[targetID]
}

type fakeTrending struct{}

func (fakeTrending) FetchTrending(ctx context.Context) ([]upstream.TrendingWord, error) {
	return []upstream.TrendingWord{{Position: 1, Word: "spring festival", HotValue: 1000}}, nil
}

type fixture struct {
	handler     http.Handler
	credentials *credential.Store
	registry    registry.Registry
	runs        runlog.Log
	snapshots   *snapshot.Store
	scheduler   *fakeScheduler
	clock       *chrono.FakeClock
}

func setup(t testing.TB, accessToken string) fixture {
	database, err := db.OpenMemory(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	tel := &telemetry.MemoryAPI{}
	clock := chrono.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	qry := db.New(database)

	f := fixture{
		credentials: credential.NewStore(qry, clock, tel),
		registry:    registry.NewRegistry(qry, clock, tel, registry.Config{}),
		runs:        runlog.NewLog(qry, tel),
		snapshots:   snapshot.NewStore(qry, db.NewMakeTx(database), tel),
		scheduler:   &fakeScheduler{streams: map[int64]chan runlog.Run{}},
		clock:       clock,
	}
	f.handler = NewHandler(Options{
		Credentials: f.credentials,
		Logins:      fakeLogins{},
		Registry:    f.registry,
		Scheduler:   f.scheduler,
		Runs:        f.runs,
		Snapshots:   f.snapshots,
		Trending:    fakeTrending{},
		Clock:       clock,
		Tel:         tel,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
		AccessToken: accessToken,
	})
	return f
}

func (f fixture) do(t testing.TB, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.Nil(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if out != nil {
		require.Nil(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestCredentialEndpoints(t *testing.T) {
	f := setup(t, "")

	var status credentialStatusResponse
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/auth/credential/status", nil, &status))
	require.False(t, status.Valid)

	var ack ackResponse
	require.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/auth/credential", map[string]string{"token": ""}, nil))
	require.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/auth/credential", map[string]string{"token": "   "}, &ack))
	require.False(t, ack.Success)

	token := "sessionid=0123456789abcdefghijklmnopqrstuvwxyz0123456789"
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/auth/credential", map[string]string{"token": token}, &ack))
	require.True(t, ack.Success)

	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/auth/credential/status", nil, &status))
	require.True(t, status.Valid)
	require.Equal(t, credential.Preview(token), status.Preview)
	require.NotContains(t, status.Preview, "abcdefghijklmnop")
	require.Equal(t, "manual-paste", status.Source)

	require.Nil(t, f.credentials.Invalidate(context.Background()))
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/auth/credential/status", nil, &status))
	require.False(t, status.Valid)
	require.Equal(t, "cookie expired, please re-login", status.Message)
}

func TestLoginEndpoints(t *testing.T) {
	f := setup(t, "")

	var session sessionResponse
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/auth/session/start", nil, &session))
	require.Equal(t, "abc", session.SessionID)
	require.Equal(t, "cG5n", session.QRImage)
	require.NotEmpty(t, session.Message)

	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/auth/session/status/unknown", nil, &session))
	require.Equal(t, login.StateExpired, session.State)

	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/auth/session/status/abc?wait=5", nil, &session))
	require.Equal(t, login.StateConfirmed, session.State)
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/auth/session/status/unknown?wait=5", nil, &session))
	require.Equal(t, login.StateExpired, session.State)
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/auth/session/status/abc?wait=600", nil, nil))

	var ack ackResponse
	require.Equal(t, http.StatusNotFound, f.do(t, "POST", "/api/auth/session/cancel/unknown", nil, &ack))
	require.False(t, ack.Success)
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/api/auth/session/cancel/abc", nil, &ack))
	require.True(t, ack.Success)
}

func TestTargetLifecycle(t *testing.T) {
	f := setup(t, "")

	var created targetView
	code := f.do(t, "POST", "/api/targets", map[string]any{
		"kind":             "video",
		"external_id":      "7300000000000000001",
		"display_name":     "launch video",
		"interval_seconds": 600,
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, int64(600), created.IntervalSeconds)
	require.True(t, created.Active)
	require.Nil(t, created.LastRunAt)

	var failure errorResponse
	require.Equal(t, http.StatusConflict, f.do(t, "POST", "/api/targets", map[string]any{
		"kind": "video", "external_id": "7300000000000000001",
	}, &failure))
	require.Equal(t, "duplicate_target", failure.Error)

	require.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/targets", map[string]any{
		"kind": "video", "external_id": "x", "interval_seconds": 5,
	}, &failure))
	require.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/targets", map[string]any{
		"kind": "hashtag", "external_id": "x",
	}, &failure))

	path := fmt.Sprintf("/api/targets/%d", created.ID)

	var updated targetView
	require.Equal(t, http.StatusOK, f.do(t, "PUT", path, map[string]any{"active": false}, &updated))
	require.False(t, updated.Active)

	var list []targetView
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/targets", nil, &list))
	require.Len(t, list, 1)

	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/targets?q=lanch+video", nil, &list))
	require.Len(t, list, 1)
	require.Greater(t, list[0].Similarity, 0.7)

	require.Equal(t, http.StatusAccepted, f.do(t, "POST", path+"/run", nil, nil))
	require.Equal(t, []int64{created.ID}, f.scheduler.queued)

	f.scheduler.runErr = scheduler.ErrScheduleConflict
	require.Equal(t, http.StatusConflict, f.do(t, "POST", path+"/run", nil, &failure))
	require.Equal(t, "schedule_conflict", failure.Error)

	var ack ackResponse
	require.Equal(t, http.StatusOK, f.do(t, "DELETE", path, nil, &ack))
	require.Equal(t, http.StatusNotFound, f.do(t, "GET", path, nil, &failure))
	require.Equal(t, http.StatusNotFound, f.do(t, "DELETE", path, nil, &failure))
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/targets/abc", nil, &failure))
}

func TestRunsAndHistory(t *testing.T) {
	f := setup(t, "")
	ctx := context.Background()

	target, err := f.registry.Create(ctx, registry.NewTarget{Kind: registry.KindUser, ExternalID: "u"})
	require.Nil(t, err)

	start := f.clock.Now()
	for i := 0; i < 3; i++ {
		at := start.Add(time.Duration(i) * 24 * time.Hour)
		_, err := f.runs.Record(ctx, runlog.Run{TargetID: target.ID, StartedAt: at, FinishedAt: at, Outcome: "success"})
		require.Nil(t, err)
		require.Nil(t, f.snapshots.Append(ctx, snapshot.Snapshot{
			TargetID:   target.ID,
			CapturedAt: at,
			Payload: snapshot.Payload{Metrics: map[string]float64{
				"follower_count": float64(100 * (i + 1)),
				"total_likes":    50,
			}},
		}))
	}
	f.clock.Set(start.Add(48 * time.Hour))

	path := fmt.Sprintf("/api/targets/%d", target.ID)

	var runs []runlog.Run
	require.Equal(t, http.StatusOK, f.do(t, "GET", path+"/runs?limit=2", nil, &runs))
	require.Len(t, runs, 2)
	require.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", path+"/runs?limit=x", nil, nil))

	var history []snapshotView
	since := start.Add(time.Hour).Format(time.RFC3339)
	require.Equal(t, http.StatusOK, f.do(t, "GET", path+"/history?since="+since, nil, &history))
	require.Len(t, history, 2)
	require.Equal(t, 200.0, history[0].Metrics["follower_count"])
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", path+"/history?since=yesterday", nil, nil))

	var trend snapshot.Trend
	require.Equal(t, http.StatusOK, f.do(t, "GET", path+"/trend", nil, &trend))
	require.NotNil(t, trend.Diff)
	require.Equal(t, 100.0, trend.Diff.Fields["follower_count"].Delta)
	require.Equal(t, snapshot.GrowthRising, trend.Analysis.Growth)

	// history outlives the target
	require.Nil(t, f.registry.Delete(ctx, target.ID))
	require.Equal(t, http.StatusOK, f.do(t, "GET", path+"/trend", nil, &trend))
	require.Equal(t, "follower_count", trend.Analysis.PrimaryMetric)
}

func TestTrendInsufficientHistory(t *testing.T) {
	f := setup(t, "")
	target, err := f.registry.Create(context.Background(), registry.NewTarget{Kind: registry.KindLive, ExternalID: "r"})
	require.Nil(t, err)

	var trend snapshot.Trend
	require.Equal(t, http.StatusOK, f.do(t, "GET", fmt.Sprintf("/api/targets/%d/trend", target.ID), nil, &trend))
	require.Nil(t, trend.Diff)
	require.Contains(t, trend.Message, "insufficient history")
}

func TestTrendingAndMetrics(t *testing.T) {
	f := setup(t, "")

	var words []upstream.TrendingWord
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/api/trending", nil, &words))
	require.Equal(t, "spring festival", words[0].Word)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, "# metrics", rec.Body.String())
}

func TestAccessToken(t *testing.T) {
	f := setup(t, "secret")

	require.Equal(t, http.StatusUnauthorized, f.do(t, "GET", "/api/targets", nil, nil))

	req := httptest.NewRequest("GET", "/api/targets", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// metrics stay scrapeable
	req = httptest.NewRequest("GET", "/metrics", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUpstreamErrorsAreActionable(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{upstream.ErrAuthExpired, http.StatusUnauthorized, "auth_error"},
		{&upstream.RateLimitedError{RetryAfter: time.Minute}, http.StatusTooManyRequests, "rate_limited"},
		{&upstream.UpstreamError{Status: 500}, http.StatusBadGateway, "upstream_error"},
		{scheduler.ErrQueueFull, http.StatusServiceUnavailable, "unavailable"},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	s := Server{tel: &telemetry.MemoryAPI{}}
	for _, test := range cases {
		rec := httptest.NewRecorder()
		s.fail(rec, test.err)
		require.Equal(t, test.status, rec.Code)

		var res errorResponse
		require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &res))
		require.Equal(t, test.code, res.Error)
		require.NotEmpty(t, res.Message)
	}
}

func TestRunStream(t *testing.T) {
	f := setup(t, "")
	target, err := f.registry.Create(context.Background(), registry.NewTarget{Kind: registry.KindUser, ExternalID: "u"})
	require.Nil(t, err)

	server := httptest.NewServer(f.handler)
	defer server.Close()

	url := fmt.Sprintf("ws%s/api/ws/targets/%d", strings.TrimPrefix(server.URL, "http"), target.ID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Nil(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.Nil(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	require.Nil(t, err)
	require.Equal(t, "pong", string(msg))

	var stream chan runlog.Run
	require.Eventually(t, func() bool {
		stream = f.scheduler.stream(target.ID)
		return stream != nil
	}, time.Second, 5*time.Millisecond)
	stream <- runlog.Run{ID: 7, TargetID: target.ID, Outcome: "success"}

	var run runlog.Run
	require.Nil(t, conn.ReadJSON(&run))
	require.Equal(t, int64(7), run.ID)

	_, _, err = websocket.DefaultDialer.Dial(fmt.Sprintf("ws%s/api/ws/targets/999", strings.TrimPrefix(server.URL, "http")), nil)
	require.NotNil(t, err)
}
