package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/db"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func setup(t testing.TB) *Store {
	database, err := db.OpenMemory(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(db.New(database), db.NewMakeTx(database), &telemetry.MemoryAPI{})
}

func videoSnapshot(at time.Time, plays, likes float64) Snapshot {
	return Snapshot{
		TargetID:   1,
		CapturedAt: at,
		Payload: Payload{
			Metrics: map[string]float64{
				"play_count":    plays,
				"like_count":    likes,
				"comment_count": 0,
				"share_count":   0,
			},
		},
	}
}

func TestAppendOrdering(t *testing.T) {
	store := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	_, err := store.Latest(ctx, 1)
	require.ErrorIs(t, err, ErrNoSnapshots)

	require.Nil(t, store.Append(ctx, videoSnapshot(epoch, 100, 10)))
	require.ErrorIs(t, store.Append(ctx, videoSnapshot(epoch, 100, 10)), ErrOutOfOrder)
	require.ErrorIs(t, store.Append(ctx, videoSnapshot(epoch.Add(-time.Second), 100, 10)), ErrOutOfOrder)
	require.Nil(t, store.Append(ctx, videoSnapshot(epoch.Add(time.Nanosecond), 120, 12)))

	// other targets are ordered independently
	other := videoSnapshot(epoch.Add(-time.Hour), 1, 1)
	other.TargetID = 2
	require.Nil(t, store.Append(ctx, other))

	latest, err := store.Latest(ctx, 1)
	require.Nil(t, err)
	require.True(t, latest.CapturedAt.Equal(epoch.Add(time.Nanosecond)))
	require.Equal(t, 120.0, latest.Payload.Metrics["play_count"])
}

func TestConcurrentAppend(t *testing.T) {
	store := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Append(ctx, videoSnapshot(epoch, 1, 1))
			if err != nil && !errors.Is(err, ErrOutOfOrder) {
				t.Error(err)
				return
			}
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, accepted)

	history, err := store.History(ctx, 1, time.Time{})
	require.Nil(t, err)
	require.Len(t, history, 1)
}

func TestHistoryIsAscending(t *testing.T) {
	store := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.Nil(t, store.Append(ctx, videoSnapshot(epoch.Add(time.Duration(i)*time.Hour), float64(i), 0)))
	}

	history, err := store.History(ctx, 1, epoch.Add(2*time.Hour))
	require.Nil(t, err)
	plays := []float64{}
	for _, snap := range history {
		plays = append(plays, snap.Payload.Metrics["play_count"])
	}
	if diff := cmp.Diff([]float64{2, 3, 4}, plays); diff != "" {
		t.Fatal(diff)
	}
}

func TestDiff(t *testing.T) {
	store := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	_, err := store.Diff(ctx, 1)
	require.ErrorIs(t, err, ErrInsufficientHistory)

	require.Nil(t, store.Append(ctx, videoSnapshot(epoch, 100, 10)))
	// a single observation is not a zero delta
	_, err = store.Diff(ctx, 1)
	require.ErrorIs(t, err, ErrInsufficientHistory)

	require.Nil(t, store.Append(ctx, videoSnapshot(epoch.Add(time.Hour), 150, 5)))
	diff, err := store.Diff(ctx, 1)
	require.Nil(t, err)
	require.Equal(t, time.Hour, diff.Elapsed)
	require.Equal(t, FieldDelta{Previous: 100, Current: 150, Delta: 50}, diff.Fields["play_count"])
	require.Equal(t, FieldDelta{Previous: 10, Current: 5, Delta: -5}, diff.Fields["like_count"])
	require.Equal(t, []string{"comment_count", "like_count", "play_count", "share_count"}, diff.FieldNames())
}

func TestCompareSkipsMissingFields(t *testing.T) {
	previous := Snapshot{CapturedAt: epoch, Payload: Payload{Metrics: map[string]float64{"viewer_count": 10}}}
	current := Snapshot{CapturedAt: epoch.Add(time.Minute), Payload: Payload{Metrics: map[string]float64{"viewer_count": 4, "status": 2}}}

	diff := Compare(previous, current)
	require.Equal(t, map[string]FieldDelta{
		"viewer_count": {Previous: 10, Current: 4, Delta: -6},
	}, diff.Fields)
}

func TestTrend(t *testing.T) {
	store := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	require.Nil(t, store.Append(ctx, videoSnapshot(epoch, 1000, 10)))
	trend, err := store.Trend(ctx, 1, "video", Window, epoch.Add(time.Hour))
	require.Nil(t, err)
	require.Nil(t, trend.Diff)
	require.NotEmpty(t, trend.Message)
	require.Equal(t, GrowthUnknown, trend.Analysis.Growth)

	require.Nil(t, store.Append(ctx, videoSnapshot(epoch.Add(24*time.Hour), 2000, 100)))
	trend, err = store.Trend(ctx, 1, "video", Window, epoch.Add(25*time.Hour))
	require.Nil(t, err)
	require.NotNil(t, trend.Diff)
	require.Equal(t, 1000.0, trend.Diff.Fields["play_count"].Delta)
	require.Equal(t, GrowthRising, trend.Analysis.Growth)
	require.Equal(t, 5.0, trend.Analysis.EngagementRate)
	require.Equal(t, 50.0, trend.Analysis.ViralScore)
}

func TestTrendSharingIsPerQuestion(t *testing.T) {
	store := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	require.Nil(t, store.Append(ctx, videoSnapshot(epoch, 1000, 10)))
	require.Nil(t, store.Append(ctx, videoSnapshot(epoch.Add(time.Hour), 2000, 100)))
	now := epoch.Add(2 * time.Hour)

	// hold a computation for (video, Window) in flight
	key := trendKey(1, "video", now.Add(-Window))
	release := store.trackTrend(1, key)
	defer release()
	started := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	go store.trends.Do(key, func() (any, error) {
		close(started)
		<-unblock
		return Trend{Message: "stale"}, nil
	})
	<-started

	// other kinds and windows compute their own result
	trend, err := store.Trend(ctx, 1, "user", Window, now)
	require.Nil(t, err)
	require.Empty(t, trend.Message)
	require.Equal(t, "follower_count", trend.Analysis.PrimaryMetric)

	trend, err = store.Trend(ctx, 1, "video", time.Hour, now)
	require.Nil(t, err)
	require.Empty(t, trend.Message)
	require.NotNil(t, trend.Diff)

	// an append detaches later callers from the older computation
	require.Nil(t, store.Append(ctx, videoSnapshot(epoch.Add(90*time.Minute), 3000, 150)))
	trend, err = store.Trend(ctx, 1, "video", Window, now)
	require.Nil(t, err)
	require.Empty(t, trend.Message)
	require.Equal(t, 1000.0, trend.Diff.Fields["play_count"].Delta)
}

func TestAnalyze(t *testing.T) {
	user := func(at time.Duration, followers, likes float64) Snapshot {
		return Snapshot{
			CapturedAt: epoch.Add(at),
			Payload: Payload{Metrics: map[string]float64{
				"follower_count": followers,
				"total_likes":    likes,
			}},
		}
	}
	day := 24 * time.Hour

	cases := []struct {
		name    string
		kind    string
		history []Snapshot
		growth  Growth
		rate    float64
	}{
		{"empty", "user", nil, GrowthUnknown, 0},
		{"single", "user", []Snapshot{user(0, 100, 50)}, GrowthUnknown, 50},
		{"rising", "user", []Snapshot{user(0, 100, 0), user(day, 110, 0)}, GrowthRising, 0},
		{"falling", "user", []Snapshot{user(0, 100, 0), user(2*day, 90, 0)}, GrowthFalling, 0},
		// 0.5% per day is inside the stable band
		{"stable", "user", []Snapshot{user(0, 1000, 0), user(2*day, 1010, 0)}, GrowthStable, 0},
		{"from zero", "user", []Snapshot{user(0, 0, 0), user(day, 5, 0)}, GrowthRising, 0},
		{"flat zero", "user", []Snapshot{user(0, 0, 0), user(day, 0, 0)}, GrowthStable, 0},
	}
	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			analysis := Analyze(test.kind, test.history)
			require.Equal(t, test.growth, analysis.Growth)
			require.Equal(t, test.rate, analysis.EngagementRate)
			require.Equal(t, len(test.history), analysis.Samples)
		})
	}
}

func TestViralScoreIsCapped(t *testing.T) {
	analysis := Analyze("video", []Snapshot{videoSnapshot(epoch, 100, 50)})
	require.Equal(t, 100.0, analysis.ViralScore)
	require.Equal(t, 50.0, analysis.EngagementRate)
}

func TestRelativeChange(t *testing.T) {
	change, ok := RelativeChange("video", videoSnapshot(epoch, 100, 0), videoSnapshot(epoch.Add(time.Hour), 150, 0))
	require.True(t, ok)
	require.Equal(t, 0.5, change)

	_, ok = RelativeChange("video", videoSnapshot(epoch, 0, 0), videoSnapshot(epoch.Add(time.Hour), 150, 0))
	require.False(t, ok)
}

func TestClassifySentiment(t *testing.T) {
	require.Equal(t, Sentiment{}, ClassifySentiment(nil))

	sentiment := ClassifySentiment([]string{"主播好帅", "无聊透顶", "坑人", "好看但是假", "?"})
	require.Equal(t, 5, sentiment.Total)
	require.Equal(t, 0.2, sentiment.Positive)
	require.Equal(t, 0.4, sentiment.Negative)
	require.Equal(t, 0.4, sentiment.Neutral)
	require.Equal(t, map[string]float64{
		"sentiment_positive": 0.2,
		"sentiment_negative": 0.4,
		"sentiment_neutral":  0.4,
	}, sentiment.Metrics())
}
