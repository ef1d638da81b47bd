package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"trendwatch/internal/components/assert"
	"trendwatch/internal/components/chrono"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/notify"
	"trendwatch/internal/registry"
	"trendwatch/internal/snapshot"
	"trendwatch/internal/upstream"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("trendwatch/collector")

const (
	report_collect   = "collector.collect"
	report_panic     = "collector.panic"
	report_sentiment = "collector.sentiment"
)

// CommentSample is the most comments read per video collection.
const CommentSample = 500

// Fetcher is the part of the upstream client a collection needs.
type Fetcher interface {
	FetchUser(ctx context.Context, secUID, key string) (upstream.UserProfile, error)
	FetchVideo(ctx context.Context, awemeID, key string) (upstream.VideoDetail, error)
	FetchLive(ctx context.Context, roomID, key string) (upstream.LiveRoom, error)
	FetchComments(ctx context.Context, awemeID string, limit int) ([]upstream.Comment, error)
}

type Notifier interface {
	Notify(msg notify.Message)
}

// Result is what one collection produced. It always carries an outcome,
// collection failures never surface as errors or panics.
type Result struct {
	Outcome string
	Detail  string
	// Snapshot is set when the collection stored one.
	Snapshot *snapshot.Snapshot
	// Err is the underlying failure, nil on success.
	Err error
}

type Collector struct {
	fetcher   Fetcher
	snapshots *snapshot.Store
	notifier  Notifier
	clock     chrono.API
	tel       telemetry.API
	timeout   time.Duration
}

// NewCollector creates a collector, notifier may be nil. Every collection is
// bounded by timeout.
func NewCollector(
	fetcher Fetcher,
	snapshots *snapshot.Store,
	notifier Notifier,
	clock chrono.API,
	tel telemetry.API,
	timeout time.Duration,
) *Collector {
	assert.NotNil(fetcher)
	assert.NotNil(snapshots)
	assert.NotNil(clock)
	assert.NotNil(tel)
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Collector{
		fetcher:   fetcher,
		snapshots: snapshots,
		notifier:  notifier,
		clock:     clock,
		tel:       telemetry.NewScopedAPI("collector", tel),
		timeout:   timeout,
	}
}

func (c *Collector) fetch(ctx context.Context, target registry.Target) (snapshot.Payload, error) {
	key := target.Key()
	switch target.Kind {
	case registry.KindUser:
		profile, err := c.fetcher.FetchUser(ctx, target.ExternalID, key)
		if err != nil {
			return snapshot.Payload{}, err
		}
		return snapshot.Payload{
			Metrics:    profile.Metrics(),
			Attributes: map[string]string{"nickname": profile.Nickname},
		}, nil
	case registry.KindVideo:
		video, err := c.fetcher.FetchVideo(ctx, target.ExternalID, key)
		if err != nil {
			return snapshot.Payload{}, err
		}
		metrics := video.Metrics()
		if video.CommentCount > 0 {
			c.addSentiment(ctx, target, metrics)
		}
		return snapshot.Payload{
			Metrics:    metrics,
			Attributes: map[string]string{"desc": video.Desc},
		}, nil
	case registry.KindLive:
		room, err := c.fetcher.FetchLive(ctx, target.ExternalID, key)
		if err != nil {
			return snapshot.Payload{}, err
		}
		return snapshot.Payload{
			Metrics:    room.Metrics(),
			Attributes: map[string]string{"title": room.Title, "room_id": room.RoomID},
		}, nil
	}
	return snapshot.Payload{}, fmt.Errorf("unknown target kind '%s'", target.Kind)
}

// addSentiment merges the comment sentiment ratios into metrics. A failed
// comment fetch leaves the metrics without them.
func (c *Collector) addSentiment(ctx context.Context, target registry.Target, metrics map[string]float64) {
	comments, err := c.fetcher.FetchComments(ctx, target.ExternalID, CommentSample)
	if err != nil {
		c.tel.ReportWarning(report_sentiment, err, target.ID)
		return
	}
	if len(comments) == 0 {
		return
	}
	texts := make([]string, len(comments))
	for i, comment := range comments {
		texts[i] = comment.Text
	}
	for name, value := range snapshot.ClassifySentiment(texts).Metrics() {
		metrics[name] = value
	}
}

// Collect fetches the current state of target and appends it to the
// snapshot store.
func (c *Collector) Collect(ctx context.Context, target registry.Target) (res Result) {
	ctx, span := tracer.Start(ctx, "Collect", trace.WithAttributes(
		attribute.Int64("target.id", target.ID),
		attribute.String("target.kind", string(target.Kind)),
	))
	defer span.End()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("panic: %v", r)
		c.tel.ReportBroken(report_panic, err, target.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "collection panicked")
		res = Result{Outcome: upstream.OutcomeError, Detail: err.Error(), Err: err}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := c.fetch(ctx, target)
	if err != nil {
		res = failure(err)
		c.tel.ReportWarning(report_collect, err, target.ID, res.Outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Outcome)
		return res
	}

	previous, prevErr := c.snapshots.Latest(ctx, target.ID)
	snap := snapshot.Snapshot{
		TargetID:   target.ID,
		CapturedAt: c.clock.Now(),
		Payload:    payload,
	}
	err = c.snapshots.Append(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append snapshot")
		return Result{
			Outcome: upstream.OutcomeError,
			Detail:  fmt.Sprintf("store snapshot: %s", err.Error()),
			Err:     err,
		}
	}

	if prevErr == nil {
		c.checkThreshold(target, previous, snap)
	}

	return Result{
		Outcome:  upstream.OutcomeSuccess,
		Detail:   summarize(payload.Metrics),
		Snapshot: &snap,
	}
}

func failure(err error) Result {
	outcome := upstream.Outcome(err)
	detail := err.Error()
	var limited *upstream.RateLimitedError
	switch {
	case errors.Is(err, upstream.ErrAuthExpired):
		detail = "cookie expired, please re-login"
	case errors.As(err, &limited):
		detail = fmt.Sprintf("rate limited, retry after %s", limited.RetryAfter)
	case errors.Is(err, context.DeadlineExceeded):
		detail = "collection timed out"
	}
	return Result{Outcome: outcome, Detail: detail, Err: err}
}

func (c *Collector) checkThreshold(target registry.Target, previous, current snapshot.Snapshot) {
	if c.notifier == nil || target.NotifyThreshold == nil {
		return
	}
	change, ok := snapshot.RelativeChange(string(target.Kind), previous, current)
	if !ok || math.Abs(change) < *target.NotifyThreshold {
		return
	}
	metric := snapshot.PrimaryMetric(string(target.Kind))
	c.notifier.Notify(notify.ThresholdCrossed(
		target.DisplayName,
		metric,
		previous.Payload.Metrics[metric],
		current.Payload.Metrics[metric],
		change,
	))
}

func summarize(metrics map[string]float64) string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.0f", name, metrics[name]))
	}
	return strings.Join(parts, " ")
}
