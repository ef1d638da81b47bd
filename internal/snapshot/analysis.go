package snapshot

import (
	"math"
	"time"
)

type Growth string

const (
	GrowthUnknown Growth = "unknown"
	GrowthRising  Growth = "rising"
	GrowthFalling Growth = "falling"
	GrowthStable  Growth = "stable"
)

// StableBand is the relative daily change of the primary metric inside
// which growth counts as stable.
const StableBand = 0.01

type Analysis struct {
	Samples int `json:"samples"`
	// PrimaryMetric is the metric growth is measured on.
	PrimaryMetric string `json:"primary_metric"`
	// EngagementRate is a percentage rounded to two decimals.
	EngagementRate float64 `json:"engagement_rate"`
	ViralScore     float64 `json:"viral_score"`
	// DailyChange is the relative change of the primary metric per day.
	DailyChange float64 `json:"daily_change"`
	Growth      Growth  `json:"growth"`
}

func PrimaryMetric(kind string) string {
	switch kind {
	case "user":
		return "follower_count"
	case "video":
		return "play_count"
	case "live":
		return "viewer_count"
	}
	return ""
}

func engagement(kind string, metrics map[string]float64) float64 {
	switch kind {
	case "video":
		plays := metrics["play_count"]
		if plays <= 0 {
			return 0
		}
		return (metrics["like_count"] + metrics["comment_count"] + metrics["share_count"]) / plays
	case "user":
		followers := metrics["follower_count"]
		if followers <= 0 {
			return 0
		}
		return metrics["total_likes"] / followers
	}
	return 0
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// Analyze derives engagement and growth from an oldest first history.
func Analyze(kind string, history []Snapshot) Analysis {
	out := Analysis{
		Samples:       len(history),
		PrimaryMetric: PrimaryMetric(kind),
		Growth:        GrowthUnknown,
	}
	if len(history) == 0 {
		return out
	}

	latest := history[len(history)-1]
	rate := engagement(kind, latest.Payload.Metrics)
	out.EngagementRate = round2(rate * 100)
	if kind == "video" {
		out.ViralScore = round2(math.Min(100, rate*1000))
	}

	if len(history) < 2 || out.PrimaryMetric == "" {
		return out
	}
	first := history[0]
	from, ok := first.Payload.Metrics[out.PrimaryMetric]
	if !ok {
		return out
	}
	to, ok := latest.Payload.Metrics[out.PrimaryMetric]
	if !ok {
		return out
	}
	days := latest.CapturedAt.Sub(first.CapturedAt).Hours() / 24
	if days <= 0 {
		return out
	}

	switch {
	case from == 0 && to == 0:
		out.DailyChange = 0
	case from == 0:
		out.DailyChange = math.Inf(1)
	default:
		out.DailyChange = (to - from) / from / days
	}
	out.Growth = classify(out.DailyChange)
	if math.IsInf(out.DailyChange, 0) {
		// json cannot carry infinities
		out.DailyChange = 0
	}
	return out
}

func classify(dailyChange float64) Growth {
	switch {
	case dailyChange > StableBand:
		return GrowthRising
	case dailyChange < -StableBand:
		return GrowthFalling
	}
	return GrowthStable
}

// RelativeChange is the change of the primary metric between two snapshots,
// ok is false when it cannot be computed.
func RelativeChange(kind string, previous, current Snapshot) (change float64, ok bool) {
	metric := PrimaryMetric(kind)
	before, ok := previous.Payload.Metrics[metric]
	if !ok || before == 0 {
		return 0, false
	}
	now, ok := current.Payload.Metrics[metric]
	if !ok {
		return 0, false
	}
	return (now - before) / before, true
}

// Window is how far back trend analysis looks by default.
const Window = 7 * 24 * time.Hour
