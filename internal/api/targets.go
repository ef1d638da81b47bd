package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"
	"trendwatch/internal/registry"
	"trendwatch/internal/runlog"
	"trendwatch/internal/snapshot"
)

type targetView struct {
	ID              int64      `json:"id"`
	Kind            string     `json:"kind"`
	ExternalID      string     `json:"external_id"`
	DisplayName     string     `json:"display_name"`
	IntervalSeconds int64      `json:"interval_seconds"`
	Active          bool       `json:"active"`
	NotifyThreshold *float64   `json:"notify_threshold,omitempty"`
	BackoffLevel    int        `json:"backoff_level"`
	CreatedAt       time.Time  `json:"created_at"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       time.Time  `json:"next_run_at"`
	Similarity      float64    `json:"similarity,omitempty"`
}

func newTargetView(t registry.Target) targetView {
	view := targetView{
		ID:              t.ID,
		Kind:            string(t.Kind),
		ExternalID:      t.ExternalID,
		DisplayName:     t.DisplayName,
		IntervalSeconds: int64(t.Interval / time.Second),
		Active:          t.Active,
		NotifyThreshold: t.NotifyThreshold,
		BackoffLevel:    t.BackoffLevel,
		CreatedAt:       t.CreatedAt,
		NextRunAt:       t.NextRunAt,
	}
	if !t.LastRunAt.IsZero() {
		lastRun := t.LastRunAt
		view.LastRunAt = &lastRun
	}
	return view
}

func (s Server) listTargets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query != "" {
		results, err := s.opts.Registry.Search(r.Context(), query, s.opts.SearchSimilarity)
		if err != nil {
			s.fail(w, err)
			return
		}
		views := make([]targetView, 0, len(results))
		for _, res := range results {
			view := newTargetView(res.Target)
			view.Similarity = res.Similarity
			views = append(views, view)
		}
		s.writeJSON(w, http.StatusOK, views)
		return
	}

	targets, err := s.opts.Registry.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]targetView, 0, len(targets))
	for _, t := range targets {
		views = append(views, newTargetView(t))
	}
	s.writeJSON(w, http.StatusOK, views)
}

type createTargetRequest struct {
	Kind            string   `json:"kind" validate:"required"`
	ExternalID      string   `json:"external_id" validate:"required"`
	DisplayName     string   `json:"display_name"`
	IntervalSeconds int64    `json:"interval_seconds" validate:"gte=0"`
	NotifyThreshold *float64 `json:"notify_threshold"`
}

func (s Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if !s.decode(w, r, &req) {
		return
	}
	target, err := s.opts.Registry.Create(r.Context(), registry.NewTarget{
		Kind:            registry.Kind(req.Kind),
		ExternalID:      req.ExternalID,
		DisplayName:     req.DisplayName,
		Interval:        time.Duration(req.IntervalSeconds) * time.Second,
		NotifyThreshold: req.NotifyThreshold,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newTargetView(target))
}

func (s Server) getTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	target, err := s.opts.Registry.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newTargetView(target))
}

type updateTargetRequest struct {
	DisplayName     *string  `json:"display_name"`
	IntervalSeconds *int64   `json:"interval_seconds" validate:"omitempty,gt=0"`
	Active          *bool    `json:"active"`
	NotifyThreshold *float64 `json:"notify_threshold"`
}

func (s Server) updateTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req updateTargetRequest
	if !s.decode(w, r, &req) {
		return
	}

	patch := registry.Patch{
		DisplayName:     req.DisplayName,
		Active:          req.Active,
		NotifyThreshold: req.NotifyThreshold,
	}
	if req.IntervalSeconds != nil {
		interval := time.Duration(*req.IntervalSeconds) * time.Second
		patch.Interval = &interval
	}

	target, err := s.opts.Registry.Update(r.Context(), id, patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newTargetView(target))
}

func (s Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	err := s.opts.Registry.Delete(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ackResponse{Success: true, Message: "target deleted, its history is kept"})
}

func (s Server) runTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	err := s.opts.Scheduler.RunNow(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, ackResponse{Success: true, Message: "collection queued"})
}

func (s Server) listRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	limit := runlog.DefaultPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", "limit must be an integer")
			return
		}
		limit = parsed
	}
	runs, err := s.opts.Runs.List(r.Context(), id, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

type snapshotView struct {
	CapturedAt time.Time          `json:"captured_at"`
	Metrics    map[string]float64 `json:"metrics"`
	Attributes map[string]string  `json:"attributes,omitempty"`
}

func (s Server) history(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}

	snaps, err := s.opts.Snapshots.History(r.Context(), id, since)
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]snapshotView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, snapshotView{
			CapturedAt: snap.CapturedAt,
			Metrics:    snap.Payload.Metrics,
			Attributes: snap.Payload.Attributes,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s Server) trend(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	target, err := s.opts.Registry.Get(r.Context(), id)
	if err != nil && !errors.Is(err, registry.ErrTargetNotFound) {
		s.fail(w, err)
		return
	}
	if err != nil {
		// deleted targets keep their history, trends stay readable
		latest, latestErr := s.opts.Snapshots.Latest(r.Context(), id)
		if latestErr != nil {
			s.fail(w, err)
			return
		}
		target = registry.Target{ID: id, Kind: kindOf(latest)}
	}

	trend, err := s.opts.Snapshots.Trend(r.Context(), id, string(target.Kind), snapshot.Window, s.opts.Clock.Now())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trend)
}

// kindOf guesses the kind of a snapshot from the metrics it carries.
func kindOf(snap snapshot.Snapshot) registry.Kind {
	for _, kind := range []registry.Kind{registry.KindUser, registry.KindVideo, registry.KindLive} {
		if _, ok := snap.Payload.Metrics[snapshot.PrimaryMetric(string(kind))]; ok {
			return kind
		}
	}
	return ""
}

func (s Server) trending(w http.ResponseWriter, r *http.Request) {
	words, err := s.opts.Trending.FetchTrending(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, words)
}
