package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"trendwatch/internal/components/assert"
	"trendwatch/internal/components/chrono"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/db"

	"github.com/antzucaro/matchr"
	"github.com/go-playground/validator/v10"
)

const (
	report_db_query = "db.query"
)

type Kind string

const (
	KindUser  Kind = "user"
	KindVideo Kind = "video"
	KindLive  Kind = "live"
)

var (
	ErrTargetNotFound   = errors.New("target not found")
	ErrDuplicateTarget  = errors.New("target already exists")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrIntervalTooShort = errors.New("interval is shorter than the allowed minimum")
)

type Target struct {
	ID          int64
	Kind        Kind
	ExternalID  string
	DisplayName string
	Interval    time.Duration
	Active      bool
	// NotifyThreshold is the relative change of the primary metric that
	// triggers a notification, nil disables notifications.
	NotifyThreshold *float64
	// BackoffLevel counts consecutive rate limited runs.
	BackoffLevel int
	CreatedAt    time.Time
	LastRunAt    time.Time
	NextRunAt    time.Time
}

// Key identifies the target for per-target request spacing.
func (t Target) Key() string {
	return fmt.Sprintf("target:%d", t.ID)
}

type NewTarget struct {
	Kind            Kind          `validate:"required,oneof=user video live"`
	ExternalID      string        `validate:"required,max=256"`
	DisplayName     string        `validate:"max=256"`
	Interval        time.Duration `validate:"gte=0"`
	NotifyThreshold *float64      `validate:"omitempty,gt=0"`
}

// Patch only applies the fields that are set.
type Patch struct {
	DisplayName     *string        `validate:"omitempty,max=256"`
	Interval        *time.Duration `validate:"omitempty,gt=0"`
	Active          *bool
	NotifyThreshold *float64 `validate:"omitempty,gte=0"`
}

type Config struct {
	MinInterval     time.Duration
	DefaultInterval time.Duration
}

type Registry struct {
	qry      *db.Queries
	clock    chrono.API
	tel      telemetry.API
	config   Config
	validate *validator.Validate
}

func NewRegistry(qry *db.Queries, clock chrono.API, tel telemetry.API, config Config) Registry {
	assert.NotNil(qry)
	assert.NotNil(clock)
	assert.NotNil(tel)

	if config.MinInterval <= 0 {
		config.MinInterval = time.Minute
	}
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = time.Hour
	}
	if config.DefaultInterval < config.MinInterval {
		config.DefaultInterval = config.MinInterval
	}

	return Registry{
		qry:      qry,
		clock:    clock,
		tel:      telemetry.NewScopedAPI("registry", tel),
		config:   config,
		validate: validator.New(),
	}
}

func fromRow(row db.Target) Target {
	t := Target{
		ID:           row.ID,
		Kind:         Kind(row.Kind),
		ExternalID:   row.ExternalID,
		DisplayName:  row.DisplayName,
		Interval:     time.Duration(row.IntervalSeconds) * time.Second,
		Active:       row.Active,
		BackoffLevel: int(row.BackoffLevel),
		CreatedAt:    time.Unix(0, row.CreatedAt),
		NextRunAt:    time.Unix(0, row.NextRunAt),
	}
	if row.NotifyThreshold.Valid {
		threshold := row.NotifyThreshold.Float64
		t.NotifyThreshold = &threshold
	}
	if row.LastRunAt.Valid {
		t.LastRunAt = time.Unix(0, row.LastRunAt.Int64)
	}
	return t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil || *f <= 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func (r Registry) checkInterval(interval time.Duration) error {
	if interval < r.config.MinInterval {
		return fmt.Errorf("%w: %s < %s", ErrIntervalTooShort, interval, r.config.MinInterval)
	}
	return nil
}

func (r Registry) Create(ctx context.Context, params NewTarget) (Target, error) {
	params.ExternalID = strings.TrimSpace(params.ExternalID)
	params.DisplayName = strings.TrimSpace(params.DisplayName)

	err := r.validate.Struct(params)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %s", ErrInvalidTarget, err)
	}
	if params.Interval == 0 {
		params.Interval = r.config.DefaultInterval
	}
	err = r.checkInterval(params.Interval)
	if err != nil {
		return Target{}, err
	}
	if params.DisplayName == "" {
		params.DisplayName = params.ExternalID
	}

	now := r.clock.Now().UnixNano()
	row, err := r.qry.CreateTarget(ctx, db.CreateTargetParams{
		Kind:            string(params.Kind),
		ExternalID:      params.ExternalID,
		DisplayName:     params.DisplayName,
		IntervalSeconds: int64(params.Interval / time.Second),
		Active:          true,
		NotifyThreshold: nullFloat(params.NotifyThreshold),
		CreatedAt:       now,
		// RunNow covers an immediate first collection
		NextRunAt: now + int64(params.Interval),
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Target{}, fmt.Errorf("%w: %s %s", ErrDuplicateTarget, params.Kind, params.ExternalID)
		}
		r.tel.ReportBroken(report_db_query, err, "CreateTarget")
		return Target{}, err
	}
	return fromRow(row), nil
}

func (r Registry) Get(ctx context.Context, id int64) (Target, error) {
	row, err := r.qry.GetTarget(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, fmt.Errorf("%w: %d", ErrTargetNotFound, id)
	}
	if err != nil {
		r.tel.ReportBroken(report_db_query, err, "GetTarget", id)
		return Target{}, err
	}
	return fromRow(row), nil
}

func (r Registry) List(ctx context.Context) ([]Target, error) {
	rows, err := r.qry.ListTargets(ctx)
	if err != nil {
		r.tel.ReportBroken(report_db_query, err, "ListTargets")
		return nil, err
	}
	out := make([]Target, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Due returns the active targets whose next run is at or before now.
func (r Registry) Due(ctx context.Context, now time.Time) ([]Target, error) {
	rows, err := r.qry.GetDueTargets(ctx, now.UnixNano())
	if err != nil {
		r.tel.ReportBroken(report_db_query, err, "GetDueTargets")
		return nil, err
	}
	out := make([]Target, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

type SearchResult struct {
	Target     Target
	Similarity float64
}

// Search ranks targets by Jaro-Winkler similarity of the display name or
// external id to the query.
func (r Registry) Search(ctx context.Context, query string, minSimilarity float64) ([]SearchResult, error) {
	targets, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))

	results := []SearchResult{}
	for _, t := range targets {
		similarity := matchr.JaroWinkler(query, strings.ToLower(t.DisplayName), false)
		byID := matchr.JaroWinkler(query, strings.ToLower(t.ExternalID), false)
		if byID > similarity {
			similarity = byID
		}
		if similarity >= minSimilarity {
			results = append(results, SearchResult{Target: t, Similarity: similarity})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	return results, nil
}

// Update applies the patch. The scheduler picks the change up on its next pass.
func (r Registry) Update(ctx context.Context, id int64, patch Patch) (Target, error) {
	err := r.validate.Struct(patch)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %s", ErrInvalidTarget, err)
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return Target{}, err
	}

	next := current
	if patch.DisplayName != nil && strings.TrimSpace(*patch.DisplayName) != "" {
		next.DisplayName = strings.TrimSpace(*patch.DisplayName)
	}
	if patch.Interval != nil {
		err = r.checkInterval(*patch.Interval)
		if err != nil {
			return Target{}, err
		}
		next.Interval = *patch.Interval
		last := current.LastRunAt
		if last.IsZero() {
			last = current.CreatedAt
		}
		next.NextRunAt = last.Add(next.Interval)
	}
	if patch.Active != nil {
		next.Active = *patch.Active
	}
	if patch.NotifyThreshold != nil {
		next.NotifyThreshold = patch.NotifyThreshold
	}

	affected, err := r.qry.UpdateTarget(ctx, db.UpdateTargetParams{
		DisplayName:     next.DisplayName,
		IntervalSeconds: int64(next.Interval / time.Second),
		Active:          next.Active,
		NotifyThreshold: nullFloat(next.NotifyThreshold),
		NextRunAt:       next.NextRunAt.UnixNano(),
		ID:              id,
	})
	if err != nil {
		r.tel.ReportBroken(report_db_query, err, "UpdateTarget", id)
		return Target{}, err
	}
	if affected == 0 {
		return Target{}, fmt.Errorf("%w: %d", ErrTargetNotFound, id)
	}
	return r.Get(ctx, id)
}

func (r Registry) Pause(ctx context.Context, id int64) (Target, error) {
	active := false
	return r.Update(ctx, id, Patch{Active: &active})
}

func (r Registry) Resume(ctx context.Context, id int64) (Target, error) {
	active := true
	return r.Update(ctx, id, Patch{Active: &active})
}

// Delete stops scheduling the target, its snapshots and runs are kept.
func (r Registry) Delete(ctx context.Context, id int64) error {
	affected, err := r.qry.DeleteTarget(ctx, id)
	if err != nil {
		r.tel.ReportBroken(report_db_query, err, "DeleteTarget", id)
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrTargetNotFound, id)
	}
	return nil
}

// RecordRun stores the bookkeeping of a finished run. A target deleted while
// its job was running reports ErrTargetNotFound.
func (r Registry) RecordRun(ctx context.Context, id int64, lastRun, nextRun time.Time, backoffLevel int) error {
	affected, err := r.qry.RecordTargetRun(ctx, db.RecordTargetRunParams{
		LastRunAt:    lastRun.UnixNano(),
		NextRunAt:    nextRun.UnixNano(),
		BackoffLevel: int64(backoffLevel),
		ID:           id,
	})
	if err != nil {
		r.tel.ReportBroken(report_db_query, err, "RecordTargetRun", id)
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrTargetNotFound, id)
	}
	return nil
}
