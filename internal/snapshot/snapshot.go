package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"trendwatch/internal/components/assert"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/db"

	"golang.org/x/sync/singleflight"
)

const (
	report_db_query = "db.query"
	report_append   = "snapshot.append"
	report_decode   = "snapshot.decode"
)

var (
	ErrOutOfOrder          = errors.New("snapshot is not newer than the latest stored snapshot")
	ErrNoSnapshots         = errors.New("no snapshots for target")
	ErrInsufficientHistory = errors.New("insufficient history")
)

// Payload is the kind specific metric set observed by one collection.
type Payload struct {
	Metrics    map[string]float64 `json:"metrics"`
	Attributes map[string]string  `json:"attributes,omitempty"`
}

type Snapshot struct {
	TargetID   int64
	CapturedAt time.Time
	Payload    Payload
}

type Store struct {
	qry    *db.Queries
	makeTx db.MakeTx
	tel    telemetry.API

	// serializes appends across writers
	appendLock sync.Mutex
	trends     *singleflight.Group

	trendLock sync.Mutex
	// in flight trend keys per target, forgotten on append
	trendKeys map[int64]map[string]int
}

func NewStore(qry *db.Queries, makeTx db.MakeTx, tel telemetry.API) *Store {
	assert.NotNil(qry)
	assert.NotNil(makeTx)
	assert.NotNil(tel)

	return &Store{
		qry:    qry,
		makeTx: makeTx,
		tel:    telemetry.NewScopedAPI("snapshot", tel),
		trends: &singleflight.Group{},

		trendKeys: map[int64]map[string]int{},
	}
}

func (s *Store) decode(row db.Snapshot) (Snapshot, error) {
	var payload Payload
	err := json.Unmarshal([]byte(row.Payload), &payload)
	if err != nil {
		s.tel.ReportBroken(report_decode, err, row.TargetID, row.CapturedAt)
		return Snapshot{}, err
	}
	return Snapshot{
		TargetID:   row.TargetID,
		CapturedAt: time.Unix(0, row.CapturedAt),
		Payload:    payload,
	}, nil
}

func (s *Store) decodeAll(rows []db.Snapshot) ([]Snapshot, error) {
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Append stores a snapshot. Snapshots of a target are strictly increasing in
// CapturedAt, anything else is rejected with ErrOutOfOrder.
func (s *Store) Append(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap.Payload)
	if err != nil {
		return err
	}

	s.appendLock.Lock()
	defer s.appendLock.Unlock()

	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		s.tel.ReportBroken(report_db_query, fmt.Errorf("make tx: %w", err))
		return err
	}
	defer discard()

	capturedAt := snap.CapturedAt.UnixNano()

	latest, err := tx.GetLatestSnapshot(ctx, snap.TargetID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.tel.ReportBroken(report_db_query, err, "GetLatestSnapshot", snap.TargetID)
		return err
	}
	if err == nil && capturedAt <= latest.CapturedAt {
		s.tel.ReportWarning(
			report_append,
			ErrOutOfOrder,
			snap.TargetID,
			snap.CapturedAt.Format(time.RFC3339Nano),
			time.Unix(0, latest.CapturedAt).Format(time.RFC3339Nano),
		)
		return fmt.Errorf("%w: target %d", ErrOutOfOrder, snap.TargetID)
	}

	err = tx.InsertSnapshot(ctx, db.Snapshot{
		TargetID:   snap.TargetID,
		CapturedAt: capturedAt,
		Payload:    string(payload),
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "InsertSnapshot", snap.TargetID)
		return err
	}

	err = commit()
	if err != nil {
		s.tel.ReportBroken(report_db_query, fmt.Errorf("commit: %w", err))
		return err
	}
	s.forgetTrends(snap.TargetID)
	return nil
}

func (s *Store) Latest(ctx context.Context, targetID int64) (Snapshot, error) {
	row, err := s.qry.GetLatestSnapshot(ctx, targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrNoSnapshots, targetID)
	}
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "GetLatestSnapshot", targetID)
		return Snapshot{}, err
	}
	return s.decode(row)
}

// History returns the snapshots captured at or after since, oldest first.
func (s *Store) History(ctx context.Context, targetID int64, since time.Time) ([]Snapshot, error) {
	rows, err := s.qry.GetSnapshotsSince(ctx, targetID, since.UnixNano())
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "GetSnapshotsSince", targetID)
		return nil, err
	}
	return s.decodeAll(rows)
}

type FieldDelta struct {
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
}

type Diff struct {
	TargetID int64                 `json:"target_id"`
	From     time.Time             `json:"from"`
	To       time.Time             `json:"to"`
	Elapsed  time.Duration         `json:"elapsed_ns"`
	Fields   map[string]FieldDelta `json:"fields"`
}

// Diff compares the two most recent snapshots of a target.
func (s *Store) Diff(ctx context.Context, targetID int64) (Diff, error) {
	rows, err := s.qry.GetLatestSnapshots(ctx, targetID, 2)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "GetLatestSnapshots", targetID)
		return Diff{}, err
	}
	if len(rows) < 2 {
		return Diff{}, fmt.Errorf("%w: target %d has %d snapshot(s)", ErrInsufficientHistory, targetID, len(rows))
	}
	snaps, err := s.decodeAll(rows)
	if err != nil {
		return Diff{}, err
	}
	return Compare(snaps[1], snaps[0]), nil
}

// Compare diffs the numeric fields both snapshots share.
func Compare(previous, current Snapshot) Diff {
	out := Diff{
		TargetID: current.TargetID,
		From:     previous.CapturedAt,
		To:       current.CapturedAt,
		Elapsed:  current.CapturedAt.Sub(previous.CapturedAt),
		Fields:   map[string]FieldDelta{},
	}
	for name, now := range current.Payload.Metrics {
		before, ok := previous.Payload.Metrics[name]
		if !ok {
			continue
		}
		out.Fields[name] = FieldDelta{
			Previous: before,
			Current:  now,
			Delta:    now - before,
		}
	}
	return out
}

// FieldNames returns the diffed fields in a stable order.
func (d Diff) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Trend struct {
	Diff     *Diff    `json:"diff"`
	Analysis Analysis `json:"analysis"`
	// Message explains a missing diff.
	Message string `json:"message,omitempty"`
}

func trendKey(targetID int64, kind string, since time.Time) string {
	return fmt.Sprintf("%d/%s/%d", targetID, kind, since.Unix())
}

// trackTrend registers key as in flight for targetID until release is called.
func (s *Store) trackTrend(targetID int64, key string) (release func()) {
	s.trendLock.Lock()
	defer s.trendLock.Unlock()
	keys := s.trendKeys[targetID]
	if keys == nil {
		keys = map[string]int{}
		s.trendKeys[targetID] = keys
	}
	keys[key]++

	return func() {
		s.trendLock.Lock()
		defer s.trendLock.Unlock()
		keys[key]--
		if keys[key] <= 0 {
			delete(keys, key)
		}
		if len(keys) == 0 {
			delete(s.trendKeys, targetID)
		}
	}
}

// forgetTrends makes later Trend calls for targetID recompute instead of
// joining a computation that started before the newest snapshot.
func (s *Store) forgetTrends(targetID int64) {
	s.trendLock.Lock()
	defer s.trendLock.Unlock()
	for key := range s.trendKeys[targetID] {
		s.trends.Forget(key)
	}
}

// Trend diffs the latest two snapshots and analyzes the history within
// window. Concurrent callers asking the same question share one computation.
func (s *Store) Trend(ctx context.Context, targetID int64, kind string, window time.Duration, now time.Time) (Trend, error) {
	since := now.Add(-window)
	key := trendKey(targetID, kind, since)
	release := s.trackTrend(targetID, key)
	defer release()

	res, err, _ := s.trends.Do(key, func() (any, error) {
		out := Trend{}

		diff, err := s.Diff(ctx, targetID)
		switch {
		case errors.Is(err, ErrInsufficientHistory):
			out.Message = "insufficient history, at least two snapshots are required"
		case err != nil:
			return nil, err
		default:
			out.Diff = &diff
		}

		history, err := s.History(ctx, targetID, since)
		if err != nil {
			return nil, err
		}
		out.Analysis = Analyze(kind, history)
		return out, nil
	})
	if err != nil {
		return Trend{}, err
	}
	return res.(Trend), nil
}
