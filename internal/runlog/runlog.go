package runlog

import (
	"context"
	"time"
	"trendwatch/internal/components/assert"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/db"
)

const report_db_query = "db.query"

const (
	DefaultPage = 20
	MaxPage     = 100
)

// Run is one finished collection job.
type Run struct {
	ID         int64     `json:"id"`
	TargetID   int64     `json:"target_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail"`
}

func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Log is the append only job run log.
type Log struct {
	qry *db.Queries
	tel telemetry.API
}

func NewLog(qry *db.Queries, tel telemetry.API) Log {
	assert.NotNil(qry)
	assert.NotNil(tel)
	return Log{
		qry: qry,
		tel: telemetry.NewScopedAPI("runlog", tel),
	}
}

func (l Log) Record(ctx context.Context, run Run) (Run, error) {
	id, err := l.qry.InsertJobRun(ctx, db.InsertJobRunParams{
		TargetID:   run.TargetID,
		StartedAt:  run.StartedAt.UnixNano(),
		FinishedAt: run.FinishedAt.UnixNano(),
		Outcome:    run.Outcome,
		Detail:     run.Detail,
	})
	if err != nil {
		l.tel.ReportBroken(report_db_query, err, "InsertJobRun", run.TargetID)
		return Run{}, err
	}
	run.ID = id
	return run, nil
}

// ClampPage bounds a requested page size to (0, MaxPage].
func ClampPage(limit int) int {
	if limit <= 0 {
		return DefaultPage
	}
	if limit > MaxPage {
		return MaxPage
	}
	return limit
}

// List returns the newest runs of a target first.
func (l Log) List(ctx context.Context, targetID int64, limit int) ([]Run, error) {
	rows, err := l.qry.GetJobRuns(ctx, targetID, int64(ClampPage(limit)))
	if err != nil {
		l.tel.ReportBroken(report_db_query, err, "GetJobRuns", targetID)
		return nil, err
	}
	out := make([]Run, 0, len(rows))
	for _, row := range rows {
		out = append(out, Run{
			ID:         row.ID,
			TargetID:   row.TargetID,
			StartedAt:  time.Unix(0, row.StartedAt),
			FinishedAt: time.Unix(0, row.FinishedAt),
			Outcome:    row.Outcome,
			Detail:     row.Detail,
		})
	}
	return out, nil
}
