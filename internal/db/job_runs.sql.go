package db

import (
	"context"
)

const insertJobRun = `-- name: InsertJobRun :one
insert into job_runs(target_id, started_at, finished_at, outcome, detail)
values (?, ?, ?, ?, ?)
returning id
`

type InsertJobRunParams struct {
	TargetID   int64
	StartedAt  int64
	FinishedAt int64
	Outcome    string
	Detail     string
}

func (q *Queries) InsertJobRun(ctx context.Context, arg InsertJobRunParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, insertJobRun,
		arg.TargetID,
		arg.StartedAt,
		arg.FinishedAt,
		arg.Outcome,
		arg.Detail,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const getJobRuns = `-- name: GetJobRuns :many
select id, target_id, started_at, finished_at, outcome, detail from job_runs
where target_id = ?
order by started_at desc, id desc
limit ?
`

func (q *Queries) GetJobRuns(ctx context.Context, targetID, limit int64) ([]JobRun, error) {
	rows, err := q.db.QueryContext(ctx, getJobRuns, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []JobRun
	for rows.Next() {
		var i JobRun
		if err := rows.Scan(
			&i.ID,
			&i.TargetID,
			&i.StartedAt,
			&i.FinishedAt,
			&i.Outcome,
			&i.Detail,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
