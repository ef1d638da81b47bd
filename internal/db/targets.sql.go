package db

import (
	"context"
	"database/sql"
)

const targetColumns = `id, kind, external_id, display_name, interval_seconds, active, notify_threshold, backoff_level, created_at, last_run_at, next_run_at`

func scanTarget(row interface{ Scan(...any) error }) (Target, error) {
	var i Target
	err := row.Scan(
		&i.ID,
		&i.Kind,
		&i.ExternalID,
		&i.DisplayName,
		&i.IntervalSeconds,
		&i.Active,
		&i.NotifyThreshold,
		&i.BackoffLevel,
		&i.CreatedAt,
		&i.LastRunAt,
		&i.NextRunAt,
	)
	return i, err
}

func scanTargets(rows *sql.Rows) ([]Target, error) {
	defer rows.Close()
	var items []Target
	for rows.Next() {
		i, err := scanTarget(rows)
		if err != nil {
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

const createTarget = `-- name: CreateTarget :one
insert into targets(kind, external_id, display_name, interval_seconds, active, notify_threshold, created_at, next_run_at)
values (?, ?, ?, ?, ?, ?, ?, ?)
returning ` + targetColumns

type CreateTargetParams struct {
	Kind            string
	ExternalID      string
	DisplayName     string
	IntervalSeconds int64
	Active          bool
	NotifyThreshold sql.NullFloat64
	CreatedAt       int64
	NextRunAt       int64
}

func (q *Queries) CreateTarget(ctx context.Context, arg CreateTargetParams) (Target, error) {
	row := q.db.QueryRowContext(ctx, createTarget,
		arg.Kind,
		arg.ExternalID,
		arg.DisplayName,
		arg.IntervalSeconds,
		arg.Active,
		arg.NotifyThreshold,
		arg.CreatedAt,
		arg.NextRunAt,
	)
	return scanTarget(row)
}

const getTarget = `-- name: GetTarget :one
select ` + targetColumns + ` from targets where id = ?
`

func (q *Queries) GetTarget(ctx context.Context, id int64) (Target, error) {
	return scanTarget(q.db.QueryRowContext(ctx, getTarget, id))
}

const listTargets = `-- name: ListTargets :many
select ` + targetColumns + ` from targets order by id
`

func (q *Queries) ListTargets(ctx context.Context) ([]Target, error) {
	rows, err := q.db.QueryContext(ctx, listTargets)
	if err != nil {
		return nil, err
	}
	return scanTargets(rows)
}

const getDueTargets = `-- name: GetDueTargets :many
select ` + targetColumns + ` from targets
where active = 1 and next_run_at <= ?
order by next_run_at
`

func (q *Queries) GetDueTargets(ctx context.Context, now int64) ([]Target, error) {
	rows, err := q.db.QueryContext(ctx, getDueTargets, now)
	if err != nil {
		return nil, err
	}
	return scanTargets(rows)
}

const updateTarget = `-- name: UpdateTarget :execrows
update targets set
    display_name = ?,
    interval_seconds = ?,
    active = ?,
    notify_threshold = ?,
    next_run_at = ?
where id = ?
`

type UpdateTargetParams struct {
	DisplayName     string
	IntervalSeconds int64
	Active          bool
	NotifyThreshold sql.NullFloat64
	NextRunAt       int64
	ID              int64
}

func (q *Queries) UpdateTarget(ctx context.Context, arg UpdateTargetParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, updateTarget,
		arg.DisplayName,
		arg.IntervalSeconds,
		arg.Active,
		arg.NotifyThreshold,
		arg.NextRunAt,
		arg.ID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const recordTargetRun = `-- name: RecordTargetRun :execrows
update targets set
    last_run_at = ?,
    next_run_at = ?,
    backoff_level = ?
where id = ?
`

type RecordTargetRunParams struct {
	LastRunAt    int64
	NextRunAt    int64
	BackoffLevel int64
	ID           int64
}

func (q *Queries) RecordTargetRun(ctx context.Context, arg RecordTargetRunParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, recordTargetRun,
		arg.LastRunAt,
		arg.NextRunAt,
		arg.BackoffLevel,
		arg.ID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deleteTarget = `-- name: DeleteTarget :execrows
delete from targets where id = ?
`

func (q *Queries) DeleteTarget(ctx context.Context, id int64) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteTarget, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
