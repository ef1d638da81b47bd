package db

import (
	"context"
)

const insertSnapshot = `-- name: InsertSnapshot :exec
insert into snapshots(target_id, captured_at, payload) values (?, ?, ?)
`

func (q *Queries) InsertSnapshot(ctx context.Context, arg Snapshot) error {
	_, err := q.db.ExecContext(ctx, insertSnapshot, arg.TargetID, arg.CapturedAt, arg.Payload)
	return err
}

const getLatestSnapshot = `-- name: GetLatestSnapshot :one
select target_id, captured_at, payload from snapshots
where target_id = ?
order by captured_at desc
limit 1
`

func (q *Queries) GetLatestSnapshot(ctx context.Context, targetID int64) (Snapshot, error) {
	row := q.db.QueryRowContext(ctx, getLatestSnapshot, targetID)
	var i Snapshot
	err := row.Scan(&i.TargetID, &i.CapturedAt, &i.Payload)
	return i, err
}

const getLatestSnapshots = `-- name: GetLatestSnapshots :many
select target_id, captured_at, payload from snapshots
where target_id = ?
order by captured_at desc
limit ?
`

// GetLatestSnapshots returns the newest `limit` snapshots, newest first.
func (q *Queries) GetLatestSnapshots(ctx context.Context, targetID, limit int64) ([]Snapshot, error) {
	rows, err := q.db.QueryContext(ctx, getLatestSnapshots, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Snapshot
	for rows.Next() {
		var i Snapshot
		if err := rows.Scan(&i.TargetID, &i.CapturedAt, &i.Payload); err != nil {
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

const getSnapshotsSince = `-- name: GetSnapshotsSince :many
select target_id, captured_at, payload from snapshots
where target_id = ? and captured_at >= ?
order by captured_at asc
`

func (q *Queries) GetSnapshotsSince(ctx context.Context, targetID, since int64) ([]Snapshot, error) {
	rows, err := q.db.QueryContext(ctx, getSnapshotsSince, targetID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Snapshot
	for rows.Next() {
		var i Snapshot
		if err := rows.Scan(&i.TargetID, &i.CapturedAt, &i.Payload); err != nil {
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
