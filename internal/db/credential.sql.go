package db

import (
	"context"
)

const putCredential = `-- name: PutCredential :exec
insert into credential(id, token, source, acquired_at, valid) values (1, ?, ?, ?, ?)
on conflict (id) do update set
    token = excluded.token,
    source = excluded.source,
    acquired_at = excluded.acquired_at,
    valid = excluded.valid
`

func (q *Queries) PutCredential(ctx context.Context, arg Credential) error {
	_, err := q.db.ExecContext(ctx, putCredential,
		arg.Token,
		arg.Source,
		arg.AcquiredAt,
		arg.Valid,
	)
	return err
}

const getCredential = `-- name: GetCredential :one
select token, source, acquired_at, valid from credential where id = 1
`

func (q *Queries) GetCredential(ctx context.Context) (Credential, error) {
	row := q.db.QueryRowContext(ctx, getCredential)
	var i Credential
	err := row.Scan(
		&i.Token,
		&i.Source,
		&i.AcquiredAt,
		&i.Valid,
	)
	return i, err
}

const invalidateCredential = `-- name: InvalidateCredential :exec
update credential set valid = 0 where id = 1 and acquired_at = ?
`

// InvalidateCredential only touches the row if it still holds the credential
// acquired at the given time, a newer credential is left alone.
func (q *Queries) InvalidateCredential(ctx context.Context, acquiredAt int64) error {
	_, err := q.db.ExecContext(ctx, invalidateCredential, acquiredAt)
	return err
}
