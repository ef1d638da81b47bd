package db

import "database/sql"

// All timestamps are unix nanoseconds.

type Credential struct {
	Token      string
	Source     string
	AcquiredAt int64
	Valid      bool
}

type Target struct {
	ID              int64
	Kind            string
	ExternalID      string
	DisplayName     string
	IntervalSeconds int64
	Active          bool
	NotifyThreshold sql.NullFloat64
	BackoffLevel    int64
	CreatedAt       int64
	LastRunAt       sql.NullInt64
	NextRunAt       int64
}

type Snapshot struct {
	TargetID   int64
	CapturedAt int64
	Payload    string
}

type JobRun struct {
	ID         int64
	TargetID   int64
	StartedAt  int64
	FinishedAt int64
	Outcome    string
	Detail     string
}
