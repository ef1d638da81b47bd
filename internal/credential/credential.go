package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"trendwatch/internal/components/assert"
	"trendwatch/internal/components/chrono"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/db"
)

const (
	report_db_query         = "db.query"
	report_store_invalidate = "store.invalidate"
)

type Source string

const (
	SourceManualPaste      Source = "manual-paste"
	SourceInteractiveLogin Source = "interactive-login"
)

var ErrEmptyToken = errors.New("credential token is empty")

// Credential is the platform session cookie string plus bookkeeping.
type Credential struct {
	Token      string
	AcquiredAt time.Time
	Source     Source
	Valid      bool
}

type EventKind int

const (
	EventSet EventKind = iota
	EventInvalidated
)

type Event struct {
	Kind       EventKind
	Credential Credential
}

// Store holds the single active credential of the process. Readers never
// block, writes are serialized and persisted before they become visible.
type Store struct {
	qry   *db.Queries
	clock chrono.API
	tel   telemetry.API

	writeLock sync.Mutex
	current   atomic.Pointer[Credential]

	listenerLock sync.Mutex
	listeners    []func(Event)
}

func NewStore(qry *db.Queries, clock chrono.API, tel telemetry.API) *Store {
	assert.NotNil(qry)
	assert.NotNil(clock)
	assert.NotNil(tel)

	return &Store{
		qry:   qry,
		clock: clock,
		tel:   telemetry.NewScopedAPI("credential", tel),
	}
}

// Load restores the persisted credential, it is a no-op when none was saved.
func (s *Store) Load(ctx context.Context) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	row, err := s.qry.GetCredential(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "GetCredential")
		return fmt.Errorf("load credential: %w", err)
	}

	s.current.Store(&Credential{
		Token:      row.Token,
		AcquiredAt: time.Unix(0, row.AcquiredAt),
		Source:     Source(row.Source),
		Valid:      row.Valid,
	})
	return nil
}

// Set replaces the active credential.
func (s *Store) Set(ctx context.Context, token string, source Source) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, ErrEmptyToken
	}

	s.writeLock.Lock()
	now := s.clock.Now()
	if prev := s.current.Load(); prev != nil && !now.After(prev.AcquiredAt) {
		// keep acquired_at unique so stale invalidations cannot match
		now = prev.AcquiredAt.Add(time.Nanosecond)
	}
	cred := Credential{
		Token:      token,
		AcquiredAt: now,
		Source:     source,
		Valid:      true,
	}
	err := s.qry.PutCredential(ctx, db.Credential{
		Token:      cred.Token,
		Source:     string(cred.Source),
		AcquiredAt: cred.AcquiredAt.UnixNano(),
		Valid:      true,
	})
	if err != nil {
		s.writeLock.Unlock()
		s.tel.ReportBroken(report_db_query, err, "PutCredential")
		return Credential{}, fmt.Errorf("persist credential: %w", err)
	}
	s.current.Store(&cred)
	s.writeLock.Unlock()

	s.emit(Event{Kind: EventSet, Credential: cred})
	return cred, nil
}

// Get returns the active credential whether or not it is still valid.
func (s *Store) Get() (Credential, bool) {
	cred := s.current.Load()
	if cred == nil {
		return Credential{}, false
	}
	return *cred, true
}

// Valid returns the active credential only if it is usable.
func (s *Store) Valid() (Credential, bool) {
	cred := s.current.Load()
	if cred == nil || !cred.Valid {
		return Credential{}, false
	}
	return *cred, true
}

func (s *Store) IsValid() bool {
	_, ok := s.Valid()
	return ok
}

// Invalidate marks the active credential invalid. Calling it again is a no-op.
func (s *Store) Invalidate(ctx context.Context) error {
	cred := s.current.Load()
	if cred == nil {
		return nil
	}
	return s.InvalidateIfCurrent(ctx, cred.AcquiredAt)
}

// InvalidateIfCurrent invalidates the active credential only if it is the one
// acquired at the given time. Requests that observed an older credential
// must not invalidate a fresh one written in the meantime.
func (s *Store) InvalidateIfCurrent(ctx context.Context, acquiredAt time.Time) error {
	s.writeLock.Lock()
	cred := s.current.Load()
	if cred == nil || !cred.Valid || !cred.AcquiredAt.Equal(acquiredAt) {
		s.writeLock.Unlock()
		return nil
	}

	invalid := *cred
	invalid.Valid = false
	// the in-memory state flips even if persisting fails so that no
	// further request goes out with the rejected cookie
	s.current.Store(&invalid)
	err := s.qry.InvalidateCredential(ctx, cred.AcquiredAt.UnixNano())
	s.writeLock.Unlock()

	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "InvalidateCredential")
	}
	s.tel.ReportWarning(report_store_invalidate, string(invalid.Source), invalid.AcquiredAt)
	s.emit(Event{Kind: EventInvalidated, Credential: invalid})
	return err
}

// Subscribe registers a callback that is invoked after every Set and every
// effective invalidation.
func (s *Store) Subscribe(fn func(Event)) {
	s.listenerLock.Lock()
	defer s.listenerLock.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) emit(event Event) {
	s.listenerLock.Lock()
	listeners := append([]func(Event){}, s.listeners...)
	s.listenerLock.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// Preview masks a token so it can be shown to an operator.
func Preview(token string) string {
	if token == "" {
		return ""
	}
	if len(token) > 50 {
		return token[:20] + "..." + token[len(token)-20:]
	}
	if len(token) > 10 {
		return token[:10] + "..."
	}
	return "..."
}
