package login

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
	"trendwatch/internal/components/assert"
	"trendwatch/internal/components/chrono"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/credential"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	report_session_open    = "session.open"
	report_session_poll    = "session.poll"
	report_session_confirm = "session.confirm"
	report_session_close   = "session.close"
)

type State string

const (
	StatePending     State = "pending"
	StateWaitingScan State = "waiting_scan"
	StateConfirmed   State = "confirmed"
	StateExpired     State = "expired"
	StateCancelled   State = "cancelled"
	StateError       State = "error"
)

func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateExpired, StateCancelled, StateError:
		return true
	}
	return false
}

var (
	ErrLoginExpired   = errors.New("login session expired")
	ErrLoginCancelled = errors.New("login session cancelled")
)

// Browser is a controlled browser sitting on the platform login surface.
type Browser interface {
	// Open navigates to the login surface and returns the QR code as an image.
	Open(ctx context.Context) ([]byte, error)
	// Poll reports whether the scan was confirmed, the cookie string is only
	// set when it was.
	Poll(ctx context.Context) (cookie string, confirmed bool, err error)
	Close() error
}

// Launcher starts a fresh browser per session.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

type Config struct {
	QRLifetime   time.Duration
	PollInterval time.Duration
	OpenTimeout  time.Duration
	// Retention is how long finished sessions stay queryable.
	Retention time.Duration
}

func (c *Config) defaults() {
	if c.QRLifetime <= 0 {
		c.QRLifetime = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 15 * time.Minute
	}
}

// Status is a point in time view of a session.
type Status struct {
	SessionID string
	State     State
	CreatedAt time.Time
	// QRImage is a base64 png, only present while waiting for the scan.
	QRImage string
	Message string
}

type session struct {
	id        string
	createdAt time.Time

	mutex   sync.Mutex
	state   State
	qr      []byte
	message string

	browser Browser
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *session) status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := Status{
		SessionID: s.id,
		State:     s.state,
		CreatedAt: s.createdAt,
		Message:   s.message,
	}
	if s.state == StateWaitingScan && len(s.qr) > 0 {
		out.QRImage = base64.StdEncoding.EncodeToString(s.qr)
	}
	return out
}

// Manager owns the interactive login sessions of the process. At most one
// session is active, starting a new one cancels the previous.
type Manager struct {
	store    *credential.Store
	launcher Launcher
	clock    chrono.API
	tel      telemetry.API
	config   Config

	mutex    sync.Mutex
	active   *session
	finished *expirable.LRU[string, Status]
}

func NewManager(store *credential.Store, launcher Launcher, clock chrono.API, tel telemetry.API, config Config) *Manager {
	assert.NotNil(store)
	assert.NotNil(launcher)
	assert.NotNil(clock)
	assert.NotNil(tel)

	config.defaults()
	return &Manager{
		store:    store,
		launcher: launcher,
		clock:    clock,
		tel:      telemetry.NewScopedAPI("login", tel),
		config:   config,
		finished: expirable.NewLRU[string, Status](256, nil, config.Retention),
	}
}

var stateMessages = map[State]string{
	StatePending:     "starting browser",
	StateWaitingScan: "scan the QR code with the mobile app and confirm the login",
	StateConfirmed:   "login succeeded, credential saved",
	StateExpired:     "QR code expired, start a new login session",
	StateCancelled:   "login cancelled",
}

// Start opens a new session and blocks until the QR code is available.
func (m *Manager) Start(ctx context.Context) (Status, error) {
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:        uuid.NewString(),
		createdAt: m.clock.Now(),
		state:     StatePending,
		message:   stateMessages[StatePending],
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mutex.Lock()
	previous := m.active
	m.active = sess
	m.mutex.Unlock()
	if previous != nil {
		m.finish(previous, StateCancelled, "superseded by a new login session")
	}

	openCtx, cancelOpen := context.WithTimeout(ctx, m.config.OpenTimeout)
	defer cancelOpen()

	browser, err := m.launcher.Launch(sessCtx)
	if err != nil {
		m.tel.ReportBroken(report_session_open, err)
		m.finish(sess, StateError, fmt.Sprintf("failed to start browser: %s", err))
		close(sess.done)
		return sess.status(), fmt.Errorf("start login session: %w", err)
	}
	sess.mutex.Lock()
	if sess.state.Terminal() {
		// finish already ran and could not see this browser
		sess.mutex.Unlock()
		m.closeBrowser(sess, browser)
		close(sess.done)
		return sess.status(), ErrLoginCancelled
	}
	sess.browser = browser
	sess.mutex.Unlock()

	qr, err := browser.Open(openCtx)
	if err != nil {
		m.tel.ReportBroken(report_session_open, err)
		m.finish(sess, StateError, fmt.Sprintf("failed to load the QR code: %s", err))
		close(sess.done)
		return sess.status(), fmt.Errorf("start login session: %w", err)
	}

	sess.mutex.Lock()
	if sess.state.Terminal() {
		// cancelled or superseded while the browser was opening
		leftover := sess.browser
		sess.browser = nil
		sess.mutex.Unlock()
		cancel()
		if leftover != nil {
			m.closeBrowser(sess, leftover)
		}
		close(sess.done)
		return sess.status(), ErrLoginCancelled
	}
	sess.state = StateWaitingScan
	sess.qr = qr
	sess.message = stateMessages[StateWaitingScan]
	sess.mutex.Unlock()

	go m.poll(sessCtx, sess, browser)
	return sess.status(), nil
}

func (m *Manager) poll(ctx context.Context, sess *session, browser Browser) {
	defer close(sess.done)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	expiry := time.NewTimer(m.config.QRLifetime)
	defer expiry.Stop()

	for {
		select {
		case <-ticker.C:
			cookie, confirmed, err := browser.Poll(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				m.tel.ReportWarning(report_session_poll, sess.id, err)
				m.finish(sess, StateError, fmt.Sprintf("browser failed: %s", err))
				return
			}
			if confirmed {
				m.confirm(sess, cookie)
				return
			}
		case <-expiry.C:
			m.finish(sess, StateExpired, "")
			return
		case <-ctx.Done():
			return
		}
	}
}

// confirm writes the credential only while the session is still waiting for
// the scan. The write happens under the session lock so a concurrent cancel
// either wins before it or observes a confirmed session.
func (m *Manager) confirm(sess *session, cookie string) {
	sess.mutex.Lock()
	if sess.state != StateWaitingScan {
		sess.mutex.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err := m.store.Set(ctx, cookie, credential.SourceInteractiveLogin)
	cancel()
	if err != nil {
		sess.mutex.Unlock()
		m.tel.ReportBroken(report_session_confirm, sess.id, err)
		m.finish(sess, StateError, fmt.Sprintf("failed to save credential: %s", err))
		return
	}
	sess.state = StateConfirmed
	sess.message = stateMessages[StateConfirmed]
	sess.mutex.Unlock()

	m.finish(sess, StateConfirmed, "")
}

// finish moves the session into a terminal state, tears the browser down
// and archives the session. Already terminal sessions keep their state.
func (m *Manager) finish(sess *session, state State, message string) {
	sess.mutex.Lock()
	if !sess.state.Terminal() {
		sess.state = state
		if message == "" {
			message = stateMessages[state]
		}
		sess.message = message
	}
	browser := sess.browser
	sess.browser = nil
	cancel := sess.cancel
	sess.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if browser != nil {
		m.closeBrowser(sess, browser)
	}

	m.mutex.Lock()
	if m.active == sess {
		m.active = nil
	}
	m.finished.Add(sess.id, sess.status())
	m.mutex.Unlock()
}

func (m *Manager) closeBrowser(sess *session, browser Browser) {
	err := browser.Close()
	if err != nil {
		m.tel.ReportWarning(report_session_close, sess.id, err)
	}
}

// Status never touches the browser.
func (m *Manager) Status(id string) Status {
	m.mutex.Lock()
	active := m.active
	m.mutex.Unlock()
	if active != nil && active.id == id {
		return active.status()
	}

	if status, ok := m.finished.Get(id); ok {
		return status
	}
	return Status{
		SessionID: id,
		State:     StateExpired,
		Message:   "session not found or expired",
	}
}

// Cancel stops an active session. Cancelling a finished session is a no-op
// that reports its final state.
func (m *Manager) Cancel(id string) (Status, error) {
	m.mutex.Lock()
	active := m.active
	m.mutex.Unlock()

	if active == nil || active.id != id {
		status := m.Status(id)
		return status, fmt.Errorf("login session %s is not active: %s", id, status.State)
	}

	m.finish(active, StateCancelled, "")
	return active.status(), nil
}

// Close cancels the active session, if any.
func (m *Manager) Close() {
	m.mutex.Lock()
	active := m.active
	m.mutex.Unlock()
	if active != nil {
		m.finish(active, StateCancelled, "")
	}
}

// Wait blocks until the session's poller exits or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	m.mutex.Lock()
	active := m.active
	m.mutex.Unlock()
	if active != nil && active.id == id {
		select {
		case <-active.done:
		case <-ctx.Done():
			return active.status(), ctx.Err()
		}
	}

	status := m.Status(id)
	switch status.State {
	case StateExpired:
		return status, ErrLoginExpired
	case StateCancelled:
		return status, ErrLoginCancelled
	case StateError:
		return status, errors.New(status.Message)
	}
	return status, nil
}
