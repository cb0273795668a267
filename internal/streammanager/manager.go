package streammanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"flvrelay/internal/metrics"
	"flvrelay/internal/session"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamInUse    = errors.New("stream still has subscribers")
)

// MissingStreamPolicy decides what happens when a viewer asks for a stream
// that has no publisher.
type MissingStreamPolicy string

const (
	// PolicyWait creates the session and lets the viewer wait for a publisher.
	PolicyWait MissingStreamPolicy = "wait"
	// PolicyReject fails the request with ErrStreamNotFound.
	PolicyReject MissingStreamPolicy = "reject"
)

// Option configures a Manager.
type Option func(*Manager)

// WithMissingStreamPolicy sets the policy for viewers of unpublished streams.
func WithMissingStreamPolicy(p MissingStreamPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// Manager is the registry of stream sessions keyed by stream name
type Manager struct {
	cfg     session.Config
	policy  MissingStreamPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics

	streams map[string]*session.Session // stream name -> Session
	mu      sync.RWMutex
}

// New creates a new stream manager
func New(cfg session.Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	mgr := &Manager{
		cfg:     cfg,
		policy:  PolicyWait,
		logger:  logger.With("component", "streammanager"),
		metrics: m,
		streams: make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Policy returns the missing stream policy in effect
func (m *Manager) Policy() MissingStreamPolicy {
	return m.policy
}

// SessionConfig returns the configuration new sessions are created with
func (m *Manager) SessionConfig() session.Config {
	return m.cfg
}

// GetOrCreate returns the session for name, creating it if needed
func (m *Manager) GetOrCreate(name string) *session.Session {
	m.mu.RLock()
	sess, exists := m.streams[name]
	m.mu.RUnlock()
	if exists {
		return sess
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// another goroutine may have created it in between
	if sess, exists := m.streams[name]; exists {
		return sess
	}

	sess = session.New(name, m.cfg,
		session.WithLogger(m.logger),
		session.WithMetrics(m.metrics),
		session.WithIdleHandler(m.removeIfIdle),
	)
	m.streams[name] = sess
	m.metrics.RecordStreamCreated()
	m.logger.Info("stream created", "stream", name, "streams", len(m.streams))
	return sess
}

// Get retrieves a session by name
func (m *Manager) Get(name string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, exists := m.streams[name]
	return sess, exists
}

// Remove deletes an idle session from the registry. It fails while viewers
// are still subscribed.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.streams[name]
	if !exists {
		return fmt.Errorf("stream %s: %w", name, ErrStreamNotFound)
	}
	if !sess.CloseIfNoSubscribers() {
		return fmt.Errorf("stream %s: %w", name, ErrStreamInUse)
	}

	delete(m.streams, name)
	m.metrics.RecordStreamRemoved("removed")
	m.logger.Info("stream removed", "stream", name, "reason", "removed")
	return nil
}

// Teardown removes a session and disconnects its publisher and viewers.
// It is used for fatal ingest errors and operator stops.
func (m *Manager) Teardown(name string, cause error) error {
	m.mu.Lock()
	sess, exists := m.streams[name]
	if exists {
		delete(m.streams, name)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("stream %s: %w", name, ErrStreamNotFound)
	}

	m.metrics.RecordStreamRemoved("teardown")
	m.logger.Warn("stream torn down", "stream", name, "cause", cause)
	return sess.Close(cause)
}

// TeardownSession closes sess and removes it from the registry if it is
// still the session registered under its name. A publisher that failed must
// use this rather than Teardown so a newer session for the same name is
// left alone.
func (m *Manager) TeardownSession(sess *session.Session, cause error) error {
	name := sess.Name()

	m.mu.Lock()
	current, exists := m.streams[name]
	registered := exists && current == sess
	if registered {
		delete(m.streams, name)
	}
	m.mu.Unlock()

	if registered {
		m.metrics.RecordStreamRemoved("teardown")
	}
	m.logger.Warn("stream torn down", "stream", name, "cause", cause, "registered", registered)
	return sess.Close(cause)
}

// removeIfIdle is the sessions' idle callback. The registry lock is taken
// before the session lock, matching every other path.
func (m *Manager) removeIfIdle(sess *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := sess.Name()
	if m.streams[name] != sess {
		return
	}
	if !sess.CloseIfIdle() {
		return
	}

	delete(m.streams, name)
	m.metrics.RecordStreamRemoved("idle")
	m.logger.Info("stream removed", "stream", name, "reason", "idle")
}

// Publish claims the session for name on behalf of a new publisher
func (m *Manager) Publish(name string) (*session.Session, string, error) {
	for {
		sess := m.GetOrCreate(name)
		id, err := sess.BeginPublish()
		if errors.Is(err, session.ErrSessionClosed) {
			// lost a race with idle removal; the next lookup creates a fresh session
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("publish %s: %w", name, err)
		}
		return sess, id, nil
	}
}

// Subscribe attaches sink to the session for name, applying the missing
// stream policy
func (m *Manager) Subscribe(name string, sink session.Sink) (*session.Session, error) {
	for {
		var sess *session.Session
		if m.policy == PolicyReject {
			existing, ok := m.Get(name)
			if !ok || !existing.Publishing() {
				return nil, fmt.Errorf("stream %s: %w", name, ErrStreamNotFound)
			}
			sess = existing
		} else {
			sess = m.GetOrCreate(name)
		}

		err := sess.AddSubscriber(sink)
		if errors.Is(err, session.ErrSessionClosed) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
		return sess, nil
	}
}

// List returns a snapshot of all sessions sorted by name
func (m *Manager) List() []*session.Session {
	m.mu.RLock()
	sessions := make([]*session.Session, 0, len(m.streams))
	for _, sess := range m.streams {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Name() < sessions[j].Name()
	})
	return sessions
}

// Count returns the number of registered sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// LiveCount returns the number of sessions with an active publisher
func (m *Manager) LiveCount() int {
	count := 0
	for _, sess := range m.List() {
		if sess.Publishing() {
			count++
		}
	}
	return count
}

// Close tears down every session, used on shutdown
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := m.streams
	m.streams = make(map[string]*session.Session)
	m.mu.Unlock()

	var result *multierror.Error
	for name, sess := range sessions {
		m.metrics.RecordStreamRemoved("shutdown")
		if err := sess.Close(nil); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}
