package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type sessionState int

const (
	stateUninitialized sessionState = iota
	stateReady
	stateBusy
	stateClosed
)

// Session is one isolated execution environment, identified by a caller
// chosen ID. Executions against the same session serialize: a second
// Execute while one is in flight fails fast with ErrSessionBusy rather
// than queueing.
type Session struct {
	id      string
	backend Backend
	cfg     Config
	logger  *slog.Logger

	setupOnce sync.Once
	setupErr  error

	mu    sync.Mutex
	state sessionState

	// installMu serializes dependency installs so each package is
	// attempted at most once per session, even under concurrent callers.
	installMu sync.Mutex
	installed map[string]bool
}

// ID returns the caller-chosen session identifier.
func (s *Session) ID() string { return s.id }

// Backend returns the isolation backend name the session runs on.
func (s *Session) Backend() string { return s.cfg.Backend }

// ensureSetup runs backend setup exactly once. Concurrent callers block
// until the first attempt finishes and share its outcome.
func (s *Session) ensureSetup(ctx context.Context) error {
	s.setupOnce.Do(func() {
		if err := s.backend.Setup(ctx); err != nil {
			s.setupErr = fmt.Errorf("%w: %w", ErrSetupFailed, err)
			return
		}
		s.mu.Lock()
		s.state = stateReady
		s.mu.Unlock()
	})
	return s.setupErr
}

// Execute runs one request in the session. The session is busy for the
// duration; concurrent calls fail with ErrSessionBusy.
func (s *Session) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResponse, error) {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", s.id, ErrSessionClosed)
	case stateBusy:
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", s.id, ErrSessionBusy)
	case stateUninitialized:
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", s.id, ErrSetupFailed)
	}
	s.state = stateBusy
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		// A close during the run wins; never move backwards from closed.
		if s.state == stateBusy {
			s.state = stateReady
		}
		s.mu.Unlock()
	}()

	if req.Timeout == 0 {
		req.Timeout = s.cfg.DefaultTimeout
	}
	return s.backend.Execute(ctx, req)
}

// InstallDependencies installs the packages not yet attempted in this
// session. A package is recorded as attempted even when the install
// fails, so a flaky package is not retried on every execution. Failures
// wrap ErrDependencyInstall; callers may treat them as soft and proceed.
func (s *Session) InstallDependencies(ctx context.Context, packages []string) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", s.id, ErrSessionClosed)
	}
	s.mu.Unlock()

	s.installMu.Lock()
	defer s.installMu.Unlock()

	pending := make([]string, 0, len(packages))
	for _, pkg := range packages {
		if pkg == "" || s.installed[pkg] {
			continue
		}
		s.installed[pkg] = true
		pending = append(pending, pkg)
	}
	if len(pending) == 0 {
		return nil
	}

	s.logger.Info("installing session dependencies",
		slog.String("session", s.id),
		slog.Any("packages", pending),
	)
	if err := s.backend.InstallDependencies(ctx, pending); err != nil {
		return fmt.Errorf("%w: %w", ErrDependencyInstall, err)
	}
	return nil
}

// close transitions to closed and releases the backend. Idempotent.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	s.mu.Unlock()
	return s.backend.Cleanup(ctx)
}

// Manager owns the session table. Sessions are created lazily on first
// reference to an ID and live until released.
type Manager struct {
	defaults Config
	workRoot string
	logger   *slog.Logger

	// newBackend maps a resolved config to a backend. Overridable in
	// tests.
	newBackend func(cfg Config, logger *slog.Logger) (Backend, error)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. defaults.WorkDir, when set, is
// the root under which each session gets its own subdirectory.
func NewManager(defaults Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	workRoot := defaults.WorkDir
	defaults.WorkDir = ""
	return &Manager{
		defaults:   defaults,
		workRoot:   workRoot,
		logger:     logger,
		newBackend: newBackend,
		sessions:   make(map[string]*Session),
	}
}

// newBackend is the production backend factory.
func newBackend(cfg Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case BackendNone:
		return NewHostBackend(cfg, logger), nil
	case BackendProcess:
		return NewProcessBackend(cfg, logger), nil
	case BackendDocker:
		return NewDockerBackend(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedIsolation, cfg.Backend)
	}
}

// GetOrCreate returns the session for id, creating and setting it up on
// first reference. overrides customize the new session; they are ignored
// when the session already exists. Setup runs at most once per session;
// a failed setup is reported as ErrSetupFailed and the ID becomes free
// for a fresh attempt.
func (m *Manager) GetOrCreate(ctx context.Context, id string, overrides Config) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("empty session id")
	}
	cfg := overrides.withDefaults(m.defaults)
	if cfg.Backend != BackendNone && cfg.Backend != BackendProcess && cfg.Backend != BackendDocker {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedIsolation, cfg.Backend)
	}

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		if cfg.WorkDir == "" && m.workRoot != "" {
			cfg.WorkDir = filepath.Join(m.workRoot, sessionDirName(id))
		}
		backend, err := m.newBackend(cfg, m.logger)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		sess = &Session{
			id:        id,
			backend:   backend,
			cfg:       cfg,
			logger:    m.logger,
			installed: make(map[string]bool),
		}
		m.sessions[id] = sess
		m.logger.Debug("session created",
			slog.String("session", id),
			slog.String("backend", cfg.Backend),
		)
	}
	m.mu.Unlock()

	if err := sess.ensureSetup(ctx); err != nil {
		m.mu.Lock()
		if m.sessions[id] == sess {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

// Release closes the session and frees its ID. Releasing an unknown or
// already released ID is a no-op.
func (m *Manager) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.logger.Debug("session released", slog.String("session", id))
	return sess.close(ctx)
}

// ReleaseAll closes every live session.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns the live session IDs in sorted order.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// sessionDirName maps a session ID to a safe directory name.
func sessionDirName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, id)
}
