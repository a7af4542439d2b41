// Package session keeps the per-session element registries and mounts their
// command resources into the routing tree.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"wireagent-go/internal/automation"
	"wireagent-go/internal/binding"
	"wireagent-go/internal/uiloop"
	"wireagent-go/internal/vdir"
)

const (
	defaultHandoffTimeout = 5 * time.Second
	defaultPollInterval   = 50 * time.Millisecond
)

// Runner executes UI work on the UI goroutine. *uiloop.Loop satisfies it.
type Runner interface {
	Do(ctx context.Context, bound time.Duration, fn func() (any, error)) (any, error)
}

var _ Runner = (*uiloop.Loop)(nil)

type LogEntry struct {
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Journal returns what a session has done so far.
type Journal interface {
	Entries(sessionID string) ([]LogEntry, error)
	Forget(sessionID string) error
}

type Metrics interface {
	SessionsActive(n int)
	ElementsRegistered(delta int)
}

type Deps struct {
	Locator  automation.Locator
	Actuator automation.Actuator
	// Scripts may be nil, execute then fails with UnknownError.
	Scripts automation.ScriptEvaluator
	Runner  Runner

	HandoffTimeout time.Duration
	PollInterval   time.Duration

	Logger   *slog.Logger
	Observer binding.Observer
	Journal  Journal
	Metrics  Metrics
}

type Manager struct {
	deps Deps
	dir  *vdir.Directory

	mu       sync.RWMutex
	sessions map[string]*Session
}

type Summary struct {
	ID           string         `json:"id"`
	Capabilities map[string]any `json:"capabilities"`
	CreatedAt    time.Time      `json:"createdAt"`
	Elements     int            `json:"elements"`
}

func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HandoffTimeout <= 0 {
		deps.HandoffTimeout = defaultHandoffTimeout
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = defaultPollInterval
	}
	m := &Manager{deps: deps, sessions: map[string]*Session{}}
	m.dir = vdir.NewWithIndex(m.bind(binding.Methods{
		http.MethodPost: binding.Typed(m.createSession, "desiredCapabilities"),
	}, binding.WithOptionalArguments()))
	return m
}

// Mount installs /session and /sessions below root.
func (m *Manager) Mount(root *vdir.Directory) {
	root.SetResource("session", m.dir)
	root.SetResource("sessions", m.bind(binding.Methods{
		http.MethodGet: binding.Func(func(ctx context.Context, c *binding.Call) (any, error) {
			list := m.List()
			out := make([]any, 0, len(list))
			for _, s := range list {
				out = append(out, map[string]any{"id": s.ID, "capabilities": s.Capabilities})
			}
			return out, nil
		}),
	}))
}

func (m *Manager) bind(methods binding.Methods, opts ...binding.Option) *binding.Binding {
	if m.deps.Observer != nil {
		opts = append([]binding.Option{binding.WithObserver(m.deps.Observer)}, opts...)
	}
	return binding.New(methods, opts...)
}

type createArgs struct {
	DesiredCapabilities map[string]any `json:"desiredCapabilities"`
}

func (m *Manager) createSession(ctx context.Context, c *binding.Call, args createArgs) (any, error) {
	s := m.Create(args.DesiredCapabilities)
	c.SetSession(s.id)
	return s.Capabilities(), nil
}

// Create starts a session and mounts its resources.
func (m *Manager) Create(desired map[string]any) *Session {
	id := ulid.Make().String()
	s := newSession(m, id, m.capabilities(desired))
	m.mu.Lock()
	m.sessions[id] = s
	m.reportActive()
	m.mu.Unlock()
	m.dir.SetResource(id, s.dir)
	m.deps.Logger.Info("session created", "session", id)
	return s
}

// reportActive publishes the session count. Callers hold m.mu so concurrent
// creates and deletes cannot leave the gauge behind the map.
func (m *Manager) reportActive() {
	if m.deps.Metrics != nil {
		m.deps.Metrics.SessionsActive(len(m.sessions))
	}
}

func (m *Manager) capabilities(desired map[string]any) map[string]any {
	caps := map[string]any{}
	for k, v := range desired {
		caps[k] = v
	}
	caps["browserName"] = "wireagent"
	caps["platform"] = runtime.GOOS
	caps["javascriptEnabled"] = m.deps.Scripts != nil
	caps["takesScreenshot"] = false
	caps["handlesAlerts"] = false
	return caps
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete tears the session down: its routes disappear first, then its registry
// and journal.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	if ok {
		m.reportActive()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.dir.RemoveResource(id)
	released := s.release()
	if m.deps.Metrics != nil {
		m.deps.Metrics.ElementsRegistered(-released)
	}
	if m.deps.Journal != nil {
		if err := m.deps.Journal.Forget(id); err != nil {
			m.deps.Logger.Warn("forget session journal", "session", id, "error", err)
		}
	}
	m.deps.Logger.Info("session deleted", "session", id, "elements", released)
	return true
}

func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Summary{
			ID:           s.id,
			Capabilities: s.Capabilities(),
			CreatedAt:    s.created,
			Elements:     s.ElementCount(),
		})
	}
	return out
}

// Close deletes every session.
func (m *Manager) Close() {
	for _, s := range m.List() {
		m.Delete(s.ID)
	}
}
