package session

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"wireagent-go/internal/automation"
	"wireagent-go/internal/binding"
	"wireagent-go/internal/uiloop"
	"wireagent-go/internal/vdir"
	"wireagent-go/internal/wire"
)

type Session struct {
	id           string
	m            *Manager
	created      time.Time
	capabilities map[string]any
	dir          *vdir.Directory
	elementsDir  *vdir.Directory

	mu            sync.Mutex
	elements      map[string]*Element
	byNode        map[automation.Node]*Element
	nextID        uint64
	implicitWait  time.Duration
	scriptTimeout time.Duration
	pageLoad      time.Duration
}

// Element is a located node registered under an id that stays valid for the
// life of the session.
type Element struct {
	id      string
	session *Session
	node    automation.Node
}

func (e *Element) ElementID() string { return e.id }

func (e *Element) Node() automation.Node { return e.node }

func newSession(m *Manager, id string, caps map[string]any) *Session {
	s := &Session{
		id:           id,
		m:            m,
		created:      time.Now(),
		capabilities: caps,
		elements:     map[string]*Element{},
		byNode:       map[automation.Node]*Element{},
	}
	s.dir = s.buildDirectory()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Capabilities() map[string]any {
	return s.capabilities
}

func (s *Session) ElementCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.elements)
}

func (s *Session) Element(id string) (*Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.elements[id]
	return e, ok
}

func (s *Session) bind(methods binding.Methods, opts ...binding.Option) *binding.Binding {
	return s.m.bind(methods, append([]binding.Option{binding.WithSession(s.id)}, opts...)...)
}

func (s *Session) buildDirectory() *vdir.Directory {
	dir := vdir.NewWithIndex(s.bind(binding.Methods{
		http.MethodGet: binding.Func(func(ctx context.Context, c *binding.Call) (any, error) {
			return s.Capabilities(), nil
		}),
		http.MethodDelete: binding.Void(func(ctx context.Context, c *binding.Call) error {
			s.m.Delete(s.id)
			return nil
		}),
	}))

	s.elementsDir = vdir.NewWithIndex(s.bind(binding.Methods{
		http.MethodPost: binding.Typed(func(ctx context.Context, c *binding.Call, a findArgs) (any, error) {
			return s.find(ctx, nil, a.Using, a.Value, false)
		}, "using", "value"),
	}))
	dir.SetResource("element", s.elementsDir)
	dir.SetResource("elements", s.bind(binding.Methods{
		http.MethodPost: binding.Typed(func(ctx context.Context, c *binding.Call, a findArgs) (any, error) {
			return s.find(ctx, nil, a.Using, a.Value, true)
		}, "using", "value"),
	}))

	dir.SetResource("timeouts", s.timeoutsDirectory())
	dir.SetResource("execute", s.bind(binding.Methods{
		http.MethodPost: binding.Typed(func(ctx context.Context, c *binding.Call, a executeArgs) (any, error) {
			return s.execute(ctx, a.Script, a.Args, false)
		}, "script", "args"),
	}, binding.WithOptionalArguments()))
	dir.SetResource("execute_async", s.bind(binding.Methods{
		http.MethodPost: binding.Typed(func(ctx context.Context, c *binding.Call, a executeArgs) (any, error) {
			return s.execute(ctx, a.Script, a.Args, true)
		}, "script", "args"),
	}, binding.WithOptionalArguments()))
	dir.SetResource("log", s.logDirectory())
	return dir
}

// register returns the element already wrapping node or allocates a new id for it.
func (s *Session) register(node automation.Node) *Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byNode[node]; ok {
		return e
	}
	e := &Element{id: strconv.FormatUint(s.nextID, 10), session: s, node: node}
	s.nextID++
	s.elements[e.id] = e
	s.byNode[node] = e
	s.elementsDir.SetResource(e.id, s.elementDirectory(e))
	if s.m.deps.Metrics != nil {
		s.m.deps.Metrics.ElementsRegistered(1)
	}
	return e
}

// release drops the registry and reports how many elements it held.
func (s *Session) release() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.elements)
	for id := range s.elements {
		s.elementsDir.RemoveResource(id)
	}
	s.elements = map[string]*Element{}
	s.byNode = map[automation.Node]*Element{}
	return n
}

// handoffBound is how long a command waits for the UI goroutine.
func (s *Session) handoffBound() time.Duration {
	bound := s.ImplicitWait()
	if bound < s.m.deps.HandoffTimeout {
		bound = s.m.deps.HandoffTimeout
	}
	return bound
}

func (s *Session) onUI(ctx context.Context, fn func() (any, error)) (any, error) {
	bound := s.handoffBound()
	v, err := s.m.deps.Runner.Do(ctx, bound, fn)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, uiloop.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil, wire.Errorf(wire.Timeout, "ui thread did not answer within %v", bound).WithCause(err)
	case errors.Is(err, uiloop.ErrStopped):
		return nil, wire.Errorf(wire.UnknownError, "ui thread is not running").WithCause(err)
	}
	return nil, translate(err)
}

func (s *Session) staleError(e *Element) error {
	return wire.Errorf(wire.StaleElementReference, "element %s is no longer attached to the ui", e.id)
}

type findArgs struct {
	Using string `json:"using"`
	Value string `json:"value"`
}

// find polls the locator until it matches or the implicit wait runs out. With a
// zero wait the locator is asked exactly once.
func (s *Session) find(ctx context.Context, root *Element, strategy, value string, many bool) (any, error) {
	locator := s.m.deps.Locator
	deadline := time.Now().Add(s.ImplicitWait())
	for {
		v, err := s.onUI(ctx, func() (any, error) {
			var from automation.Node
			if root != nil {
				if !locator.Reachable(root.node) {
					return nil, s.staleError(root)
				}
				from = root.node
			}
			if many {
				return locator.LocateAll(from, strategy, value)
			}
			node, err := locator.Locate(from, strategy, value)
			if err != nil || node == nil {
				return nil, err
			}
			return []automation.Node{node}, nil
		})
		if err != nil {
			return nil, err
		}
		nodes, _ := v.([]automation.Node)
		if len(nodes) > 0 {
			if !many {
				return s.register(nodes[0]), nil
			}
			out := make([]any, len(nodes))
			for i, n := range nodes {
				out[i] = s.register(n)
			}
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pause := s.m.deps.PollInterval
		if pause > remaining {
			pause = remaining
		}
		t := time.NewTimer(pause)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	if many {
		return []any{}, nil
	}
	return nil, wire.Errorf(wire.NoSuchElement, "no element matches %s %q", strategy, value)
}

// perform runs action on the element's node after checking it is still attached.
func (s *Session) perform(ctx context.Context, e *Element, action automation.Action, args automation.Args) (any, error) {
	return s.onUI(ctx, func() (any, error) {
		if !s.m.deps.Locator.Reachable(e.node) {
			return nil, s.staleError(e)
		}
		return s.m.deps.Actuator.Perform(e.node, action, args)
	})
}
