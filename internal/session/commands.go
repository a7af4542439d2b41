package session

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"wireagent-go/internal/automation"
	"wireagent-go/internal/binding"
	"wireagent-go/internal/uiloop"
	"wireagent-go/internal/vdir"
	"wireagent-go/internal/wire"
)

const commandLog = "command"

func (s *Session) ImplicitWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.implicitWait
}

func (s *Session) ScriptTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scriptTimeout
}

func (s *Session) setTimeout(kind string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "implicit":
		s.implicitWait = d
	case "script":
		s.scriptTimeout = d
	case "page load", "pageLoad":
		s.pageLoad = d
	default:
		return wire.Errorf(wire.UnknownError, "unknown timeout type %q", kind)
	}
	return nil
}

func (s *Session) timeouts() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"implicit": s.implicitWait.Milliseconds(),
		"script":   s.scriptTimeout.Milliseconds(),
		"pageLoad": s.pageLoad.Milliseconds(),
	}
}

func millis(ms float64) (time.Duration, error) {
	if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, wire.Errorf(wire.UnknownError, "timeout must be a non-negative number of milliseconds, got %v", ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

type timeoutArgs struct {
	Type string  `json:"type"`
	Ms   float64 `json:"ms"`
}

type msArgs struct {
	Ms float64 `json:"ms"`
}

func (s *Session) timeoutsDirectory() *vdir.Directory {
	dir := vdir.NewWithIndex(s.bind(binding.Methods{
		http.MethodPost: binding.Typed(func(ctx context.Context, c *binding.Call, a timeoutArgs) (any, error) {
			d, err := millis(a.Ms)
			if err != nil {
				return nil, err
			}
			return nil, s.setTimeout(a.Type, d)
		}, "type", "ms"),
		http.MethodGet: binding.Func(func(ctx context.Context, c *binding.Call) (any, error) {
			return s.timeouts(), nil
		}),
	}))
	single := func(kind string) *binding.Binding {
		return s.bind(binding.Methods{
			http.MethodPost: binding.Typed(func(ctx context.Context, c *binding.Call, a msArgs) (any, error) {
				d, err := millis(a.Ms)
				if err != nil {
					return nil, err
				}
				return nil, s.setTimeout(kind, d)
			}, "ms"),
			http.MethodGet: binding.Func(func(ctx context.Context, c *binding.Call) (any, error) {
				return s.timeouts()[kind], nil
			}),
			http.MethodDelete: binding.Void(func(ctx context.Context, c *binding.Call) error {
				return s.setTimeout(kind, 0)
			}),
		})
	}
	dir.SetResource("implicit_wait", single("implicit"))
	dir.SetResource("async_script", single("script"))
	return dir
}

type executeArgs struct {
	Script string `json:"script"`
	Args   []any  `json:"args"`
}

// execute evaluates a script on the UI goroutine. Element references in args are
// swapped for their nodes, and nodes in the result are registered as elements.
func (s *Session) execute(ctx context.Context, source string, args []any, async bool) (any, error) {
	scripts := s.m.deps.Scripts
	if scripts == nil {
		return nil, wire.Errorf(wire.UnknownError, "script execution is not available")
	}
	var refs []*Element
	resolved := make([]any, len(args))
	for i, a := range args {
		r, err := s.resolveArgs(a, &refs)
		if err != nil {
			return nil, err
		}
		resolved[i] = r
	}

	bound := s.ScriptTimeout()
	if bound <= 0 {
		bound = s.m.deps.HandoffTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	v, err := s.m.deps.Runner.Do(ctx, bound, func() (any, error) {
		for _, e := range refs {
			if !s.m.deps.Locator.Reachable(e.node) {
				return nil, s.staleError(e)
			}
		}
		return scripts.EvaluateScript(ctx, source, resolved, async)
	})
	if err != nil {
		if errors.Is(err, uiloop.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, automation.ErrScriptTimeout) {
			if async {
				return nil, wire.Errorf(wire.ScriptTimeout, "async script did not finish within %v", bound)
			}
			return nil, wire.Errorf(wire.Timeout, "script did not finish within %v", bound)
		}
		if errors.Is(err, uiloop.ErrStopped) {
			return nil, wire.Errorf(wire.UnknownError, "ui thread is not running")
		}
		return nil, translate(err)
	}
	return s.registerResult(v), nil
}

func (s *Session) resolveArgs(v any, refs *[]*Element) (any, error) {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := s.resolveArgs(item, refs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		if id, ok := t["ELEMENT"].(string); ok && len(t) == 1 {
			e, found := s.Element(id)
			if !found {
				return nil, wire.Errorf(wire.StaleElementReference, "no element with id %q in this session", id)
			}
			*refs = append(*refs, e)
			return e.node, nil
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := s.resolveArgs(item, refs)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	return v, nil
}

func (s *Session) registerResult(v any) any {
	switch t := v.(type) {
	case automation.Node:
		return s.register(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = s.registerResult(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = s.registerResult(item)
		}
		return out
	}
	return v
}

type logArgs struct {
	Type string `json:"type"`
}

func (s *Session) logDirectory() *vdir.Directory {
	dir := vdir.NewWithIndex(s.bind(binding.Methods{
		http.MethodPost: binding.Typed(func(ctx context.Context, c *binding.Call, a logArgs) (any, error) {
			if a.Type != commandLog {
				return nil, wire.Errorf(wire.UnknownError, "unknown log type %q", a.Type)
			}
			if s.m.deps.Journal == nil {
				return []LogEntry{}, nil
			}
			entries, err := s.m.deps.Journal.Entries(s.id)
			if err != nil {
				return nil, err
			}
			return entries, nil
		}, "type"),
	}))
	dir.SetResource("types", s.bind(binding.Methods{
		http.MethodGet: binding.Func(func(ctx context.Context, c *binding.Call) (any, error) {
			return []string{commandLog}, nil
		}),
	}))
	return dir
}

var statusBySentinel = []struct {
	err    error
	status wire.Status
}{
	{automation.ErrNotVisible, wire.ElementNotVisible},
	{automation.ErrInvalidState, wire.InvalidElementState},
	{automation.ErrNotSelectable, wire.ElementNotSelectable},
	{automation.ErrInvalidSelector, wire.InvalidSelector},
	{automation.ErrXPathLookup, wire.XPathLookupError},
	{automation.ErrUnsupportedAction, wire.UnknownCommand},
	{automation.ErrJavaScript, wire.JavaScriptError},
	{automation.ErrScriptTimeout, wire.ScriptTimeout},
}

// translate gives collaborator failures their wire status. Anything unrecognised
// is left alone and ends up as UnknownError.
func translate(err error) error {
	var we *wire.Error
	if err == nil || errors.As(err, &we) {
		return err
	}
	for _, m := range statusBySentinel {
		if errors.Is(err, m.err) {
			return &wire.Error{Status: m.status, Message: err.Error()}
		}
	}
	return err
}
