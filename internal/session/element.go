package session

import (
	"context"
	"net/http"
	"strings"

	"wireagent-go/internal/automation"
	"wireagent-go/internal/binding"
	"wireagent-go/internal/vdir"
	"wireagent-go/internal/wire"
)

type keysArgs struct {
	Value []string `json:"value"`
}

func (s *Session) elementDirectory(e *Element) *vdir.Directory {
	get := func(action automation.Action) *binding.Binding {
		return s.bind(binding.Methods{http.MethodGet: s.act(e, action)})
	}
	post := func(action automation.Action) *binding.Binding {
		return s.bind(binding.Methods{http.MethodPost: s.act(e, action)})
	}
	named := func(action automation.Action) *binding.Binding {
		return s.bind(binding.Methods{
			http.MethodGet: binding.Func(func(ctx context.Context, c *binding.Call) (any, error) {
				name := c.Param(0)
				if name == "" {
					return nil, wire.Errorf(wire.UnknownCommand, "%s needs a name", action)
				}
				return s.perform(ctx, e, action, automation.Args{Name: name})
			}),
		}, binding.WithTrailing(1))
	}

	dir := vdir.NewWithIndex(s.bind(binding.Methods{
		http.MethodGet: binding.Func(func(ctx context.Context, c *binding.Call) (any, error) {
			return e, nil
		}),
	}))
	dir.SetFallback(s.bind(unknownCommand(), binding.WithOptionalArguments()))

	dir.SetResource("click", post(automation.Click))
	dir.SetResource("clear", post(automation.Clear))
	dir.SetResource("submit", post(automation.Submit))
	dir.SetResource("toggle", post(automation.Toggle))
	dir.SetResource("text", get(automation.Text))
	dir.SetResource("enabled", get(automation.Enabled))
	dir.SetResource("displayed", get(automation.Displayed))
	dir.SetResource("name", get(automation.TagName))
	dir.SetResource("location", get(automation.Location))
	dir.SetResource("size", get(automation.Size))
	dir.SetResource("attribute", named(automation.Attribute))
	dir.SetResource("css", named(automation.CSS))
	dir.SetResource("selected", s.bind(binding.Methods{
		http.MethodGet:  s.act(e, automation.Selected),
		http.MethodPost: s.act(e, automation.SetSelected),
	}))
	dir.SetResource("value", s.bind(binding.Methods{
		http.MethodPost: binding.Typed(func(ctx context.Context, c *binding.Call, a keysArgs) (any, error) {
			return s.perform(ctx, e, automation.Type, automation.Args{Keys: strings.Join(a.Value, "")})
		}, "value"),
	}))
	dir.SetResource("equals", s.bind(binding.Methods{
		http.MethodGet: binding.Func(func(ctx context.Context, c *binding.Call) (any, error) {
			other, ok := s.Element(c.Param(0))
			if !ok {
				return nil, wire.Errorf(wire.NoSuchElement, "no element with id %q", c.Param(0))
			}
			return other.node == e.node, nil
		}),
	}, binding.WithTrailing(1)))
	dir.SetResource("element", s.bind(binding.Methods{
		http.MethodPost: binding.Typed(func(ctx context.Context, c *binding.Call, a findArgs) (any, error) {
			return s.find(ctx, e, a.Using, a.Value, false)
		}, "using", "value"),
	}))
	dir.SetResource("elements", s.bind(binding.Methods{
		http.MethodPost: binding.Typed(func(ctx context.Context, c *binding.Call, a findArgs) (any, error) {
			return s.find(ctx, e, a.Using, a.Value, true)
		}, "using", "value"),
	}))
	return dir
}

func (s *Session) act(e *Element, action automation.Action) binding.Action {
	return binding.Func(func(ctx context.Context, c *binding.Call) (any, error) {
		return s.perform(ctx, e, action, automation.Args{})
	})
}

// unknownCommand answers every verb for paths below an element that name no
// command.
func unknownCommand() binding.Methods {
	fn := binding.Func(func(ctx context.Context, c *binding.Call) (any, error) {
		return nil, wire.Errorf(wire.UnknownCommand, "unknown command %q", strings.Join(c.Params, "/"))
	})
	return binding.Methods{
		http.MethodGet:    fn,
		http.MethodPost:   fn,
		http.MethodPut:    fn,
		http.MethodDelete: fn,
	}
}
