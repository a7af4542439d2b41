package binding

import (
	"context"
	"encoding/json"

	"wireagent-go/internal/httpd"
)

// Action is one verb handler together with the argument names it requires.
type Action struct {
	args []string
	call func(ctx context.Context, c *Call) (any, error)
}

// Call carries the parsed request into a handler.
type Call struct {
	Request *httpd.Request
	Params  []string
	session string
	fields  map[string]json.RawMessage
}

// SetSession replaces the session id reported in the envelope, used by the command
// that creates sessions.
func (c *Call) SetSession(id string) {
	c.session = id
}

func (c *Call) Session() string {
	return c.session
}

func (c *Call) Param(i int) string {
	if i < 0 || i >= len(c.Params) {
		return ""
	}
	return c.Params[i]
}

// Decode fills v, a pointer to an argument struct, from the request body. Missing
// optional arguments leave their fields at the zero value.
func (c *Call) Decode(v any) error {
	data, err := json.Marshal(c.fields)
	if err != nil {
		return &argumentError{err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &argumentError{err: err}
	}
	return nil
}

type argumentError struct {
	err error
}

func (e *argumentError) Error() string {
	return "malformed arguments: " + e.err.Error()
}

func (e *argumentError) Unwrap() error {
	return e.err
}

func Func(fn func(ctx context.Context, c *Call) (any, error), args ...string) Action {
	return Action{args: args, call: fn}
}

// Typed decodes the body into A before calling fn. names lists the JSON keys that
// must be present.
func Typed[A any](fn func(ctx context.Context, c *Call, args A) (any, error), names ...string) Action {
	return Action{
		args: names,
		call: func(ctx context.Context, c *Call) (any, error) {
			var args A
			if err := c.Decode(&args); err != nil {
				return nil, err
			}
			return fn(ctx, c, args)
		},
	}
}

// Void adapts a handler that returns no value; the envelope then carries null.
func Void(fn func(ctx context.Context, c *Call) error, args ...string) Action {
	return Action{
		args: args,
		call: func(ctx context.Context, c *Call) (any, error) {
			return nil, fn(ctx, c)
		},
	}
}
