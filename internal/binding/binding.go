// Package binding turns HTTP verbs on a resource into typed command invocations
// and always answers with a wire envelope.
package binding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wireagent-go/internal/httpd"
	"wireagent-go/internal/wire"
)

const tracerName = "wireagent-go/internal/binding"

// Event describes one finished command.
type Event struct {
	SessionID string
	Method    string
	Path      string
	Status    wire.Status
	Elapsed   time.Duration
}

type Observer interface {
	ObserveCommand(ev Event)
}

// Methods is the static verb table of a resource.
type Methods map[string]Action

type Binding struct {
	session  string
	optional bool
	trailing int
	actions  Methods
	observer Observer
	tracer   trace.Tracer
}

type Option func(*Binding)

func WithSession(id string) Option {
	return func(b *Binding) { b.session = id }
}

// WithOptionalArguments makes missing arguments null instead of rejecting the
// request.
func WithOptionalArguments() Option {
	return func(b *Binding) { b.optional = true }
}

// WithTrailing lets the resource consume n path segments after its name; they
// arrive as Call.Params.
func WithTrailing(n int) Option {
	return func(b *Binding) { b.trailing = n }
}

func WithObserver(o Observer) Option {
	return func(b *Binding) { b.observer = o }
}

func New(actions Methods, opts ...Option) *Binding {
	b := &Binding{actions: actions, tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Binding) TrailingSegments() int {
	return b.trailing
}

func (b *Binding) allowed() []string {
	verbs := make([]string, 0, len(b.actions))
	for verb := range b.actions {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)
	return verbs
}

func (b *Binding) ServeResource(ctx context.Context, req *httpd.Request) *httpd.Response {
	action, ok := b.actions[req.Method]
	if !ok {
		return httpd.MethodNotAllowed(b.allowed())
	}
	fields, err := parseBody(req.Body)
	if err != nil {
		return httpd.Text(http.StatusBadRequest, "invalid request: "+err.Error())
	}
	for _, name := range action.args {
		if _, present := fields[name]; present {
			continue
		}
		if !b.optional {
			return httpd.Text(http.StatusBadRequest, "invalid request: missing argument "+name)
		}
		fields[name] = json.RawMessage("null")
	}

	call := &Call{Request: req, Params: req.Params, session: b.session, fields: fields}
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "wire "+req.Method, trace.WithAttributes(
		attribute.String("wire.path", req.Path),
		attribute.String("wire.session", b.session),
	))
	defer span.End()
	value, err := invoke(ctx, action, call)

	var argErr *argumentError
	if errors.As(err, &argErr) {
		span.SetStatus(codes.Error, argErr.Error())
		return httpd.Text(http.StatusBadRequest, "invalid request: "+argErr.Error())
	}

	var resp wire.Response
	if err != nil {
		resp = wire.Failure(call.session, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		resp = wire.Result(call.session, value)
	}
	data, merr := resp.Marshal()
	if merr != nil {
		resp = wire.Failure(call.session, fmt.Errorf("encode result: %w", merr))
		data, _ = resp.Marshal()
	}
	span.SetAttributes(attribute.Int("wire.status", int(resp.Status)))

	if b.observer != nil {
		b.observer.ObserveCommand(Event{
			SessionID: call.session,
			Method:    req.Method,
			Path:      req.Path,
			Status:    resp.Status,
			Elapsed:   time.Since(start),
		})
	}
	return httpd.JSON(resp.HTTPStatus(), data)
}

// invoke never lets a panic escape the binding.
func invoke(ctx context.Context, action Action, call *Call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("command panicked: %v", r)
		}
	}()
	return action.call(ctx, call)
}

func parseBody(body []byte) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(body)) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errors.New("body must be a JSON object")
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}
