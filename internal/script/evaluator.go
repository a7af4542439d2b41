// Package script evaluates client scripts with goja. Every evaluation gets a fresh
// runtime, so nothing leaks between commands or sessions.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dop251/goja"

	"wireagent-go/internal/automation"
)

type Evaluator struct {
	locator automation.Locator
	logger  *slog.Logger
}

// New returns an evaluator. With a non-nil locator scripts get a document object
// with findElement and findElements.
func New(locator automation.Locator, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{locator: locator, logger: logger}
}

type timer struct {
	id  int
	due time.Time
	fn  goja.Callable
}

type run struct {
	vm       *goja.Runtime
	timers   []timer
	nextID   int
	finished bool
	result   goja.Value
}

func (e *Evaluator) EvaluateScript(ctx context.Context, source string, args []any, async bool) (any, error) {
	r := &run{vm: goja.New(), nextID: 1}
	stop := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(ctx.Err())
	})
	defer stop()

	e.installGlobals(r)

	fnValue, err := r.vm.RunString("(function() {\n" + source + "\n})")
	if err != nil {
		return nil, e.classify(ctx, err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("%w: script is not callable", automation.ErrJavaScript)
	}

	values := make([]goja.Value, 0, len(args)+1)
	for _, a := range args {
		values = append(values, r.vm.ToValue(a))
	}
	if async {
		values = append(values, r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if !r.finished {
				r.finished = true
				r.result = call.Argument(0)
			}
			return goja.Undefined()
		}))
	}

	ret, err := fn(goja.Undefined(), values...)
	if err != nil {
		return nil, e.classify(ctx, err)
	}
	if !async {
		return export(ret), nil
	}
	if err := e.drain(ctx, r); err != nil {
		return nil, err
	}
	return export(r.result), nil
}

// drain runs pending timers on this goroutine until the async callback fires. A
// script that has nothing left to run can only end by hitting ctx's deadline.
func (e *Evaluator) drain(ctx context.Context, r *run) error {
	for !r.finished {
		if len(r.timers) == 0 {
			<-ctx.Done()
			return fmt.Errorf("%w: %v", automation.ErrScriptTimeout, ctx.Err())
		}
		sort.SliceStable(r.timers, func(i, j int) bool { return r.timers[i].due.Before(r.timers[j].due) })
		next := r.timers[0]
		r.timers = r.timers[1:]
		if wait := time.Until(next.due); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("%w: %v", automation.ErrScriptTimeout, ctx.Err())
			}
		}
		if _, err := next.fn(goja.Undefined()); err != nil {
			return e.classify(ctx, err)
		}
	}
	return nil
}

func (e *Evaluator) installGlobals(r *run) {
	vm := r.vm
	logFunc := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.Export()
			}
			e.logger.Log(context.Background(), level, "script console", "args", parts)
			return goja.Undefined()
		}
	}
	console := vm.NewObject()
	_ = console.Set("log", logFunc(slog.LevelInfo))
	_ = console.Set("info", logFunc(slog.LevelInfo))
	_ = console.Set("warn", logFunc(slog.LevelWarn))
	_ = console.Set("error", logFunc(slog.LevelError))
	_ = vm.Set("console", console)

	_ = vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout requires a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		id := r.nextID
		r.nextID++
		r.timers = append(r.timers, timer{id: id, due: time.Now().Add(delay), fn: fn})
		return vm.ToValue(id)
	})
	_ = vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		id := int(call.Argument(0).ToInteger())
		for i, t := range r.timers {
			if t.id == id {
				r.timers = append(r.timers[:i], r.timers[i+1:]...)
				break
			}
		}
		return goja.Undefined()
	})

	if e.locator == nil {
		return
	}
	document := vm.NewObject()
	_ = document.Set("findElement", func(strategy, value string) goja.Value {
		node, err := e.locator.Locate(nil, strategy, value)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if node == nil {
			return goja.Null()
		}
		return vm.ToValue(node)
	})
	_ = document.Set("findElements", func(strategy, value string) goja.Value {
		nodes, err := e.locator.LocateAll(nil, strategy, value)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		out := make([]any, len(nodes))
		for i, n := range nodes {
			out[i] = n
		}
		return vm.ToValue(out)
	})
	_ = vm.Set("document", document)
}

func (e *Evaluator) classify(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) || ctx.Err() != nil {
		return fmt.Errorf("%w: %v", automation.ErrScriptTimeout, err)
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("%w: %s", automation.ErrJavaScript, exception.Value().String())
	}
	return fmt.Errorf("%w: %v", automation.ErrJavaScript, err)
}

// export turns a goja value into plain Go values. Host objects such as UI nodes
// come back as the original Go value.
func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
