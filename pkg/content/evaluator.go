package content

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Evaluator runs procedure source text inside the context. this is the
// agent's global object, shared by every evaluation.
type Evaluator interface {
	Eval(ctx context.Context, source string, this map[string]any, args []any) (any, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, source string, this map[string]any, args []any) (any, error)

func (f EvaluatorFunc) Eval(ctx context.Context, source string, this map[string]any, args []any) (any, error) {
	return f(ctx, source, this, args)
}

// DefaultImports are the packages procedures may use.
var DefaultImports = []string{
	"bytes",
	"encoding/base64",
	"encoding/json",
	"fmt",
	"math",
	"path",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
}

var procedureType = reflect.TypeOf(func(map[string]interface{}, []interface{}) (interface{}, error) { return nil, nil })

// YaegiEvaluator interprets procedures written as Go function literals of
// type func(this map[string]interface{}, args []interface{}) (interface{}, error).
// Compiled procedures are cached by source.
type YaegiEvaluator struct {
	mu    sync.Mutex
	i     *interp.Interpreter
	cache map[string]reflect.Value
}

// NewYaegiEvaluator returns an interpreter that has imported the given
// standard library packages, DefaultImports when none are given.
func NewYaegiEvaluator(imports ...string) (*YaegiEvaluator, error) {
	if len(imports) == 0 {
		imports = DefaultImports
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	for _, pkg := range imports {
		if _, err := i.Eval(fmt.Sprintf("import %q", pkg)); err != nil {
			return nil, fmt.Errorf("failed to import %s: %w", pkg, err)
		}
	}
	return &YaegiEvaluator{i: i, cache: make(map[string]reflect.Value)}, nil
}

func (e *YaegiEvaluator) Eval(ctx context.Context, source string, this map[string]any, args []any) (any, error) {
	fn, err := e.compile(ctx, source)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}

	out := fn.Call([]reflect.Value{reflect.ValueOf(this), reflect.ValueOf(args)})
	result := out[0].Interface()
	if errv := out[1].Interface(); errv != nil {
		return result, errv.(error)
	}
	return result, nil
}

func (e *YaegiEvaluator) compile(ctx context.Context, source string) (reflect.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fn, ok := e.cache[source]; ok {
		return fn, nil
	}
	v, err := e.i.EvalWithContext(ctx, source)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("failed to compile procedure: %w", err)
	}
	if !v.IsValid() {
		return reflect.Value{}, fmt.Errorf("procedure must be a %s", procedureType)
	}
	if v.Kind() != reflect.Func || !v.Type().ConvertibleTo(procedureType) {
		return reflect.Value{}, fmt.Errorf("procedure must be a %s, got %s", procedureType, v.Type())
	}
	fn := v.Convert(procedureType)
	e.cache[source] = fn
	return fn, nil
}
