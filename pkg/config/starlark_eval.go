package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

// GuardEvaluator evaluates edge guards as Starlark expressions. The
// variables passed by the executor (output, trigger, source, target) are
// predeclared, along with the helpers has and get.
type GuardEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

var _ engine.GuardEvaluator = (*GuardEvaluator)(nil)

// NewGuardEvaluator creates an evaluator. A zero timeout uses
// DefaultGuardTimeout. A zero maxSteps leaves execution steps unbounded.
func NewGuardEvaluator(timeout time.Duration, maxSteps uint64) *GuardEvaluator {
	if timeout <= 0 {
		timeout = DefaultGuardTimeout
	}
	return &GuardEvaluator{
		timeout:  timeout,
		maxSteps: maxSteps,
	}
}

// NewGuardEvaluatorFromConfig creates an evaluator from guards settings.
func NewGuardEvaluatorFromConfig(cfg GuardConfig) *GuardEvaluator {
	return NewGuardEvaluator(cfg.Timeout, cfg.MaxSteps)
}

// CompileGuard reports whether expr parses as a Starlark expression.
func CompileGuard(expr string) error {
	_, err := syntax.ParseExpr("guard", expr, 0)
	return err
}

// EvaluateGuard evaluates expr and requires a bool result. Syntax errors,
// non-bool results and evaluation errors are configuration errors. Running
// past the timeout is a transient error; cancellation of ctx is reported
// as cancelled.
func (g *GuardEvaluator) EvaluateGuard(ctx context.Context, expr string, vars map[string]interface{}) (bool, error) {
	if err := CompileGuard(expr); err != nil {
		return false, pipeline.NewConfigurationError(fmt.Sprintf("guard %q does not parse", expr), err)
	}

	env, err := guardEnv(vars)
	if err != nil {
		return false, pipeline.NewConfigurationError(fmt.Sprintf("guard %q", expr), err)
	}

	thread := &starlark.Thread{
		Name:  "guard",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	if g.maxSteps > 0 {
		thread.SetMaxExecutionSteps(g.maxSteps)
	}

	evalCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	val, err := starlark.Eval(thread, "guard", expr, env)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return false, &pipeline.Error{
				Kind:    pipeline.KindTransient,
				Code:    pipeline.CodeCancelled,
				Message: fmt.Sprintf("guard %q cancelled", expr),
				Policy:  pipeline.NonRetryable(),
				Err:     ctx.Err(),
			}
		case evalCtx.Err() != nil:
			return false, pipeline.NewTimeoutError(fmt.Sprintf("guard %q exceeded %v", expr, g.timeout), err)
		}
		return false, pipeline.NewConfigurationError(fmt.Sprintf("guard %q failed", expr), err)
	}

	b, ok := val.(starlark.Bool)
	if !ok {
		return false, pipeline.NewConfigurationError(
			fmt.Sprintf("guard %q evaluated to %s, not bool", expr, val.Type()), nil)
	}
	return bool(b), nil
}

func guardEnv(vars map[string]interface{}) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"has":    starlark.NewBuiltin("has", builtinHas),
		"get":    starlark.NewBuiltin("get", builtinGet),
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := toStarlarkValue(vars[k])
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", k, err)
		}
		env[k] = v
	}
	return env, nil
}

// toStarlarkValue converts decoded JSON and plain Go values. Dicts are
// frozen so guards cannot mutate the run's data.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		if val == float64(int64(val)) && val >= -1<<53 && val <= 1<<53 {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		l := starlark.NewList(list)
		l.Freeze()
		return l, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		dict.Freeze()
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// builtinHas implements has(obj, "a.b.c"): whether the dotted key path
// exists in nested dicts.
func builtinHas(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var obj starlark.Value
	var path string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &obj, &path); err != nil {
		return nil, err
	}
	_, found := lookupPath(obj, path)
	return starlark.Bool(found), nil
}

// builtinGet implements get(obj, "a.b.c", default=None).
func builtinGet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var obj starlark.Value
	var path string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "obj", &obj, "path", &path, "default?", &def); err != nil {
		return nil, err
	}
	if v, found := lookupPath(obj, path); found {
		return v, nil
	}
	return def, nil
}

func lookupPath(obj starlark.Value, path string) (starlark.Value, bool) {
	cur := obj
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1

		dict, ok := cur.(*starlark.Dict)
		if !ok {
			return nil, false
		}
		v, found, err := dict.Get(starlark.String(key))
		if err != nil || !found {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
