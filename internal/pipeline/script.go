package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	maxScriptSize        = 64 * 1024 // 64KB
	defaultScriptTimeout = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
	ErrNoTransform    = errors.New("script must define a 'transform' function")
)

// ValidateScript checks that the script compiles and defines transform.
func ValidateScript(body string) error {
	if len(body) > maxScriptSize {
		return ErrScriptTooLarge
	}

	vm := goja.New()
	if _, err := vm.RunString(body); err != nil {
		return fmt.Errorf("script compilation error: %w", err)
	}
	if _, ok := transformFunc(vm); !ok {
		return ErrNoTransform
	}
	return nil
}

func transformFunc(vm *goja.Runtime) (goja.Callable, bool) {
	fn := vm.Get("transform")
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, false
	}
	return goja.AssertFunction(fn)
}

// runScript calls transform(data) in a fresh VM. A null or undefined return
// value drops the payload.
func runScript(body string, data map[string]any, timeout time.Duration) (result map[string]any, dropped bool, err error) {
	if len(body) > maxScriptSize {
		return nil, false, ErrScriptTooLarge
	}

	// vm.Interrupt surfaces as a panic in some code paths.
	defer func() {
		if r := recover(); r != nil {
			result, dropped = nil, false
			if _, ok := r.(*goja.InterruptedError); ok {
				err = ErrScriptTimeout
				return
			}
			err = fmt.Errorf("script panic: %v", r)
		}
	}()

	vm := goja.New()
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(body); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, false, ErrScriptTimeout
		}
		return nil, false, fmt.Errorf("script compilation error: %w", err)
	}

	callable, ok := transformFunc(vm)
	if !ok {
		return nil, false, ErrNoTransform
	}

	ret, err := callable(goja.Undefined(), vm.ToValue(scriptValue(data)))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, false, ErrScriptTimeout
		}
		return nil, false, fmt.Errorf("script execution error: %w", err)
	}

	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return nil, true, nil
	}

	// Round-trip through JSON to get plain Go types back.
	jsonBytes, err := json.Marshal(ret.Export())
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal script result: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, false, fmt.Errorf("script must return an object: %w", err)
	}
	return out, false, nil
}

// scriptValue turns json.Number into int64 or float64 so scripts see JS
// numbers instead of strings. Integers that fit int64 stay exact.
func scriptValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = scriptValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = scriptValue(val)
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return string(t)
	default:
		return v
	}
}
