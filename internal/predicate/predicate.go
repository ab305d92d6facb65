// Package predicate evaluates boolean expressions from scenario definitions.
// Condition predicates and trigger filters are small JavaScript expressions
// (the same dialect the campaign editor produces) run in a goja VM with the
// player context and event payload bound as globals.
package predicate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// evalTimeout bounds one expression run. Expressions are one-liners; a
// predicate that hits this is looping and fails its instance.
const evalTimeout = 250 * time.Millisecond

var (
	// ErrMissingData means the expression referenced data that is not
	// present in the evaluation context. Callers decide whether this
	// degrades to false or fails the instance.
	ErrMissingData = errors.New("predicate references missing data")

	// ErrNotBoolean means the expression evaluated to a non-boolean value.
	ErrNotBoolean = errors.New("predicate did not evaluate to a boolean")

	// ErrTimeout means the expression ran past the interpreter deadline.
	ErrTimeout = errors.New("predicate timed out")
)

// Vars are the globals bound into the VM for one evaluation.
type Vars map[string]interface{}

// Compile checks an expression for syntax errors without running it.
// The validator uses this to reject malformed definitions before activation.
func Compile(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("empty expression")
	}
	if _, err := goja.Compile("predicate", expr, true); err != nil {
		return fmt.Errorf("invalid expression: %w", err)
	}
	return nil
}

// Eval runs expr with vars bound as globals and returns its boolean result.
// An empty expression is true (unfiltered). A reference to an unbound global
// returns ErrMissingData; a non-boolean result returns ErrNotBoolean.
func Eval(expr string, vars Vars) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	vm := goja.New()
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return false, fmt.Errorf("failed to bind %q: %w", k, err)
		}
	}

	timer := time.AfterFunc(evalTimeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	val, err := vm.RunString(expr)
	if err != nil {
		var iErr *goja.InterruptedError
		if errors.As(err, &iErr) {
			return false, fmt.Errorf("%w after %s", ErrTimeout, evalTimeout)
		}
		var ex *goja.Exception
		if errors.As(err, &ex) && strings.Contains(ex.Error(), "ReferenceError") {
			return false, fmt.Errorf("%w: %s", ErrMissingData, ex.Error())
		}
		return false, fmt.Errorf("expression failed: %w", err)
	}

	if goja.IsUndefined(val) || goja.IsNull(val) {
		return false, ErrMissingData
	}

	b, ok := val.Export().(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %T", ErrNotBoolean, val.Export())
	}
	return b, nil
}
