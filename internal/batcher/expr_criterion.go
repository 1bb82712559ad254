package batcher

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprCriterion evaluates a user-supplied boolean expression (via
// github.com/expr-lang/expr, promoted from the teacher's indirect
// dependency) against the candidate message and the currently open
// batch's first message. This lets operators configure batching rules
// like "abs(new.Timestamp - open.Timestamp) <= 1.5" without recompiling,
// mirroring the CollectdTimestampDeltaCriterion from the source this
// batcher is grounded on, generalized to arbitrary fields.
type ExprCriterion[T any] struct {
	program *vm.Program
}

// NewExprCriterion compiles expression source once. The expression is
// evaluated with two variables in scope: `new` (the candidate message)
// and `open` (the first message of the currently open batch), and must
// evaluate to a bool.
func NewExprCriterion[T any](source string) (*ExprCriterion[T], error) {
	program, err := expr.Compile(source, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile batching criterion %q: %w", source, err)
	}
	return &ExprCriterion[T]{program: program}, nil
}

func (e *ExprCriterion[T]) BelongsToBatch(candidate T, open *Batch[T]) bool {
	env := map[string]any{
		"new":  candidate,
		"open": open.Messages[0],
	}
	out, err := expr.Run(e.program, env)
	if err != nil {
		// A predicate that errors at runtime is conservatively treated
		// as "does not belong" so the batch is split rather than mixed
		// with data the expression couldn't evaluate.
		return false
	}
	result, _ := out.(bool)
	return result
}
