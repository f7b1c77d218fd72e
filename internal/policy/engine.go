package policy

import "context"

// Evaluator matches rules against one phase of an exchange.
type Evaluator interface {
	// Evaluate yields every match for in.Phase, in rule order, until yield
	// returns false.
	Evaluate(ctx context.Context, in *Input, yield func(Result) bool) error
}
