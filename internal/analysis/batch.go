package analysis

import (
	"context"
	"fmt"
)

// BatchPolicy decides what happens after a failed item.
type BatchPolicy string

const (
	// FailFast stops at the first failure. Items after it are never sent.
	FailFast BatchPolicy = "fail_fast"
	// ContinueOnError records the failure and moves on to the next item.
	ContinueOnError BatchPolicy = "continue"
)

// ParseBatchPolicy maps user input to a policy; empty means FailFast.
func ParseBatchPolicy(raw string) (BatchPolicy, error) {
	switch BatchPolicy(raw) {
	case "", FailFast:
		return FailFast, nil
	case ContinueOnError:
		return ContinueOnError, nil
	}
	return "", fmt.Errorf("unknown batch policy %q", raw)
}

// BatchOptions tunes a batch run.
type BatchOptions struct {
	Policy     BatchPolicy
	OnProgress func(done, total int)
}

// Outcome is the settled state of one batch item.
type Outcome struct {
	Index  int
	Name   string
	Result *Result
	Err    error
}

// OK reports whether the item succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Result != nil
}

// BatchResult accumulates outcomes in input order.
type BatchResult struct {
	Total    int
	Outcomes []Outcome
}

// Results returns the successful results in input order.
func (b *BatchResult) Results() []*Result {
	out := make([]*Result, 0, len(b.Outcomes))
	for _, o := range b.Outcomes {
		if o.OK() {
			out = append(out, o.Result)
		}
	}
	return out
}

// Failures returns the failed outcomes in input order.
func (b *BatchResult) Failures() []Outcome {
	var out []Outcome
	for _, o := range b.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Completed reports whether every input item was attempted.
func (b *BatchResult) Completed() bool {
	return len(b.Outcomes) == b.Total
}

// BatchError reports the item that stopped a fail-fast batch, or the
// cancellation that interrupted one.
type BatchError struct {
	Index int
	Name  string
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch item %d (%s) failed: %v", e.Index+1, e.Name, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// AnalyzeFunc analyzes a single batch item.
type AnalyzeFunc func(ctx context.Context, index int, src Source) (*Result, error)

// RunSequential folds fn over srcs in order, awaiting each item before the
// next one starts. The returned BatchResult is never nil, including when an
// error is returned, so partial progress is always visible.
func RunSequential(ctx context.Context, srcs []Source, opts BatchOptions, fn AnalyzeFunc) (*BatchResult, error) {
	policy := opts.Policy
	if policy == "" {
		policy = FailFast
	}

	acc := &BatchResult{Total: len(srcs), Outcomes: make([]Outcome, 0, len(srcs))}
	for i, src := range srcs {
		name := sourceName(src)
		if err := ctx.Err(); err != nil {
			return acc, &BatchError{Index: i, Name: name, Err: err}
		}

		result, err := fn(ctx, i, src)
		acc.Outcomes = append(acc.Outcomes, Outcome{Index: i, Name: name, Result: result, Err: err})
		if opts.OnProgress != nil {
			opts.OnProgress(len(acc.Outcomes), acc.Total)
		}

		if err != nil && policy == FailFast {
			return acc, &BatchError{Index: i, Name: name, Err: err}
		}
	}
	return acc, nil
}

func sourceName(src Source) string {
	if src == nil {
		return "missing"
	}
	return src.Name()
}
