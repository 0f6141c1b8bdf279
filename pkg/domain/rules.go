package domain

import (
	"context"
	"fmt"
	"time"
)

// RuleView provides read-only access to the inventory for rule evaluation.
type RuleView interface {
	Meta() Meta
	ListRecords() []Record
	FindRecord(id int) (Record, bool)
}

type evaluationTimeKey struct{}

// WithEvaluationTime pins the instant rules treat as "now" for date checks.
func WithEvaluationTime(ctx context.Context, now time.Time) context.Context {
	return context.WithValue(ctx, evaluationTimeKey{}, now)
}

// EvaluationTime returns the instant pinned on ctx, or fallback() when none is.
func EvaluationTime(ctx context.Context, fallback func() time.Time) time.Time {
	if now, ok := ctx.Value(evaluationTimeKey{}).(time.Time); ok {
		return now
	}
	return fallback()
}

// Rule defines an evaluation executed within a transaction boundary.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rule names in registration order.
func (e *RulesEngine) Rules() []string {
	names := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		names = append(names, r.Name())
	}
	return names
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		combined.Merge(res)
	}
	return combined, nil
}

// Severity captures rule outcomes.
type Severity string

const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn is reported alongside a successful commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	RecordID int      `json:"record_id,omitempty"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Messages returns the messages of violations with the given severity.
func (r Result) Messages(severity Severity) []string {
	var out []string
	for _, v := range r.Violations {
		if v.Severity == severity {
			out = append(out, v.Message)
		}
	}
	return out
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return FormatIssues("integrity validation failed", e.Result.Messages(SeverityBlock))
}
