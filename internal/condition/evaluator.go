// Package condition evaluates a task's branching rules against the
// workflow's current field values.
//
// Predicates inside a rule are AND'ed; rules inside a condition are
// OR'ed; the first condition by order whose rules hold wins and its
// action (skip the task or end the workflow) is returned.
package condition

import (
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/stepline/internal/fields"
	"github.com/nidhogg/stepline/internal/workflow"
)

// Outcome is the decision of a satisfied condition.
type Outcome struct {
	Action           workflow.ConditionAction
	ConditionAPIName string
}

// Evaluate walks the task's condition tree. A nil result means normal
// progression. Evaluation is deterministic: the same field values
// always produce the same outcome.
func Evaluate(task *workflow.TaskInstance, vals fields.Values, idx *workflow.Index) *Outcome {
	if len(task.Conditions) == 0 {
		return nil
	}

	conds := make([]workflow.Condition, len(task.Conditions))
	copy(conds, task.Conditions)
	sort.SliceStable(conds, func(i, j int) bool { return conds[i].Order < conds[j].Order })

	for _, c := range conds {
		if conditionHolds(c, vals, idx) {
			return &Outcome{Action: c.Action, ConditionAPIName: c.APIName}
		}
	}
	return nil
}

func conditionHolds(c workflow.Condition, vals fields.Values, idx *workflow.Index) bool {
	for _, r := range c.Rules {
		if ruleHolds(r, vals, idx) {
			return true
		}
	}
	return false
}

func ruleHolds(r workflow.Rule, vals fields.Values, idx *workflow.Index) bool {
	if len(r.Predicates) == 0 {
		return false
	}
	for _, p := range r.Predicates {
		if !predicateHolds(p, vals, idx) {
			return false
		}
	}
	return true
}

// predicateHolds applies one operator. Dangling references (deleted
// field, deleted task) are never satisfied rather than errors.
func predicateHolds(p workflow.Predicate, vals fields.Values, idx *workflow.Index) bool {
	switch p.Operator {
	case workflow.OpExists:
		_, ok := vals.Get(p.FieldAPIName)
		return ok
	case workflow.OpNotExists:
		_, ok := vals.Get(p.FieldAPIName)
		return !ok
	case workflow.OpCompleted:
		t := idx.Task(p.FieldAPIName)
		return t != nil && t.IsCompleted
	case workflow.OpEquals:
		actual, operand, ok := operands(p, vals)
		return ok && actual == operand
	case workflow.OpNotEquals:
		actual, operand, ok := operands(p, vals)
		return ok && actual != operand
	case workflow.OpContains:
		actual, operand, ok := operands(p, vals)
		return ok && strings.Contains(actual, operand)
	case workflow.OpNotContains:
		actual, operand, ok := operands(p, vals)
		return ok && !strings.Contains(actual, operand)
	case workflow.OpMoreThan:
		a, b, ok := dateOperands(p, vals)
		return ok && a.After(b)
	case workflow.OpLessThan:
		a, b, ok := dateOperands(p, vals)
		return ok && a.Before(b)
	default:
		return false
	}
}

// operands fetches the field's stored value and the comparison
// operand, which is either the predicate literal or another field's
// current value.
func operands(p workflow.Predicate, vals fields.Values) (actual, operand string, ok bool) {
	actual, ok = vals.Get(p.FieldAPIName)
	if !ok {
		return "", "", false
	}
	if p.ValueSource == workflow.ValueField {
		operand, ok = vals.Get(p.Value)
		if !ok {
			return "", "", false
		}
		return actual, operand, true
	}
	return actual, p.Value, true
}

// dateOperands parses both sides as dates; more_than/less_than apply
// only to date-typed comparisons, and unparseable values degrade to
// not-satisfied.
func dateOperands(p workflow.Predicate, vals fields.Values) (a, b time.Time, ok bool) {
	actual, operand, ok := operands(p, vals)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	a, aok := fields.ParseDate(actual)
	b, bok := fields.ParseDate(operand)
	if !aok || !bok {
		return time.Time{}, time.Time{}, false
	}
	return a, b, true
}
