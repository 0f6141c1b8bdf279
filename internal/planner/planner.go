// Package planner simulates an ordered batch of plan items against a private
// copy of the inventory. The simulation is an explicit arena: a record vector
// plus a slot occupancy table that only the planner's single pass mutates.
package planner

import (
	"fmt"
	"sort"
	"time"

	"cryocore/internal/layout"
	"cryocore/internal/plan"
	"cryocore/pkg/domain"
)

// Options tune a simulation run.
type Options struct {
	// Now supplies the default event date and the upper bound for dates.
	Now time.Time
}

// Issue is one rejected item.
type Issue struct {
	Index   int         `json:"index"`
	Item    plan.Item   `json:"item"`
	Code    domain.Code `json:"error_code"`
	Message string      `json:"message"`
}

// Outcome is one accepted item and the records it touched.
type Outcome struct {
	Index     int       `json:"index"`
	Item      plan.Item `json:"item"`
	RecordIDs []int     `json:"record_ids"`
}

// Result is the simulated batch. Document holds the post-batch inventory and
// is only meaningful when Issues is empty.
type Result struct {
	Document domain.Document
	Outcomes []Outcome
	Issues   []Issue
	Changes  []domain.Change
}

// Blocked reports whether any item was rejected. A blocked batch must not be
// applied in part.
func (r Result) Blocked() bool {
	return len(r.Issues) > 0
}

// Messages returns the labelled issue messages in item order.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		out = append(out, is.Message)
	}
	return out
}

// Err folds the issues into one structured error, or nil.
func (r Result) Err() error {
	if !r.Blocked() {
		return nil
	}
	code := r.Issues[0].Code
	for _, is := range r.Issues[1:] {
		if is.Code != code {
			code = domain.CodePlanPreflightFailed
			break
		}
	}
	return domain.NewError(code, domain.FormatIssues("batch blocked", r.Messages())).
		WithContext("blocked", len(r.Issues))
}

// Apply simulates items against doc. doc is never mutated. Items run in four
// phases: adds, edits, moves as one batch, then takeouts as one batch. Within
// a phase, items keep submission order.
func Apply(doc domain.Document, items []plan.Item, opts Options) Result {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	a := newArena(doc, opts)

	for _, action := range []plan.Action{plan.ActionAdd, plan.ActionEdit, plan.ActionMove, plan.ActionTakeout} {
		for i, it := range items {
			if it.Action != action {
				continue
			}
			switch p := it.Payload.(type) {
			case plan.AddPayload:
				a.add(i, it, p)
			case plan.EditPayload:
				a.edit(i, it, p)
			case plan.MovePayload:
				a.move(i, it, p)
			case plan.TakeoutPayload:
				a.takeout(i, it, p)
			default:
				a.reject(i, it, domain.CodePlanValidationFailed, "Row %d: %s item has no payload", i+1, it.Action)
			}
		}
	}
	for i, it := range items {
		switch it.Action {
		case plan.ActionAdd, plan.ActionEdit, plan.ActionMove, plan.ActionTakeout:
		case plan.ActionRollback:
			a.reject(i, it, domain.CodeUnsupportedAction, "Row %d: rollback runs alone and is not simulated", i+1)
		default:
			a.reject(i, it, domain.CodeUnsupportedAction, "Row %d: unsupported action %q", i+1, it.Action)
		}
	}
	return a.result()
}

type arena struct {
	opts   Options
	layout domain.BoxLayout
	meta   domain.Meta
	orig   []domain.Record
	recs   []domain.Record
	byID   map[int]int
	occ    map[domain.Slot]int
	nextID int

	// touched holds record indices moved in the current move batch.
	touched map[int]bool

	outcomes []Outcome
	issues   []Issue
	actions  map[int]domain.ChangeAction
}

func newArena(doc domain.Document, opts Options) *arena {
	work := doc.Clone()
	a := &arena{
		opts:    opts,
		layout:  layout.Normalize(work.Meta.BoxLayout),
		meta:    work.Meta,
		orig:    doc.Clone().Inventory,
		recs:    work.Inventory,
		byID:    make(map[int]int, len(work.Inventory)),
		occ:     make(map[domain.Slot]int, len(work.Inventory)),
		nextID:  work.MaxRecordID() + 1,
		touched: make(map[int]bool),
		actions: make(map[int]domain.ChangeAction),
	}
	for i, rec := range a.recs {
		a.byID[rec.ID] = i
		if slot, ok := rec.Slot(); ok {
			if _, taken := a.occ[slot]; !taken {
				a.occ[slot] = i
			}
		}
	}
	return a
}

func (a *arena) reject(idx int, it plan.Item, code domain.Code, format string, args ...any) {
	a.issues = append(a.issues, Issue{
		Index:   idx,
		Item:    it.Clone(),
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

func (a *arena) accept(idx int, it plan.Item, action domain.ChangeAction, recIdx ...int) {
	ids := make([]int, 0, len(recIdx))
	for _, ri := range recIdx {
		ids = append(ids, a.recs[ri].ID)
		if _, seen := a.actions[ri]; !seen || action != domain.ChangeEdit {
			a.actions[ri] = action
		}
	}
	sort.Ints(ids)
	a.outcomes = append(a.outcomes, Outcome{Index: idx, Item: it.Clone(), RecordIDs: ids})
}

func (a *arena) lookup(id int) (int, bool) {
	i, ok := a.byID[id]
	return i, ok
}

func (a *arena) eventDate(raw string) (string, error) {
	if raw == "" {
		return a.opts.Now.Format(domain.DateLayout), nil
	}
	if err := domain.CheckDate(raw, a.opts.Now); err != nil {
		return "", err
	}
	return raw, nil
}

func (a *arena) result() Result {
	sort.SliceStable(a.issues, func(i, j int) bool { return a.issues[i].Index < a.issues[j].Index })
	sort.SliceStable(a.outcomes, func(i, j int) bool { return a.outcomes[i].Index < a.outcomes[j].Index })

	res := Result{
		Document: domain.Document{Meta: a.meta, Inventory: a.recs},
		Outcomes: a.outcomes,
		Issues:   a.issues,
	}
	idxs := make([]int, 0, len(a.actions))
	for ri := range a.actions {
		idxs = append(idxs, ri)
	}
	sort.Ints(idxs)
	for _, ri := range idxs {
		after := a.recs[ri].Clone()
		ch := domain.Change{Action: a.actions[ri], RecordID: after.ID, After: &after}
		if ri < len(a.orig) {
			before := a.orig[ri].Clone()
			ch.Before = &before
		}
		res.Changes = append(res.Changes, ch)
	}
	return res
}
