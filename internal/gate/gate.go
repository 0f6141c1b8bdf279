// Package gate validates plan items in two phases: a structural check of
// each item, then a preflight simulation of the whole batch against a private
// copy of the inventory.
package gate

import (
	"sort"
	"time"

	"cryocore/internal/plan"
	"cryocore/internal/planner"
	"cryocore/pkg/domain"
)

// Phase names the stage that blocked an item.
type Phase string

const (
	PhaseSchema    Phase = "schema"
	PhasePreflight Phase = "preflight"
)

// RollbackMessage is reported when a rollback shares a batch with other items.
const RollbackMessage = "Rollback must be the only item in a plan (clear other operations first)."

// BlockedItem describes one rejected item with enough detail to correct and
// resubmit it.
type BlockedItem struct {
	Index      int         `json:"index"`
	Phase      Phase       `json:"kind"`
	Action     plan.Action `json:"action"`
	RecordID   int         `json:"record_id,omitempty"`
	Box        int         `json:"box,omitempty"`
	Position   int         `json:"position,omitempty"`
	ToPosition int         `json:"to_position,omitempty"`
	ToBox      int         `json:"to_box,omitempty"`
	Code       domain.Code `json:"error_code"`
	Message    string      `json:"message"`
}

// Stats summarises a report.
type Stats struct {
	Total    int `json:"total"`
	Valid    int `json:"valid"`
	Accepted int `json:"accepted"`
	Blocked  int `json:"blocked"`
	Existing int `json:"existing,omitempty"`
	Incoming int `json:"incoming,omitempty"`
}

// Report is the gate outcome.
type Report struct {
	OK           bool                 `json:"ok"`
	Blocked      bool                 `json:"blocked"`
	Accepted     []plan.Item          `json:"accepted_items"`
	BlockedItems []BlockedItem        `json:"blocked_items"`
	Stats        Stats                `json:"stats"`
	Preflight    *planner.Result      `json:"-"`
	Analysis     planner.MoveAnalysis `json:"move_analysis"`
}

// Errors returns the blocked messages in item order.
func (r Report) Errors() []string {
	out := make([]string, 0, len(r.BlockedItems))
	for _, b := range r.BlockedItems {
		out = append(out, b.Message)
	}
	return out
}

// Err folds a blocked report into one structured error. The code is the
// shared code of all blocked items, or the phase's generic code when they
// differ.
func (r Report) Err() error {
	if !r.Blocked {
		return nil
	}
	code := r.BlockedItems[0].Code
	for _, b := range r.BlockedItems[1:] {
		if b.Code != code {
			code = domain.CodePlanPreflightFailed
			if b.Phase == PhaseSchema || r.BlockedItems[0].Phase == PhaseSchema {
				code = domain.CodePlanValidationFailed
			}
			break
		}
	}
	return domain.NewError(code, domain.FormatIssues("plan blocked", r.Errors())).
		WithContext("blocked", len(r.BlockedItems))
}

// RollbackCheck verifies that a rollback target exists and is usable.
type RollbackCheck func(ref string) error

// Options configure validation.
type Options struct {
	Now time.Time
	// SkipPreflight limits validation to the schema phase.
	SkipPreflight bool
	// Rollback, when set, is consulted during preflight of a rollback item.
	Rollback RollbackCheck
}

// ValidateBatch validates items as one batch against doc. doc is not
// mutated.
func ValidateBatch(doc domain.Document, items []plan.Item, opts Options) Report {
	l := doc.Meta.BoxLayout
	var (
		blocked []BlockedItem
		valid   []plan.Item
		validAt []int
	)
	for i, it := range items {
		if err := CheckItem(it, l); err != nil {
			blocked = append(blocked, blockedFrom(i, it, PhaseSchema, domain.CodePlanValidationFailed, err.Error()))
			continue
		}
		valid = append(valid, it)
		validAt = append(validAt, i)
	}

	if hasRollback(valid) && len(valid) != 1 {
		for k, it := range valid {
			blocked = append(blocked, blockedFrom(validAt[k], it, PhaseSchema, domain.CodePlanValidationFailed, RollbackMessage))
		}
		valid, validAt = nil, nil
	}

	report := Report{Analysis: planner.AnalyzeMoves(valid)}
	rejected := make(map[int]bool)
	if !opts.SkipPreflight && len(valid) > 0 {
		if len(valid) == 1 && valid[0].Action == plan.ActionRollback {
			if opts.Rollback != nil {
				ref := valid[0].Payload.(plan.RollbackPayload).BackupRef
				if err := opts.Rollback(ref); err != nil {
					code := domain.CodeOf(err)
					if code == "" {
						code = domain.CodePlanPreflightFailed
					}
					blocked = append(blocked, blockedFrom(validAt[0], valid[0], PhasePreflight, code, err.Error()))
					rejected[0] = true
				}
			}
		} else {
			res := planner.Apply(doc, valid, planner.Options{Now: opts.Now})
			report.Preflight = &res
			for _, is := range res.Issues {
				code := is.Code
				if code == "" {
					code = domain.CodePlanPreflightFailed
				}
				blocked = append(blocked, blockedFrom(validAt[is.Index], valid[is.Index], PhasePreflight, code, is.Message))
				rejected[is.Index] = true
			}
		}
	}

	for k, it := range valid {
		if !rejected[k] {
			report.Accepted = append(report.Accepted, it)
		}
	}
	sortBlocked(blocked)
	report.BlockedItems = blocked
	report.Blocked = len(blocked) > 0
	report.OK = !report.Blocked
	report.Stats = Stats{
		Total:    len(items),
		Valid:    len(valid),
		Accepted: len(report.Accepted),
		Blocked:  len(blocked),
	}
	return report
}

// ValidateStage validates a staging request. The batch under test is the
// staged queue with incoming items merged the way the store merges them: an
// incoming item replaces the staged item with its key, so a re-staged key is
// validated once. Incoming items never replace each other, so duplicates
// within one request are simulated side by side. Incoming items are accepted
// all or none; errors attributable to incoming items are reported when there
// are any, otherwise every error is.
func ValidateStage(doc domain.Document, existing, incoming []plan.Item, opts Options) Report {
	combined := make([]plan.Item, len(existing), len(existing)+len(incoming))
	copy(combined, existing)
	isIncoming := make(map[int]bool, len(incoming))
	for _, it := range incoming {
		idx := -1
		for i := range existing {
			if !isIncoming[i] && existing[i].Key() == it.Key() {
				idx = i
				break
			}
		}
		if idx >= 0 {
			combined[idx] = it
		} else {
			combined = append(combined, it)
			idx = len(combined) - 1
		}
		isIncoming[idx] = true
	}

	gate := ValidateBatch(doc, combined, opts)
	stats := gate.Stats
	stats.Existing = len(existing)
	stats.Incoming = len(incoming)

	if !gate.Blocked {
		gate.Accepted = cloneItems(incoming)
		stats.Accepted = len(incoming)
		gate.Stats = stats
		return gate
	}

	var relevant []BlockedItem
	for _, b := range gate.BlockedItems {
		if isIncoming[b.Index] {
			relevant = append(relevant, b)
		}
	}
	if len(relevant) == 0 {
		relevant = gate.BlockedItems
	}
	stats.Accepted = 0
	stats.Blocked = len(relevant)
	gate.Accepted = nil
	gate.BlockedItems = relevant
	gate.Stats = stats
	return gate
}

func hasRollback(items []plan.Item) bool {
	for _, it := range items {
		if it.Action == plan.ActionRollback {
			return true
		}
	}
	return false
}

func blockedFrom(idx int, it plan.Item, phase Phase, code domain.Code, msg string) BlockedItem {
	return BlockedItem{
		Index:      idx,
		Phase:      phase,
		Action:     it.Action,
		RecordID:   it.RecordID,
		Box:        it.Box,
		Position:   it.Position,
		ToPosition: it.ToPosition,
		ToBox:      it.ToBox,
		Code:       code,
		Message:    msg,
	}
}

func sortBlocked(items []BlockedItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Index < items[j].Index })
}

func cloneItems(items []plan.Item) []plan.Item {
	out := make([]plan.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
