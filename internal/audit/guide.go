package audit

import (
	"encoding/json"
	"fmt"
	"sort"

	"cryocore/internal/plan"
	"cryocore/pkg/domain"
)

// GuideItem is the net effect of a chain of committed operations on one tube.
type GuideItem struct {
	Action     plan.Action        `json:"action"`
	Kind       domain.EventAction `json:"kind,omitempty"`
	RecordID   int                `json:"record_id"`
	Label      string             `json:"label"`
	Box        int                `json:"box"`
	Position   int                `json:"position"`
	ToBox      int                `json:"to_box,omitempty"`
	ToPosition int                `json:"to_position,omitempty"`
	Date       string             `json:"date,omitempty"`

	frozenAt string
	fields   map[string]any
}

// Guide is an ordered set of net operations rebuilt from audit events.
type Guide struct {
	Items    []GuideItem `json:"items"`
	Warnings []string    `json:"warnings,omitempty"`
}

// GuideOption customises guide construction.
type GuideOption func(*guideBuilder)

// WithSnapshot labels tubes from a document, preferring short_name then
// cell_line.
func WithSnapshot(doc domain.Document) GuideOption {
	return func(b *guideBuilder) {
		for _, rec := range doc.Inventory {
			b.labels[rec.ID] = labelOf(rec)
		}
	}
}

type slotRef struct {
	box, pos int
}

type step struct {
	action   plan.Action
	kind     domain.EventAction
	recordID int
	from     *slotRef
	to       *slotRef
	date     string
	frozenAt string
	fields   map[string]any
}

type flow struct {
	recordID int
	start    *slotRef
	end      *slotRef
	lastOut  domain.EventAction
	date     string
	frozenAt string
	fields   map[string]any
}

type guideBuilder struct {
	labels   map[int]string
	warnings []string
}

// BuildGuide collapses successful execute events into net operations: a tube
// moved A to B to C becomes one move A to C, a tube added then moved becomes
// one add at the final slot, and a tube moved back where it started vanishes.
func BuildGuide(events []Event, opts ...GuideOption) Guide {
	b := &guideBuilder{labels: map[int]string{}}
	for _, opt := range opts {
		opt(b)
	}

	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, k int) bool { return sorted[i].Timestamp.Before(sorted[k].Timestamp) })

	var flows []*flow
	for _, ev := range sorted {
		for _, st := range b.steps(ev) {
			flows = collapse(flows, st)
		}
	}

	var items []GuideItem
	for _, f := range flows {
		if item, ok := b.item(f); ok {
			items = append(items, item)
		}
	}
	sort.SliceStable(items, func(i, k int) bool {
		ri, rk := actionRank(items[i].Action), actionRank(items[k].Action)
		if ri != rk {
			return ri < rk
		}
		if items[i].Box != items[k].Box {
			return items[i].Box < items[k].Box
		}
		if items[i].Position != items[k].Position {
			return items[i].Position < items[k].Position
		}
		return items[i].RecordID < items[k].RecordID
	})

	b.warnings = append(b.warnings, targetConflicts(items)...)
	if hasMoveCycle(items) {
		b.warnings = append(b.warnings, "Move cycle detected in selected events. Use a temporary empty slot when executing the printed guide.")
	}
	return Guide{Items: items, Warnings: b.warnings}
}

func (b *guideBuilder) steps(ev Event) []step {
	if ev.Operation != "execute" || ev.Action == string(plan.ActionRollback) {
		return nil
	}
	if ev.Status != StatusSuccess {
		b.warnf("skipped %s event %s with status %s", ev.Action, ev.ID, ev.Status)
		return nil
	}
	if len(ev.Input) == 0 {
		b.warnf("skipped %s event %s without recorded input", ev.Action, ev.ID)
		return nil
	}
	var item plan.Item
	if err := json.Unmarshal(ev.Input, &item); err != nil {
		b.warnf("skipped event %s: %v", ev.ID, err)
		return nil
	}

	switch p := item.Payload.(type) {
	case plan.AddPayload:
		targets := uniqueSorted(p.Positions)
		ids := ev.AffectedIDs
		if len(ids) != len(targets) {
			b.warnf("add event %s lists %d positions but %d new ids", ev.ID, len(targets), len(ids))
			ids = nil
		}
		out := make([]step, 0, len(targets))
		for i, pos := range targets {
			st := step{
				action:   plan.ActionAdd,
				to:       &slotRef{box: p.Box, pos: pos},
				frozenAt: p.FrozenAt,
				fields:   p.Fields,
			}
			if ids != nil {
				st.recordID = ids[i]
			}
			out = append(out, st)
		}
		return out
	case plan.TakeoutPayload:
		return []step{{
			action:   plan.ActionTakeout,
			kind:     p.Kind,
			recordID: p.RecordID,
			from:     &slotRef{box: item.Box, pos: p.Position},
			date:     p.Date,
		}}
	case plan.MovePayload:
		return []step{{
			action:   plan.ActionMove,
			recordID: p.RecordID,
			from:     &slotRef{box: item.Box, pos: p.Position},
			to:       &slotRef{box: item.TargetBox(), pos: p.ToPosition},
			date:     p.Date,
		}}
	case plan.EditPayload:
		b.warnf("skipped edit event %s: metadata edits do not move tubes", ev.ID)
	}
	return nil
}

func collapse(flows []*flow, st step) []*flow {
	if st.from != nil && st.recordID > 0 {
		for i := len(flows) - 1; i >= 0; i-- {
			f := flows[i]
			if f.recordID == st.recordID && f.end != nil && *f.end == *st.from {
				f.end = st.to
				if st.action == plan.ActionTakeout {
					f.lastOut = st.kind
				}
				if st.date != "" {
					f.date = st.date
				}
				return flows
			}
		}
	}
	f := &flow{
		recordID: st.recordID,
		start:    st.from,
		end:      st.to,
		date:     st.date,
		frozenAt: st.frozenAt,
		fields:   st.fields,
	}
	if st.action == plan.ActionTakeout {
		f.lastOut = st.kind
	}
	return append(flows, f)
}

func (b *guideBuilder) item(f *flow) (GuideItem, bool) {
	item := GuideItem{RecordID: f.recordID, Label: b.label(f), Date: f.date, frozenAt: f.frozenAt, fields: f.fields}
	switch {
	case f.start == nil && f.end != nil:
		item.Action = plan.ActionAdd
		item.Box, item.Position = f.end.box, f.end.pos
	case f.start != nil && f.end == nil:
		item.Action = plan.ActionTakeout
		item.Kind = f.lastOut
		if item.Kind == "" {
			item.Kind = domain.EventTakeout
		}
		item.Box, item.Position = f.start.box, f.start.pos
	case f.start != nil && *f.start != *f.end:
		item.Action = plan.ActionMove
		item.Box, item.Position = f.start.box, f.start.pos
		item.ToPosition = f.end.pos
		if f.end.box != f.start.box {
			item.ToBox = f.end.box
		}
	default:
		return GuideItem{}, false
	}
	return item, true
}

func (b *guideBuilder) label(f *flow) string {
	if l, ok := b.labels[f.recordID]; ok && l != "" {
		return l
	}
	if f.fields != nil {
		if l := labelOf(domain.Record{Fields: f.fields}); l != "" {
			return l
		}
	}
	if f.recordID > 0 {
		return fmt.Sprintf("ID %d", f.recordID)
	}
	return "new"
}

func (b *guideBuilder) warnf(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func labelOf(rec domain.Record) string {
	for _, key := range []string{"short_name", "cell_line"} {
		if v, ok := rec.Fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func actionRank(a plan.Action) int {
	switch a {
	case plan.ActionTakeout:
		return 0
	case plan.ActionMove:
		return 1
	default:
		return 2
	}
}

func (i GuideItem) target() (slotRef, bool) {
	switch i.Action {
	case plan.ActionAdd:
		return slotRef{box: i.Box, pos: i.Position}, true
	case plan.ActionMove:
		box := i.ToBox
		if box == 0 {
			box = i.Box
		}
		return slotRef{box: box, pos: i.ToPosition}, true
	}
	return slotRef{}, false
}

func targetConflicts(items []GuideItem) []string {
	var out []string
	seen := map[slotRef]GuideItem{}
	for _, item := range items {
		t, ok := item.target()
		if !ok {
			continue
		}
		if prev, dup := seen[t]; dup {
			out = append(out, fmt.Sprintf("Target conflict detected at Box %d:%d between IDs %v and %v",
				t.box, t.pos, prev.RecordID, item.RecordID))
			continue
		}
		seen[t] = item
	}
	return out
}

func hasMoveCycle(items []GuideItem) bool {
	next := map[slotRef]slotRef{}
	for _, item := range items {
		if item.Action != plan.ActionMove {
			continue
		}
		to, _ := item.target()
		next[slotRef{box: item.Box, pos: item.Position}] = to
	}
	const (
		unvisited = iota
		active
		done
	)
	state := map[slotRef]int{}
	var visit func(slotRef) bool
	visit = func(n slotRef) bool {
		state[n] = active
		if m, ok := next[n]; ok {
			switch state[m] {
			case active:
				return true
			case unvisited:
				if visit(m) {
					return true
				}
			}
		}
		state[n] = done
		return false
	}
	for n := range next {
		if state[n] == unvisited && visit(n) {
			return true
		}
	}
	return false
}

func uniqueSorted(in []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

// PlanItems converts the guide into stageable items tagged as audit-sourced.
// Adds without a recorded frozen_at are dated date.
func (g Guide) PlanItems(date string) ([]plan.Item, error) {
	out := make([]plan.Item, 0, len(g.Items))
	for _, gi := range g.Items {
		var (
			item plan.Item
			err  error
		)
		switch gi.Action {
		case plan.ActionAdd:
			frozen := gi.frozenAt
			if frozen == "" {
				frozen = date
			}
			item, err = plan.NewAdd(gi.Box, []int{gi.Position}, frozen, gi.fields, plan.SourceAudit)
		case plan.ActionTakeout:
			item, err = plan.NewTakeout(gi.RecordID, gi.Box, gi.Position, date, gi.Kind, plan.SourceAudit)
		case plan.ActionMove:
			item, err = plan.NewMove(gi.RecordID, gi.Box, gi.Position, gi.ToPosition, gi.ToBox, date, plan.SourceAudit)
		}
		if err != nil {
			return nil, fmt.Errorf("guide item %s %d: %w", gi.Action, gi.RecordID, err)
		}
		out = append(out, item)
	}
	return out, nil
}
