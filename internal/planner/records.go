package planner

import (
	"strings"

	"cryocore/internal/layout"
	"cryocore/internal/plan"
	"cryocore/pkg/domain"
)

func (a *arena) add(idx int, it plan.Item, p plan.AddPayload) {
	row := idx + 1
	if !layout.ValidBox(a.layout, p.Box) {
		a.reject(idx, it, domain.CodeInvalidBox, "Row %d: box %d out of range (%s)", row, p.Box, layout.BoxConstraint(a.layout))
		return
	}
	if len(p.Positions) == 0 {
		a.reject(idx, it, domain.CodeInvalidPosition, "Row %d: add requires at least one position", row)
		return
	}
	frozenAt := strings.TrimSpace(p.FrozenAt)
	if frozenAt == "" {
		frozenAt = a.opts.Now.Format(domain.DateLayout)
	} else if err := domain.CheckDate(frozenAt, a.opts.Now); err != nil {
		a.reject(idx, it, domain.CodeInvalidDate, "Row %d: frozen_at: %s", row, errMessage(err))
		return
	}
	fields, err := domain.NormalizeFields(a.meta, withoutKey(p.Fields, "frozen_at"), true)
	if err != nil {
		a.reject(idx, it, domain.CodeOf(err), "Row %d: %v", row, err)
		return
	}

	seen := make(map[int]bool, len(p.Positions))
	for _, pos := range p.Positions {
		if !layout.ValidPosition(a.layout, pos) {
			a.reject(idx, it, domain.CodeInvalidPosition, "Row %d: position %d must be within %s", row, pos, layout.PositionConstraint(a.layout))
			return
		}
		if seen[pos] {
			a.reject(idx, it, domain.CodePositionConflict, "Row %d: position %d is listed twice", row, pos)
			return
		}
		seen[pos] = true
		if owner, taken := a.occ[domain.Slot{Box: p.Box, Position: pos}]; taken {
			a.reject(idx, it, domain.CodePositionConflict, "Row %d: box %d position %d is occupied by record #%d",
				row, p.Box, pos, a.recs[owner].ID)
			return
		}
	}

	created := make([]int, 0, len(p.Positions))
	for _, pos := range p.Positions {
		rec := domain.Record{
			ID:       a.nextID,
			Box:      p.Box,
			Position: domain.IntPtr(pos),
			FrozenAt: frozenAt,
			Fields:   domain.CloneFields(fields),
		}
		a.nextID++
		a.recs = append(a.recs, rec)
		ri := len(a.recs) - 1
		a.byID[rec.ID] = ri
		a.occ[domain.Slot{Box: p.Box, Position: pos}] = ri
		created = append(created, ri)
	}
	a.accept(idx, it, domain.ChangeAdd, created...)
}

func (a *arena) edit(idx int, it plan.Item, p plan.EditPayload) {
	row := idx + 1
	ri, ok := a.lookup(p.RecordID)
	if !ok {
		a.reject(idx, it, domain.CodeRecordNotFound, "Row %d ID %d: record not found", row, p.RecordID)
		return
	}
	if len(p.Fields) == 0 {
		a.reject(idx, it, domain.CodeInvalidToolInput, "Row %d ID %d: no fields to edit", row, p.RecordID)
		return
	}
	rec := &a.recs[ri]
	if raw, ok := p.Fields["frozen_at"]; ok {
		s, _ := raw.(string)
		if err := domain.CheckDate(s, a.opts.Now); err != nil {
			a.reject(idx, it, domain.CodeInvalidDate, "Row %d ID %d: frozen_at: %s", row, p.RecordID, errMessage(err))
			return
		}
	}
	fields, err := domain.NormalizeFields(a.meta, withoutKey(p.Fields, "frozen_at"), false)
	if err != nil {
		a.reject(idx, it, domain.CodeOf(err), "Row %d ID %d: %v", row, p.RecordID, err)
		return
	}

	if raw, ok := p.Fields["frozen_at"].(string); ok {
		rec.FrozenAt = strings.TrimSpace(raw)
	}
	if rec.Fields == nil && len(fields) > 0 {
		rec.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if v == nil {
			delete(rec.Fields, k)
			continue
		}
		rec.Fields[k] = v
	}
	a.accept(idx, it, domain.ChangeEdit, ri)
}

func withoutKey(fields map[string]any, key string) map[string]any {
	if _, ok := fields[key]; !ok {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != key {
			out[k] = v
		}
	}
	return out
}
