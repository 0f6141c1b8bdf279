package planner

import (
	"errors"

	"cryocore/internal/layout"
	"cryocore/internal/plan"
	"cryocore/pkg/domain"
)

// move simulates one entry of the move batch. Checks run in a fixed order and
// the first failure wins. Cross-box moves never swap: an occupied destination
// in another box is a conflict.
func (a *arena) move(idx int, it plan.Item, p plan.MovePayload) {
	row := idx + 1
	id := p.RecordID
	lo, hi := layout.PositionRange(a.layout)

	if !layout.ValidPosition(a.layout, p.Position) {
		a.reject(idx, it, domain.CodeInvalidPosition, "Row %d ID %d: source position %d must be within %d-%d", row, id, p.Position, lo, hi)
		return
	}
	if !layout.ValidPosition(a.layout, p.ToPosition) {
		a.reject(idx, it, domain.CodeInvalidPosition, "Row %d ID %d: target position %d must be within %d-%d", row, id, p.ToPosition, lo, hi)
		return
	}
	if p.ToBox != 0 && !layout.ValidBox(a.layout, p.ToBox) {
		a.reject(idx, it, domain.CodeInvalidBox, "Row %d ID %d: target box %d out of range (%s)", row, id, p.ToBox, layout.BoxConstraint(a.layout))
		return
	}

	ri, ok := a.lookup(id)
	if !ok {
		a.reject(idx, it, domain.CodeRecordNotFound, "Row %d ID %d: record not found", row, id)
		return
	}
	rec := &a.recs[ri]
	currentBox := rec.Box
	crossBox := p.ToBox != 0 && p.ToBox != currentBox

	if !crossBox && p.Position == p.ToPosition {
		a.reject(idx, it, domain.CodeInvalidMoveTarget, "Row %d ID %d: source and target positions must differ for move", row, id)
		return
	}
	if rec.Position == nil {
		a.reject(idx, it, domain.CodePositionNotFound, "Row %d ID %d: record has no active position", row, id)
		return
	}
	from := *rec.Position
	if it.Box != 0 && it.Box != currentBox {
		a.reject(idx, it, domain.CodeFromMismatch, "Row %d ID %d: source box %d does not match current box %d", row, id, it.Box, currentBox)
		return
	}
	if p.Position != from {
		a.reject(idx, it, domain.CodeFromMismatch, "Row %d ID %d: source position %d does not match current %d", row, id, p.Position, from)
		return
	}

	targetBox := currentBox
	if crossBox {
		targetBox = p.ToBox
	}
	target := domain.Slot{Box: targetBox, Position: p.ToPosition}
	dest, occupied := a.occ[target]
	switch {
	case occupied && dest == ri:
		a.reject(idx, it, domain.CodeInvalidMoveTarget, "Row %d ID %d: target position %d already belongs to this record", row, id, p.ToPosition)
		return
	case occupied && crossBox:
		a.reject(idx, it, domain.CodePositionConflict, "Row %d ID %d: target box %d position %d is occupied by record #%d",
			row, id, targetBox, p.ToPosition, a.recs[dest].ID)
		return
	case occupied && a.touched[dest]:
		a.reject(idx, it, domain.CodePositionConflict, "Row %d ID %d: target position %d has already been moved in this batch", row, id, p.ToPosition)
		return
	}

	date, err := a.eventDate(p.Date)
	if err != nil {
		a.reject(idx, it, domain.CodeInvalidDate, "Row %d ID %d: %s", row, id, errMessage(err))
		return
	}

	source := domain.Slot{Box: currentBox, Position: from}
	ev := domain.Event{
		Date:         date,
		Action:       domain.EventMove,
		Positions:    []int{from},
		FromPosition: from,
		ToPosition:   p.ToPosition,
	}
	if crossBox {
		ev.FromBox = currentBox
		ev.ToBox = targetBox
	}

	a.touched[ri] = true
	if occupied {
		partner := &a.recs[dest]
		ev.PairedRecordID = partner.ID
		partner.Position = domain.IntPtr(from)
		partner.Events = append(partner.Events, domain.Event{
			Date:           date,
			Action:         domain.EventMove,
			Positions:      []int{p.ToPosition},
			FromPosition:   p.ToPosition,
			ToPosition:     from,
			PairedRecordID: id,
		})
		a.touched[dest] = true
		a.occ[source] = dest
	} else {
		delete(a.occ, source)
	}
	rec.Box = targetBox
	rec.Position = domain.IntPtr(p.ToPosition)
	rec.Events = append(rec.Events, ev)
	a.occ[target] = ri

	if occupied {
		a.accept(idx, it, domain.ChangeMove, ri, dest)
		return
	}
	a.accept(idx, it, domain.ChangeMove, ri)
}

// takeout consumes one tube. The stated slot must match the record's
// simulated slot, so a takeout cannot follow a move of the same record in one
// batch.
func (a *arena) takeout(idx int, it plan.Item, p plan.TakeoutPayload) {
	row := idx + 1
	id := p.RecordID
	if !layout.ValidPosition(a.layout, p.Position) {
		a.reject(idx, it, domain.CodeInvalidPosition, "Row %d ID %d: position %d must be within %s", row, id, p.Position, layout.PositionConstraint(a.layout))
		return
	}
	if it.Box != 0 && !layout.ValidBox(a.layout, it.Box) {
		a.reject(idx, it, domain.CodeInvalidBox, "Row %d ID %d: box %d out of range (%s)", row, id, it.Box, layout.BoxConstraint(a.layout))
		return
	}
	ri, ok := a.lookup(id)
	if !ok {
		a.reject(idx, it, domain.CodeRecordNotFound, "Row %d ID %d: record not found", row, id)
		return
	}
	rec := &a.recs[ri]
	if rec.Position == nil {
		a.reject(idx, it, domain.CodePositionNotFound, "Row %d ID %d: record has no active position", row, id)
		return
	}
	if (it.Box != 0 && it.Box != rec.Box) || p.Position != *rec.Position {
		a.reject(idx, it, domain.CodeFromMismatch, "Row %d ID %d: box %d position %d does not match current box %d position %d",
			row, id, it.Box, p.Position, rec.Box, *rec.Position)
		return
	}
	kind := p.Kind
	if kind == "" {
		kind = domain.EventTakeout
	}
	if !kind.Depletes() {
		a.reject(idx, it, domain.CodeInvalidToolInput, "Row %d ID %d: %q is not a takeout kind", row, id, kind)
		return
	}
	date, err := a.eventDate(p.Date)
	if err != nil {
		a.reject(idx, it, domain.CodeInvalidDate, "Row %d ID %d: %s", row, id, errMessage(err))
		return
	}

	delete(a.occ, domain.Slot{Box: rec.Box, Position: p.Position})
	rec.Position = nil
	rec.Events = append(rec.Events, domain.Event{Date: date, Action: kind, Positions: []int{p.Position}})
	a.accept(idx, it, domain.ChangeTakeout, ri)
}

func errMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
