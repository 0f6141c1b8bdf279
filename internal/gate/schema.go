package gate

import (
	"fmt"
	"strings"

	"cryocore/internal/layout"
	"cryocore/internal/plan"
	"cryocore/pkg/domain"
)

// CheckItem runs the structural checks for one item: the payload variant
// matches the action, ids and slots are positive and inside the layout, and
// item-level fields agree with the payload.
func CheckItem(it plan.Item, l domain.BoxLayout) error {
	if it.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	switch p := it.Payload.(type) {
	case plan.AddPayload:
		if it.Action != plan.ActionAdd {
			return mismatch(it.Action, "add")
		}
		return checkAdd(it, p, l)
	case plan.EditPayload:
		if it.Action != plan.ActionEdit {
			return mismatch(it.Action, "edit")
		}
		if p.RecordID <= 0 {
			return fmt.Errorf("payload.record_id must be a positive integer")
		}
		if it.RecordID != p.RecordID {
			return fmt.Errorf("payload.record_id must match item.record_id")
		}
		if len(p.Fields) == 0 {
			return fmt.Errorf("payload.fields must be a non-empty object")
		}
		return nil
	case plan.TakeoutPayload:
		if it.Action != plan.ActionTakeout {
			return mismatch(it.Action, "takeout")
		}
		return checkSlotItem(it, p.RecordID, p.Position, l)
	case plan.MovePayload:
		if it.Action != plan.ActionMove {
			return mismatch(it.Action, "move")
		}
		return checkMove(it, p, l)
	case plan.RollbackPayload:
		if it.Action != plan.ActionRollback {
			return mismatch(it.Action, "rollback")
		}
		if strings.TrimSpace(p.BackupRef) == "" {
			return fmt.Errorf("payload.backup_path is required")
		}
		return nil
	}
	return fmt.Errorf("unsupported payload %T", it.Payload)
}

func mismatch(action plan.Action, payload string) error {
	return fmt.Errorf("action %q does not match %s payload", action, payload)
}

func checkAdd(it plan.Item, p plan.AddPayload, l domain.BoxLayout) error {
	if !layout.ValidBox(l, p.Box) {
		return fmt.Errorf("payload.box %d out of range (%s)", p.Box, layout.BoxConstraint(l))
	}
	if it.Box != p.Box {
		return fmt.Errorf("payload.box must match item.box")
	}
	if len(p.Positions) == 0 {
		return fmt.Errorf("payload.positions must be a non-empty list")
	}
	found := false
	for i, pos := range p.Positions {
		if !layout.ValidPosition(l, pos) {
			return fmt.Errorf("payload.positions[%d] must be within %s", i, layout.PositionConstraint(l))
		}
		if pos == it.Position {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("item.position must be included in payload.positions")
	}
	return nil
}

func checkSlotItem(it plan.Item, recordID, position int, l domain.BoxLayout) error {
	if recordID <= 0 {
		return fmt.Errorf("payload.record_id must be a positive integer")
	}
	if it.RecordID != recordID {
		return fmt.Errorf("payload.record_id must match item.record_id")
	}
	if !layout.ValidBox(l, it.Box) {
		return fmt.Errorf("box %d out of range (%s)", it.Box, layout.BoxConstraint(l))
	}
	if !layout.ValidPosition(l, position) {
		return fmt.Errorf("payload.position must be within %s", layout.PositionConstraint(l))
	}
	if it.Position != position {
		return fmt.Errorf("payload.position must match item.position")
	}
	return nil
}

func checkMove(it plan.Item, p plan.MovePayload, l domain.BoxLayout) error {
	if err := checkSlotItem(it, p.RecordID, p.Position, l); err != nil {
		return err
	}
	if !layout.ValidPosition(l, p.ToPosition) {
		return fmt.Errorf("payload.to_position must be within %s", layout.PositionConstraint(l))
	}
	if it.ToPosition != p.ToPosition {
		return fmt.Errorf("payload.to_position must match item.to_position")
	}
	targetBox := it.Box
	if p.ToBox != 0 {
		if !layout.ValidBox(l, p.ToBox) {
			return fmt.Errorf("payload.to_box %d out of range (%s)", p.ToBox, layout.BoxConstraint(l))
		}
		if it.ToBox != 0 && it.ToBox != p.ToBox {
			return fmt.Errorf("payload.to_box must match item.to_box")
		}
		targetBox = p.ToBox
	}
	if targetBox == it.Box && p.ToPosition == p.Position {
		return fmt.Errorf("payload.to_position must differ from payload.position")
	}
	return nil
}
