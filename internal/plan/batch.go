package plan

import (
	"strconv"
	"strings"

	"cryocore/internal/layout"
	"cryocore/pkg/domain"
)

// BatchEntry is one row of a batch takeout or move request. A zero Position
// means "the record's current active position" and is only valid for
// takeouts. A zero ToBox keeps the move within the source box.
type BatchEntry struct {
	RecordID   int
	Position   int
	ToPosition int
	ToBox      int
}

// ParseBatchEntries parses the compact batch syntax:
//
//	id1,id2             takeout at each record's current position
//	id1:pos1,id2:pos2   takeout
//	id:from->to         move within the same box
//	id:from->to:box     cross-box move
//
// Positions use the layout's addressing convention.
func ParseBatchEntries(text string, l domain.BoxLayout) ([]BatchEntry, error) {
	var out []BatchEntry
	for idx, raw := range strings.Split(text, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		row := idx + 1
		parts := strings.Split(entry, ":")
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || id <= 0 {
			return nil, batchError(row, entry, "record id must be a positive integer")
		}
		be := BatchEntry{RecordID: id}
		switch len(parts) {
		case 1:
		case 2, 3:
			spec := strings.TrimSpace(parts[1])
			if from, to, isMove := strings.Cut(spec, "->"); isMove {
				if be.Position, err = parseSlot(l, row, entry, from); err != nil {
					return nil, err
				}
				if be.ToPosition, err = parseSlot(l, row, entry, to); err != nil {
					return nil, err
				}
			} else if be.Position, err = parseSlot(l, row, entry, spec); err != nil {
				return nil, err
			}
			if len(parts) == 3 {
				if be.ToPosition == 0 {
					return nil, batchError(row, entry, "target box requires a from->to move")
				}
				be.ToBox, err = strconv.Atoi(strings.TrimSpace(parts[2]))
				if err != nil || be.ToBox <= 0 {
					return nil, batchError(row, entry, "target box must be a positive integer")
				}
			}
		default:
			return nil, batchError(row, entry, "expected id, id:pos, id:from->to or id:from->to:box")
		}
		out = append(out, be)
	}
	if len(out) == 0 {
		return nil, domain.NewError(domain.CodeInvalidToolInput, "batch is empty").
			WithHint("example: 12:5->10,13:6->5")
	}
	return out, nil
}

// RecordLookup resolves a record by id.
type RecordLookup func(id int) (domain.Record, bool)

// BuildBatchItems turns batch entries into move or takeout items. Entries
// with a target position become moves; others become takeouts labelled with
// kind. lookup supplies the source box and, for id-only entries, the current
// position.
func BuildBatchItems(entries []BatchEntry, date string, kind domain.EventAction, lookup RecordLookup, src Source) ([]Item, error) {
	items := make([]Item, 0, len(entries))
	for i, e := range entries {
		rec, ok := lookup(e.RecordID)
		if !ok {
			return nil, domain.Errorf(domain.CodeRecordNotFound, "Row %d: record #%d not found", i+1, e.RecordID)
		}
		position := e.Position
		if position == 0 {
			if e.ToPosition != 0 || rec.Position == nil {
				return nil, domain.Errorf(domain.CodePositionNotFound, "Row %d: record #%d has no active position", i+1, e.RecordID)
			}
			position = *rec.Position
		}
		var (
			item Item
			err  error
		)
		if e.ToPosition != 0 {
			item, err = NewMove(e.RecordID, rec.Box, position, e.ToPosition, e.ToBox, date, src)
		} else {
			item, err = NewTakeout(e.RecordID, rec.Box, position, date, kind, src)
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// parseSlot parses one explicit position of a batch entry. Zero and
// out-of-range values are rejected here since a zero position means "current
// position" once it reaches BuildBatchItems.
func parseSlot(l domain.BoxLayout, row int, entry, text string) (int, error) {
	pos, err := layout.Parse(l, text)
	if err != nil {
		return 0, batchError(row, entry, err.Error())
	}
	if !layout.ValidPosition(l, pos) {
		return 0, domain.Errorf(domain.CodeInvalidPosition, "Row %d (%s): position %q must be within %s",
			row, entry, strings.TrimSpace(text), layout.PositionConstraint(l)).
			WithHint("use id, id:pos, id:from->to or id:from->to:box")
	}
	return pos, nil
}

func batchError(row int, entry, msg string) *domain.Error {
	return domain.Errorf(domain.CodeInvalidToolInput, "Row %d (%s): %s", row, entry, msg).
		WithHint("use id, id:pos, id:from->to or id:from->to:box")
}
