package plan

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"cryocore/internal/layout"
	"cryocore/pkg/domain"
)

var actionAliases = map[string]Action{
	"add":        ActionAdd,
	"add_entry":  ActionAdd,
	"new":        ActionAdd,
	"edit":       ActionEdit,
	"edit_entry": ActionEdit,
	"move":       ActionMove,
	"reorganize": ActionMove,
	"takeout":    ActionTakeout,
	"take out":   ActionTakeout,
	"thaw":       ActionTakeout,
	"discard":    ActionTakeout,
	"rollback":   ActionRollback,
}

// NormalizeAction maps action text onto a canonical action.
func NormalizeAction(raw string) (Action, bool) {
	a, ok := actionAliases[strings.ToLower(strings.TrimSpace(raw))]
	return a, ok
}

// NormalizeTakeoutKind maps takeout label text onto an event action,
// defaulting to takeout.
func NormalizeTakeoutKind(raw string) (domain.EventAction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "takeout", "take out":
		return domain.EventTakeout, nil
	case "thaw":
		return domain.EventThaw, nil
	case "discard":
		return domain.EventDiscard, nil
	}
	return "", domain.Errorf(domain.CodeInvalidToolInput, "unknown takeout kind %q", raw).
		WithHint("use takeout, thaw or discard")
}

// NewAdd builds an add item creating one record per position.
func NewAdd(box int, positions []int, frozenAt string, fields map[string]any, src Source) (Item, error) {
	if box <= 0 {
		return Item{}, domain.Errorf(domain.CodeInvalidBox, "box must be a positive integer, got %d", box)
	}
	if len(positions) == 0 {
		return Item{}, domain.NewError(domain.CodeInvalidPosition, "positions must not be empty").
			WithHint("provide at least one slot, e.g. \"1,2,3\" or \"1-3\"")
	}
	for _, p := range positions {
		if p <= 0 {
			return Item{}, domain.Errorf(domain.CodeInvalidPosition, "position must be a positive integer, got %d", p)
		}
	}
	payload := AddPayload{
		Box:       box,
		Positions: append([]int(nil), positions...),
		FrozenAt:  strings.TrimSpace(frozenAt),
		Fields:    domain.CloneFields(fields),
	}
	if payload.Fields == nil {
		payload.Fields = map[string]any{}
	}
	return Item{
		Action:   ActionAdd,
		Box:      box,
		Position: positions[0],
		Source:   defaultSource(src),
		Payload:  payload,
	}, nil
}

// NewTakeout builds a takeout item for the tube at (box, position).
func NewTakeout(recordID, box, position int, date string, kind domain.EventAction, src Source) (Item, error) {
	if err := checkRecordSlot(recordID, box, position); err != nil {
		return Item{}, err
	}
	if kind == "" {
		kind = domain.EventTakeout
	}
	if !kind.Depletes() {
		return Item{}, domain.Errorf(domain.CodeInvalidToolInput, "%q is not a takeout kind", kind)
	}
	return Item{
		Action:   ActionTakeout,
		Box:      box,
		Position: position,
		RecordID: recordID,
		Source:   defaultSource(src),
		Payload: TakeoutPayload{
			RecordID: recordID,
			Position: position,
			Date:     strings.TrimSpace(date),
			Kind:     kind,
		},
	}, nil
}

// NewMove builds a move item. toBox may be zero for a same-box move.
func NewMove(recordID, box, position, toPosition, toBox int, date string, src Source) (Item, error) {
	if err := checkRecordSlot(recordID, box, position); err != nil {
		return Item{}, err
	}
	if toPosition <= 0 {
		return Item{}, domain.Errorf(domain.CodeInvalidPosition, "to_position must be a positive integer, got %d", toPosition)
	}
	if toBox < 0 {
		return Item{}, domain.Errorf(domain.CodeInvalidBox, "to_box must be a positive integer, got %d", toBox)
	}
	return Item{
		Action:     ActionMove,
		Box:        box,
		Position:   position,
		ToBox:      toBox,
		ToPosition: toPosition,
		RecordID:   recordID,
		Source:     defaultSource(src),
		Payload: MovePayload{
			RecordID:   recordID,
			Position:   position,
			ToPosition: toPosition,
			ToBox:      toBox,
			Date:       strings.TrimSpace(date),
		},
	}, nil
}

// NewEdit builds an edit item. box and position describe where the record
// currently sits; position defaults to 1 when unknown.
func NewEdit(recordID int, fields map[string]any, box, position int, src Source) (Item, error) {
	if recordID <= 0 {
		return Item{}, domain.Errorf(domain.CodeInvalidToolInput, "record_id must be a positive integer, got %d", recordID)
	}
	if len(fields) == 0 {
		return Item{}, domain.NewError(domain.CodeInvalidToolInput, "fields must not be empty").
			WithHint("pass at least one field to change")
	}
	if position <= 0 {
		position = 1
	}
	return Item{
		Action:   ActionEdit,
		Box:      box,
		Position: position,
		RecordID: recordID,
		Source:   defaultSource(src),
		Payload:  EditPayload{RecordID: recordID, Fields: domain.CloneFields(fields)},
	}, nil
}

// NewRollback builds a rollback item. Empty values are dropped from the
// source event.
func NewRollback(backupRef string, sourceEvent map[string]any, src Source) (Item, error) {
	ref := strings.TrimSpace(backupRef)
	if ref == "" {
		return Item{}, domain.NewError(domain.CodeInvalidToolInput, "backup_path must not be empty").
			WithHint("list backups and pass one explicitly")
	}
	var compact map[string]any
	for k, v := range sourceEvent {
		if v == nil || v == "" {
			continue
		}
		if compact == nil {
			compact = make(map[string]any)
		}
		compact[k] = v
	}
	return Item{
		Action:   ActionRollback,
		Position: 1,
		Source:   defaultSource(src),
		Payload:  RollbackPayload{BackupRef: ref, SourceEvent: domain.CloneFields(compact)},
	}, nil
}

// FromMap builds an item from a loosely-typed object such as a decoded JSON
// form. Positions may be display strings in the layout's convention.
func FromMap(raw map[string]any, l domain.BoxLayout, src Source) (Item, error) {
	actionText, _ := raw["action"].(string)
	action, ok := NormalizeAction(actionText)
	if !ok {
		return Item{}, domain.Errorf(domain.CodeUnsupportedAction, "unsupported action %q", actionText).
			WithHint("use add, edit, takeout, move or rollback")
	}
	if s, ok := raw["source"].(string); ok && s != "" {
		src = Source(s)
	}
	r := mapReader{raw: raw, layout: l}
	switch action {
	case ActionAdd:
		box := r.integer("box")
		positions := r.positions("positions")
		frozenAt := r.str("frozen_at")
		fields := r.fields("fields")
		if r.err != nil {
			return Item{}, r.err
		}
		return NewAdd(box, positions, frozenAt, fields, src)
	case ActionTakeout:
		recordID := r.integer("record_id")
		box := r.integer("box")
		position := r.position("position")
		date := r.date()
		kindText := actionText
		if k := r.optStr("kind"); k != "" {
			kindText = k
		}
		if r.err != nil {
			return Item{}, r.err
		}
		kind, err := NormalizeTakeoutKind(kindText)
		if err != nil {
			return Item{}, err
		}
		return NewTakeout(recordID, box, position, date, kind, src)
	case ActionMove:
		recordID := r.integer("record_id")
		box := r.integer("box")
		position := r.position("position")
		toPosition := r.position("to_position")
		toBox := r.optInteger("to_box")
		date := r.date()
		if r.err != nil {
			return Item{}, r.err
		}
		return NewMove(recordID, box, position, toPosition, toBox, date, src)
	case ActionEdit:
		recordID := r.integer("record_id")
		fields := r.fields("fields")
		box := r.optInteger("box")
		position := r.optPosition("position")
		if r.err != nil {
			return Item{}, r.err
		}
		return NewEdit(recordID, fields, box, position, src)
	default:
		ref := r.str("backup_path")
		event, _ := raw["source_event"].(map[string]any)
		if r.err != nil {
			return Item{}, r.err
		}
		return NewRollback(ref, event, src)
	}
}

func checkRecordSlot(recordID, box, position int) error {
	if recordID <= 0 {
		return domain.Errorf(domain.CodeInvalidToolInput, "record_id must be a positive integer, got %d", recordID)
	}
	if box <= 0 {
		return domain.Errorf(domain.CodeInvalidBox, "box must be a positive integer, got %d", box)
	}
	if position <= 0 {
		return domain.Errorf(domain.CodeInvalidPosition, "position must be a positive integer, got %d", position)
	}
	return nil
}

func defaultSource(src Source) Source {
	if src == "" {
		return SourceHuman
	}
	return src
}

// mapReader extracts typed values from a loose map, keeping the first error.
type mapReader struct {
	raw    map[string]any
	layout domain.BoxLayout
	err    error
}

func (r *mapReader) fail(code domain.Code, format string, args ...any) {
	if r.err == nil {
		r.err = domain.Errorf(code, format, args...)
	}
}

func (r *mapReader) integer(key string) int {
	v, ok := r.raw[key]
	if !ok || v == nil {
		r.fail(domain.CodeInvalidToolInput, "%s is required", key)
		return 0
	}
	n, err := coerceInt(v)
	if err != nil {
		r.fail(domain.CodeInvalidToolInput, "%s: %v", key, err)
	}
	return n
}

func (r *mapReader) optInteger(key string) int {
	if v, ok := r.raw[key]; !ok || v == nil || v == "" {
		return 0
	}
	return r.integer(key)
}

func (r *mapReader) position(key string) int {
	v, ok := r.raw[key]
	if !ok || v == nil || v == "" {
		r.fail(domain.CodeInvalidPosition, "%s is required", key)
		return 0
	}
	if s, ok := v.(string); ok {
		p, err := layout.Parse(r.layout, s)
		if err != nil {
			r.fail(domain.CodeInvalidPosition, "%s: %v", key, err)
		}
		return p
	}
	n, err := coerceInt(v)
	if err != nil {
		r.fail(domain.CodeInvalidPosition, "%s: %v", key, err)
	}
	return n
}

func (r *mapReader) optPosition(key string) int {
	if v, ok := r.raw[key]; !ok || v == nil || v == "" {
		return 0
	}
	return r.position(key)
}

func (r *mapReader) positions(key string) []int {
	switch v := r.raw[key].(type) {
	case nil:
		r.fail(domain.CodeInvalidPosition, "%s is required", key)
	case string:
		out, err := layout.ParsePositions(r.layout, v)
		if err != nil {
			r.fail(domain.CodeInvalidPosition, "%s: %v", key, err)
		}
		return out
	case []int:
		return append([]int(nil), v...)
	case []any:
		out := make([]int, 0, len(v))
		for idx, elem := range v {
			var p int
			var err error
			if s, ok := elem.(string); ok {
				p, err = layout.Parse(r.layout, s)
			} else {
				p, err = coerceInt(elem)
			}
			if err != nil {
				r.fail(domain.CodeInvalidPosition, "%s[%d]: %v", key, idx, err)
				return nil
			}
			out = append(out, p)
		}
		return out
	default:
		r.fail(domain.CodeInvalidPosition, "%s must be a list or a string", key)
	}
	return nil
}

func (r *mapReader) str(key string) string {
	v, ok := r.raw[key]
	if !ok || v == nil {
		r.fail(domain.CodeInvalidToolInput, "%s is required", key)
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(domain.CodeInvalidToolInput, "%s must be a string", key)
	}
	return s
}

func (r *mapReader) optStr(key string) string {
	s, _ := r.raw[key].(string)
	return s
}

func (r *mapReader) date() string {
	if s := r.optStr("date_str"); s != "" {
		return s
	}
	return r.optStr("date")
}

func (r *mapReader) fields(key string) map[string]any {
	v, ok := r.raw[key]
	if !ok || v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		r.fail(domain.CodeInvalidToolInput, "%s must be an object", key)
		return nil
	}
	return m
}

// coerceInt accepts integers and integral JSON numbers. Booleans, fractional
// numbers and non-numeric strings are rejected.
func coerceInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", n)
		}
		return i, nil
	case bool:
		return 0, fmt.Errorf("boolean is not an integer")
	}
	return 0, fmt.Errorf("unsupported value %v", v)
}
