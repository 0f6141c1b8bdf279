// Package plan defines staged mutation intents and the guarded queue that
// holds them until execution.
package plan

import (
	"encoding/json"
	"fmt"

	"cryocore/pkg/domain"
)

// Action identifies the kind of mutation an item proposes.
type Action string

const (
	ActionAdd      Action = "add"
	ActionTakeout  Action = "takeout"
	ActionMove     Action = "move"
	ActionEdit     Action = "edit"
	ActionRollback Action = "rollback"
)

// Source identifies who proposed an item.
type Source string

const (
	SourceHuman Source = "human"
	SourceAgent Source = "agent"
	SourceAudit Source = "audit"
)

// Payload is the action-specific part of an item. The set of implementations
// is closed: AddPayload, TakeoutPayload, MovePayload, EditPayload and
// RollbackPayload.
type Payload interface {
	action() Action
	clone() Payload
}

// AddPayload creates one record per listed position.
type AddPayload struct {
	Box       int            `json:"box"`
	Positions []int          `json:"positions"`
	FrozenAt  string         `json:"frozen_at"`
	Fields    map[string]any `json:"fields"`
}

// TakeoutPayload consumes one tube. Kind labels the event (takeout, thaw,
// discard).
type TakeoutPayload struct {
	RecordID int                `json:"record_id"`
	Position int                `json:"position"`
	Date     string             `json:"date_str"`
	Kind     domain.EventAction `json:"kind,omitempty"`
}

// MovePayload relocates one tube. ToBox is zero for a same-box move.
type MovePayload struct {
	RecordID   int    `json:"record_id"`
	Position   int    `json:"position"`
	ToPosition int    `json:"to_position"`
	ToBox      int    `json:"to_box,omitempty"`
	Date       string `json:"date_str"`
}

// EditPayload replaces metadata fields of one record.
type EditPayload struct {
	RecordID int            `json:"record_id"`
	Fields   map[string]any `json:"fields"`
}

// RollbackPayload names the backup to restore.
type RollbackPayload struct {
	BackupRef   string         `json:"backup_path"`
	SourceEvent map[string]any `json:"source_event,omitempty"`
}

func (AddPayload) action() Action      { return ActionAdd }
func (TakeoutPayload) action() Action  { return ActionTakeout }
func (MovePayload) action() Action     { return ActionMove }
func (EditPayload) action() Action     { return ActionEdit }
func (RollbackPayload) action() Action { return ActionRollback }

func (p AddPayload) clone() Payload {
	p.Positions = append([]int(nil), p.Positions...)
	p.Fields = domain.CloneFields(p.Fields)
	return p
}

func (p TakeoutPayload) clone() Payload { return p }
func (p MovePayload) clone() Payload    { return p }

func (p EditPayload) clone() Payload {
	p.Fields = domain.CloneFields(p.Fields)
	return p
}

func (p RollbackPayload) clone() Payload {
	p.SourceEvent = domain.CloneFields(p.SourceEvent)
	return p
}

// Key identifies an item for deduplication.
type Key struct {
	Action   Action `json:"action"`
	RecordID int    `json:"record_id"`
	Position int    `json:"position"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d@%d", k.Action, k.RecordID, k.Position)
}

// Item is a staged, not-yet-committed mutation intent.
type Item struct {
	Action     Action
	Box        int
	Position   int
	ToBox      int
	ToPosition int
	RecordID   int
	Source     Source
	Payload    Payload
}

// Key returns the deduplication identity of the item.
func (i Item) Key() Key {
	return Key{Action: i.Action, RecordID: i.RecordID, Position: i.Position}
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	out := i
	if i.Payload != nil {
		out.Payload = i.Payload.clone()
	}
	return out
}

// TargetBox returns the destination box of a move.
func (i Item) TargetBox() int {
	if i.ToBox > 0 {
		return i.ToBox
	}
	return i.Box
}

// CrossBox reports whether a move targets a different box.
func (i Item) CrossBox() bool {
	return i.Action == ActionMove && i.ToBox > 0 && i.ToBox != i.Box
}

type itemJSON struct {
	Action     Action          `json:"action"`
	Box        int             `json:"box"`
	Position   int             `json:"position"`
	ToBox      int             `json:"to_box,omitempty"`
	ToPosition int             `json:"to_position,omitempty"`
	RecordID   int             `json:"record_id,omitempty"`
	Source     Source          `json:"source,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON flattens the tagged payload under "payload".
func (i Item) MarshalJSON() ([]byte, error) {
	wire := itemJSON{
		Action:     i.Action,
		Box:        i.Box,
		Position:   i.Position,
		ToBox:      i.ToBox,
		ToPosition: i.ToPosition,
		RecordID:   i.RecordID,
		Source:     i.Source,
	}
	if i.Payload != nil {
		raw, err := json.Marshal(i.Payload)
		if err != nil {
			return nil, err
		}
		wire.Payload = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the payload variant selected by "action".
func (i *Item) UnmarshalJSON(data []byte) error {
	var wire itemJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var payload Payload
	var err error
	switch wire.Action {
	case ActionAdd:
		payload, err = decodePayload[AddPayload](wire.Payload)
	case ActionTakeout:
		payload, err = decodePayload[TakeoutPayload](wire.Payload)
	case ActionMove:
		payload, err = decodePayload[MovePayload](wire.Payload)
	case ActionEdit:
		payload, err = decodePayload[EditPayload](wire.Payload)
	case ActionRollback:
		payload, err = decodePayload[RollbackPayload](wire.Payload)
	default:
		return domain.Errorf(domain.CodeUnsupportedAction, "unsupported plan action %q", wire.Action)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", wire.Action, err)
	}
	*i = Item{
		Action:     wire.Action,
		Box:        wire.Box,
		Position:   wire.Position,
		ToBox:      wire.ToBox,
		ToPosition: wire.ToPosition,
		RecordID:   wire.RecordID,
		Source:     wire.Source,
		Payload:    payload,
	}
	return nil
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
