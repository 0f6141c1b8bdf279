// Package domain defines the inventory document, its records and events, and
// the rule evaluation primitives used by cryocore.
package domain

import (
	"sort"

	"github.com/tiendc/go-deepcopy"
)

// Indexing identifies how slot positions are presented to humans.
type Indexing string

const (
	// IndexingNumeric renders positions as 1..rows*cols.
	IndexingNumeric Indexing = "numeric"
	// IndexingAlphanumeric renders positions as a row letter plus column (A1, B3).
	IndexingAlphanumeric Indexing = "alphanumeric"
)

// Default box geometry used when the document meta omits it.
const (
	DefaultRows     = 9
	DefaultCols     = 9
	DefaultBoxCount = 5
)

// BoxLayout describes the physical geometry of the storage boxes.
type BoxLayout struct {
	Rows       int            `yaml:"rows,omitempty" json:"rows,omitempty"`
	Cols       int            `yaml:"cols,omitempty" json:"cols,omitempty"`
	Indexing   Indexing       `yaml:"indexing,omitempty" json:"indexing,omitempty"`
	BoxCount   int            `yaml:"box_count,omitempty" json:"box_count,omitempty"`
	BoxNumbers []int          `yaml:"box_numbers,omitempty" json:"box_numbers,omitempty"`
	BoxLabels  map[int]string `yaml:"box_labels,omitempty" json:"box_labels,omitempty"`
}

// CustomField declares one user-defined record field.
type CustomField struct {
	Key      string `yaml:"key" json:"key"`
	Label    string `yaml:"label,omitempty" json:"label,omitempty"`
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// Meta carries document-level configuration.
type Meta struct {
	BoxLayout           BoxLayout     `yaml:"box_layout" json:"box_layout"`
	InventoryInstanceID string        `yaml:"inventory_instance_id,omitempty" json:"inventory_instance_id,omitempty"`
	CustomFields        []CustomField `yaml:"custom_fields,omitempty" json:"custom_fields,omitempty"`
}

// EventAction enumerates the actions recorded in a record's event history.
type EventAction string

const (
	EventTakeout EventAction = "takeout"
	EventThaw    EventAction = "thaw"
	EventDiscard EventAction = "discard"
	EventMove    EventAction = "move"
)

// Valid reports whether the action is one the history accepts.
func (a EventAction) Valid() bool {
	switch a {
	case EventTakeout, EventThaw, EventDiscard, EventMove:
		return true
	}
	return false
}

// Depletes reports whether the action consumes the tube.
func (a EventAction) Depletes() bool {
	return a == EventTakeout || a == EventThaw || a == EventDiscard
}

// Event is one entry in a record's append-only history.
type Event struct {
	Date           string      `yaml:"date" json:"date"`
	Action         EventAction `yaml:"action" json:"action"`
	Positions      []int       `yaml:"positions" json:"positions"`
	FromPosition   int         `yaml:"from_position,omitempty" json:"from_position,omitempty"`
	ToPosition     int         `yaml:"to_position,omitempty" json:"to_position,omitempty"`
	FromBox        int         `yaml:"from_box,omitempty" json:"from_box,omitempty"`
	ToBox          int         `yaml:"to_box,omitempty" json:"to_box,omitempty"`
	PairedRecordID int         `yaml:"paired_record_id,omitempty" json:"paired_record_id,omitempty"`
	Note           string      `yaml:"note,omitempty" json:"note,omitempty"`
}

// Record is one physical tube. A nil Position marks a consumed tube.
type Record struct {
	ID       int            `yaml:"id" json:"id"`
	Box      int            `yaml:"box" json:"box"`
	Position *int           `yaml:"position" json:"position"`
	FrozenAt string         `yaml:"frozen_at" json:"frozen_at"`
	Events   []Event        `yaml:"thaw_events,omitempty" json:"thaw_events,omitempty"`
	Fields   map[string]any `yaml:",inline" json:"fields,omitempty"`
}

// Active reports whether the record currently occupies a slot.
func (r Record) Active() bool {
	return r.Position != nil
}

// Slot returns the occupied slot, if any.
func (r Record) Slot() (Slot, bool) {
	if r.Position == nil {
		return Slot{}, false
	}
	return Slot{Box: r.Box, Position: *r.Position}, true
}

// HasDepletionHistory reports whether any event consumed the tube.
func (r Record) HasDepletionHistory() bool {
	for _, ev := range r.Events {
		if ev.Action.Depletes() {
			return true
		}
	}
	return false
}

// Label returns a short human label for the record.
func (r Record) Label() string {
	for _, key := range []string{"short_name", "cell_line"} {
		if v, ok := r.Fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Slot addresses one storage location.
type Slot struct {
	Box      int `json:"box"`
	Position int `json:"position"`
}

// Document is the persisted inventory state.
type Document struct {
	Meta      Meta     `yaml:"meta" json:"meta"`
	Inventory []Record `yaml:"inventory" json:"inventory"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := Document{Meta: cloneMeta(d.Meta)}
	if d.Inventory != nil {
		out.Inventory = make([]Record, len(d.Inventory))
		for i, rec := range d.Inventory {
			out.Inventory[i] = rec.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.Position != nil {
		out.Position = IntPtr(*r.Position)
	}
	if r.Events != nil {
		out.Events = make([]Event, len(r.Events))
		for i, ev := range r.Events {
			out.Events[i] = ev
			out.Events[i].Positions = append([]int(nil), ev.Positions...)
		}
	}
	out.Fields = CloneFields(r.Fields)
	return out
}

// CloneFields deep copies a free-form field map.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	if err := deepcopy.Copy(&out, &fields); err != nil {
		for k, v := range fields {
			out[k] = v
		}
	}
	return out
}

func cloneMeta(m Meta) Meta {
	out := m
	out.BoxLayout.BoxNumbers = append([]int(nil), m.BoxLayout.BoxNumbers...)
	if m.BoxLayout.BoxLabels != nil {
		out.BoxLayout.BoxLabels = make(map[int]string, len(m.BoxLayout.BoxLabels))
		for k, v := range m.BoxLayout.BoxLabels {
			out.BoxLayout.BoxLabels[k] = v
		}
	}
	if m.CustomFields != nil {
		out.CustomFields = make([]CustomField, len(m.CustomFields))
		copy(out.CustomFields, m.CustomFields)
	}
	return out
}

// FindRecord returns the index of the record with id, or -1.
func (d Document) FindRecord(id int) int {
	for i, rec := range d.Inventory {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

// MaxRecordID returns the largest id in the inventory, consumed records included.
func (d Document) MaxRecordID() int {
	max := 0
	for _, rec := range d.Inventory {
		if rec.ID > max {
			max = rec.ID
		}
	}
	return max
}

// RecordIDs returns all record ids in ascending order.
func (d Document) RecordIDs() []int {
	ids := make([]int, 0, len(d.Inventory))
	for _, rec := range d.Inventory {
		ids = append(ids, rec.ID)
	}
	sort.Ints(ids)
	return ids
}
