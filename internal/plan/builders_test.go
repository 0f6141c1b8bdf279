package plan

import (
	"encoding/json"
	"testing"

	"cryocore/pkg/domain"
)

func TestNormalizeAction(t *testing.T) {
	cases := map[string]Action{
		"add_entry":  ActionAdd,
		" Thaw ":     ActionTakeout,
		"reorganize": ActionMove,
		"edit":       ActionEdit,
		"rollback":   ActionRollback,
	}
	for raw, want := range cases {
		got, ok := NormalizeAction(raw)
		if !ok || got != want {
			t.Fatalf("%q: got %q ok=%v", raw, got, ok)
		}
	}
	if _, ok := NormalizeAction("explode"); ok {
		t.Fatalf("expected unknown action")
	}
}

func TestBuilderValidation(t *testing.T) {
	cases := []struct {
		name string
		fn   func() error
		code domain.Code
	}{
		{"add bad box", func() error { _, err := NewAdd(0, []int{1}, "", nil, ""); return err }, domain.CodeInvalidBox},
		{"add no positions", func() error { _, err := NewAdd(1, nil, "", nil, ""); return err }, domain.CodeInvalidPosition},
		{"takeout bad record", func() error { _, err := NewTakeout(0, 1, 1, "", "", ""); return err }, domain.CodeInvalidToolInput},
		{"takeout bad kind", func() error { _, err := NewTakeout(1, 1, 1, "", domain.EventMove, ""); return err }, domain.CodeInvalidToolInput},
		{"move bad target", func() error { _, err := NewMove(1, 1, 1, 0, 0, "", ""); return err }, domain.CodeInvalidPosition},
		{"edit no fields", func() error { _, err := NewEdit(1, nil, 1, 1, ""); return err }, domain.CodeInvalidToolInput},
		{"rollback empty ref", func() error { _, err := NewRollback("  ", nil, ""); return err }, domain.CodeInvalidToolInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fn()
			if got := domain.CodeOf(err); got != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestBuilderDefaults(t *testing.T) {
	add, err := NewAdd(2, []int{4, 5}, "2025-01-01", nil, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if add.Position != 4 || add.Source != SourceHuman {
		t.Fatalf("unexpected add defaults %+v", add)
	}
	if add.Payload.(AddPayload).Fields == nil {
		t.Fatalf("expected empty fields map")
	}

	edit, err := NewEdit(3, map[string]any{"note": "x"}, 1, 0, SourceAgent)
	if err != nil || edit.Position != 1 {
		t.Fatalf("edit position default: %+v %v", edit, err)
	}

	rb, err := NewRollback("ref", map[string]any{"timestamp": "t", "empty": ""}, "")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	ev := rb.Payload.(RollbackPayload).SourceEvent
	if _, ok := ev["empty"]; ok || ev["timestamp"] != "t" {
		t.Fatalf("unexpected source event %+v", ev)
	}
}

func TestFromMapNumbersAndStrings(t *testing.T) {
	l := domain.BoxLayout{Indexing: domain.IndexingAlphanumeric}
	it, err := FromMap(map[string]any{
		"action":      "move",
		"record_id":   float64(12),
		"box":         "2",
		"position":    "A5",
		"to_position": "B1",
		"to_box":      float64(3),
		"date":        "2025-02-02",
	}, l, SourceAgent)
	if err != nil {
		t.Fatalf("from map: %v", err)
	}
	if it.RecordID != 12 || it.Box != 2 || it.Position != 5 || it.ToPosition != 10 || it.ToBox != 3 {
		t.Fatalf("unexpected move %+v", it)
	}
	if !it.CrossBox() || it.TargetBox() != 3 {
		t.Fatalf("expected cross-box move")
	}

	takeout, err := FromMap(map[string]any{
		"action": "thaw", "record_id": 4, "box": 1, "position": 7,
	}, domain.BoxLayout{}, "")
	if err != nil {
		t.Fatalf("thaw: %v", err)
	}
	if takeout.Payload.(TakeoutPayload).Kind != domain.EventThaw {
		t.Fatalf("expected thaw kind, got %+v", takeout.Payload)
	}
}

func TestFromMapRejectsLooseNumbers(t *testing.T) {
	cases := []map[string]any{
		{"action": "takeout", "record_id": true, "box": 1, "position": 1},
		{"action": "takeout", "record_id": 1.5, "box": 1, "position": 1},
		{"action": "takeout", "record_id": "abc", "box": 1, "position": 1},
		{"action": "takeout", "box": 1, "position": 1},
	}
	for i, raw := range cases {
		if _, err := FromMap(raw, domain.BoxLayout{}, ""); domain.CodeOf(err) != domain.CodeInvalidToolInput {
			t.Fatalf("case %d: expected invalid_tool_input, got %v", i, err)
		}
	}
	if _, err := FromMap(map[string]any{"action": "juggle"}, domain.BoxLayout{}, ""); domain.CodeOf(err) != domain.CodeUnsupportedAction {
		t.Fatalf("expected unsupported_action, got %v", err)
	}
}

func TestItemJSONRoundTripKeepsPayloadVariant(t *testing.T) {
	move, err := NewMove(5, 1, 3, 9, 2, "2025-01-01", SourceAgent)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	raw, err := json.Marshal(move)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Item
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p, ok := back.Payload.(MovePayload)
	if !ok || p.ToBox != 2 || p.ToPosition != 9 || back.Key() != move.Key() {
		t.Fatalf("unexpected decoded item %+v", back)
	}

	var bad Item
	if err := json.Unmarshal([]byte(`{"action":"teleport"}`), &bad); domain.CodeOf(err) != domain.CodeUnsupportedAction {
		t.Fatalf("expected unsupported action, got %v", err)
	}
}
