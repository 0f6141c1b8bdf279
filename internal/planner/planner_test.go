package planner

import (
	"strings"
	"testing"
	"time"

	"cryocore/internal/plan"
	"cryocore/pkg/domain"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testDoc() domain.Document {
	return domain.Document{
		Meta: domain.Meta{BoxLayout: domain.BoxLayout{Rows: 9, Cols: 9, BoxCount: 3}},
		Inventory: []domain.Record{
			{ID: 7, Box: 1, Position: domain.IntPtr(5), FrozenAt: "2024-01-01", Fields: map[string]any{"cell_line": "K562"}},
			{ID: 9, Box: 1, Position: domain.IntPtr(6), FrozenAt: "2024-01-01"},
			{ID: 11, Box: 2, Position: domain.IntPtr(5), FrozenAt: "2024-01-01"},
			{ID: 12, Box: 1, Position: nil, FrozenAt: "2024-01-01", Events: []domain.Event{{Date: "2024-02-01", Action: domain.EventTakeout, Positions: []int{1}}}},
		},
	}
}

func move(t *testing.T, id, box, from, to, toBox int) plan.Item {
	t.Helper()
	it, err := plan.NewMove(id, box, from, to, toBox, "2025-05-01", plan.SourceHuman)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	return it
}

func takeout(t *testing.T, id, box, pos int) plan.Item {
	t.Helper()
	it, err := plan.NewTakeout(id, box, pos, "2025-05-01", "", plan.SourceHuman)
	if err != nil {
		t.Fatalf("takeout: %v", err)
	}
	return it
}

func add(t *testing.T, box int, positions ...int) plan.Item {
	t.Helper()
	it, err := plan.NewAdd(box, positions, "2025-05-01", map[string]any{"cell_line": "HeLa"}, plan.SourceHuman)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return it
}

func record(t *testing.T, doc domain.Document, id int) domain.Record {
	t.Helper()
	i := doc.FindRecord(id)
	if i < 0 {
		t.Fatalf("record %d missing", id)
	}
	return doc.Inventory[i]
}

func position(r domain.Record) int {
	if r.Position == nil {
		return 0
	}
	return *r.Position
}

func TestMoveChainDoesNotSwap(t *testing.T) {
	doc := testDoc()
	res := Apply(doc, []plan.Item{move(t, 7, 1, 5, 10, 0), move(t, 9, 1, 6, 5, 0)}, Options{Now: testNow})
	if res.Blocked() {
		t.Fatalf("unexpected issues: %v", res.Messages())
	}
	r7, r9 := record(t, res.Document, 7), record(t, res.Document, 9)
	if position(r7) != 10 || position(r9) != 5 {
		t.Fatalf("expected 7@10 and 9@5, got 7@%d 9@%d", position(r7), position(r9))
	}
	if r9.Events[0].PairedRecordID != 0 || r7.Events[0].PairedRecordID != 0 {
		t.Fatalf("chain moves must not pair: %+v %+v", r7.Events, r9.Events)
	}
	if len(res.Outcomes) != 2 || len(res.Changes) != 2 {
		t.Fatalf("expected 2 outcomes and changes, got %d/%d", len(res.Outcomes), len(res.Changes))
	}
	if position(record(t, doc, 7)) != 5 {
		t.Fatalf("input document mutated")
	}
}

func TestSameBoxSwapIsSymmetric(t *testing.T) {
	res := Apply(testDoc(), []plan.Item{move(t, 7, 1, 5, 6, 0)}, Options{Now: testNow})
	if res.Blocked() {
		t.Fatalf("unexpected issues: %v", res.Messages())
	}
	r7, r9 := record(t, res.Document, 7), record(t, res.Document, 9)
	if position(r7) != 6 || position(r9) != 5 {
		t.Fatalf("expected swap, got 7@%d 9@%d", position(r7), position(r9))
	}
	e7, e9 := r7.Events[len(r7.Events)-1], r9.Events[len(r9.Events)-1]
	if e7.PairedRecordID != 9 || e9.PairedRecordID != 7 {
		t.Fatalf("expected paired events, got %+v %+v", e7, e9)
	}
	if e9.FromPosition != 6 || e9.ToPosition != 5 {
		t.Fatalf("unexpected partner event %+v", e9)
	}
	if got := res.Outcomes[0].RecordIDs; len(got) != 2 || got[0] != 7 || got[1] != 9 {
		t.Fatalf("expected both ids on outcome, got %v", got)
	}
}

func TestSwapPartnerCannotBeClaimedTwice(t *testing.T) {
	res := Apply(testDoc(), []plan.Item{move(t, 7, 1, 5, 6, 0), move(t, 9, 1, 5, 6, 0)}, Options{Now: testNow})
	if !res.Blocked() {
		t.Fatalf("expected second move blocked")
	}
	if res.Issues[0].Index != 1 || res.Issues[0].Code != domain.CodePositionConflict {
		t.Fatalf("unexpected issue %+v", res.Issues[0])
	}
}

func TestCrossBoxOccupiedIsRejected(t *testing.T) {
	res := Apply(testDoc(), []plan.Item{move(t, 7, 1, 5, 5, 2)}, Options{Now: testNow})
	if !res.Blocked() {
		t.Fatalf("expected conflict")
	}
	is := res.Issues[0]
	if is.Code != domain.CodePositionConflict || !strings.Contains(is.Message, "#11") {
		t.Fatalf("expected conflict naming record 11, got %+v", is)
	}
}

func TestCrossBoxSameSlotNumberIntoEmptyBox(t *testing.T) {
	res := Apply(testDoc(), []plan.Item{move(t, 7, 1, 5, 5, 3)}, Options{Now: testNow})
	if res.Blocked() {
		t.Fatalf("unexpected issues: %v", res.Messages())
	}
	r7 := record(t, res.Document, 7)
	ev := r7.Events[len(r7.Events)-1]
	if r7.Box != 3 || position(r7) != 5 || ev.FromBox != 1 || ev.ToBox != 3 {
		t.Fatalf("unexpected cross-box result %+v", r7)
	}
}

func TestMoveRejections(t *testing.T) {
	cases := []struct {
		name string
		item plan.Item
		code domain.Code
	}{
		{"target out of range", plan.Item{Action: plan.ActionMove, Box: 1, Position: 5, ToPosition: 82, RecordID: 7, Payload: plan.MovePayload{RecordID: 7, Position: 5, ToPosition: 82}}, domain.CodeInvalidPosition},
		{"bad target box", plan.Item{Action: plan.ActionMove, Box: 1, Position: 5, ToPosition: 1, ToBox: 9, RecordID: 7, Payload: plan.MovePayload{RecordID: 7, Position: 5, ToPosition: 1, ToBox: 9}}, domain.CodeInvalidBox},
		{"missing record", move(t, 99, 1, 5, 10, 0), domain.CodeRecordNotFound},
		{"no-op", move(t, 7, 1, 5, 5, 0), domain.CodeInvalidMoveTarget},
		{"consumed", move(t, 12, 1, 1, 2, 0), domain.CodePositionNotFound},
		{"stale source", move(t, 7, 1, 4, 10, 0), domain.CodeFromMismatch},
		{"wrong box", move(t, 7, 2, 5, 10, 0), domain.CodeFromMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Apply(testDoc(), []plan.Item{tc.item}, Options{Now: testNow})
			if !res.Blocked() || res.Issues[0].Code != tc.code {
				t.Fatalf("expected %s, got %+v", tc.code, res.Issues)
			}
			if !strings.HasPrefix(res.Issues[0].Message, "Row 1 ID ") {
				t.Fatalf("expected row label, got %q", res.Issues[0].Message)
			}
		})
	}
}

func TestStaleSourceAfterEarlierMove(t *testing.T) {
	res := Apply(testDoc(), []plan.Item{move(t, 7, 1, 5, 10, 0), move(t, 7, 1, 5, 20, 0)}, Options{Now: testNow})
	if !res.Blocked() || res.Issues[0].Code != domain.CodeFromMismatch {
		t.Fatalf("expected from_mismatch, got %+v", res.Issues)
	}
}

func TestAllErrorsAreReported(t *testing.T) {
	res := Apply(testDoc(), []plan.Item{move(t, 99, 1, 5, 10, 0), move(t, 7, 1, 4, 10, 0), takeout(t, 9, 1, 6)}, Options{Now: testNow})
	if len(res.Issues) != 2 {
		t.Fatalf("expected two issues, got %v", res.Messages())
	}
	if domain.CodeOf(res.Err()) != domain.CodePlanPreflightFailed {
		t.Fatalf("mixed codes fold into preflight failure, got %v", res.Err())
	}
}

func TestTakeout(t *testing.T) {
	thaw, err := plan.NewTakeout(9, 1, 6, "", domain.EventThaw, plan.SourceAgent)
	if err != nil {
		t.Fatalf("thaw: %v", err)
	}
	res := Apply(testDoc(), []plan.Item{thaw}, Options{Now: testNow})
	if res.Blocked() {
		t.Fatalf("unexpected issues: %v", res.Messages())
	}
	r9 := record(t, res.Document, 9)
	if r9.Position != nil {
		t.Fatalf("expected consumed record")
	}
	ev := r9.Events[0]
	if ev.Action != domain.EventThaw || ev.Date != "2025-06-01" || ev.Positions[0] != 6 {
		t.Fatalf("unexpected event %+v", ev)
	}

	res = Apply(testDoc(), []plan.Item{takeout(t, 9, 1, 7)}, Options{Now: testNow})
	if !res.Blocked() || res.Issues[0].Code != domain.CodeFromMismatch {
		t.Fatalf("expected from_mismatch, got %+v", res.Issues)
	}
	res = Apply(testDoc(), []plan.Item{takeout(t, 12, 1, 1)}, Options{Now: testNow})
	if !res.Blocked() || res.Issues[0].Code != domain.CodePositionNotFound {
		t.Fatalf("expected position_not_found, got %+v", res.Issues)
	}
}

func TestTakeoutRejectsFutureDate(t *testing.T) {
	it, _ := plan.NewTakeout(9, 1, 6, "2030-01-01", "", plan.SourceHuman)
	res := Apply(testDoc(), []plan.Item{it}, Options{Now: testNow})
	if !res.Blocked() || res.Issues[0].Code != domain.CodeInvalidDate {
		t.Fatalf("expected invalid_date, got %+v", res.Issues)
	}
}

func TestAddAssignsConsecutiveIDs(t *testing.T) {
	res := Apply(testDoc(), []plan.Item{add(t, 2, 1, 2)}, Options{Now: testNow})
	if res.Blocked() {
		t.Fatalf("unexpected issues: %v", res.Messages())
	}
	if got := res.Outcomes[0].RecordIDs; len(got) != 2 || got[0] != 13 || got[1] != 14 {
		t.Fatalf("expected ids 13,14 got %v", got)
	}
	r := record(t, res.Document, 14)
	if r.Box != 2 || position(r) != 2 || r.Fields["cell_line"] != "HeLa" {
		t.Fatalf("unexpected new record %+v", r)
	}
}

func TestDuplicateAddConflicts(t *testing.T) {
	res := Apply(testDoc(), []plan.Item{add(t, 1, 3), add(t, 1, 3)}, Options{Now: testNow})
	if len(res.Issues) != 1 || res.Issues[0].Index != 1 || res.Issues[0].Code != domain.CodePositionConflict {
		t.Fatalf("expected second add blocked, got %+v", res.Issues)
	}
	res = Apply(testDoc(), []plan.Item{add(t, 1, 5)}, Options{Now: testNow})
	if !res.Blocked() || !strings.Contains(res.Issues[0].Message, "#7") {
		t.Fatalf("expected occupied conflict, got %+v", res.Issues)
	}
}

func TestAddAppliesSchemaDefaults(t *testing.T) {
	doc := testDoc()
	doc.Meta.CustomFields = []domain.CustomField{
		{Key: "passage", Type: domain.FieldInt, Default: "3"},
		{Key: "owner", Required: true, Default: "lab"},
	}
	res := Apply(doc, []plan.Item{add(t, 3, 1)}, Options{Now: testNow})
	if res.Blocked() {
		t.Fatalf("unexpected issues: %v", res.Messages())
	}
	r := record(t, res.Document, 13)
	if r.Fields["passage"] != 3 || r.Fields["owner"] != "lab" {
		t.Fatalf("expected defaults, got %+v", r.Fields)
	}
}

func TestEdit(t *testing.T) {
	ok, _ := plan.NewEdit(7, map[string]any{"note": "checked", "frozen_at": "2024-03-03", "cell_line": nil}, 1, 5, plan.SourceHuman)
	res := Apply(testDoc(), []plan.Item{ok}, Options{Now: testNow})
	if res.Blocked() {
		t.Fatalf("unexpected issues: %v", res.Messages())
	}
	r := record(t, res.Document, 7)
	if r.FrozenAt != "2024-03-03" || r.Fields["note"] != "checked" {
		t.Fatalf("unexpected edit %+v", r)
	}
	if _, present := r.Fields["cell_line"]; present {
		t.Fatalf("nil value should delete the field")
	}

	forbidden, _ := plan.NewEdit(7, map[string]any{"position": 3}, 1, 5, plan.SourceHuman)
	res = Apply(testDoc(), []plan.Item{forbidden}, Options{Now: testNow})
	if !res.Blocked() || res.Issues[0].Code != domain.CodeForbiddenField {
		t.Fatalf("expected forbidden_field, got %+v", res.Issues)
	}
}

func TestRollbackIsNotSimulated(t *testing.T) {
	rb, _ := plan.NewRollback("x.bak", nil, plan.SourceHuman)
	res := Apply(testDoc(), []plan.Item{rb}, Options{Now: testNow})
	if !res.Blocked() || res.Issues[0].Code != domain.CodeUnsupportedAction {
		t.Fatalf("expected unsupported_action, got %+v", res.Issues)
	}
}

func TestAnalyzeMoves(t *testing.T) {
	swap := AnalyzeMoves([]plan.Item{move(t, 7, 1, 5, 6, 0), move(t, 9, 1, 6, 5, 0)})
	if !swap.HasCycle() || len(swap.Swaps) != 1 || !swap.CanExecuteDirectly() {
		t.Fatalf("expected one swap, got %+v", swap)
	}

	cycle := AnalyzeMoves([]plan.Item{move(t, 1, 1, 1, 2, 0), move(t, 2, 1, 2, 3, 0), move(t, 3, 1, 3, 1, 0)})
	if len(cycle.Cycles) != 1 || len(cycle.Cycles[0]) != 3 || cycle.CanExecuteDirectly() {
		t.Fatalf("expected a three-slot cycle, got %+v", cycle)
	}

	chain := AnalyzeMoves([]plan.Item{move(t, 7, 1, 5, 10, 0), move(t, 9, 1, 6, 5, 0)})
	if chain.HasCycle() {
		t.Fatalf("chain is not a cycle: %+v", chain)
	}
}
