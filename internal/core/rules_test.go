package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"cryocore/internal/infra/persistence/memory"
	"cryocore/pkg/domain"
)

func evaluate(t *testing.T, rule domain.Rule, doc domain.Document) domain.Result {
	t.Helper()
	var res domain.Result
	store := memory.NewStore(nil, memory.WithDocument(doc))
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		var err error
		res, err = rule.Evaluate(context.Background(), v, nil)
		return err
	})
	if err != nil {
		t.Fatalf("evaluate %s: %v", rule.Name(), err)
	}
	return res
}

func TestRecordIntegrityRule(t *testing.T) {
	now := func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	rule := NewRecordIntegrityRule(now)

	cases := []struct {
		name   string
		mutate func(*domain.Document)
		want   string
	}{
		{"clean", func(*domain.Document) {}, ""},
		{"non-positive id", func(d *domain.Document) { d.Inventory[0].ID = 0 }, "positive integer"},
		{"duplicate id", func(d *domain.Document) { d.Inventory[1].ID = 7 }, "Duplicate ID 7"},
		{"box out of range", func(d *domain.Document) { d.Inventory[0].Box = 3 }, "'box' out of range (1-2)"},
		{"position out of range", func(d *domain.Document) { d.Inventory[0].Position = domain.IntPtr(82) }, "out of range (1-81)"},
		{"consumed without history", func(d *domain.Document) { d.Inventory[0].Position = nil }, "no takeout history"},
		{"future frozen date", func(d *domain.Document) { d.Inventory[0].FrozenAt = "2030-01-01" }, "frozen_at"},
		{"bad event action", func(d *domain.Document) {
			d.Inventory[0].Events = []domain.Event{{Date: "2025-01-01", Action: "melt", Positions: []int{5}}}
		}, "invalid action"},
		{"bad event date", func(d *domain.Document) {
			d.Inventory[0].Events = []domain.Event{{Date: "01/01/2025", Action: domain.EventMove, Positions: []int{5}}}
		}, "invalid date"},
		{"empty event positions", func(d *domain.Document) {
			d.Inventory[0].Events = []domain.Event{{Date: "2025-01-01", Action: domain.EventMove}}
		}, "non-empty list"},
		{"duplicate event positions", func(d *domain.Document) {
			d.Inventory[0].Events = []domain.Event{{Date: "2025-01-01", Action: domain.EventMove, Positions: []int{5, 5}}}
		}, "duplicate position 5"},
		{"missing required field", func(d *domain.Document) {
			d.Meta.CustomFields = []domain.CustomField{{Key: "operator", Required: true}}
		}, "missing required field 'operator'"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := seedDocument()
			tc.mutate(&doc)
			res := evaluate(t, rule, doc)
			if tc.want == "" {
				if len(res.Violations) != 0 {
					t.Fatalf("expected no violations, got %+v", res.Violations)
				}
				return
			}
			if !res.HasBlocking() {
				t.Fatalf("expected blocking violation")
			}
			found := false
			for _, v := range res.Violations {
				if strings.Contains(v.Message, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %q in %+v", tc.want, res.Violations)
			}
		})
	}
}

func TestRecordIntegrityUsesEvaluationTime(t *testing.T) {
	rule := NewRecordIntegrityRule(func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) })
	doc := seedDocument()
	doc.Inventory[0].FrozenAt = "2025-06-05"
	store := memory.NewStore(nil, memory.WithDocument(doc))

	cases := []struct {
		name  string
		ctx   context.Context
		block bool
	}{
		{"fallback clock", context.Background(), true},
		{"pinned later", domain.WithEvaluationTime(context.Background(), time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.View(tc.ctx, func(v domain.TransactionView) error {
				res, err := rule.Evaluate(tc.ctx, v, nil)
				if err != nil {
					return err
				}
				if res.HasBlocking() != tc.block {
					t.Fatalf("blocking=%v, want %v: %+v", res.HasBlocking(), tc.block, res.Violations)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
		})
	}
}

func TestRecordIntegrityAllowsConsumedWithHistory(t *testing.T) {
	doc := seedDocument()
	doc.Inventory[0].Position = nil
	doc.Inventory[0].Events = []domain.Event{{Date: "2025-01-01", Action: domain.EventThaw, Positions: []int{5}}}
	if res := evaluate(t, NewRecordIntegrityRule(nil), doc); res.HasBlocking() {
		t.Fatalf("unexpected violations %+v", res.Violations)
	}
}

func TestSlotOccupancyRule(t *testing.T) {
	doc := seedDocument()
	if res := evaluate(t, NewSlotOccupancyRule(), doc); len(res.Violations) != 0 {
		t.Fatalf("expected clean occupancy")
	}
	doc.Inventory[1].Position = domain.IntPtr(5)
	res := evaluate(t, NewSlotOccupancyRule(), doc)
	if len(res.Violations) != 1 || !res.HasBlocking() {
		t.Fatalf("expected one conflict, got %+v", res.Violations)
	}
	if !strings.Contains(res.Violations[0].Message, "Box 1 Position 5") {
		t.Fatalf("unexpected message %q", res.Violations[0].Message)
	}

	// A consumed record never conflicts.
	doc.Inventory[1].Position = nil
	if res := evaluate(t, NewSlotOccupancyRule(), doc); len(res.Violations) != 0 {
		t.Fatalf("consumed record should not occupy a slot")
	}
}

func TestBoxCapacityRuleWarns(t *testing.T) {
	doc := seedDocument()
	doc.Meta.BoxLayout = domain.BoxLayout{Rows: 2, Cols: 4, BoxCount: 2}
	res := evaluate(t, NewBoxCapacityRule(DefaultBoxEmptyThreshold, DefaultTotalEmptyThreshold), doc)
	if res.HasBlocking() {
		t.Fatalf("capacity must never block")
	}
	// total empty 14 <= 20, box 1 has 6 empty (> 5), box 2 has 8 empty.
	if len(res.Violations) != 1 || res.Violations[0].Severity != domain.SeverityWarn {
		t.Fatalf("expected a single total warning, got %+v", res.Violations)
	}

	stats := CollectStats(doc.Meta, doc.Inventory)
	if stats.TotalSlots != 16 || stats.TotalOccupied != 2 || stats.Boxes[1].Empty != 6 || stats.Boxes[2].Occupied != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDefaultRulesEngineOrder(t *testing.T) {
	names := NewDefaultRulesEngine().Rules()
	want := []string{RuleRecordIntegrity, RuleSlotOccupancy, RuleBoxCapacity}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected rules %v", names)
	}
}
