package core

import (
	"context"
	"fmt"

	"cryocore/internal/layout"
	"cryocore/pkg/domain"
)

// Capacity warning thresholds. A box or the whole store at or below the
// threshold of empty slots produces a warning.
const (
	DefaultBoxEmptyThreshold   = 5
	DefaultTotalEmptyThreshold = 20
)

// BoxStats is the occupancy of one box.
type BoxStats struct {
	Occupied int `json:"occupied"`
	Empty    int `json:"empty"`
	Total    int `json:"total"`
}

// InventoryStats summarises occupancy. Execute records it before and after
// each commit.
type InventoryStats struct {
	RecordCount   int              `json:"record_count"`
	TotalSlots    int              `json:"total_slots"`
	TotalOccupied int              `json:"total_occupied"`
	TotalEmpty    int              `json:"total_empty"`
	Boxes         map[int]BoxStats `json:"boxes"`
}

// CollectStats computes occupancy over the active boxes.
func CollectStats(meta domain.Meta, records []domain.Record) InventoryStats {
	perBox := layout.TotalSlots(meta.BoxLayout)
	boxes := layout.BoxNumbers(meta.BoxLayout)
	occupied := make(map[int]map[int]struct{})
	for _, rec := range records {
		slot, ok := rec.Slot()
		if !ok {
			continue
		}
		if occupied[slot.Box] == nil {
			occupied[slot.Box] = make(map[int]struct{})
		}
		occupied[slot.Box][slot.Position] = struct{}{}
	}
	stats := InventoryStats{
		RecordCount: len(records),
		TotalSlots:  perBox * len(boxes),
		Boxes:       make(map[int]BoxStats, len(boxes)),
	}
	for _, b := range boxes {
		n := len(occupied[b])
		stats.Boxes[b] = BoxStats{Occupied: n, Empty: max(perBox-n, 0), Total: perBox}
		stats.TotalOccupied += n
	}
	stats.TotalEmpty = max(stats.TotalSlots-stats.TotalOccupied, 0)
	return stats
}

// NewBoxCapacityRule warns when free space runs low.
func NewBoxCapacityRule(boxThreshold, totalThreshold int) domain.Rule {
	return boxCapacityRule{box: boxThreshold, total: totalThreshold}
}

type boxCapacityRule struct {
	box   int
	total int
}

func (boxCapacityRule) Name() string { return RuleBoxCapacity }

func (r boxCapacityRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	meta := view.Meta()
	stats := CollectStats(meta, view.ListRecords())
	res := domain.Result{}
	warn := func(msg string) {
		res.Violations = append(res.Violations, domain.Violation{Rule: RuleBoxCapacity, Severity: domain.SeverityWarn, Message: msg})
	}
	if stats.TotalEmpty <= r.total {
		warn(fmt.Sprintf("capacity warning: only %d empty slots left in total (threshold %d)", stats.TotalEmpty, r.total))
	}
	for _, b := range layout.BoxNumbers(meta.BoxLayout) {
		if empty := stats.Boxes[b].Empty; empty <= r.box {
			warn(fmt.Sprintf("capacity warning: box %s has only %d empty slots (threshold %d)",
				layout.BoxLabel(meta.BoxLayout, b), empty, r.box))
		}
	}
	return res, nil
}
