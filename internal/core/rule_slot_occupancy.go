package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cryocore/pkg/domain"
)

// NewSlotOccupancyRule blocks any (box, position) held by more than one
// active record.
func NewSlotOccupancyRule() domain.Rule {
	return slotOccupancyRule{}
}

type slotOccupancyRule struct{}

func (slotOccupancyRule) Name() string { return RuleSlotOccupancy }

func (slotOccupancyRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	holders := make(map[domain.Slot][]int)
	var order []domain.Slot
	for _, rec := range view.ListRecords() {
		slot, ok := rec.Slot()
		if !ok {
			continue
		}
		if _, seen := holders[slot]; !seen {
			order = append(order, slot)
		}
		holders[slot] = append(holders[slot], rec.ID)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].Box != order[j].Box {
			return order[i].Box < order[j].Box
		}
		return order[i].Position < order[j].Position
	})

	res := domain.Result{}
	for _, slot := range order {
		ids := holders[slot]
		if len(ids) < 2 {
			continue
		}
		labels := make([]string, len(ids))
		for i, id := range ids {
			labels[i] = fmt.Sprintf("id=%d", id)
		}
		res.Violations = append(res.Violations, blockf(RuleSlotOccupancy, ids[0], fmt.Sprintf(
			"Position conflict: Box %d Position %d is occupied by multiple records: %s",
			slot.Box, slot.Position, strings.Join(labels, ", "))))
	}
	return res, nil
}
