package planner

import (
	"cryocore/internal/plan"
	"cryocore/pkg/domain"
)

// MoveAnalysis describes the move graph of a batch. It is advisory: the
// simulation already proves feasibility, but a person executing the moves by
// hand needs a holding slot to break any cycle longer than a swap.
type MoveAnalysis struct {
	// Cycles lists slot chains whose destinations loop back to the start.
	// Each cycle is listed once, starting at its first slot in item order.
	Cycles [][]domain.Slot `json:"cycles,omitempty"`
	// Swaps lists two-slot cycles.
	Swaps [][2]domain.Slot `json:"swaps,omitempty"`
}

// HasCycle reports whether any cycle exists.
func (m MoveAnalysis) HasCycle() bool { return len(m.Cycles) > 0 }

// CanExecuteDirectly reports whether every cycle is a plain swap.
func (m MoveAnalysis) CanExecuteDirectly() bool {
	return len(m.Swaps) == len(m.Cycles)
}

// AnalyzeMoves builds the source→destination graph of the move items and
// reports cycles and swaps.
func AnalyzeMoves(items []plan.Item) MoveAnalysis {
	next := make(map[domain.Slot]domain.Slot)
	var order []domain.Slot
	for _, it := range items {
		if it.Action != plan.ActionMove {
			continue
		}
		src := domain.Slot{Box: it.Box, Position: it.Position}
		if _, dup := next[src]; !dup {
			order = append(order, src)
		}
		next[src] = domain.Slot{Box: it.TargetBox(), Position: it.ToPosition}
	}

	var out MoveAnalysis
	done := make(map[domain.Slot]bool, len(next))
	for _, start := range order {
		if done[start] {
			continue
		}
		pos := map[domain.Slot]int{}
		var path []domain.Slot
		cur := start
		for {
			if at, onPath := pos[cur]; onPath {
				cycle := append([]domain.Slot(nil), path[at:]...)
				out.Cycles = append(out.Cycles, cycle)
				if len(cycle) == 2 {
					out.Swaps = append(out.Swaps, [2]domain.Slot{cycle[0], cycle[1]})
				}
				break
			}
			if done[cur] {
				break
			}
			dst, ok := next[cur]
			if !ok {
				break
			}
			pos[cur] = len(path)
			path = append(path, cur)
			cur = dst
		}
		for _, s := range path {
			done[s] = true
		}
	}
	return out
}
