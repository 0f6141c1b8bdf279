package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"cryocore/internal/layout"
	"cryocore/pkg/domain"
)

// NewRecordIntegrityRule checks each record on its own plus id uniqueness
// across the inventory. Future-date checks use the time pinned on the
// evaluation context, falling back to now.
func NewRecordIntegrityRule(now func() time.Time) domain.Rule {
	if now == nil {
		now = time.Now
	}
	return recordIntegrityRule{now: now}
}

type recordIntegrityRule struct {
	now func() time.Time
}

func (recordIntegrityRule) Name() string { return RuleRecordIntegrity }

func (r recordIntegrityRule) Evaluate(ctx context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	meta := view.Meta()
	l := meta.BoxLayout
	lo, hi := layout.PositionRange(l)
	now := domain.EvaluationTime(ctx, r.now)

	required := requiredFieldKeys(meta)
	seen := make(map[int]int)
	res := domain.Result{}
	add := func(id int, format string, args ...any) {
		res.Violations = append(res.Violations, blockf(RuleRecordIntegrity, id, fmt.Sprintf(format, args...)))
	}

	for idx, rec := range view.ListRecords() {
		if err := ctx.Err(); err != nil {
			return domain.Result{}, err
		}
		label := fmt.Sprintf("Record #%d (id=%d)", idx+1, rec.ID)

		if rec.ID <= 0 {
			add(rec.ID, "%s: 'id' must be a positive integer", label)
		} else if first, dup := seen[rec.ID]; dup {
			add(rec.ID, "Duplicate ID %d: Record #%d and Record #%d", rec.ID, first+1, idx+1)
		} else {
			seen[rec.ID] = idx
		}

		if !layout.ValidBox(l, rec.Box) {
			add(rec.ID, "%s: 'box' out of range (%s)", label, layout.BoxConstraint(l))
		}
		if rec.Position != nil {
			if !layout.ValidPosition(l, *rec.Position) {
				add(rec.ID, "%s: 'position' %d out of range (%d-%d)", label, *rec.Position, lo, hi)
			}
		} else if !rec.HasDepletionHistory() {
			add(rec.ID, "%s: 'position' is null but no takeout history found", label)
		}

		if err := domain.CheckDate(rec.FrozenAt, now); err != nil {
			add(rec.ID, "%s: 'frozen_at' %s", label, err.Error())
		}

		for _, key := range required {
			v, ok := rec.Fields[key]
			if !ok || v == nil {
				add(rec.ID, "%s: missing required field '%s'", label, key)
				continue
			}
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				add(rec.ID, "%s: '%s' must be a non-empty string", label, key)
			}
		}

		for n, ev := range rec.Events {
			where := fmt.Sprintf("%s: thaw_events[%d]", label, n+1)
			if !ev.Action.Valid() {
				add(rec.ID, "%s has invalid action", where)
			}
			if err := domain.CheckDate(ev.Date, now); err != nil {
				add(rec.ID, "%s has invalid date", where)
			}
			if len(ev.Positions) == 0 {
				add(rec.ID, "%s positions must be a non-empty list", where)
				continue
			}
			dup := make(map[int]bool, len(ev.Positions))
			for _, p := range ev.Positions {
				if !layout.ValidPosition(l, p) {
					add(rec.ID, "%s position %d out of range (%d-%d)", where, p, lo, hi)
					continue
				}
				if dup[p] {
					add(rec.ID, "%s duplicate position %d", where, p)
				}
				dup[p] = true
			}
		}
	}
	return res, nil
}

func requiredFieldKeys(meta domain.Meta) []string {
	var keys []string
	for key, cf := range meta.FieldSchema() {
		if cf.Required {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
