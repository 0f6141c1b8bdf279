package intake

import (
	"context"
	"errors"
	"strings"
	"time"

	"cryocore/internal/clarify"
	"cryocore/internal/core"
	"cryocore/internal/gate"
	"cryocore/internal/layout"
	"cryocore/internal/plan"
	"cryocore/pkg/domain"
)

// Response is the outcome of one tool call.
type Response struct {
	OK        bool             `json:"ok"`
	Tool      string           `json:"tool"`
	DryRun    bool             `json:"dry_run,omitempty"`
	Staged    []plan.Item      `json:"staged,omitempty"`
	Report    *gate.Report     `json:"report,omitempty"`
	Queue     []plan.Item      `json:"queue,omitempty"`
	Removed   int              `json:"removed,omitempty"`
	Question  *clarify.Pending `json:"question,omitempty"`
	ErrorCode domain.Code      `json:"error_code,omitempty"`
	Message   string           `json:"message,omitempty"`
	Hint      string           `json:"hint,omitempty"`
}

// Runner validates tool calls and applies them to the staging queue. Write
// tools only stage; committing stays an explicit Execute on the service.
type Runner struct {
	svc    *core.Service
	broker *clarify.Broker
	source plan.Source
	now    func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSource tags built items with src.
func WithSource(src plan.Source) RunnerOption {
	return func(r *Runner) {
		if src != "" {
			r.source = src
		}
	}
}

// WithNow sets the clock used for default event dates.
func WithNow(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner wires a runner to the service. A nil broker disables the
// question tool.
func NewRunner(svc *core.Service, broker *clarify.Broker, opts ...RunnerOption) *Runner {
	r := &Runner{svc: svc, broker: broker, source: plan.SourceAgent, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run decodes, validates and dispatches one tool call. Failures are returned
// both as the error and folded into the response.
func (r *Runner) Run(ctx context.Context, tool string, raw []byte) (Response, error) {
	resp, err := r.run(ctx, tool, raw)
	resp.Tool = tool
	if err != nil {
		resp.OK = false
		resp.ErrorCode = domain.CodeOf(err)
		resp.Message = err.Error()
		var de *domain.Error
		if errors.As(err, &de) {
			resp.Message = de.Message
			resp.Hint = de.Hint
		}
		return resp, err
	}
	resp.OK = true
	return resp, nil
}

func (r *Runner) run(ctx context.Context, tool string, raw []byte) (Response, error) {
	in, err := Decode(tool, raw)
	if err != nil {
		return Response{}, err
	}
	switch v := in.(type) {
	case *QuestionInput:
		if r.broker == nil {
			return Response{}, domain.NewError(domain.CodeUnknownTool, "question tool is not available")
		}
		p, err := r.broker.Ask(v.Questions)
		if err != nil {
			return Response{}, err
		}
		return Response{Question: p}, nil
	case *ManageStagedInput:
		return r.manage(v)
	}

	doc, err := r.svc.Document(ctx)
	if err != nil {
		return Response{}, err
	}
	items, dryRun, err := r.Build(tool, in, doc)
	if err != nil {
		return Response{}, err
	}
	var report gate.Report
	if dryRun {
		report, err = r.svc.Preview(ctx, items)
	} else {
		report, err = r.svc.Stage(ctx, items)
	}
	resp := Response{DryRun: dryRun, Report: &report}
	if err == nil {
		resp.Staged = report.Accepted
		resp.Queue = r.svc.ListStaged()
	}
	return resp, err
}

func (r *Runner) manage(in *ManageStagedInput) (Response, error) {
	switch in.Operation {
	case "list":
		return Response{Queue: r.svc.ListStaged()}, nil
	case "clear":
		removed := r.svc.ClearStaged()
		return Response{Removed: len(removed)}, nil
	}
	var (
		n   int
		err error
	)
	switch {
	case in.Index != nil:
		n, err = r.svc.RemoveStaged(*in.Index)
	case in.Action != "" && in.Position > 0:
		action, ok := plan.NormalizeAction(in.Action)
		if !ok {
			return Response{}, domain.Errorf(domain.CodeInvalidStagedOperation, "unknown action %q", in.Action)
		}
		n, err = r.svc.RemoveStagedByKey(plan.Key{Action: action, RecordID: in.RecordID, Position: in.Position})
	default:
		return Response{}, domain.NewError(domain.CodeInvalidStagedOperation, "remove needs index or action+position").
			WithHint("pass index, or action, record_id and position of the staged item")
	}
	if err != nil {
		return Response{}, err
	}
	return Response{Removed: n, Queue: r.svc.ListStaged()}, nil
}

// Build turns a decoded write-tool input into plan items resolved against
// doc. It reports whether the call was a dry run.
func (r *Runner) Build(tool string, in any, doc domain.Document) ([]plan.Item, bool, error) {
	l := doc.Meta.BoxLayout
	today := r.now().Format("2006-01-02")
	switch v := in.(type) {
	case *AddEntryInput:
		positions, err := layout.ParsePositions(l, string(v.Positions))
		if err != nil {
			return nil, false, domain.WrapError(err, domain.CodeInvalidPosition, "invalid positions").
				WithHint("use \"1,2,3\", \"1-3\" or, for alphanumeric boxes, \"A1,A2\"")
		}
		item, err := plan.NewAdd(v.Box, positions, v.FrozenAt, v.Fields, r.source)
		return one(item, err, v.DryRun)
	case *EditEntryInput:
		rec, err := record(doc, v.RecordID)
		if err != nil {
			return nil, false, err
		}
		pos := 0
		if rec.Position != nil {
			pos = *rec.Position
		}
		item, err := plan.NewEdit(v.RecordID, v.Fields, rec.Box, pos, r.source)
		return one(item, err, v.DryRun)
	case *RecordTakeoutInput:
		rec, err := record(doc, v.RecordID)
		if err != nil {
			return nil, false, err
		}
		from, err := slot(l, rec, v.Position)
		if err != nil {
			return nil, false, err
		}
		if strings.EqualFold(v.Action, "move") || v.ToPosition != "" {
			if v.ToPosition == "" {
				return nil, false, catalog[tool].invalid("to_position is required for a move")
			}
			to, err := resolve(l, v.ToPosition, "to_position")
			if err != nil {
				return nil, false, err
			}
			item, err := plan.NewMove(v.RecordID, rec.Box, from, to, v.ToBox, orDefault(v.Date, today), r.source)
			return one(item, err, v.DryRun)
		}
		kind, err := plan.NormalizeTakeoutKind(v.Kind)
		if err != nil {
			return nil, false, err
		}
		item, err := plan.NewTakeout(v.RecordID, rec.Box, from, v.Date, kind, r.source)
		return one(item, err, v.DryRun)
	case *RecordMoveInput:
		rec, err := record(doc, v.RecordID)
		if err != nil {
			return nil, false, err
		}
		from, err := resolve(l, v.Position, "position")
		if err != nil {
			return nil, false, err
		}
		to, err := resolve(l, v.ToPosition, "to_position")
		if err != nil {
			return nil, false, err
		}
		item, err := plan.NewMove(v.RecordID, rec.Box, from, to, v.ToBox, orDefault(v.Date, today), r.source)
		return one(item, err, v.DryRun)
	case *BatchInput:
		items, err := r.batch(tool, v, doc, today)
		return items, v.DryRun, err
	case *RollbackInput:
		item, err := plan.NewRollback(v.BackupPath, nil, r.source)
		return one(item, err, false)
	}
	return nil, false, domain.Errorf(domain.CodeUnknownTool, "%s does not build plan items", tool)
}

func (r *Runner) batch(tool string, in *BatchInput, doc domain.Document, today string) ([]plan.Item, error) {
	l := doc.Meta.BoxLayout
	move := tool == ToolBatchMove || strings.EqualFold(in.Action, "move")
	var entries []plan.BatchEntry
	if in.Entries.Text != "" {
		parsed, err := plan.ParseBatchEntries(in.Entries.Text, l)
		if err != nil {
			return nil, err
		}
		entries = parsed
	}
	for _, row := range in.Entries.Rows {
		if row.RecordID <= 0 {
			return nil, catalog[tool].invalid("entries row is missing a positive record_id")
		}
		e := plan.BatchEntry{RecordID: row.RecordID, ToBox: row.ToBox}
		var err error
		if row.Position != "" {
			if e.Position, err = resolve(l, row.Position, "position"); err != nil {
				return nil, err
			}
		}
		if row.ToPosition != "" {
			if e.ToPosition, err = resolve(l, row.ToPosition, "to_position"); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	for i := range entries {
		e := &entries[i]
		switch {
		case move && e.ToPosition == 0:
			return nil, domain.Errorf(domain.CodeInvalidToolInput, "Row %d: record #%d needs a target position for a move", i+1, e.RecordID).
				WithHint("use id:from->to or a row with to_position")
		case !move && e.ToPosition != 0:
			return nil, domain.Errorf(domain.CodeInvalidToolInput, "Row %d: record #%d has a target position but action is takeout", i+1, e.RecordID).
				WithHint("set action to move, or drop to_position")
		}
		if move && e.ToBox == 0 {
			e.ToBox = in.ToBox
		}
	}
	kind, err := plan.NormalizeTakeoutKind(in.Kind)
	if err != nil {
		return nil, err
	}
	date := orDefault(in.Date, today)
	lookup := func(id int) (domain.Record, bool) {
		idx := doc.FindRecord(id)
		if idx < 0 {
			return domain.Record{}, false
		}
		return doc.Inventory[idx], true
	}
	return plan.BuildBatchItems(entries, date, kind, lookup, r.source)
}

func one(item plan.Item, err error, dryRun bool) ([]plan.Item, bool, error) {
	if err != nil {
		return nil, false, err
	}
	return []plan.Item{item}, dryRun, nil
}

func record(doc domain.Document, id int) (domain.Record, error) {
	idx := doc.FindRecord(id)
	if idx < 0 {
		return domain.Record{}, domain.Errorf(domain.CodeRecordNotFound, "record #%d not found", id).
			WithHint("look the record up first and use a valid record_id")
	}
	return doc.Inventory[idx], nil
}

func slot(l domain.BoxLayout, rec domain.Record, p Position) (int, error) {
	if p != "" {
		return resolve(l, p, "position")
	}
	if rec.Position == nil {
		return 0, domain.Errorf(domain.CodePositionNotFound, "record #%d has no active position", rec.ID).
			WithHint("use a position that belongs to the target record")
	}
	return *rec.Position, nil
}

func resolve(l domain.BoxLayout, p Position, field string) (int, error) {
	n, err := layout.Parse(l, string(p))
	if err != nil {
		return 0, domain.WrapError(err, domain.CodeInvalidPosition, field+" is not a valid position").
			WithHint("valid positions are " + layout.PositionConstraint(l))
	}
	return n, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
