// Package intake validates named tool requests against fixed field contracts
// and turns accepted requests into plan items or staging commands.
package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"cryocore/internal/clarify"
	"cryocore/pkg/domain"
)

// Tool names accepted at the boundary.
const (
	ToolAddEntry      = "add_entry"
	ToolEditEntry     = "edit_entry"
	ToolRecordTakeout = "record_takeout"
	ToolRecordMove    = "record_move"
	ToolBatchTakeout  = "batch_takeout"
	ToolBatchMove     = "batch_move"
	ToolRollback      = "rollback"
	ToolQuestion      = "question"
	ToolManageStaged  = "manage_staged"
)

// AddEntryInput creates one record per position.
type AddEntryInput struct {
	Box       int            `json:"box" validate:"required,min=1"`
	Positions PositionList   `json:"positions" validate:"required"`
	FrozenAt  string         `json:"frozen_at" validate:"required,isodate"`
	Fields    map[string]any `json:"fields"`
	DryRun    bool           `json:"dry_run"`
}

// EditEntryInput replaces metadata fields.
type EditEntryInput struct {
	RecordID int            `json:"record_id" validate:"required,min=1"`
	Fields   map[string]any `json:"fields" validate:"required,min=1"`
	DryRun   bool           `json:"dry_run"`
}

// RecordTakeoutInput consumes or relocates one tube. A missing position means
// the record's current slot.
type RecordTakeoutInput struct {
	RecordID   int      `json:"record_id" validate:"required,min=1"`
	Position   Position `json:"position"`
	Date       string   `json:"date" validate:"required,isodate"`
	Action     string   `json:"action" validate:"omitempty,oneof=takeout move Takeout Move"`
	Kind       string   `json:"kind" validate:"omitempty,oneof=takeout thaw discard"`
	ToPosition Position `json:"to_position"`
	ToBox      int      `json:"to_box" validate:"omitempty,min=1"`
	DryRun     bool     `json:"dry_run"`
}

// RecordMoveInput relocates one tube.
type RecordMoveInput struct {
	RecordID   int      `json:"record_id" validate:"required,min=1"`
	Position   Position `json:"position" validate:"required"`
	ToPosition Position `json:"to_position" validate:"required"`
	ToBox      int      `json:"to_box" validate:"omitempty,min=1"`
	Date       string   `json:"date" validate:"omitempty,isodate"`
	DryRun     bool     `json:"dry_run"`
}

// BatchInput covers batch_takeout and batch_move.
type BatchInput struct {
	Entries BatchEntries `json:"entries"`
	Date    string       `json:"date" validate:"omitempty,isodate"`
	Action  string       `json:"action" validate:"omitempty,oneof=takeout move Takeout Move"`
	Kind    string       `json:"kind" validate:"omitempty,oneof=takeout thaw discard"`
	ToBox   int          `json:"to_box" validate:"omitempty,min=1"`
	DryRun  bool         `json:"dry_run"`
}

// RollbackInput names the snapshot to restore.
type RollbackInput struct {
	BackupPath string `json:"backup_path" validate:"required"`
}

// QuestionInput asks the human one or more clarifying questions.
type QuestionInput struct {
	Questions []clarify.Question `json:"questions" validate:"required,min=1,dive"`
}

// ManageStagedInput lists, removes or clears staged items. Removal selects by
// index or by (action, record_id, position).
type ManageStagedInput struct {
	Operation string `json:"operation" validate:"required,oneof=list remove clear"`
	Index     *int   `json:"index" validate:"omitempty,min=0"`
	Action    string `json:"action"`
	RecordID  int    `json:"record_id" validate:"omitempty,min=1"`
	Position  int    `json:"position" validate:"omitempty,min=1"`
}

// Contract describes one tool.
type Contract struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Notes       string   `json:"notes,omitempty"`
	Required    []string `json:"required"`
	Optional    []string `json:"optional"`
	Write       bool     `json:"write"`

	input func() any
}

var catalog = map[string]Contract{
	ToolAddEntry: {
		Description: "Add new frozen tube records.",
		Notes:       "Provide all sample metadata through the fields object (e.g. fields.short_name, fields.cell_line).",
		Write:       true,
		input:       func() any { return &AddEntryInput{} },
	},
	ToolEditEntry: {
		Description: "Edit metadata fields of an existing record.",
		Write:       true,
		input:       func() any { return &EditEntryInput{} },
	},
	ToolRecordTakeout: {
		Description: "Record takeout or move for one tube.",
		Write:       true,
		input:       func() any { return &RecordTakeoutInput{} },
	},
	ToolRecordMove: {
		Description: "Move one tube to another slot.",
		Write:       true,
		input:       func() any { return &RecordMoveInput{} },
	},
	ToolBatchTakeout: {
		Description: "Record takeout or move for multiple tubes.",
		Notes:       "entries accepts the compact text syntax (id:pos, id:from->to[:box]) or structured rows.",
		Write:       true,
		input:       func() any { return &BatchInput{} },
	},
	ToolBatchMove: {
		Description: "Move multiple tubes.",
		Notes:       "entries accepts the compact text syntax (id:from->to[:box]) or structured rows.",
		Write:       true,
		input:       func() any { return &BatchInput{} },
	},
	ToolRollback: {
		Description: "Restore the inventory from an explicit backup.",
		Notes:       "Always provide an explicit backup_path.",
		Write:       true,
		input:       func() any { return &RollbackInput{} },
	},
	ToolQuestion: {
		Description: "Ask the user clarifying questions when required values are unknown.",
		Notes:       "question is not a write tool and must run alone.",
		input:       func() any { return &QuestionInput{} },
	},
	ToolManageStaged: {
		Description: "List, remove, or clear staged plan items.",
		input:       func() any { return &ManageStagedInput{} },
	},
}

// batch entries are required but carry no validate tag of their own.
var extraRequired = map[string][]string{
	ToolBatchTakeout: {"entries"},
	ToolBatchMove:    {"entries"},
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("2006-01-02", strings.TrimSpace(fl.Field().String()))
		return err == nil
	})

	for name, c := range catalog {
		c.Name = name
		c.Required, c.Optional = fieldSets(c.input())
		c.Required = append(c.Required, extraRequired[name]...)
		c.Optional = without(c.Optional, extraRequired[name])
		sort.Strings(c.Required)
		catalog[name] = c
	}
}

// Tools returns the catalog sorted by name.
func Tools() []Contract {
	out := make([]Contract, 0, len(catalog))
	for _, c := range catalog {
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Lookup returns the contract for name.
func Lookup(name string) (Contract, bool) {
	c, ok := catalog[name]
	return c, ok
}

// Decode strictly decodes raw into the tool's input struct and validates it.
// The returned value is a pointer to one of the *Input types.
func Decode(tool string, raw []byte) (any, error) {
	c, ok := catalog[tool]
	if !ok {
		names := make([]string, 0, len(catalog))
		for _, t := range Tools() {
			names = append(names, t.Name)
		}
		return nil, domain.Errorf(domain.CodeUnknownTool, "unknown tool %q", tool).
			WithHint("Use one of available tools: " + strings.Join(names, ", ") + ".")
	}
	in := c.input()
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(in); err != nil {
		return nil, c.invalid(decodeMessage(err))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, c.invalid("payload must be a single JSON object")
	}
	if err := validate.Struct(in); err != nil {
		return nil, c.invalid(validationMessage(err))
	}
	if b, ok := in.(*BatchInput); ok && b.Entries.Empty() {
		return nil, c.invalid("Missing required field: entries")
	}
	return in, nil
}

func (c Contract) invalid(msg string) *domain.Error {
	return domain.NewError(domain.CodeInvalidToolInput, msg).
		WithHint(c.Hint()).
		WithContext("tool", c.Name)
}

// Hint renders the corrective hint for malformed input.
func (c Contract) Hint() string {
	req, opt := "(none)", "(none)"
	if len(c.Required) > 0 {
		req = strings.Join(c.Required, ", ")
	}
	if len(c.Optional) > 0 {
		opt = strings.Join(c.Optional, ", ")
	}
	return fmt.Sprintf("Input does not match `%s` schema. Fix field names/types first, then retry. Required: %s. Optional: %s.",
		c.Name, req, opt)
}

func decodeMessage(err error) string {
	msg := err.Error()
	if field, ok := strings.CutPrefix(msg, "json: unknown field "); ok {
		return "Unexpected field(s): " + strings.Trim(field, `"`)
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("%s must be %s", typeErr.Field, jsonKind(typeErr.Type))
	}
	return "invalid JSON payload: " + msg
}

func jsonKind(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int64, reflect.Int32:
		return "an integer"
	case reflect.Bool:
		return "a boolean"
	case reflect.String:
		return "a string"
	case reflect.Slice:
		return "an array"
	case reflect.Map, reflect.Struct:
		return "an object"
	}
	return t.String()
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, "Missing required field: "+field)
		case "min":
			if fe.Kind() == reflect.Slice || fe.Kind() == reflect.Map {
				msgs = append(msgs, fmt.Sprintf("%s must contain at least %s item(s)", field, fe.Param()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s must be >= %s", field, fe.Param()))
			}
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", ")))
		case "isodate":
			msgs = append(msgs, fmt.Sprintf("%s must be a YYYY-MM-DD date", field))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func fieldSets(v any) (required, optional []string) {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		rules := strings.Split(f.Tag.Get("validate"), ",")
		if rules[0] == "required" {
			required = append(required, name)
		} else {
			optional = append(optional, name)
		}
	}
	return required, optional
}

func without(in, drop []string) []string {
	out := in[:0:0]
	for _, v := range in {
		keep := true
		for _, d := range drop {
			if v == d {
				keep = false
			}
		}
		if keep {
			out = append(out, v)
		}
	}
	return out
}

// Position accepts an integer or a display string such as "A1".
type Position string

// UnmarshalJSON keeps numbers as decimal text.
func (p *Position) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = Position(strings.TrimSpace(s))
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil || n < 1 {
		return fmt.Errorf("position must be a positive integer or a position string")
	}
	*p = Position(strconv.Itoa(n))
	return nil
}

// PositionList accepts an integer array or a position expression such as
// "1-3" or "A1,A2".
type PositionList string

// UnmarshalJSON joins integer arrays into an expression.
func (l *PositionList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = PositionList(strings.TrimSpace(s))
		return nil
	}
	var ints []int
	if err := json.Unmarshal(b, &ints); err != nil {
		return fmt.Errorf("positions must be an integer array or a string")
	}
	parts := make([]string, 0, len(ints))
	for _, n := range ints {
		if n < 1 {
			return fmt.Errorf("positions must be positive integers")
		}
		parts = append(parts, strconv.Itoa(n))
	}
	*l = PositionList(strings.Join(parts, ","))
	return nil
}

// BatchRow is one structured batch entry.
type BatchRow struct {
	RecordID     int      `json:"record_id"`
	ID           int      `json:"id"`
	Position     Position `json:"position"`
	FromPosition Position `json:"from_position"`
	ToPosition   Position `json:"to_position"`
	ToBox        int      `json:"to_box"`
}

// BatchEntries accepts compact text or an array whose rows are either
// objects or [id, position, to_position, to_box] tuples.
type BatchEntries struct {
	Text string
	Rows []BatchRow
}

// Empty reports whether no entries were given.
func (e BatchEntries) Empty() bool {
	return strings.TrimSpace(e.Text) == "" && len(e.Rows) == 0
}

// UnmarshalJSON decodes either form.
func (e *BatchEntries) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.Text)
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return fmt.Errorf("entries must be a string or an array")
	}
	for i, raw := range raws {
		row, err := decodeRow(raw)
		if err != nil {
			return fmt.Errorf("entries[%d]: %w", i, err)
		}
		e.Rows = append(e.Rows, row)
	}
	return nil
}

func decodeRow(raw json.RawMessage) (BatchRow, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var row BatchRow
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&row); err != nil {
			return BatchRow{}, err
		}
		if row.RecordID == 0 {
			row.RecordID = row.ID
		}
		if row.Position == "" {
			row.Position = row.FromPosition
		}
		return row, nil
	}
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return BatchRow{}, fmt.Errorf("row must be an object or an array")
	}
	if len(tuple) < 1 || len(tuple) > 4 {
		return BatchRow{}, fmt.Errorf("row must contain 1 to 4 items")
	}
	var row BatchRow
	if err := json.Unmarshal(tuple[0], &row.RecordID); err != nil {
		return BatchRow{}, fmt.Errorf("record id must be an integer")
	}
	if len(tuple) > 1 {
		if err := json.Unmarshal(tuple[1], &row.Position); err != nil {
			return BatchRow{}, err
		}
	}
	if len(tuple) > 2 {
		if err := json.Unmarshal(tuple[2], &row.ToPosition); err != nil {
			return BatchRow{}, err
		}
	}
	if len(tuple) > 3 {
		if err := json.Unmarshal(tuple[3], &row.ToBox); err != nil {
			return BatchRow{}, fmt.Errorf("to_box must be an integer")
		}
	}
	return row, nil
}
