package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code is a machine-readable failure category surfaced to callers.
type Code string

const (
	// Intake and schema errors
	CodeInvalidToolInput       Code = "invalid_tool_input"
	CodeInvalidBox             Code = "invalid_box"
	CodeInvalidPosition        Code = "invalid_position"
	CodeInvalidDate            Code = "invalid_date"
	CodeForbiddenField         Code = "forbidden_field"
	CodePlanValidationFailed   Code = "plan_validation_failed"
	CodeRollbackMustBeAlone    Code = "rollback_must_be_alone"
	CodeEmptyPlan              Code = "empty_plan"
	CodeUnsupportedAction      Code = "unsupported_action"
	CodeQuestionMustRunAlone   Code = "question_must_run_alone"
	CodeStagedItemNotFound     Code = "staged_item_not_found"
	CodeInvalidStagedOperation Code = "invalid_staged_operation"
	CodeUnknownTool            Code = "unknown_tool"
	CodeNoQuestions            Code = "no_questions"
	CodeQuestionCancelled      Code = "question_cancelled"

	// Simulation errors
	CodePositionConflict    Code = "position_conflict"
	CodeRecordNotFound      Code = "record_not_found"
	CodePositionNotFound    Code = "position_not_found"
	CodeInvalidMoveTarget   Code = "invalid_move_target"
	CodeFromMismatch        Code = "from_mismatch"
	CodePlanPreflightFailed Code = "plan_preflight_failed"

	// Commit errors
	CodeIntegrityValidationFailed Code = "integrity_validation_failed"
	CodeWriteFailed               Code = "write_failed"
	CodeBackupFailed              Code = "backup_failed"
	CodeLoadFailed                Code = "load_failed"

	// Rollback errors
	CodeNoBackups             Code = "no_backups"
	CodeRollbackBackupInvalid Code = "rollback_backup_invalid"
	CodeUndoUnavailable       Code = "undo_unavailable"
)

// Error is a structured failure carrying a code and a corrective hint.
type Error struct {
	Code       Code
	Message    string
	Hint       string
	Context    map[string]any
	Underlying error
}

// NewError builds a structured error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a structured error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error. A nil err yields nil.
func WrapError(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Underlying: err}
}

// WithHint sets the corrective hint shown to callers.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithContext attaches a key/value pair.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %v", k, e.Context[k])
		}
		sb.WriteString("}")
	}
	if e.Underlying != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Underlying.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// CodeOf returns the code of the first structured error in err's chain.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	var rv RuleViolationError
	if errors.As(err, &rv) {
		return CodeIntegrityValidationFailed
	}
	return ""
}

// FormatIssues renders at most six messages followed by a remainder count.
func FormatIssues(prefix string, messages []string) string {
	if len(messages) == 0 {
		return prefix
	}
	const limit = 6
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString(":")
	for i, msg := range messages {
		if i == limit {
			fmt.Fprintf(&sb, "\n- ... and %d more", len(messages)-limit)
			break
		}
		sb.WriteString("\n- ")
		sb.WriteString(msg)
	}
	return sb.String()
}
