// Package audit persists service audit entries as an append-only JSONL
// journal and rebuilds net operations from selected events.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"cryocore/internal/core"
)

// Event status values as written to the journal.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Event is one journal line. Events are never rewritten once appended.
type Event struct {
	ID          string          `json:"event_id"`
	Timestamp   time.Time       `json:"timestamp"`
	SessionID   string          `json:"session_id,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	Operation   string          `json:"operation"`
	Action      string          `json:"action"`
	Status      string          `json:"status"`
	Source      string          `json:"source,omitempty"`
	RecordIDs   []int           `json:"record_ids,omitempty"`
	AffectedIDs []int           `json:"affected_ids,omitempty"`
	BackupRef   string          `json:"backup_path,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Error       string          `json:"error,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	Details     map[string]any  `json:"details,omitempty"`
	Input       json.RawMessage `json:"tool_input,omitempty"`
	DurationMS  float64         `json:"duration_ms"`
}

// FromEntry converts a service audit entry to a journal event.
func FromEntry(entry core.AuditEntry) (Event, error) {
	ev := Event{
		ID:          ulid.Make().String(),
		Timestamp:   entry.Timestamp.UTC(),
		TraceID:     entry.TraceID,
		Operation:   entry.Operation,
		Action:      entry.Action,
		Status:      StatusSuccess,
		Source:      entry.Source,
		RecordIDs:   entry.RecordIDs,
		AffectedIDs: entry.AffectedIDs,
		BackupRef:   entry.BackupRef,
		ErrorCode:   entry.ErrorCode,
		Error:       entry.Error,
		Warnings:    entry.Warnings,
		Details:     entry.Details,
		DurationMS:  float64(entry.Duration) / float64(time.Millisecond),
	}
	if entry.Status == core.AuditStatusError {
		ev.Status = StatusFailed
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if entry.Input != nil {
		raw, err := json.Marshal(entry.Input)
		if err != nil {
			return Event{}, fmt.Errorf("encode audit input: %w", err)
		}
		ev.Input = raw
	}
	return ev, nil
}

// Journal appends events to a JSONL file. It implements core.AuditRecorder.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	session string
	logger  core.Logger
	lastErr error
}

// JournalOption customises a Journal.
type JournalOption func(*Journal)

// WithSessionID stamps every event with id instead of a generated one.
func WithSessionID(id string) JournalOption {
	return func(j *Journal) {
		if id != "" {
			j.session = id
		}
	}
}

// WithLogger reports write failures, which Record otherwise only retains.
func WithLogger(logger core.Logger) JournalOption {
	return func(j *Journal) { j.logger = logger }
}

// Open opens (or creates) the journal at path for appending.
func Open(path string, opts ...JournalOption) (*Journal, error) {
	if path == "" {
		return nil, errors.New("audit journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	j := &Journal{path: path, file: f, session: uuid.NewString()}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// SessionID returns the id stamped on events from this journal.
func (j *Journal) SessionID() string { return j.session }

// Append writes one event.
func (j *Journal) Append(ev Event) error {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.SessionID == "" {
		ev.SessionID = j.session
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New("audit journal closed")
	}
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Record implements core.AuditRecorder. Failures are retained for Err and
// logged; they never propagate to the audited operation.
func (j *Journal) Record(_ context.Context, entry core.AuditEntry) {
	ev, err := FromEntry(entry)
	if err == nil {
		err = j.Append(ev)
	}
	if err == nil {
		return
	}
	j.mu.Lock()
	j.lastErr = err
	j.mu.Unlock()
	if j.logger != nil {
		j.logger.Error("audit append failed", "operation", entry.Operation, "error", err)
	}
}

// Err returns the most recent Record failure.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Decode reads JSONL events. Blank lines are skipped; a malformed line fails
// with its line number.
func Decode(r io.Reader) ([]Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var events []Event
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(trimSpace(raw)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return events, fmt.Errorf("audit line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("read audit journal: %w", err)
	}
	return events, nil
}

// ReadFile decodes the journal at path. A missing file has no events.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// Filter narrows a read.
type Filter struct {
	Operation string
	Action    string
	Status    string
	RecordID  int
	Since     time.Time
	Limit     int
}

func (f Filter) match(ev Event) bool {
	if f.Operation != "" && ev.Operation != f.Operation {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if f.RecordID > 0 && !containsID(ev.RecordIDs, f.RecordID) && !containsID(ev.AffectedIDs, f.RecordID) {
		return false
	}
	return true
}

// Select returns the matching events, newest first, capped at Limit.
func Select(events []Event, f Filter) []Event {
	var out []Event
	for _, ev := range events {
		if f.match(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].Timestamp.After(out[k].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func containsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r') {
		end--
	}
	return b[start:end]
}
