// Package layout maps between box/slot addresses and linear slot indices.
//
// Slots are stored as 1-based integers. Humans may address them either by
// that integer (numeric indexing) or by a row letter plus 1-based column
// (alphanumeric indexing, A1 is the first slot of a box).
package layout

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"cryocore/pkg/domain"
)

const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Normalize fills defaults for unset geometry fields.
func Normalize(l domain.BoxLayout) domain.BoxLayout {
	out := l
	if out.Rows <= 0 {
		out.Rows = domain.DefaultRows
	}
	if out.Cols <= 0 {
		out.Cols = domain.DefaultCols
	}
	if out.Indexing == "" {
		out.Indexing = domain.IndexingNumeric
	}
	out.Indexing = domain.Indexing(strings.ToLower(string(out.Indexing)))
	return out
}

// TotalSlots returns the number of slots per box.
func TotalSlots(l domain.BoxLayout) int {
	n := Normalize(l)
	return n.Rows * n.Cols
}

// PositionRange returns the inclusive valid position bounds.
func PositionRange(l domain.BoxLayout) (int, int) {
	return 1, TotalSlots(l)
}

// BoxNumbers returns the active box numbers in ascending order.
func BoxNumbers(l domain.BoxLayout) []int {
	if len(l.BoxNumbers) > 0 {
		seen := make(map[int]struct{}, len(l.BoxNumbers))
		out := make([]int, 0, len(l.BoxNumbers))
		for _, b := range l.BoxNumbers {
			if b <= 0 {
				continue
			}
			if _, dup := seen[b]; dup {
				continue
			}
			seen[b] = struct{}{}
			out = append(out, b)
		}
		sort.Ints(out)
		return out
	}
	count := l.BoxCount
	if count <= 0 {
		count = domain.DefaultBoxCount
	}
	out := make([]int, count)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// ValidBox reports whether box is one of the active boxes.
func ValidBox(l domain.BoxLayout, box int) bool {
	for _, b := range BoxNumbers(l) {
		if b == box {
			return true
		}
	}
	return false
}

// ValidPosition reports whether pos lies inside a box.
func ValidPosition(l domain.BoxLayout, pos int) bool {
	lo, hi := PositionRange(l)
	return pos >= lo && pos <= hi
}

// BoxConstraint renders the active boxes for error messages: "1-5" when
// contiguous, otherwise a comma list.
func BoxConstraint(l domain.BoxLayout) string {
	boxes := BoxNumbers(l)
	switch len(boxes) {
	case 0:
		return "N/A"
	case 1:
		return strconv.Itoa(boxes[0])
	}
	contiguous := true
	for i := 0; i+1 < len(boxes); i++ {
		if boxes[i]+1 != boxes[i+1] {
			contiguous = false
			break
		}
	}
	if contiguous {
		return fmt.Sprintf("%d-%d", boxes[0], boxes[len(boxes)-1])
	}
	parts := make([]string, len(boxes))
	for i, b := range boxes {
		parts[i] = strconv.Itoa(b)
	}
	return strings.Join(parts, ",")
}

// PositionConstraint renders the valid position range.
func PositionConstraint(l domain.BoxLayout) string {
	lo, hi := PositionRange(l)
	return fmt.Sprintf("%d-%d", lo, hi)
}

// Display renders an internal position in the layout's addressing convention.
func Display(l domain.BoxLayout, pos int) string {
	n := Normalize(l)
	if n.Indexing == domain.IndexingAlphanumeric && pos > 0 {
		row := (pos - 1) / n.Cols
		col := (pos - 1) % n.Cols
		if row < len(letters) {
			return fmt.Sprintf("%c%d", letters[row], col+1)
		}
	}
	return strconv.Itoa(pos)
}

// Parse converts a display string into an internal position. Alphanumeric
// layouts still accept plain integers.
func Parse(l domain.BoxLayout, text string) (int, error) {
	n := Normalize(l)
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, fmt.Errorf("position cannot be empty")
	}
	if n.Indexing == domain.IndexingAlphanumeric && unicode.IsLetter(rune(s[0])) {
		row := strings.IndexByte(letters, byte(unicode.ToUpper(rune(s[0]))))
		if row < 0 {
			return 0, fmt.Errorf("invalid row letter in %q", s)
		}
		col, err := strconv.Atoi(s[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid column in %q", s)
		}
		col--
		if col < 0 || col >= n.Cols {
			return 0, fmt.Errorf("column out of range: %s", s)
		}
		if row >= n.Rows {
			return 0, fmt.Errorf("row out of range: %s", s)
		}
		return row*n.Cols + col + 1, nil
	}
	pos, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q", s)
	}
	return pos, nil
}

// ParsePositions parses "1,2,3", "1-3" or, for alphanumeric layouts,
// "A1,A2" (ranges are numeric only). The result is sorted and unique and
// every position is range-checked.
func ParsePositions(l domain.BoxLayout, text string) ([]int, error) {
	alpha := Normalize(l).Indexing == domain.IndexingAlphanumeric
	lo, hi := PositionRange(l)
	var positions []int
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.Index(part, "-"); idx > 0 {
			if alpha {
				return nil, fmt.Errorf("ranges are not supported in alphanumeric mode: %s", part)
			}
			start, err := strconv.Atoi(strings.TrimSpace(part[:idx]))
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			end, err := strconv.Atoi(strings.TrimSpace(part[idx+1:]))
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			if end < start {
				return nil, fmt.Errorf("range end must be >= start: %s", part)
			}
			if start < lo || end > hi {
				return nil, fmt.Errorf("range %s out of range (%d-%d)", part, lo, hi)
			}
			for p := start; p <= end; p++ {
				positions = append(positions, p)
			}
			continue
		}
		p, err := Parse(l, part)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("no positions given")
	}
	for _, p := range positions {
		if p < lo || p > hi {
			return nil, fmt.Errorf("position %d out of range (%d-%d)", p, lo, hi)
		}
	}
	sort.Ints(positions)
	out := positions[:1]
	for _, p := range positions[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out, nil
}

// BoxLabel returns the configured label for box, or its number.
func BoxLabel(l domain.BoxLayout, box int) string {
	if label, ok := l.BoxLabels[box]; ok && label != "" {
		return label
	}
	return strconv.Itoa(box)
}
