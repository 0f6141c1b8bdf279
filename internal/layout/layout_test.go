package layout

import (
	"reflect"
	"strings"
	"testing"

	"cryocore/pkg/domain"
)

func TestNormalizeDefaults(t *testing.T) {
	n := Normalize(domain.BoxLayout{})
	if n.Rows != 9 || n.Cols != 9 || n.Indexing != domain.IndexingNumeric {
		t.Fatalf("unexpected defaults: %+v", n)
	}
	if TotalSlots(domain.BoxLayout{Rows: 10, Cols: 10}) != 100 {
		t.Fatalf("expected 100 slots")
	}
}

func TestBoxNumbers(t *testing.T) {
	if got := BoxNumbers(domain.BoxLayout{}); !reflect.DeepEqual(got, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("default boxes: %v", got)
	}
	if got := BoxNumbers(domain.BoxLayout{BoxCount: 2}); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("box count: %v", got)
	}
	l := domain.BoxLayout{BoxNumbers: []int{7, 3, 3, 1}}
	if got := BoxNumbers(l); !reflect.DeepEqual(got, []int{1, 3, 7}) {
		t.Fatalf("explicit boxes: %v", got)
	}
	if ValidBox(l, 2) || !ValidBox(l, 7) {
		t.Fatalf("unexpected box validity")
	}
}

func TestBoxConstraint(t *testing.T) {
	cases := []struct {
		layout domain.BoxLayout
		want   string
	}{
		{domain.BoxLayout{}, "1-5"},
		{domain.BoxLayout{BoxNumbers: []int{4}}, "4"},
		{domain.BoxLayout{BoxNumbers: []int{1, 3, 7}}, "1,3,7"},
	}
	for _, tc := range cases {
		if got := BoxConstraint(tc.layout); got != tc.want {
			t.Fatalf("constraint %+v: got %q want %q", tc.layout, got, tc.want)
		}
	}
}

func TestDisplayAndParseAlphanumeric(t *testing.T) {
	l := domain.BoxLayout{Rows: 9, Cols: 9, Indexing: domain.IndexingAlphanumeric}
	cases := map[int]string{1: "A1", 9: "A9", 10: "B1", 81: "I9"}
	for pos, want := range cases {
		if got := Display(l, pos); got != want {
			t.Fatalf("display %d: got %s want %s", pos, got, want)
		}
		back, err := Parse(l, want)
		if err != nil || back != pos {
			t.Fatalf("parse %s: got %d err %v", want, back, err)
		}
	}
	if got, err := Parse(l, "12"); err != nil || got != 12 {
		t.Fatalf("numeric fallback: %d %v", got, err)
	}
	if _, err := Parse(l, "J1"); err == nil {
		t.Fatalf("expected row out of range")
	}
	if _, err := Parse(l, "A10"); err == nil {
		t.Fatalf("expected column out of range")
	}
}

func TestDisplayNumeric(t *testing.T) {
	if got := Display(domain.BoxLayout{}, 42); got != "42" {
		t.Fatalf("got %s", got)
	}
}

func TestParsePositions(t *testing.T) {
	numeric := domain.BoxLayout{}
	got, err := ParsePositions(numeric, "3,1-2, 3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("got %v", got)
	}
	if _, err := ParsePositions(numeric, "5-3"); err == nil {
		t.Fatalf("expected descending range error")
	}
	if _, err := ParsePositions(numeric, "0"); err == nil {
		t.Fatalf("expected out of range error")
	}
	if _, err := ParsePositions(numeric, "82"); err == nil {
		t.Fatalf("expected out of range error")
	}
	for _, text := range []string{"1-2000000000", "0-3", "80-82"} {
		_, err := ParsePositions(numeric, text)
		if err == nil || !strings.Contains(err.Error(), "range "+text) {
			t.Fatalf("%q: expected range bounds error before expansion, got %v", text, err)
		}
	}
	if _, err := ParsePositions(numeric, " , "); err == nil {
		t.Fatalf("expected empty error")
	}

	alpha := domain.BoxLayout{Indexing: domain.IndexingAlphanumeric}
	got, err = ParsePositions(alpha, "B1,A1")
	if err != nil || !reflect.DeepEqual(got, []int{1, 10}) {
		t.Fatalf("alpha parse: %v %v", got, err)
	}
	if _, err := ParsePositions(alpha, "1-3"); err == nil {
		t.Fatalf("expected alpha range rejection")
	}
}

func TestBoxLabel(t *testing.T) {
	l := domain.BoxLayout{BoxLabels: map[int]string{2: "Tank B"}}
	if BoxLabel(l, 2) != "Tank B" || BoxLabel(l, 3) != "3" {
		t.Fatalf("unexpected labels")
	}
}
