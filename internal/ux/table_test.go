package ux

import (
	"strings"
	"testing"
)

func TestTableAlignsColumns(t *testing.T) {
	tbl := NewTable("Gate", "Time")
	tbl.Add("hygiene", "230ms")
	tbl.Add("x", "1s")

	view := tbl.View(DefaultStyles())
	t.Logf("view:\n%s", view)

	if !strings.Contains(view, "hygiene  230ms") {
		t.Errorf("wide cell not followed by two-space gutter")
	}
	if !strings.Contains(view, "x        1s") {
		t.Errorf("narrow cell not padded to the column width")
	}
	if !strings.Contains(view, "Gate     Time") {
		t.Errorf("header not padded to the column width")
	}
	if !strings.Contains(view, "─") {
		t.Errorf("missing rule under the header")
	}
}

func TestTableEmptyRendersNothing(t *testing.T) {
	if got := NewTable("A", "B").View(DefaultStyles()); got != "" {
		t.Fatalf("empty table rendered %q", got)
	}
}

func TestTableShortRow(t *testing.T) {
	tbl := NewTable("Name", "Verdict", "Steps")
	tbl.Add("security")

	view := tbl.View(DefaultStyles())
	if !strings.Contains(view, "security") {
		t.Fatalf("row missing from view:\n%s", view)
	}
}
