package ui

import (
	"os"
	"strings"
	"testing"

	"github.com/muesli/termenv"
)

// TestPlainRendering verifies the ASCII profile leaves text unstyled.
func TestPlainRendering(t *testing.T) {
	SetColorProfile(termenv.Ascii)

	for name, render := range map[string]func(string) string{
		"accent": RenderAccent,
		"pass":   RenderPass,
		"warn":   RenderWarn,
		"fail":   RenderFail,
		"muted":  RenderMuted,
	} {
		if got := render("ok"); got != "ok" {
			t.Errorf("%s: got %q, want plain text", name, got)
		}
	}
	if ColorProfile() != termenv.Ascii {
		t.Errorf("ColorProfile() = %v, want Ascii", ColorProfile())
	}
}

func TestColorRendering(t *testing.T) {
	SetColorProfile(termenv.TrueColor)
	defer SetColorProfile(termenv.Ascii)

	if got := RenderFail("boom"); !strings.Contains(got, "\x1b[") || !strings.Contains(got, "boom") {
		t.Errorf("RenderFail() = %q, want ANSI styling", got)
	}
}

func TestKeyValues(t *testing.T) {
	SetColorProfile(termenv.Ascii)

	var b strings.Builder
	KeyValues(&b, [][2]string{{"grids", "1"}, {"micrographs", "42"}})

	want := "  grids:       1\n  micrographs: 42\n"
	if b.String() != want {
		t.Errorf("KeyValues() =\n%q\nwant\n%q", b.String(), want)
	}
}

func TestCounts(t *testing.T) {
	SetColorProfile(termenv.Ascii)

	var b strings.Builder
	Counts(&b, "Permanent failures", map[string]int{"permission": 2, "corrupted": 0, "invalid": 1})
	want := "Permanent failures\n  invalid:    1\n  permission: 2\n"
	if b.String() != want {
		t.Errorf("Counts() =\n%q\nwant\n%q", b.String(), want)
	}

	b.Reset()
	Counts(&b, "empty", map[string]int{"x": 0})
	if b.Len() != 0 {
		t.Errorf("Counts() with only zeros should print nothing, got %q", b.String())
	}
}

func TestIsTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if IsTerminal(f) {
		t.Error("a regular file is not a terminal")
	}
}
