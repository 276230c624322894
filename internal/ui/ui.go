// Package ui renders terminal output for the epuwatch commands.
//
// Styles degrade to plain text when stdout is not a terminal or NO_COLOR is
// set, so piped output stays parseable.
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	mu       sync.RWMutex
	renderer = newRenderer(os.Stdout)
	styles   = newStyles(renderer)
)

type styleSet struct {
	accent lipgloss.Style
	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
	key    lipgloss.Style
}

func newRenderer(out *os.File) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(out)
	if !IsTerminal(out) || termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return r
}

func newStyles(r *lipgloss.Renderer) styleSet {
	return styleSet{
		accent: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1d4ed8", Dark: "#60a5fa"}),
		pass:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#15803d", Dark: "#4ade80"}),
		warn:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b45309", Dark: "#fbbf24"}),
		fail:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#f87171"}).Bold(true),
		muted:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"}),
		header: r.NewStyle().Bold(true).Underline(true),
		key:    r.NewStyle().Bold(true),
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// SetColorProfile overrides the detected color profile. termenv.Ascii
// disables styling entirely.
func SetColorProfile(p termenv.Profile) {
	mu.Lock()
	defer mu.Unlock()
	renderer.SetColorProfile(p)
	styles = newStyles(renderer)
}

// ColorProfile returns the active color profile.
func ColorProfile() termenv.Profile {
	mu.RLock()
	defer mu.RUnlock()
	return renderer.ColorProfile()
}

func current() styleSet {
	mu.RLock()
	defer mu.RUnlock()
	return styles
}

// RenderAccent highlights informational markers and headings.
func RenderAccent(s string) string { return current().accent.Render(s) }

// RenderPass marks success.
func RenderPass(s string) string { return current().pass.Render(s) }

// RenderWarn marks a recoverable problem.
func RenderWarn(s string) string { return current().warn.Render(s) }

// RenderFail marks an error.
func RenderFail(s string) string { return current().fail.Render(s) }

// RenderMuted de-emphasizes secondary detail.
func RenderMuted(s string) string { return current().muted.Render(s) }

// RenderHeader renders a section title.
func RenderHeader(s string) string { return current().header.Render(s) }

// KeyValues writes aligned "key: value" lines in the given order.
func KeyValues(w io.Writer, pairs [][2]string) {
	width := 0
	for _, p := range pairs {
		if n := lipgloss.Width(p[0]); n > width {
			width = n
		}
	}
	st := current()
	for _, p := range pairs {
		key := st.key.Render(p[0] + ":")
		pad := strings.Repeat(" ", width-lipgloss.Width(p[0])+1)
		fmt.Fprintf(w, "  %s%s%s\n", key, pad, p[1])
	}
}

// Counts writes a map of counters sorted by key, skipping zeros.
func Counts(w io.Writer, title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k, v := range counts {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)

	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, fmt.Sprint(counts[k])})
	}
	fmt.Fprintln(w, RenderMuted(title))
	KeyValues(w, pairs)
}
