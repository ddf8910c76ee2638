package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorAccent = lipgloss.Color("12")
	ColorOK     = lipgloss.Color("10")
	ColorFail   = lipgloss.Color("9")
	ColorMuted  = lipgloss.Color("8")

	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(ColorOK)
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorFail)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
)

// Header renders a section heading.
func Header(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return HeaderStyle.Render(s)
}

// StatusLine renders one check result as "  ok  name  detail".
func StatusLine(ok bool, name, detail string) string {
	mark, style := "ok", okStyle
	if !ok {
		mark, style = "FAIL", failStyle
	}
	if !ShouldUseColor() {
		return fmt.Sprintf("%4s  %-16s %s", mark, name, detail)
	}
	return fmt.Sprintf("%s  %-16s %s", style.Render(fmt.Sprintf("%4s", mark)), name, mutedStyle.Render(detail))
}

// KV renders one "key: value" stats line.
func KV(key string, value any) string {
	v := fmt.Sprint(value)
	if !ShouldUseColor() {
		return fmt.Sprintf("%-22s %s", key, v)
	}
	return fmt.Sprintf("%s %s", mutedStyle.Render(fmt.Sprintf("%-22s", key)), v)
}
