// Package style provides terminal styling for the client using Lipgloss.
package style

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorPass = lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	}
	colorFail = lipgloss.AdaptiveColor{
		Light: "#f07171",
		Dark:  "#f07178",
	}
	colorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	}
	colorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	}
)

var (
	// Success marks completed pages.
	Success = lipgloss.NewStyle().Foreground(colorPass).Bold(true)
	// Error marks failures.
	Error = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	// Info marks job ids and page headings.
	Info = lipgloss.NewStyle().Foreground(colorAccent)
	// Dim is for progress chatter.
	Dim = lipgloss.NewStyle().Foreground(colorMuted)
)

func colored() {
	Success = lipgloss.NewStyle().Foreground(colorPass).Bold(true)
	Error = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	Info = lipgloss.NewStyle().Foreground(colorAccent)
	Dim = lipgloss.NewStyle().Foreground(colorMuted)
}

func plain() {
	Success = lipgloss.NewStyle()
	Error = lipgloss.NewStyle()
	Info = lipgloss.NewStyle()
	Dim = lipgloss.NewStyle()
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetColorMode applies --color: "always", "never", or "auto", which colors
// only when out is a terminal and NO_COLOR is unset.
func SetColorMode(mode string, out io.Writer) {
	switch mode {
	case "never":
		plain()
	case "always":
		_ = os.Setenv("CLICOLOR_FORCE", "1")
		colored()
	default:
		if os.Getenv("NO_COLOR") != "" || !IsTerminal(out) {
			plain()
		} else {
			colored()
		}
	}
}
