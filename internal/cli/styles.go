package cli

import "github.com/charmbracelet/lipgloss"

// Shared colors.
var (
	AccentColor = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	DimColor    = lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"}
	WarnColor   = lipgloss.AdaptiveColor{Light: "#F25D94", Dark: "#F25D94"}
	GreenColor  = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
)

// Styles are bound to one renderer so color detection follows the
// output stream rather than the process's stdout.
type Styles struct {
	Header lipgloss.Style
	Key    lipgloss.Style
	Dim    lipgloss.Style
	Error  lipgloss.Style
	Good   lipgloss.Style
	Border lipgloss.Style
	Cell   lipgloss.Style
}

// NewStyles builds the shared styles for r.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Header: r.NewStyle().Foreground(AccentColor).Bold(true).Padding(0, 1),
		Key:    r.NewStyle().Foreground(AccentColor),
		Dim:    r.NewStyle().Foreground(DimColor),
		Error:  r.NewStyle().Foreground(WarnColor).Bold(true),
		Good:   r.NewStyle().Foreground(GreenColor),
		Border: r.NewStyle().Foreground(DimColor),
		Cell:   r.NewStyle().Padding(0, 1),
	}
}
