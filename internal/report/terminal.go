package report

import (
	"github.com/charmbracelet/glamour"
	"github.com/rotisserie/eris"
)

// Terminal renders Markdown for display in a terminal, wrapped at width
// columns. Styling follows the terminal's background.
func Terminal(markdown string, width int) (string, error) {
	if width <= 0 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", eris.Wrap(err, "report: create terminal renderer")
	}
	out, err := r.Render(markdown)
	if err != nil {
		return "", eris.Wrap(err, "report: render markdown")
	}
	return out, nil
}
