package report

import (
	"fmt"
	"strings"
)

// Markdown renders doc as GitHub-flavored Markdown.
func Markdown(doc Document) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", doc.Title)
	for _, r := range doc.Meta {
		fmt.Fprintf(&b, "- **%s:** %s\n", r.Key, r.Value)
	}
	if len(doc.Meta) > 0 {
		b.WriteString("\n")
	}

	for _, blk := range doc.Blocks {
		switch blk.Kind {
		case BlockHeading:
			fmt.Fprintf(&b, "%s %s\n\n", strings.Repeat("#", max(blk.Level, 1)), blk.Text)
		case BlockParagraph:
			if blk.Label != "" {
				fmt.Fprintf(&b, "**%s:** %s\n\n", blk.Label, blk.Text)
			} else {
				fmt.Fprintf(&b, "%s\n\n", blk.Text)
			}
		case BlockBullets:
			if blk.Label != "" {
				fmt.Fprintf(&b, "**%s**\n\n", blk.Label)
			}
			for _, it := range blk.Items {
				b.WriteString("- " + markdownItem(it) + "\n")
			}
			b.WriteString("\n")
		case BlockRows:
			b.WriteString("| | |\n|---|---|\n")
			for _, r := range blk.Rows {
				fmt.Fprintf(&b, "| %s | %s |\n", escapeCell(r.Key), escapeCell(r.Value))
			}
			b.WriteString("\n")
		case BlockNote:
			fmt.Fprintf(&b, "_%s_\n\n", blk.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func markdownItem(it Item) string {
	var s string
	switch {
	case it.Title != "" && it.Text != "":
		s = fmt.Sprintf("**%s**: %s", it.Title, it.Text)
	case it.Title != "":
		s = "**" + it.Title + "**"
	default:
		s = it.Text
	}
	if it.Source != "" {
		s += " [" + it.Source + "]"
	}
	return s
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
