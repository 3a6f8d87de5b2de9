package main

import (
	"fmt"
	"strings"

	"github.com/azyu/novelforge/pkg/types"
)

// exportChapter is a chapter with its sections in order.
type exportChapter struct {
	Chapter  types.Chapter
	Sections []types.Section
}

// renderMarkdown renders a book as one Markdown document. Sections without
// content are skipped.
func renderMarkdown(book *types.Book, chapters []exportChapter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", book.Settings.Title)
	if book.BackCover != "" {
		for _, line := range strings.Split(strings.TrimSpace(book.BackCover), "\n") {
			if line == "" {
				b.WriteString(">\n")
				continue
			}
			fmt.Fprintf(&b, "> %s\n", line)
		}
		b.WriteString("\n")
	}

	for _, ch := range chapters {
		fmt.Fprintf(&b, "## Chapter %d: %s\n\n", ch.Chapter.Number, ch.Chapter.Title)
		written := 0
		for _, sec := range ch.Sections {
			content := strings.TrimSpace(sec.Content)
			if content == "" {
				continue
			}
			if written > 0 {
				b.WriteString("* * *\n\n")
			}
			b.WriteString(content)
			b.WriteString("\n\n")
			written++
		}
		if written == 0 {
			b.WriteString("_Not yet written._\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
