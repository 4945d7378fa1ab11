package proxy

import "strings"

// maxTitleLength caps stored conversation titles.
const maxTitleLength = 100

// postProcessTitle cleans a server-generated title: first line only,
// surrounding quotes and trailing punctuation stripped, length capped.
func postProcessTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if idx := strings.IndexAny(title, "\r\n"); idx != -1 {
		title = strings.TrimSpace(title[:idx])
	}

	title = strings.Trim(title, "\"'`“”")
	title = strings.TrimRight(title, ".,:;!?")
	title = strings.TrimSpace(title)

	if runes := []rune(title); len(runes) > maxTitleLength {
		title = strings.TrimSpace(string(runes[:maxTitleLength]))
	}
	return title
}
