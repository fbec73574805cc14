package llm

import (
	"regexp"
	"strings"
)

var (
	fencedBlockRe = regexp.MustCompile(`(?is)^` + "```" + `(?:bash|sh|zsh)?\s*\n?(.*?)` + "```")
	promptCharRe  = regexp.MustCompile(`^\s*[$%]\s*`)
)

// ExtractCommand pulls a single shell command out of a model response.
// Markdown code fences and prompt-style "$ " prefixes are stripped and
// the first non-empty line wins. Returns "" when there is nothing
// usable.
func ExtractCommand(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	text = promptCharRe.ReplaceAllString(text, "")

	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
