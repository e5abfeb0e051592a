package prescription

import "strings"

const (
	DefaultOpenTag  = "<Rx>"
	DefaultCloseTag = "</Rx>"
)

// Extractor pulls the prescription block out of an assistant reply.
type Extractor struct {
	open  string
	close string
}

func New(open, close string) *Extractor {
	if open == "" {
		open = DefaultOpenTag
	}
	if close == "" {
		close = DefaultCloseTag
	}
	return &Extractor{open: open, close: close}
}

// Extract returns the trimmed text of the first open/close block.
// Without a complete, non-empty block the input is returned verbatim.
func (e *Extractor) Extract(text string) string {
	start := strings.Index(text, e.open)
	if start < 0 {
		return text
	}
	rest := text[start+len(e.open):]

	end := strings.Index(rest, e.close)
	if end < 0 {
		return text
	}

	inner := strings.TrimSpace(rest[:end])
	if inner == "" {
		return text
	}
	return inner
}
