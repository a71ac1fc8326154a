package extract

import "strings"

// DefaultWindowLines is the window size used for files without a parser.
const DefaultWindowLines = 60

// LineExtractor splits text into fixed windows of lines.
type LineExtractor struct {
	window int
}

// NewLineExtractor creates a LineExtractor; window <= 0 uses DefaultWindowLines.
func NewLineExtractor(window int) *LineExtractor {
	if window <= 0 {
		window = DefaultWindowLines
	}
	return &LineExtractor{window: window}
}

// Extract implements Extractor.
func (e *LineExtractor) Extract(path string, text []byte) ([]ContentUnit, error) {
	lines := strings.Split(string(text), "\n")
	// A trailing newline does not start another line.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var units []ContentUnit
	for start := 0; start < len(lines); start += e.window {
		end := start + e.window
		if end > len(lines) {
			end = len(lines)
		}
		units = append(units, ContentUnit{
			Kind:      "window",
			Text:      strings.Join(lines[start:end], "\n"),
			StartLine: start + 1,
			EndLine:   end,
		})
	}

	return finalize(path, languageOrText(path), units), nil
}

func languageOrText(path string) string {
	if lang := DetectLanguage(path); lang != "" {
		return lang
	}
	return "text"
}
