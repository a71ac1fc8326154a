package extract

import (
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Registry routes files to a language extractor and falls back to line
// windows for unknown text files or files a parser cannot handle.
type Registry struct {
	byLanguage map[string]Extractor
	fallback   *LineExtractor
	logger     *slog.Logger
}

// NewRegistry creates a registry with Go (go/ast) and the tree-sitter languages.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byLanguage: make(map[string]Extractor),
		fallback:   NewLineExtractor(DefaultWindowLines),
		logger:     logger,
	}
	r.Register("go", NewGoExtractor())
	for name, spec := range treeSitterLanguages() {
		r.Register(name, newTreeSitterExtractor(name, spec))
	}
	return r
}

// Register sets the extractor for a language, replacing any existing one.
func (r *Registry) Register(language string, ex Extractor) {
	r.byLanguage[language] = ex
}

// Languages returns the number of registered languages.
func (r *Registry) Languages() int {
	return len(r.byLanguage)
}

// Extract returns the content units of one file.
//
// Binary content yields no units. A language extractor that fails or finds no
// structural units is replaced by the line-window extractor so every text
// file is represented in the index.
func (r *Registry) Extract(path string, text []byte) ([]ContentUnit, error) {
	if len(text) == 0 || IsBinary(text) {
		return nil, nil
	}
	if !utf8.Valid(text) {
		text = []byte(strings.ToValidUTF8(string(text), "\uFFFD"))
	}

	language := DetectLanguage(path)
	if ex, ok := r.byLanguage[language]; ok {
		units, err := ex.Extract(path, text)
		if err == nil && len(units) > 0 {
			return units, nil
		}
		if err != nil {
			r.logger.Debug("parser failed, using line windows", "path", path, "language", language, "error", err)
		}
	}

	return r.fallback.Extract(path, text)
}
