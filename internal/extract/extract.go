// Package extract turns source files into content units: the smallest chunks
// of text that are embedded and indexed (functions, methods, types, windows).
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// ContentUnit is one chunk of source content.
type ContentUnit struct {
	FilePath  string // slash-separated, relative to the library root
	Language  string
	Kind      string // function, method, type, class, window, ...
	Namespace string // package / module, when the language has one
	Container string // enclosing type or class
	Member    string // declared name
	Text      string
	StartLine int // 1-based, inclusive
	EndLine   int // 1-based, inclusive

	// Position is the ordinal of the unit within its file in source order.
	// Together with library and path it forms the unit's stable identity.
	Position int

	Hash            string // hex SHA-256 of Text
	EstimatedTokens int
}

// Label returns a dotted name such as "pkg.Type.Method", or "" for unnamed units.
func (u ContentUnit) Label() string {
	var parts []string
	for _, p := range []string{u.Namespace, u.Container, u.Member} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// EmbeddingText is the text sent to the embedding provider: a short header
// locating the unit followed by its raw text.
func (u ContentUnit) EmbeddingText() string {
	header := u.FilePath
	if label := u.Label(); label != "" {
		header += " " + label
	}
	return fmt.Sprintf("// %s (%s, lines %d-%d)\n%s", header, u.Kind, u.StartLine, u.EndLine, u.Text)
}

// Extractor turns one file's text into content units.
// Implementations must be deterministic for identical input.
type Extractor interface {
	Extract(path string, text []byte) ([]ContentUnit, error)
}

// HashText returns the hex SHA-256 of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens uses the chars/4 heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

const binarySniffLen = 8000

// IsBinary reports whether content looks binary (a NUL byte near the start).
func IsBinary(content []byte) bool {
	n := len(content)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}

// finalize numbers units in order and fills the derived fields.
func finalize(path, language string, units []ContentUnit) []ContentUnit {
	out := units[:0]
	for _, u := range units {
		if strings.TrimSpace(u.Text) == "" {
			continue
		}
		u.FilePath = path
		u.Language = language
		u.Hash = HashText(u.Text)
		u.EstimatedTokens = EstimateTokens(u.Text)
		out = append(out, u)
	}
	for i := range out {
		out[i].Position = i
	}
	return out
}

// DetectLanguage maps a file extension to a language name, or "" if unknown.
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".ts":
		return "typescript"
	case ".tsx":
		return "tsx"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".php":
		return "php"
	case ".rb":
		return "ruby"
	case ".java":
		return "java"
	default:
		return ""
	}
}
