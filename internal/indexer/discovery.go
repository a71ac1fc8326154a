package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// DataDirName is the per-library directory never indexed or watched.
const DataDirName = ".cortexd"

// compiledPattern holds both the pattern string and compiled glob
type compiledPattern struct {
	pattern string
	glob    glob.Glob
}

// DiscoveredFile is an eligible file found under a library root.
type DiscoveredFile struct {
	Path string // slash-separated, relative to the root
	Size int64
}

// FileDiscovery decides which files of a library are eligible for indexing:
// included by a pattern, not excluded, and within the size limit.
type FileDiscovery struct {
	rootDir     string
	include     []compiledPattern
	exclude     []compiledPattern
	maxFileSize int64
}

// NewFileDiscovery compiles the patterns. An empty include list matches every
// file. maxFileSize <= 0 disables the size limit.
func NewFileDiscovery(rootDir string, include, exclude []string, maxFileSize int64) (*FileDiscovery, error) {
	fd := &FileDiscovery{
		rootDir:     rootDir,
		maxFileSize: maxFileSize,
	}

	var err error
	if fd.include, err = compilePatterns("include", include); err != nil {
		return nil, err
	}
	if fd.exclude, err = compilePatterns("exclude", exclude); err != nil {
		return nil, err
	}
	return fd, nil
}

func compilePatterns(field string, patterns []string) ([]compiledPattern, error) {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, configError(field, fmt.Errorf("pattern %q: %w", pattern, err))
		}
		compiled = append(compiled, compiledPattern{pattern: pattern, glob: g})
	}
	return compiled, nil
}

// ValidatePatterns reports the first invalid glob.
func ValidatePatterns(include, exclude []string) error {
	if _, err := compilePatterns("include", include); err != nil {
		return err
	}
	_, err := compilePatterns("exclude", exclude)
	return err
}

// Root returns the library root this discovery walks.
func (fd *FileDiscovery) Root() string {
	return fd.rootDir
}

// Discover walks the root and returns eligible files sorted by path, plus
// the number of matching files skipped for exceeding the size limit.
// Excluded directories are not descended into.
func (fd *FileDiscovery) Discover(ctx context.Context) (files []DiscoveredFile, oversized int, err error) {
	err = filepath.WalkDir(fd.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(fd.rootDir, path)
		if err != nil {
			return err
		}
		// Normalize path separators for glob matching
		relPath = filepath.ToSlash(relPath)
		if relPath == "." {
			return nil
		}

		if d.IsDir() {
			if fd.shouldIgnore(relPath) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !fd.Matches(relPath) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if fd.maxFileSize > 0 && info.Size() > fd.maxFileSize {
			oversized++
			return nil
		}
		files = append(files, DiscoveredFile{Path: relPath, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to walk %s: %w", fd.rootDir, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, oversized, nil
}

// Matches reports whether a relative path is included and not excluded.
// The size limit is not considered.
func (fd *FileDiscovery) Matches(relPath string) bool {
	if fd.shouldIgnore(relPath) {
		return false
	}
	if len(fd.include) == 0 {
		return true
	}
	return fd.matchesAnyPattern(relPath, fd.include)
}

// Eligible reports whether a file of the given size would be indexed.
func (fd *FileDiscovery) Eligible(relPath string, size int64) bool {
	if fd.maxFileSize > 0 && size > fd.maxFileSize {
		return false
	}
	return fd.Matches(relPath)
}

// IgnoreDir reports whether a directory is skipped with everything below it.
func (fd *FileDiscovery) IgnoreDir(relPath string) bool {
	return fd.shouldIgnore(relPath)
}

// shouldIgnore checks if a path matches any exclude pattern.
func (fd *FileDiscovery) shouldIgnore(relPath string) bool {
	// Always ignore the data directory
	if relPath == DataDirName || strings.HasPrefix(relPath, DataDirName+"/") {
		return true
	}

	if fd.matchesAnyPattern(relPath, fd.exclude) {
		return true
	}

	// Also check if this is a directory that would match with /** suffix
	// For example, "node_modules" should match pattern "node_modules/**"
	return fd.matchesAnyPattern(relPath+"/**", fd.exclude) || fd.parentIgnored(relPath)
}

// parentIgnored reports whether any ancestor directory of relPath is excluded,
// which matters for single paths reported by the watcher.
func (fd *FileDiscovery) parentIgnored(relPath string) bool {
	dir := relPath
	for {
		i := strings.LastIndex(dir, "/")
		if i < 0 {
			return false
		}
		dir = dir[:i]
		if fd.matchesAnyPattern(dir, fd.exclude) || fd.matchesAnyPattern(dir+"/**", fd.exclude) {
			return true
		}
	}
}

// matchesAnyPattern checks if a path matches any of the given patterns.
func (fd *FileDiscovery) matchesAnyPattern(path string, patterns []compiledPattern) bool {
	for _, cp := range patterns {
		if cp.glob.Match(path) {
			return true
		}
	}

	// Special handling: if path is in root (no slash), also try matching against
	// patterns with **/ prefix removed. This makes "**/*.md" match both "README.md"
	// and "docs/guide.md" as users would expect.
	if !strings.Contains(path, "/") {
		for _, cp := range patterns {
			if strings.HasPrefix(cp.pattern, "**/") {
				simplified := strings.TrimPrefix(cp.pattern, "**/")
				if simplifiedGlob, err := glob.Compile(simplified, '/'); err == nil {
					if simplifiedGlob.Match(path) {
						return true
					}
				}
			}
		}
	}

	return false
}
