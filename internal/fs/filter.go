package fs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	gitignore "github.com/sabhiram/go-gitignore"
)

// Ignorer defines the interface for pattern matching.
type Ignorer interface {
	MatchesPath(path string) bool
}

// combinedIgnorer wraps two ignorers.
type combinedIgnorer struct {
	file     *gitignore.GitIgnore
	patterns *gitignore.GitIgnore
}

// MatchesPath returns true if the path matches any ignore pattern.
func (c *combinedIgnorer) MatchesPath(path string) bool {
	return c.file.MatchesPath(path) || c.patterns.MatchesPath(path)
}

// FilterOptions configures which paths under a root are organized.
type FilterOptions struct {
	// IgnorePatterns are additional patterns to ignore (gitignore syntax).
	IgnorePatterns []string

	// Include limits files to those matching at least one doublestar glob,
	// relative to the root. Empty means every supported format.
	Include []string

	// IncludeHidden includes hidden files and directories.
	IncludeHidden bool

	// UseGitignore respects a .gitignore file at the root.
	UseGitignore bool

	// SkipDirs are absolute directories that are never entered,
	// such as the state directory.
	SkipDirs []string
}

// Filter decides which paths under a root take part in organization.
// It is shared by the walker and the watcher so both see the same tree.
type Filter struct {
	root    string
	opts    FilterOptions
	ignorer Ignorer
}

// NewFilter creates a filter for root.
func NewFilter(root string, opts FilterOptions) *Filter {
	f := &Filter{root: root, opts: opts}

	patterns := append([]string{}, opts.IgnorePatterns...)
	patterns = append(patterns, defaultIgnorePatterns...)

	if opts.UseGitignore {
		gitignorePath := filepath.Join(root, ".gitignore")
		if _, err := os.Stat(gitignorePath); err == nil {
			gi, err := gitignore.CompileIgnoreFile(gitignorePath)
			if err != nil {
				log.Warn("Failed to parse .gitignore", "path", gitignorePath, "error", err)
			} else {
				f.ignorer = &combinedIgnorer{
					file:     gi,
					patterns: gitignore.CompileIgnoreLines(patterns...),
				}
				return f
			}
		}
	}

	f.ignorer = gitignore.CompileIgnoreLines(patterns...)
	return f
}

// Root returns the filtered root.
func (f *Filter) Root() string {
	return f.root
}

// SkipDir reports whether the directory at path should not be entered.
// The root itself is never skipped.
func (f *Filter) SkipDir(path string) bool {
	if path == f.root {
		return false
	}
	for _, dir := range f.opts.SkipDirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}

	name := filepath.Base(path)
	if name == ".git" {
		return true
	}
	if !f.opts.IncludeHidden && strings.HasPrefix(name, ".") {
		return true
	}

	rel, ok := f.rel(path)
	if !ok {
		return true
	}
	return f.ignorer.MatchesPath(rel + "/")
}

// SkipFile reports whether the file at path should be ignored.
func (f *Filter) SkipFile(path string) bool {
	name := filepath.Base(path)
	if !f.opts.IncludeHidden && strings.HasPrefix(name, ".") {
		return true
	}
	if IsTemporary(name) {
		return true
	}

	rel, ok := f.rel(path)
	if !ok {
		return true
	}
	for _, dir := range f.opts.SkipDirs {
		if strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	// Any hidden or ignored ancestor hides the file too.
	for dir := filepath.Dir(path); dir != f.root && len(dir) > len(f.root); dir = filepath.Dir(dir) {
		if f.SkipDir(dir) {
			return true
		}
	}
	if f.ignorer.MatchesPath(rel) {
		return true
	}
	if DetectFormat(path) == FormatUnknown {
		return true
	}
	return !f.included(rel)
}

// included applies the doublestar include globs.
func (f *Filter) included(rel string) bool {
	if len(f.opts.Include) == 0 {
		return true
	}
	slashed := filepath.ToSlash(rel)
	lower := strings.ToLower(slashed)
	for _, pattern := range f.opts.Include {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, lower); ok {
			return true
		}
	}
	return false
}

func (f *Filter) rel(path string) (string, bool) {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// IsTemporary reports whether a file name looks like an in-progress download
// or editor scratch file.
func IsTemporary(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range temporarySuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.HasPrefix(name, "~$") || strings.HasPrefix(name, ".#")
}

var temporarySuffixes = []string{
	".tmp", ".temp", ".crdownload", ".part", ".partial", ".download",
	".swp", ".swo", "~",
}

// Default patterns to ignore (generated trees and OS clutter).
var defaultIgnorePatterns = []string{
	"node_modules/",
	"vendor/",
	"__pycache__/",
	".idea/",
	".vscode/",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"*.db",
	"*.sqlite",
	"*.sqlite3",
	"*.db-wal",
	"*.db-shm",
}
