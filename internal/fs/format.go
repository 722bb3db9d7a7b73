package fs

import (
	"path/filepath"
	"strings"
)

// Format is the declared document format of a file.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatCode     Format = "code"
	FormatData     Format = "data"
	FormatUnknown  Format = ""
)

// extToFormat maps file extensions to formats.
var extToFormat = map[string]Format{
	// Prose
	".txt":      FormatText,
	".text":     FormatText,
	".log":      FormatText,
	".rst":      FormatText,
	".org":      FormatText,
	".tex":      FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".mdx":      FormatMarkdown,

	// Documents
	".html":  FormatHTML,
	".htm":   FormatHTML,
	".xhtml": FormatHTML,
	".pdf":   FormatPDF,
	".docx":  FormatDOCX,

	// Structured data
	".csv":  FormatData,
	".tsv":  FormatData,
	".json": FormatData,
	".yaml": FormatData,
	".yml":  FormatData,
	".toml": FormatData,
	".xml":  FormatData,
	".ini":  FormatData,

	// Source code
	".go":    FormatCode,
	".ts":    FormatCode,
	".tsx":   FormatCode,
	".js":    FormatCode,
	".jsx":   FormatCode,
	".mjs":   FormatCode,
	".py":    FormatCode,
	".rs":    FormatCode,
	".java":  FormatCode,
	".c":     FormatCode,
	".h":     FormatCode,
	".cpp":   FormatCode,
	".hpp":   FormatCode,
	".cs":    FormatCode,
	".rb":    FormatCode,
	".php":   FormatCode,
	".swift": FormatCode,
	".kt":    FormatCode,
	".scala": FormatCode,
	".sh":    FormatCode,
	".bash":  FormatCode,
	".sql":   FormatCode,
	".css":   FormatCode,
}

// DetectFormat returns the declared format of a file from its extension.
func DetectFormat(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	return extToFormat[ext]
}

// IsTextual reports whether the format is read as UTF-8 text.
func (f Format) IsTextual() bool {
	switch f {
	case FormatText, FormatMarkdown, FormatCode, FormatData:
		return true
	}
	return false
}
