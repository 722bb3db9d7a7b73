package fs

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/nickcecere/sefs/internal/errs"
)

// Extractor turns a file into plain text.
type Extractor interface {
	// Extract returns the text of the file at path. Failures wrap
	// errs.ErrExtraction or errs.ErrUnsupportedFormat.
	Extract(ctx context.Context, path string) (string, error)

	// Supports reports whether the file's declared format can be extracted.
	Supports(path string) bool
}

// DecodeFunc extracts text from raw file bytes.
type DecodeFunc func(data []byte) (string, error)

// Registry dispatches extraction by declared format.
type Registry struct {
	decoders    map[Format]DecodeFunc
	maxFileSize int64
}

var _ Extractor = (*Registry)(nil)

// NewRegistry creates a registry with the built-in decoders.
// A positive maxFileSize rejects larger files.
func NewRegistry(maxFileSize int64) *Registry {
	r := &Registry{
		decoders:    make(map[Format]DecodeFunc),
		maxFileSize: maxFileSize,
	}
	r.Register(FormatText, decodePlainText)
	r.Register(FormatMarkdown, decodePlainText)
	r.Register(FormatCode, decodePlainText)
	r.Register(FormatData, decodePlainText)
	r.Register(FormatHTML, decodeHTML)
	r.Register(FormatDOCX, decodeDOCX)
	r.Register(FormatPDF, decodePDF)
	return r
}

// Register sets the decoder for a format.
func (r *Registry) Register(format Format, fn DecodeFunc) {
	r.decoders[format] = fn
}

// Supports reports whether a decoder exists for the file's format.
func (r *Registry) Supports(path string) bool {
	_, ok := r.decoders[DetectFormat(path)]
	return ok
}

// Extract reads the file and decodes it. Decoder panics on malformed input
// are turned into extraction errors.
func (r *Registry) Extract(ctx context.Context, path string) (text string, err error) {
	format := DetectFormat(path)
	decode, ok := r.decoders[format]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, errs.ErrUnsupportedFormat)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", errs.ErrExtraction, path, err)
	}
	if r.maxFileSize > 0 && info.Size() > r.maxFileSize {
		return "", fmt.Errorf("%w: %s is %d bytes, limit is %d", errs.ErrExtraction, path, info.Size(), r.maxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", errs.ErrExtraction, path, err)
	}

	defer func() {
		if p := recover(); p != nil {
			text = ""
			err = fmt.Errorf("%w: %s: malformed %s: %v", errs.ErrExtraction, path, format, p)
		}
	}()

	text, err = decode(data)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", errs.ErrExtraction, path, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: %s: no text content", errs.ErrExtraction, path)
	}
	return text, nil
}

// decodePlainText reads UTF-8 text, dropping invalid bytes.
func decodePlainText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	if isBinaryContent(sample) {
		return "", fmt.Errorf("binary content")
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

// Pre-compiled regular expressions for HTML stripping.
var (
	scriptTag         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTag          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	noscriptTag       = regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`)
	svgTag            = regexp.MustCompile(`(?is)<svg[^>]*>.*?</svg>`)
	titleTag          = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	headTag           = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlComments      = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockElements     = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|blockquote|pre|table|section|article)>`)
	openBlockElements = regexp.MustCompile(`(?i)<(p|div|h[1-6]|li|tr|blockquote|pre|table|section|article)[^>]*>`)
	brTags            = regexp.MustCompile(`(?i)<(br|hr)\s*/?>`)
	allTags           = regexp.MustCompile(`<[^>]+>`)
	multiSpaces       = regexp.MustCompile(`[ \t]+`)
)

// decodeHTML strips markup and keeps readable text. The page title is kept
// as the first line.
func decodeHTML(data []byte) (string, error) {
	content := string(data)

	var title string
	if m := titleTag.FindStringSubmatch(content); len(m) > 1 {
		title = strings.TrimSpace(html.UnescapeString(m[1]))
	}

	content = scriptTag.ReplaceAllString(content, "")
	content = styleTag.ReplaceAllString(content, "")
	content = noscriptTag.ReplaceAllString(content, "")
	content = svgTag.ReplaceAllString(content, "")
	content = headTag.ReplaceAllString(content, "")
	content = htmlComments.ReplaceAllString(content, "")
	content = openBlockElements.ReplaceAllString(content, "\n")
	content = blockElements.ReplaceAllString(content, "\n")
	content = brTags.ReplaceAllString(content, "\n")
	content = allTags.ReplaceAllString(content, "")
	content = html.UnescapeString(content)
	content = multiSpaces.ReplaceAllString(content, " ")

	var lines []string
	if title != "" {
		lines = append(lines, title)
	}
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// documentXML represents the structure of word/document.xml.
type documentXML struct {
	Body struct {
		Paragraphs []paragraph `xml:"p"`
	} `xml:"body"`
}

type paragraph struct {
	Runs []run `xml:"r"`
}

type run struct {
	Text []textElement `xml:"t"`
}

type textElement struct {
	Content string `xml:",chardata"`
}

// decodeDOCX reads paragraph text from word/document.xml.
func decodeDOCX(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("not a docx archive: %w", err)
	}

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("failed to open document.xml: %w", err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("failed to read document.xml: %w", err)
		}

		var doc documentXML
		if err := xml.Unmarshal(content, &doc); err != nil {
			return "", fmt.Errorf("failed to parse document.xml: %w", err)
		}

		var result strings.Builder
		for i, para := range doc.Body.Paragraphs {
			if i > 0 {
				result.WriteString("\n")
			}
			for _, r := range para.Runs {
				for _, t := range r.Text {
					result.WriteString(t.Content)
				}
			}
		}
		return result.String(), nil
	}

	return "", fmt.Errorf("word/document.xml not found")
}

// decodePDF reads the text layer of a PDF.
func decodePDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}
	return buf.String(), nil
}

// isBinaryContent reports whether a sample looks binary: it holds a NUL
// byte or more than 30% control characters.
func isBinaryContent(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	control := 0
	for _, b := range sample {
		switch {
		case b == 0:
			return true
		case b < 32 && b != '\t' && b != '\n' && b != '\r' && b != '\f':
			control++
		}
	}
	return float64(control)/float64(len(sample)) > 0.3
}
