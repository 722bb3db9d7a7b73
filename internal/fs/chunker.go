package fs

import (
	"strings"
)

// TextChunker splits text into overlapping windows of at most ChunkSize
// runes. Windows end at the best natural break in their second half: a blank
// line, then a line end, then a sentence end, then any space.
type TextChunker struct {
	opts ChunkOptions
}

var _ Chunker = (*TextChunker)(nil)

// NewTextChunker creates a chunker. Zero or inconsistent options fall back
// to the defaults.
func NewTextChunker(opts ChunkOptions) *TextChunker {
	def := DefaultChunkOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = 0
	}
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = def.MinChunkSize
	}
	return &TextChunker{opts: opts}
}

// Chunk splits content. A tail shorter than MinChunkSize is folded into the
// window before it.
func (c *TextChunker) Chunk(content string) []Chunk {
	runes := []rune(content)
	n := len(runes)
	if n == 0 {
		return nil
	}

	var chunks []Chunk
	for start := 0; start < n; {
		end := min(start+c.opts.ChunkSize, n)
		if n-end < c.opts.MinChunkSize {
			end = n
		} else {
			end = breakPoint(runes, start, end)
		}

		if text := strings.TrimSpace(string(runes[start:end])); text != "" {
			chunks = append(chunks, Chunk{
				Content: text,
				Index:   len(chunks),
				Start:   start,
				End:     end,
			})
		}
		if end == n {
			break
		}

		next := end - c.opts.ChunkOverlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint returns the cut position for the window runes[start:end].
func breakPoint(runes []rune, start, end int) int {
	lo := start + (end-start)/2
	if lo < 1 {
		lo = 1
	}
	boundaries := []func(i int) bool{
		func(i int) bool { return runes[i] == '\n' && runes[i-1] == '\n' },
		func(i int) bool { return runes[i] == '\n' },
		func(i int) bool { return runes[i] == ' ' && strings.ContainsRune(".!?", runes[i-1]) },
		func(i int) bool { return runes[i] == ' ' || runes[i] == '\t' },
	}
	for _, at := range boundaries {
		for i := end - 1; i >= lo; i-- {
			if at(i) {
				return i + 1
			}
		}
	}
	return end
}
