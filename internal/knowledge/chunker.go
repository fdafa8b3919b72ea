package knowledge

import "strings"

// Chunker splits document text into overlapping chunks so retrieval units
// keep enough surrounding context to stand alone as citations.
type Chunker struct {
	ChunkSize int
	Overlap   int
}

// NewChunker returns the default 512/50 chunker.
func NewChunker() Chunker {
	return Chunker{ChunkSize: 512, Overlap: 50}
}

var separators = []string{"\n\n", "\n", ". ", " "}

// Split breaks text into chunks at most ChunkSize runes long, preferring
// paragraph then sentence boundaries, with Overlap runes carried over from
// the preceding chunk.
func (c Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	parts := c.split(text, 0)
	if len(parts) == 0 {
		return nil
	}
	// Prepend overlap from the previous chunk.
	out := make([]string, 0, len(parts))
	for i, part := range parts {
		if i > 0 {
			prev := []rune(parts[i-1])
			if len(prev) >= c.Overlap {
				part = string(prev[len(prev)-c.Overlap:]) + " " + part
			}
		}
		out = append(out, strings.TrimSpace(part))
	}
	return out
}

func (c Chunker) split(text string, level int) []string {
	if len([]rune(text)) <= c.ChunkSize {
		return []string{text}
	}
	if level >= len(separators) {
		return c.hardSplit(text)
	}
	sep := separators[level]
	splits := strings.Split(text, sep)
	var chunks []string
	current := ""
	for _, piece := range splits {
		if piece == "" {
			continue
		}
		candidate := piece
		if current != "" {
			candidate = current + sep + piece
		}
		if len([]rune(candidate)) <= c.ChunkSize {
			current = candidate
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
		}
		if len([]rune(piece)) > c.ChunkSize {
			chunks = append(chunks, c.split(piece, level+1)...)
			current = ""
		} else {
			current = piece
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

func (c Chunker) hardSplit(text string) []string {
	runes := []rune(text)
	step := c.ChunkSize - c.Overlap
	if step <= 0 {
		step = c.ChunkSize
	}
	var chunks []string
	for i := 0; i < len(runes); i += step {
		end := i + c.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
