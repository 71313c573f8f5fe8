package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

var headingRE = regexp.MustCompile(`^(#{1,6})\s+(.*)`)

type markdownChunker struct {
	maxLevel int
	maxChars int
}

func newMarkdown(p *Params) (Chunker, error) {
	c := &markdownChunker{
		maxLevel: p.Int("max_level", DefaultMarkdownLevel),
		maxChars: p.Int("max_chars", DefaultMarkdownChars),
	}
	if c.maxLevel < 1 || c.maxLevel > 6 {
		return nil, fmt.Errorf("max_level must be in [1,6]")
	}
	if c.maxChars <= 0 {
		return nil, fmt.Errorf("max_chars must be positive")
	}
	return c, nil
}

func (c *markdownChunker) Name() string { return NameMarkdown }

// Chunk splits at headings up to max_level, carrying the heading path into
// each piece's metadata (h1..hN plus a joined heading_path). Headings
// inside fenced code blocks are ignored. Content before the first heading
// becomes a piece without heading metadata.
func (c *markdownChunker) Chunk(text string, base map[string]string) []Piece {
	var pieces []Piece
	var current []string
	var levels [6]string
	inFence := false

	flush := func() {
		content := strings.TrimSpace(strings.Join(current, "\n"))
		current = current[:0]
		if content == "" {
			return
		}
		var path []string
		for _, h := range levels {
			if h != "" {
				path = append(path, h)
			}
		}
		for _, part := range splitRunes(content, c.maxChars) {
			meta := copyMeta(base)
			for i, h := range levels {
				if h != "" {
					meta[fmt.Sprintf("h%d", i+1)] = h
				}
			}
			if len(path) > 0 {
				meta[MetaHeadingPath] = strings.Join(path, " > ")
			}
			pieces = append(pieces, Piece{Text: part, Metadata: meta})
		}
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			current = append(current, line)
			continue
		}
		if !inFence {
			if m := headingRE.FindStringSubmatch(line); m != nil {
				level := len(m[1])
				if level <= c.maxLevel {
					flush()
					for i := level - 1; i < 6; i++ {
						levels[i] = ""
					}
					levels[level-1] = strings.TrimSpace(m[2])
					current = append(current, line)
					continue
				}
			}
		}
		current = append(current, line)
	}
	flush()

	return pieces
}
