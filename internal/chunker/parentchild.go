package chunker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Parent modes.
const (
	ParentModeDocument  = "document"
	ParentModeParagraph = "paragraph"
)

// parentNamespace seeds the v5 uuids assigned to parent pieces. Ids are
// derived from document id, parent index, and parent text, so re-ingesting
// an unchanged document reproduces the same parent ids.
var parentNamespace = uuid.MustParse("a0c9e2d4-7b8f-4f31-9e5a-1d2c3b4a5f60")

type parentChildChunker struct {
	parentMode     string
	parentMaxChars int
	childChars     int
	childOverlap   int
}

func newParentChild(p *Params) (Chunker, error) {
	c := &parentChildChunker{
		parentMode:     p.String("parent_mode", ParentModeParagraph),
		parentMaxChars: p.Int("parent_max_chars", DefaultParentMaxChars),
		childChars:     p.Int("child_chars", DefaultChildChars),
		childOverlap:   p.Int("child_overlap", DefaultChildOverlap),
	}
	if c.parentMode != ParentModeDocument && c.parentMode != ParentModeParagraph {
		return nil, fmt.Errorf("parent_mode must be %q or %q", ParentModeDocument, ParentModeParagraph)
	}
	if c.parentMaxChars <= 0 {
		return nil, fmt.Errorf("parent_max_chars must be positive")
	}
	if c.childChars <= 0 {
		return nil, fmt.Errorf("child_chars must be positive")
	}
	if c.childOverlap < 0 || c.childOverlap >= c.childChars {
		return nil, fmt.Errorf("child_overlap must be in [0, child_chars)")
	}
	if c.childChars > c.parentMaxChars {
		return nil, fmt.Errorf("child_chars cannot exceed parent_max_chars")
	}
	return c, nil
}

func (c *parentChildChunker) Name() string { return NameParentChild }

// Chunk builds parent pieces and, for each parent, smaller overlapping
// child pieces. Parents carry their own id so children can reference it
// before anything is persisted; the id is deterministic per document.
// Output order is parent first, then its children, then the next parent.
func (c *parentChildChunker) Chunk(text string, base map[string]string) []Piece {
	parents := c.parents(text)
	docID := base[MetaDocumentID]

	var pieces []Piece
	for i, parent := range parents {
		parentID := uuid.NewSHA1(parentNamespace, []byte(fmt.Sprintf("%s:%d:%s", docID, i, parent))).String()

		meta := copyMeta(base)
		meta[MetaChunkID] = parentID
		meta[MetaChild] = "false"
		meta[MetaParentMode] = c.parentMode
		pieces = append(pieces, Piece{Text: parent, Metadata: meta})

		for j, child := range c.children(parent) {
			childMeta := copyMeta(base)
			childMeta[MetaParentID] = parentID
			childMeta[MetaChild] = "true"
			childMeta[MetaChildIndex] = strconv.Itoa(j)
			pieces = append(pieces, Piece{Text: child, Metadata: childMeta})
		}
	}
	return pieces
}

// parents builds parent texts. Document mode hard-splits the whole text
// at the cap; paragraph mode greedily merges paragraphs up to the cap.
func (c *parentChildChunker) parents(text string) []string {
	if c.parentMode == ParentModeDocument {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return splitRunes(trimmed, c.parentMaxChars)
	}

	var parents []string
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		parents = append(parents, strings.Join(current, "\n\n"))
		current = current[:0]
		currentLen = 0
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		plen := len([]rune(paragraph))
		if plen > c.parentMaxChars {
			flush()
			parents = append(parents, splitRunes(paragraph, c.parentMaxChars)...)
			continue
		}
		// +2 for the joining blank line.
		if currentLen > 0 && currentLen+2+plen > c.parentMaxChars {
			flush()
		}
		current = append(current, paragraph)
		if currentLen > 0 {
			currentLen += 2
		}
		currentLen += plen
	}
	flush()
	return parents
}

// children windows the parent text with overlap, like sliding_window.
func (c *parentChildChunker) children(parent string) []string {
	runes := []rune(parent)
	if len(runes) == 0 {
		return nil
	}

	step := c.childChars - c.childOverlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + c.childChars
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
