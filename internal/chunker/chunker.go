// Package chunker splits document text into retrievable pieces.
//
// Chunkers are registered by name and built from free-form parameter maps,
// the same maps stored in knowledge base configs. Every chunker is
// deterministic (same input and params produce the same output sequence)
// and enforces its size cap strictly: no piece text exceeds the configured
// maximum.
//
// Metadata keys written by chunkers are read downstream by retrievers and
// the ingestion pipeline, so their names are part of the contract.
package chunker

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Chunker names.
const (
	NameSimple        = "simple"
	NameSlidingWindow = "sliding_window"
	NameRecursive     = "recursive"
	NameMarkdown      = "markdown"
	NameCode          = "code"
	NameParentChild   = "parent_child"
)

// Metadata keys written by chunkers. MetaDocumentID is read, not
// written: the ingestion pipeline sets it on the base metadata so
// parent ids stay stable across re-ingests of the same document.
const (
	MetaDocumentID   = "document_id"
	MetaOffset       = "offset"
	MetaHeadingPath  = "heading_path"
	MetaLanguage     = "language"
	MetaFunctionName = "function_name"
	MetaClassName    = "class_name"
	MetaImports      = "imports"
	MetaChunkID      = "chunk_id"
	MetaParentID     = "parent_id"
	MetaChild        = "child"
	MetaChildIndex   = "child_index"
	MetaParentMode   = "parent_mode"
)

// Default parameters.
const (
	DefaultSeparator      = "\n\n"
	DefaultMaxChars       = 1000
	DefaultWindowChars    = 800
	DefaultWindowOverlap  = 200
	DefaultMarkdownLevel  = 3
	DefaultMarkdownChars  = 2000
	DefaultCodeMaxChars   = 2000
	DefaultParentMaxChars = 4000
	DefaultChildChars     = 400
	DefaultChildOverlap   = 80
)

// Piece is one chunk of text plus its metadata.
type Piece struct {
	Text     string
	Metadata map[string]string
}

// Chunker splits text into an ordered sequence of pieces. The base
// metadata is copied into every piece; chunker-specific keys overwrite it.
type Chunker interface {
	Name() string
	Chunk(text string, base map[string]string) []Piece
}

// Factory builds a chunker from decoded parameters.
type Factory func(p *Params) (Chunker, error)

// Registry binds chunker names to factories.
type Registry struct {
	strict    bool
	factories map[string]Factory
}

// NewRegistry creates a registry with all built-in chunkers. In strict
// mode, unknown parameter keys are rejected; otherwise they are ignored.
func NewRegistry(strict bool) *Registry {
	r := &Registry{
		strict:    strict,
		factories: make(map[string]Factory),
	}
	r.Register(NameSimple, newSimple)
	r.Register(NameSlidingWindow, newSlidingWindow)
	r.Register(NameRecursive, newRecursive)
	r.Register(NameMarkdown, newMarkdown)
	r.Register(NameCode, newCode)
	r.Register(NameParentChild, newParentChild)
	return r
}

// Register binds a name to a factory, replacing any previous binding.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New instantiates a chunker by name with the given parameters.
func (r *Registry) New(name string, params map[string]any) (Chunker, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown chunker: %s", name)
	}
	p := newParams(params)
	c, err := factory(p)
	if err != nil {
		return nil, fmt.Errorf("chunker %s: %w", name, err)
	}
	if err := p.finish(r.strict); err != nil {
		return nil, fmt.Errorf("chunker %s: %w", name, err)
	}
	return c, nil
}

// Names returns the registered chunker names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// Parameter decoding
// ============================================================================

// Params reads typed values out of a free-form parameter map, tracking
// which keys were consumed so strict mode can reject the rest. Values
// arrive either as native Go types or as JSON-decoded ones (float64 for
// all numbers).
type Params struct {
	raw  map[string]any
	used map[string]bool
	err  error
}

func newParams(raw map[string]any) *Params {
	return &Params{raw: raw, used: make(map[string]bool)}
}

func (p *Params) fail(key, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("param %q: expected %s", key, want)
	}
}

// String reads a string parameter.
func (p *Params) String(key, def string) string {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	s, ok := v.(string)
	if !ok {
		p.fail(key, "string")
		return def
	}
	return s
}

// Int reads an integer parameter.
func (p *Params) Int(key string, def int) int {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n == math.Trunc(n) {
			return int(n)
		}
		p.fail(key, "integer")
	default:
		p.fail(key, "integer")
	}
	return def
}

// Float reads a float parameter.
func (p *Params) Float(key string, def float64) float64 {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		p.fail(key, "number")
	}
	return def
}

// Bool reads a boolean parameter.
func (p *Params) Bool(key string, def bool) bool {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	b, ok := v.(bool)
	if !ok {
		p.fail(key, "boolean")
		return def
	}
	return b
}

// Strings reads a string-list parameter.
func (p *Params) Strings(key string, def []string) []string {
	v, ok := p.raw[key]
	if !ok {
		return def
	}
	p.used[key] = true
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				p.fail(key, "list of strings")
				return def
			}
			out = append(out, s)
		}
		return out
	default:
		p.fail(key, "list of strings")
	}
	return def
}

func (p *Params) finish(strict bool) error {
	if p.err != nil {
		return p.err
	}
	if !strict {
		return nil
	}
	var unknown []string
	for key := range p.raw {
		if !p.used[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown params: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// ============================================================================
// Simple chunking
// ============================================================================

type simpleChunker struct {
	separator string
	maxChars  int
}

func newSimple(p *Params) (Chunker, error) {
	c := &simpleChunker{
		separator: p.String("separator", DefaultSeparator),
		maxChars:  p.Int("max_chars", DefaultMaxChars),
	}
	if c.separator == "" {
		return nil, fmt.Errorf("separator cannot be empty")
	}
	if c.maxChars <= 0 {
		return nil, fmt.Errorf("max_chars must be positive")
	}
	return c, nil
}

func (c *simpleChunker) Name() string { return NameSimple }

// Chunk splits on the separator, then hard-splits any segment that still
// exceeds max_chars.
func (c *simpleChunker) Chunk(text string, base map[string]string) []Piece {
	var pieces []Piece
	for _, segment := range strings.Split(text, c.separator) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		for _, part := range splitRunes(segment, c.maxChars) {
			pieces = append(pieces, Piece{Text: part, Metadata: copyMeta(base)})
		}
	}
	return pieces
}

// ============================================================================
// Sliding window chunking
// ============================================================================

type slidingWindowChunker struct {
	windowChars  int
	overlapChars int
}

func newSlidingWindow(p *Params) (Chunker, error) {
	c := &slidingWindowChunker{
		windowChars:  p.Int("window_chars", DefaultWindowChars),
		overlapChars: p.Int("overlap_chars", DefaultWindowOverlap),
	}
	if c.windowChars <= 0 {
		return nil, fmt.Errorf("window_chars must be positive")
	}
	if c.overlapChars < 0 || c.overlapChars >= c.windowChars {
		return nil, fmt.Errorf("overlap_chars must be in [0, window_chars)")
	}
	return c, nil
}

func (c *slidingWindowChunker) Name() string { return NameSlidingWindow }

// Chunk emits fixed-size character windows with overlap. Each piece
// records its starting character offset.
func (c *slidingWindowChunker) Chunk(text string, base map[string]string) []Piece {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := c.windowChars - c.overlapChars
	var pieces []Piece
	for start := 0; start < len(runes); start += step {
		end := start + c.windowChars
		if end > len(runes) {
			end = len(runes)
		}
		meta := copyMeta(base)
		meta[MetaOffset] = strconv.Itoa(start)
		pieces = append(pieces, Piece{Text: string(runes[start:end]), Metadata: meta})
		if end == len(runes) {
			break
		}
	}
	return pieces
}

// ============================================================================
// Recursive chunking
// ============================================================================

type recursiveChunker struct {
	separators    []string
	maxChars      int
	keepSeparator bool
}

func newRecursive(p *Params) (Chunker, error) {
	c := &recursiveChunker{
		separators:    p.Strings("separators", []string{"\n\n", "\n", ". ", " "}),
		maxChars:      p.Int("max_chars", DefaultMaxChars),
		keepSeparator: p.Bool("keep_separator", false),
	}
	if c.maxChars <= 0 {
		return nil, fmt.Errorf("max_chars must be positive")
	}
	for _, sep := range c.separators {
		if sep == "" {
			return nil, fmt.Errorf("separators cannot contain the empty string")
		}
	}
	return c, nil
}

func (c *recursiveChunker) Name() string { return NameRecursive }

// Chunk tries separators in order, descending to the next one whenever a
// segment still exceeds max_chars. Segments that no separator can break
// are hard-split.
func (c *recursiveChunker) Chunk(text string, base map[string]string) []Piece {
	var pieces []Piece
	for _, segment := range c.split(text, c.separators) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		pieces = append(pieces, Piece{Text: segment, Metadata: copyMeta(base)})
	}
	return pieces
}

func (c *recursiveChunker) split(text string, seps []string) []string {
	if len([]rune(text)) <= c.maxChars {
		return []string{text}
	}
	if len(seps) == 0 {
		return splitRunes(text, c.maxChars)
	}

	sep := seps[0]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return c.split(text, seps[1:])
	}

	var out []string
	for i, part := range parts {
		if c.keepSeparator && i < len(parts)-1 {
			part += sep
		}
		if part == "" {
			continue
		}
		out = append(out, c.split(part, seps[1:])...)
	}
	return out
}

// ============================================================================
// Helpers
// ============================================================================

// splitRunes hard-splits text into windows of at most max runes. Rune
// boundaries are preserved so multibyte text never tears.
func splitRunes(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}
	var parts []string
	for start := 0; start < len(runes); start += max {
		end := start + max
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}

// copyMeta copies base metadata so pieces never share maps.
func copyMeta(base map[string]string) map[string]string {
	meta := make(map[string]string, len(base)+4)
	for k, v := range base {
		meta[k] = v
	}
	return meta
}
