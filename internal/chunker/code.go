package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	pyDefRE   = regexp.MustCompile(`^(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)`)
	pyClassRE = regexp.MustCompile(`^class\s+([A-Za-z_][A-Za-z0-9_]*)`)

	codeStartRE = regexp.MustCompile(`^(?:export\s+)?(?:public\s+|private\s+|protected\s+|static\s+|final\s+|abstract\s+)*(?:async\s+)?(func|function|fn|def|class|struct|interface|impl|type)\b`)
	codeNameRE  = regexp.MustCompile(`(?:func|function|fn|def|class|struct|interface|impl|type)\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)`)
)

var classKinds = map[string]bool{
	"class":     true,
	"struct":    true,
	"interface": true,
	"impl":      true,
	"type":      true,
}

type codeChunker struct {
	language       string
	includeImports bool
	maxChars       int
}

func newCode(p *Params) (Chunker, error) {
	c := &codeChunker{
		language:       strings.ToLower(p.String("language", "")),
		includeImports: p.Bool("include_imports", false),
		maxChars:       p.Int("max_chars", DefaultCodeMaxChars),
	}
	if c.maxChars <= 0 {
		return nil, fmt.Errorf("max_chars must be positive")
	}
	return c, nil
}

func (c *codeChunker) Name() string { return NameCode }

// Chunk splits source code into top-level declaration blocks. Python is
// scanned by indentation (a block runs from its def/class line, including
// decorators, to the next top-level declaration); other languages split on
// a regex over function/class starts at column zero. include_imports
// prepends the file's import lines to every declaration piece.
func (c *codeChunker) Chunk(text string, base map[string]string) []Piece {
	lang := c.language
	if lang == "" {
		lang = strings.ToLower(base[MetaLanguage])
	}
	if lang == "python" || lang == "py" {
		return c.chunkBlocks(text, base, "python", c.pythonBoundaries, pythonImport)
	}
	return c.chunkBlocks(text, base, lang, c.genericBoundaries, genericImport)
}

type blockStart struct {
	line      int
	name      string
	className bool
}

// chunkBlocks assembles pieces from boundary positions. Everything before
// the first boundary becomes a prelude piece without declaration metadata.
func (c *codeChunker) chunkBlocks(text string, base map[string]string, lang string, boundaries func([]string) []blockStart, isImport func(string) bool) []Piece {
	lines := strings.Split(text, "\n")
	starts := boundaries(lines)

	var imports []string
	if c.includeImports {
		for _, line := range lines {
			if isImport(line) {
				imports = append(imports, line)
			}
		}
	}

	emit := func(content string, start *blockStart) []Piece {
		content = strings.TrimSpace(content)
		if content == "" {
			return nil
		}
		if start != nil && len(imports) > 0 {
			content = strings.Join(imports, "\n") + "\n\n" + content
		}
		var pieces []Piece
		for _, part := range splitRunes(content, c.maxChars) {
			meta := copyMeta(base)
			if lang != "" {
				meta[MetaLanguage] = lang
			}
			if start != nil && start.name != "" {
				if start.className {
					meta[MetaClassName] = start.name
				} else {
					meta[MetaFunctionName] = start.name
				}
			}
			if start != nil && len(imports) > 0 {
				meta[MetaImports] = strings.Join(imports, "\n")
			}
			pieces = append(pieces, Piece{Text: part, Metadata: meta})
		}
		return pieces
	}

	if len(starts) == 0 {
		return emit(text, nil)
	}

	var pieces []Piece
	pieces = append(pieces, emit(strings.Join(lines[:starts[0].line], "\n"), nil)...)
	for i, start := range starts {
		end := len(lines)
		if i+1 < len(starts) {
			end = starts[i+1].line
		}
		s := start
		pieces = append(pieces, emit(strings.Join(lines[start.line:end], "\n"), &s)...)
	}
	return pieces
}

// pythonBoundaries finds top-level def/class declarations, attaching any
// directly preceding decorator lines to the block.
func (c *codeChunker) pythonBoundaries(lines []string) []blockStart {
	var starts []blockStart
	pendingDecorator := -1

	for i, line := range lines {
		if line == "" || line != strings.TrimLeft(line, " \t") {
			continue // blank or indented
		}
		if strings.HasPrefix(line, "@") {
			if pendingDecorator == -1 {
				pendingDecorator = i
			}
			continue
		}
		if m := pyDefRE.FindStringSubmatch(line); m != nil {
			start := i
			if pendingDecorator != -1 {
				start = pendingDecorator
			}
			starts = append(starts, blockStart{line: start, name: m[1]})
			pendingDecorator = -1
			continue
		}
		if m := pyClassRE.FindStringSubmatch(line); m != nil {
			start := i
			if pendingDecorator != -1 {
				start = pendingDecorator
			}
			starts = append(starts, blockStart{line: start, name: m[1], className: true})
			pendingDecorator = -1
			continue
		}
		pendingDecorator = -1
	}
	return starts
}

// genericBoundaries finds declarations at column zero by regex.
func (c *codeChunker) genericBoundaries(lines []string) []blockStart {
	var starts []blockStart
	for i, line := range lines {
		m := codeStartRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start := blockStart{line: i, className: classKinds[m[1]]}
		if nm := codeNameRE.FindStringSubmatch(line); nm != nil {
			start.name = nm[1]
		}
		starts = append(starts, start)
	}
	return starts
}

func pythonImport(line string) bool {
	return strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "from ")
}

func genericImport(line string) bool {
	return strings.HasPrefix(line, "import ") ||
		strings.HasPrefix(line, "#include") ||
		strings.HasPrefix(line, "use ")
}
