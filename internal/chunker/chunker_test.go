package chunker

import (
	"reflect"
	"strings"
	"testing"
)

func mustNew(t *testing.T, name string, params map[string]any) Chunker {
	t.Helper()
	c, err := NewRegistry(true).New(name, params)
	if err != nil {
		t.Fatalf("new %s: %v", name, err)
	}
	return c
}

func pieceTexts(pieces []Piece) []string {
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	return texts
}

func TestRegistry_UnknownChunker(t *testing.T) {
	_, err := NewRegistry(true).New("bogus", nil)
	if err == nil {
		t.Fatal("expected error for unknown chunker")
	}
}

func TestRegistry_StrictRejectsUnknownParams(t *testing.T) {
	_, err := NewRegistry(true).New(NameSimple, map[string]any{"max_chars": 100, "typo_key": 1})
	if err == nil || !strings.Contains(err.Error(), "typo_key") {
		t.Fatalf("expected unknown param error, got %v", err)
	}

	// Lenient mode ignores the same key.
	if _, err := NewRegistry(false).New(NameSimple, map[string]any{"typo_key": 1}); err != nil {
		t.Fatalf("lenient mode: %v", err)
	}
}

func TestRegistry_ParamTypeErrors(t *testing.T) {
	_, err := NewRegistry(false).New(NameSimple, map[string]any{"max_chars": "ten"})
	if err == nil || !strings.Contains(err.Error(), "max_chars") {
		t.Fatalf("expected type error, got %v", err)
	}

	// JSON-decoded whole floats pass as integers.
	c, err := NewRegistry(true).New(NameSimple, map[string]any{"max_chars": float64(50)})
	if err != nil {
		t.Fatalf("whole float: %v", err)
	}
	if c.Name() != NameSimple {
		t.Errorf("wrong name %s", c.Name())
	}

	if _, err := NewRegistry(true).New(NameSimple, map[string]any{"max_chars": 10.5}); err == nil {
		t.Fatal("expected error for fractional max_chars")
	}
}

func TestSimple_SplitsOnSeparator(t *testing.T) {
	c := mustNew(t, NameSimple, nil)

	pieces := c.Chunk("first paragraph\n\n\n\nsecond paragraph", map[string]string{"source": "test"})
	want := []string{"first paragraph", "second paragraph"}
	if !reflect.DeepEqual(pieceTexts(pieces), want) {
		t.Fatalf("got %v, want %v", pieceTexts(pieces), want)
	}
	for i, p := range pieces {
		if p.Metadata["source"] != "test" {
			t.Errorf("piece %d lost base metadata", i)
		}
	}
}

func TestSimple_EnforcesMaxChars(t *testing.T) {
	c := mustNew(t, NameSimple, map[string]any{"max_chars": 10})

	pieces := c.Chunk(strings.Repeat("x", 25), nil)
	if len(pieces) != 3 {
		t.Fatalf("expected 3 pieces, got %d", len(pieces))
	}
	for i, p := range pieces {
		if n := len([]rune(p.Text)); n > 10 {
			t.Errorf("piece %d has %d chars, cap is 10", i, n)
		}
	}
}

func TestSlidingWindow_OffsetsAndOverlap(t *testing.T) {
	c := mustNew(t, NameSlidingWindow, map[string]any{"window_chars": 10, "overlap_chars": 3})

	text := "abcdefghijklmnopqrst" // 20 runes
	pieces := c.Chunk(text, nil)

	want := []string{"abcdefghij", "hijklmnopq", "opqrst"}
	if !reflect.DeepEqual(pieceTexts(pieces), want) {
		t.Fatalf("got %v, want %v", pieceTexts(pieces), want)
	}
	for i, offset := range []string{"0", "7", "14"} {
		if pieces[i].Metadata[MetaOffset] != offset {
			t.Errorf("piece %d offset %s, want %s", i, pieces[i].Metadata[MetaOffset], offset)
		}
	}
}

func TestSlidingWindow_ShortText(t *testing.T) {
	c := mustNew(t, NameSlidingWindow, nil)

	pieces := c.Chunk("short", nil)
	if len(pieces) != 1 || pieces[0].Text != "short" {
		t.Fatalf("got %v", pieceTexts(pieces))
	}
	if c.Chunk("", nil) != nil {
		t.Error("expected nil for empty text")
	}
}

func TestRecursive_DescendsSeparators(t *testing.T) {
	c := mustNew(t, NameRecursive, map[string]any{
		"separators": []string{"\n\n", "\n"},
		"max_chars":  20,
	})

	text := "para one line one\npara one line two\n\npara two"
	pieces := c.Chunk(text, nil)

	want := []string{"para one line one", "para one line two", "para two"}
	if !reflect.DeepEqual(pieceTexts(pieces), want) {
		t.Fatalf("got %v, want %v", pieceTexts(pieces), want)
	}
}

func TestRecursive_KeepSeparator(t *testing.T) {
	c := mustNew(t, NameRecursive, map[string]any{
		"separators":     []string{". "},
		"max_chars":      15,
		"keep_separator": true,
	})

	pieces := c.Chunk("one two three. four five six. seven", nil)
	want := []string{"one two three.", "four five six.", "seven"}
	if !reflect.DeepEqual(pieceTexts(pieces), want) {
		t.Fatalf("got %v, want %v", pieceTexts(pieces), want)
	}
}

func TestRecursive_HardSplitFallback(t *testing.T) {
	c := mustNew(t, NameRecursive, map[string]any{
		"separators": []string{"\n\n"},
		"max_chars":  8,
	})

	pieces := c.Chunk(strings.Repeat("y", 20), nil)
	if len(pieces) != 3 {
		t.Fatalf("expected 3 pieces, got %d: %v", len(pieces), pieceTexts(pieces))
	}
	for i, p := range pieces {
		if len([]rune(p.Text)) > 8 {
			t.Errorf("piece %d exceeds cap", i)
		}
	}
}

func TestMarkdown_HeadingSections(t *testing.T) {
	c := mustNew(t, NameMarkdown, nil)

	doc := "intro\n\n# Alpha\nalpha text\n\n## Beta\nbeta text\n\n# Gamma\ngamma text"
	pieces := c.Chunk(doc, nil)

	if len(pieces) != 4 {
		t.Fatalf("expected 4 pieces, got %d: %v", len(pieces), pieceTexts(pieces))
	}

	// Preamble has no heading metadata.
	if pieces[0].Text != "intro" {
		t.Errorf("preamble text %q", pieces[0].Text)
	}
	if _, ok := pieces[0].Metadata[MetaHeadingPath]; ok {
		t.Error("preamble should have no heading_path")
	}

	if pieces[1].Metadata["h1"] != "Alpha" || pieces[1].Metadata[MetaHeadingPath] != "Alpha" {
		t.Errorf("piece 1 metadata %v", pieces[1].Metadata)
	}
	if pieces[2].Metadata["h1"] != "Alpha" || pieces[2].Metadata["h2"] != "Beta" {
		t.Errorf("piece 2 metadata %v", pieces[2].Metadata)
	}
	if pieces[2].Metadata[MetaHeadingPath] != "Alpha > Beta" {
		t.Errorf("piece 2 heading_path %q", pieces[2].Metadata[MetaHeadingPath])
	}

	// A new h1 resets deeper levels.
	if pieces[3].Metadata[MetaHeadingPath] != "Gamma" {
		t.Errorf("piece 3 heading_path %q", pieces[3].Metadata[MetaHeadingPath])
	}
	if _, ok := pieces[3].Metadata["h2"]; ok {
		t.Error("piece 3 should not carry stale h2")
	}
}

func TestMarkdown_FencedCodeIgnoresHeadings(t *testing.T) {
	c := mustNew(t, NameMarkdown, nil)

	doc := "# Top\n```\n# not a heading\n```\nafter"
	pieces := c.Chunk(doc, nil)

	if len(pieces) != 1 {
		t.Fatalf("expected 1 piece, got %d: %v", len(pieces), pieceTexts(pieces))
	}
	if pieces[0].Metadata["h1"] != "Top" {
		t.Errorf("metadata %v", pieces[0].Metadata)
	}
	if !strings.Contains(pieces[0].Text, "# not a heading") {
		t.Error("fenced content missing from piece")
	}
}

func TestMarkdown_MaxLevel(t *testing.T) {
	c := mustNew(t, NameMarkdown, map[string]any{"max_level": 1})

	pieces := c.Chunk("# A\none\n## B\ntwo", nil)
	if len(pieces) != 1 {
		t.Fatalf("expected 1 piece, got %d", len(pieces))
	}
	if !strings.Contains(pieces[0].Text, "## B") {
		t.Error("sub-heading should stay inside the piece")
	}
}

func TestCode_PythonBlocks(t *testing.T) {
	c := mustNew(t, NameCode, map[string]any{"language": "python", "include_imports": true})

	src := strings.Join([]string{
		"import os",
		"from sys import path",
		"",
		"CONST = 1",
		"",
		"@dec",
		"def foo(a):",
		"    return a",
		"",
		"class Bar:",
		"    def method(self):",
		"        pass",
		"",
		"async def baz():",
		"    pass",
	}, "\n")

	pieces := c.Chunk(src, nil)
	if len(pieces) != 4 {
		t.Fatalf("expected 4 pieces, got %d: %v", len(pieces), pieceTexts(pieces))
	}

	// Prelude keeps module-level code, no declaration metadata.
	if _, ok := pieces[0].Metadata[MetaFunctionName]; ok {
		t.Error("prelude should have no function_name")
	}
	if !strings.Contains(pieces[0].Text, "CONST = 1") {
		t.Errorf("prelude text %q", pieces[0].Text)
	}

	if pieces[1].Metadata[MetaFunctionName] != "foo" {
		t.Errorf("piece 1 metadata %v", pieces[1].Metadata)
	}
	if !strings.HasPrefix(pieces[1].Text, "import os\nfrom sys import path\n\n@dec") {
		t.Errorf("decorator or imports missing: %q", pieces[1].Text)
	}
	if pieces[1].Metadata[MetaImports] != "import os\nfrom sys import path" {
		t.Errorf("imports metadata %q", pieces[1].Metadata[MetaImports])
	}

	if pieces[2].Metadata[MetaClassName] != "Bar" {
		t.Errorf("piece 2 metadata %v", pieces[2].Metadata)
	}
	if pieces[3].Metadata[MetaFunctionName] != "baz" {
		t.Errorf("piece 3 metadata %v", pieces[3].Metadata)
	}
	for i, p := range pieces {
		if p.Metadata[MetaLanguage] != "python" {
			t.Errorf("piece %d language %q", i, p.Metadata[MetaLanguage])
		}
	}
}

func TestCode_GoBlocks(t *testing.T) {
	c := mustNew(t, NameCode, nil)

	src := strings.Join([]string{
		"package main",
		"",
		`import "fmt"`,
		"",
		"type Server struct {",
		"\taddr string",
		"}",
		"",
		"func (s *Server) Start() error {",
		"\treturn nil",
		"}",
		"",
		"func main() {",
		`	fmt.Println("ok")`,
		"}",
	}, "\n")

	// Language comes from document metadata when not set in params.
	pieces := c.Chunk(src, map[string]string{MetaLanguage: "go"})
	if len(pieces) != 4 {
		t.Fatalf("expected 4 pieces, got %d: %v", len(pieces), pieceTexts(pieces))
	}
	if pieces[1].Metadata[MetaClassName] != "Server" {
		t.Errorf("piece 1 metadata %v", pieces[1].Metadata)
	}
	if pieces[2].Metadata[MetaFunctionName] != "Start" {
		t.Errorf("receiver method name %v", pieces[2].Metadata)
	}
	if pieces[3].Metadata[MetaFunctionName] != "main" {
		t.Errorf("piece 3 metadata %v", pieces[3].Metadata)
	}
	if pieces[1].Metadata[MetaLanguage] != "go" {
		t.Errorf("language fallback %v", pieces[1].Metadata)
	}
}

func TestCode_NoDeclarationsFallback(t *testing.T) {
	c := mustNew(t, NameCode, nil)

	pieces := c.Chunk("just prose\nwith no declarations", nil)
	if len(pieces) != 1 {
		t.Fatalf("expected 1 piece, got %d", len(pieces))
	}
	if _, ok := pieces[0].Metadata[MetaFunctionName]; ok {
		t.Error("fallback piece should have no function_name")
	}
}

func TestParentChild_ParagraphMode(t *testing.T) {
	c := mustNew(t, NameParentChild, map[string]any{
		"parent_mode":      "paragraph",
		"parent_max_chars": 70,
		"child_chars":      40,
		"child_overlap":    10,
	})

	paraA := strings.TrimSpace(strings.Repeat("alpha ", 10)) // 59 runes
	paraB := strings.TrimSpace(strings.Repeat("beta ", 10))  // 49 runes
	base := map[string]string{MetaDocumentID: "doc-1"}

	pieces := c.Chunk(paraA+"\n\n"+paraB, base)

	// parent A, two children, parent B, two children
	if len(pieces) != 6 {
		t.Fatalf("expected 6 pieces, got %d", len(pieces))
	}

	parentA := pieces[0]
	if parentA.Metadata[MetaChild] != "false" || parentA.Metadata[MetaParentMode] != "paragraph" {
		t.Fatalf("parent metadata %v", parentA.Metadata)
	}
	parentID := parentA.Metadata[MetaChunkID]
	if parentID == "" {
		t.Fatal("parent has no chunk_id")
	}

	for i, idx := range []string{"0", "1"} {
		child := pieces[1+i]
		if child.Metadata[MetaChild] != "true" {
			t.Errorf("child %d not marked child", i)
		}
		if child.Metadata[MetaParentID] != parentID {
			t.Errorf("child %d parent_id %q, want %q", i, child.Metadata[MetaParentID], parentID)
		}
		if child.Metadata[MetaChildIndex] != idx {
			t.Errorf("child %d index %q", i, child.Metadata[MetaChildIndex])
		}
		if !strings.Contains(parentA.Text, child.Text) {
			t.Errorf("child %d text not inside parent", i)
		}
	}

	parentB := pieces[3]
	if parentB.Metadata[MetaChild] != "false" {
		t.Fatalf("piece 3 should be the second parent: %v", parentB.Metadata)
	}
	if parentB.Metadata[MetaChunkID] == parentID {
		t.Error("parents share a chunk_id")
	}
}

func TestParentChild_Deterministic(t *testing.T) {
	c := mustNew(t, NameParentChild, nil)
	base := map[string]string{MetaDocumentID: "doc-1"}
	text := "some parent material\n\nmore parent material"

	first := c.Chunk(text, base)
	second := c.Chunk(text, base)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("same input produced different pieces")
	}

	// A different document gets different parent ids.
	other := c.Chunk(text, map[string]string{MetaDocumentID: "doc-2"})
	if other[0].Metadata[MetaChunkID] == first[0].Metadata[MetaChunkID] {
		t.Error("parent ids should differ across documents")
	}
}

func TestParentChild_DocumentMode(t *testing.T) {
	c := mustNew(t, NameParentChild, map[string]any{
		"parent_mode":   "document",
		"child_chars":   50,
		"child_overlap": 10,
	})

	text := strings.TrimSpace(strings.Repeat("word ", 30)) // 149 runes
	pieces := c.Chunk(text, map[string]string{MetaDocumentID: "doc-1"})

	if pieces[0].Metadata[MetaChild] != "false" {
		t.Fatal("first piece should be the parent")
	}
	if pieces[0].Text != text {
		t.Errorf("document parent should hold the whole text")
	}
	children := 0
	for _, p := range pieces[1:] {
		if p.Metadata[MetaChild] == "true" {
			children++
		}
	}
	if children != len(pieces)-1 {
		t.Errorf("expected all remaining pieces to be children")
	}
}

func TestParentChild_InvalidParams(t *testing.T) {
	r := NewRegistry(true)
	for name, params := range map[string]map[string]any{
		"bad mode":    {"parent_mode": "sentence"},
		"bad overlap": {"child_chars": 10, "child_overlap": 10},
		"child > parent": {
			"parent_max_chars": 100, "child_chars": 200,
		},
	} {
		if _, err := r.New(NameParentChild, params); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestChunkers_Deterministic(t *testing.T) {
	text := "# Title\n\nfirst paragraph with several words\n\nsecond paragraph, also with words\n\ndef f():\n    pass"
	base := map[string]string{MetaDocumentID: "doc-1", MetaLanguage: "python"}

	r := NewRegistry(true)
	for _, name := range r.Names() {
		c, err := r.New(name, nil)
		if err != nil {
			t.Fatalf("new %s: %v", name, err)
		}
		first := c.Chunk(text, base)
		second := c.Chunk(text, base)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%s is not deterministic", name)
		}
		if len(first) == 0 {
			t.Errorf("%s produced no pieces", name)
		}
	}
}
