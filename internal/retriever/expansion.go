package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/kbserve/internal/llm"
)

// Query expansion defaults shared by hyde and multi_query.
const (
	DefaultNumQueries   = 3
	expandTemperature   = 0.7
	expandMaxTokens     = 512
	expandSystemMessage = "You expand search queries for a retrieval system. Output plain lines only."
)

// generateLines asks the LLM for up to want lines of text and returns
// them trimmed, with list markers stripped.
func generateLines(ctx context.Context, client llm.LLM, prompt string, want int) ([]string, error) {
	text, err := client.Generate(ctx, prompt, llm.GenerateOptions{
		SystemPrompt: expandSystemMessage,
		Temperature:  expandTemperature,
		MaxTokens:    expandMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate expansions: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = stripListMarker(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == want {
			break
		}
	}
	return lines, nil
}

// stripListMarker removes a leading "1.", "1)", "-" or "*" marker that
// models tend to add despite instructions.
func stripListMarker(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		return strings.TrimSpace(s[i+1:])
	}
	if len(s) > 1 && (s[0] == '-' || s[0] == '*') && s[1] == ' ' {
		return strings.TrimSpace(s[1:])
	}
	return s
}

// fanOutQueries runs the base retriever once per query. The returned
// slice aligns with queries; a nil entry marks a failed query. Failures
// are tolerated as long as at least one query succeeds.
func fanOutQueries(ctx context.Context, base Retriever, req Request, queries []string, source string, logger *slog.Logger) ([][]Hit, error) {
	lists := make([][]Hit, len(queries))
	errs := make([]error, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			sub := req
			sub.Query = q
			lists[i], _, errs[i] = base.Retrieve(gctx, sub)
			return nil
		})
	}
	g.Wait()

	var firstErr error
	succeeded := 0
	for i, err := range errs {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logger.Warn("expanded query failed", "source", source, "error", err)
			lists[i] = nil
			continue
		}
		succeeded++
		if lists[i] == nil {
			lists[i] = []Hit{}
		}
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("all expanded queries failed: %w", firstErr)
	}
	return lists, nil
}

// compactLists drops nil entries so the result can feed straight into
// rank fusion.
func compactLists(lists [][]Hit) [][]Hit {
	good := make([][]Hit, 0, len(lists))
	for _, list := range lists {
		if list != nil {
			good = append(good, list)
		}
	}
	return good
}
