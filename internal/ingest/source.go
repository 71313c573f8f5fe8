package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// fetchSource downloads a document body from its source url with a hard
// size cap. Returns the body and the lowercased Content-Type header.
func fetchSource(ctx context.Context, url string, timeout time.Duration, maxBytes int64) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid source url: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return "", "", fmt.Errorf("source document exceeds %d bytes", maxBytes)
	}
	return string(body), strings.ToLower(resp.Header.Get("Content-Type")), nil
}

// htmlToMarkdown converts html content to markdown so heading-aware
// chunkers see document structure instead of tags.
func htmlToMarkdown(content string) (string, error) {
	out, err := htmltomarkdown.ConvertString(content)
	if err != nil {
		return "", fmt.Errorf("html conversion failed: %w", err)
	}
	return out, nil
}
