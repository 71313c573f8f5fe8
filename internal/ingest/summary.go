package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/knoguchi/kbserve/internal/llm"
	"github.com/knoguchi/kbserve/internal/repository"
)

const summaryPromptTemplate = `Summarize the following document in at most three sentences. Answer with the summary only, no preamble.

%s`

const (
	summaryInputCap    = 8000
	summaryMaxTokens   = 256
	summaryTemperature = 0.2
)

// generateSummary produces a short document summary when the knowledge
// base asks for one. Summary failures never fail ingestion; the document
// just keeps summary_status=failed.
func (o *Orchestrator) generateSummary(ctx context.Context, doc *repository.Document, content string) {
	if err := o.documents.UpdateSummary(ctx, doc.ID, "", repository.SummaryStatusPending); err != nil {
		o.logger.Warn("failed to mark summary pending", "document_id", doc.ID, "error", err)
		return
	}

	input := content
	if runes := []rune(input); len(runes) > summaryInputCap {
		input = string(runes[:summaryInputCap])
	}

	summary, err := o.llm.Generate(ctx, fmt.Sprintf(summaryPromptTemplate, input), llm.GenerateOptions{
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		o.logger.Warn("summary generation failed", "document_id", doc.ID, "error", err)
		if err := o.documents.UpdateSummary(ctx, doc.ID, "", repository.SummaryStatusFailed); err != nil {
			o.logger.Warn("failed to mark summary failed", "document_id", doc.ID, "error", err)
		}
		return
	}

	if err := o.documents.UpdateSummary(ctx, doc.ID, strings.TrimSpace(summary), repository.SummaryStatusReady); err != nil {
		o.logger.Warn("failed to store summary", "document_id", doc.ID, "error", err)
	}
}
