package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dedox/dedox/internal/llm"
)

// Extractor pulls structured metadata out of document text.
type Extractor interface {
	ExtractFields(ctx context.Context, text string) (*llm.ExtractedFields, error)
}

// ExtractStage derives document metadata from the recognized text via the
// language model.
type ExtractStage struct {
	extractor Extractor
	logger    *slog.Logger
}

// NewExtractStage creates the extraction stage.
func NewExtractStage(extractor Extractor, logger *slog.Logger) *ExtractStage {
	return &ExtractStage{extractor: extractor, logger: logger}
}

func (s *ExtractStage) Name() string { return "extract" }

func (s *ExtractStage) Applies(pc *Context) bool {
	return pc.Text != ""
}

func (s *ExtractStage) Execute(ctx context.Context, pc *Context) Result {
	fields, err := s.extractor.ExtractFields(ctx, pc.Text)
	if err != nil {
		return ResultFromError(fmt.Errorf("metadata extraction failed: %w", err))
	}

	meta := &ExtractedMetadata{
		Title:        fields.Title,
		Sender:       fields.Sender,
		DocumentType: fields.DocumentType,
		Summary:      fields.Summary,
		Confidence:   fields.Confidence,
	}
	if fields.DocumentDate != "" {
		date, err := time.Parse("2006-01-02", fields.DocumentDate)
		if err != nil {
			pc.Warn(fmt.Sprintf("unparseable document date %q", fields.DocumentDate))
		} else {
			meta.DocumentDate = date
		}
	}
	pc.Metadata = meta

	s.logger.Debug("metadata extracted",
		slog.String("job_id", pc.JobID),
		slog.String("title", meta.Title),
		slog.String("sender", meta.Sender))
	return Ok()
}
