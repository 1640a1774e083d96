package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dedox/dedox/internal/ocr"
)

// Recognizer runs OCR over image bytes.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (*ocr.Result, error)
}

// OCRStage extracts text from the document image. A re-executed job whose
// context already carries text skips the engine entirely.
type OCRStage struct {
	engine        Recognizer
	minConfidence float64
	timeout       time.Duration
	logger        *slog.Logger
}

// NewOCRStage creates the OCR stage. minConfidence below which a warning is
// recorded; the run still proceeds. timeout bounds a single recognition
// call; zero leaves it unbounded.
func NewOCRStage(engine Recognizer, minConfidence float64, timeout time.Duration, logger *slog.Logger) *OCRStage {
	return &OCRStage{engine: engine, minConfidence: minConfidence, timeout: timeout, logger: logger}
}

func (s *OCRStage) Name() string { return "ocr" }

func (s *OCRStage) Applies(pc *Context) bool {
	return pc.Text == ""
}

func (s *OCRStage) Execute(ctx context.Context, pc *Context) Result {
	content := pc.Content()
	if len(content) == 0 {
		return FatalFail("no document content to recognize")
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	result, err := s.engine.Recognize(ctx, content)
	if err != nil {
		return SoftFail(fmt.Sprintf("OCR failed: %v", err), true)
	}
	if strings.TrimSpace(result.Text) == "" {
		return FatalFail("OCR produced no text")
	}

	pc.Text = result.Text
	pc.OCRConfidence = result.Confidence
	pc.Language = result.Language

	if result.Confidence < s.minConfidence {
		pc.Warn(fmt.Sprintf("OCR confidence %.2f below threshold %.2f", result.Confidence, s.minConfidence))
		s.logger.Warn("low OCR confidence",
			slog.String("job_id", pc.JobID),
			slog.Float64("confidence", result.Confidence))
	}
	return Ok()
}
