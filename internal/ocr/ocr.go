// Package ocr wraps the Tesseract engine for text recognition over scanned
// document images.
package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Result holds recognized text and the mean word-level confidence in [0, 1].
// Language is the Tesseract language spec the text was recognized with.
type Result struct {
	Text       string
	Confidence float64
	Language   string
}

// Engine runs OCR over raw image bytes. Instances are not safe for
// concurrent use; callers serialize access or keep one per worker.
type Engine struct {
	languages []string
}

// NewEngine creates an OCR engine for the given Tesseract languages.
func NewEngine(languages []string) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Engine{languages: languages}
}

// Recognize extracts text from the image and reports the mean word
// confidence. Tesseract has no cancellation hook, so the work runs in a
// goroutine and the call returns ctx.Err() when the deadline expires; the
// abandoned goroutine finishes and cleans up on its own.
func (e *Engine) Recognize(ctx context.Context, image []byte) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := e.recognize(image)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		return out.res, out.err
	}
}

func (e *Engine) recognize(image []byte) (*Result, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.languages...); err != nil {
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to load image for OCR: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("OCR recognition failed: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("failed to get OCR word boxes: %w", err)
	}

	confidence := 0.0
	if len(boxes) > 0 {
		sum := 0.0
		for _, box := range boxes {
			sum += box.Confidence
		}
		confidence = sum / float64(len(boxes)) / 100.0
	}

	return &Result{Text: text, Confidence: confidence, Language: strings.Join(e.languages, "+")}, nil
}
