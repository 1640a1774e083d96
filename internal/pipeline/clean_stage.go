package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"

	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// Downloader fetches original document bytes from the archive.
type Downloader interface {
	Download(ctx context.Context, id int64) (data []byte, contentType string, err error)
}

// CleanStage prepares raster documents for OCR: grayscale conversion and a
// bound on the longest edge. Cleanup is best effort; when it fails the
// original bytes are kept and a warning is recorded.
type CleanStage struct {
	downloader Downloader
	maxDim     int
	logger     *slog.Logger
}

// NewCleanStage creates the cleanup stage. maxDim bounds the longest image
// edge in pixels; zero keeps the original size.
func NewCleanStage(downloader Downloader, maxDim int, logger *slog.Logger) *CleanStage {
	return &CleanStage{downloader: downloader, maxDim: maxDim, logger: logger}
}

func (s *CleanStage) Name() string { return "clean" }

func (s *CleanStage) Applies(pc *Context) bool {
	return len(pc.Raw) > 0 || pc.ArchiveID != 0
}

func (s *CleanStage) Execute(ctx context.Context, pc *Context) Result {
	if len(pc.Raw) == 0 {
		data, contentType, err := s.downloader.Download(ctx, pc.ArchiveID)
		if err != nil {
			return ResultFromError(fmt.Errorf("failed to download document: %w", err))
		}
		pc.Raw = data
		pc.ContentType = contentType
	}

	img, format, err := image.Decode(bytes.NewReader(pc.Raw))
	if err != nil {
		// Not a raster image (typically a PDF); pass through untouched.
		return Ok()
	}

	cleaned, err := s.clean(img)
	if err != nil {
		pc.Warn(fmt.Sprintf("image cleanup failed, keeping original: %v", err))
		s.logger.Warn("image cleanup failed",
			slog.String("job_id", pc.JobID),
			slog.String("error", err.Error()))
		return Ok()
	}
	pc.Processed = cleaned
	s.logger.Debug("image cleaned",
		slog.String("job_id", pc.JobID),
		slog.String("format", format))
	return Ok()
}

func (s *CleanStage) clean(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	scale := 1.0
	if s.maxDim > 0 {
		longest := w
		if h > longest {
			longest = h
		}
		if longest > s.maxDim {
			scale = float64(s.maxDim) / float64(longest)
		}
	}

	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	gray := image.NewGray(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("failed to encode cleaned image: %w", err)
	}
	return buf.Bytes(), nil
}
