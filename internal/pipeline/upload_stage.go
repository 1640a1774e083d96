package pipeline

import (
	"context"
	"fmt"
)

// Uploader posts new documents into the archive.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte, title string) (taskID string, err error)
}

// UploadStage archives documents that entered the system from outside the
// archive. Webhook-sourced jobs already carry an archive ID and skip it.
type UploadStage struct {
	uploader Uploader
}

// NewUploadStage creates the upload stage.
func NewUploadStage(uploader Uploader) *UploadStage {
	return &UploadStage{uploader: uploader}
}

func (s *UploadStage) Name() string { return "upload" }

func (s *UploadStage) Applies(pc *Context) bool {
	return pc.ArchiveID == 0
}

func (s *UploadStage) Execute(ctx context.Context, pc *Context) Result {
	if pc.ArchiveTaskID != "" {
		// Already submitted on a previous attempt.
		return Ok()
	}
	if len(pc.Raw) == 0 {
		return FatalFail("no document content to upload")
	}

	filename := pc.Filename
	if filename == "" {
		filename = pc.DocumentID
	}
	taskID, err := s.uploader.Upload(ctx, filename, pc.Raw, "")
	if err != nil {
		return ResultFromError(fmt.Errorf("archive upload failed: %w", err))
	}
	pc.ArchiveTaskID = taskID
	return Ok()
}
