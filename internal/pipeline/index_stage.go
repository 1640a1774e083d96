package pipeline

import (
	"context"
	"fmt"
)

// Syncer pushes finalized documents to the semantic index.
type Syncer interface {
	Sync(ctx context.Context, documentID, filename string, content []byte) error
}

// IndexStage forwards the document to the semantic search index. Re-syncing
// the same document replaces its previous version, so repeats are safe.
type IndexStage struct {
	syncer     Syncer
	downloader Downloader
	enabled    bool
}

// NewIndexStage creates the semantic sync stage.
func NewIndexStage(syncer Syncer, downloader Downloader, enabled bool) *IndexStage {
	return &IndexStage{syncer: syncer, downloader: downloader, enabled: enabled}
}

func (s *IndexStage) Name() string { return "index" }

func (s *IndexStage) Applies(pc *Context) bool {
	return s.enabled
}

func (s *IndexStage) Execute(ctx context.Context, pc *Context) Result {
	content := pc.Content()
	if len(content) == 0 && pc.ArchiveID != 0 {
		// Sync-only jobs start with an empty context.
		data, contentType, err := s.downloader.Download(ctx, pc.ArchiveID)
		if err != nil {
			return ResultFromError(fmt.Errorf("failed to download document for sync: %w", err))
		}
		pc.Raw = data
		pc.ContentType = contentType
		content = data
	}
	if len(content) == 0 {
		return FatalFail("no document content to sync")
	}

	filename := pc.Filename
	if filename == "" {
		filename = pc.DocumentID
	}
	if err := s.syncer.Sync(ctx, pc.DocumentID, filename, content); err != nil {
		return ResultFromError(fmt.Errorf("semantic sync failed: %w", err))
	}
	return Ok()
}
