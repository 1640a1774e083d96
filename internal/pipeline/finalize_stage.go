package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dedox/dedox/internal/archive"
	"github.com/dedox/dedox/internal/resolve"
)

// MetadataWriter is the archive surface used to write enriched metadata
// back to the document.
type MetadataWriter interface {
	UpdateDocument(ctx context.Context, id int64, patch archive.DocumentPatch) error
	AddTag(ctx context.Context, docID int64, tagName string) error
	RemoveTag(ctx context.Context, docID int64, tagName string) error
}

// SenderResolver maps an extracted sender name to an archive correspondent.
type SenderResolver interface {
	Resolve(ctx context.Context, name string) (int64, string, error)
}

// FinalizeStage resolves the sender, writes the extracted metadata back to
// the archive, and swaps the processing tag for the enhanced tag.
type FinalizeStage struct {
	writer   MetadataWriter
	resolver SenderResolver
	tags     Tags
	logger   *slog.Logger
}

// NewFinalizeStage creates the finalization stage.
func NewFinalizeStage(writer MetadataWriter, resolver SenderResolver, tags Tags, logger *slog.Logger) *FinalizeStage {
	return &FinalizeStage{writer: writer, resolver: resolver, tags: tags, logger: logger}
}

func (s *FinalizeStage) Name() string { return "finalize" }

func (s *FinalizeStage) Applies(pc *Context) bool {
	return pc.ArchiveID != 0 && pc.Metadata != nil
}

func (s *FinalizeStage) Execute(ctx context.Context, pc *Context) Result {
	meta := pc.Metadata

	if meta.Sender != "" {
		id, name, err := s.resolver.Resolve(ctx, meta.Sender)
		switch {
		case errors.Is(err, resolve.ErrNoMatch):
			pc.Warn(fmt.Sprintf("no correspondent match for sender %q", meta.Sender))
		case err != nil:
			return ResultFromError(fmt.Errorf("sender resolution failed: %w", err))
		default:
			pc.Correspondent = id
			s.logger.Debug("sender resolved",
				slog.String("job_id", pc.JobID),
				slog.String("correspondent", name))
		}
	}

	patch := archive.DocumentPatch{}
	if meta.Title != "" {
		patch.Title = &meta.Title
	}
	if pc.Correspondent != 0 {
		patch.Correspondent = &pc.Correspondent
	}
	if !meta.DocumentDate.IsZero() {
		created := meta.DocumentDate.Format("2006-01-02")
		patch.Created = &created
	}
	if patch.Title != nil || patch.Correspondent != nil || patch.Created != nil {
		if err := s.writer.UpdateDocument(ctx, pc.ArchiveID, patch); err != nil {
			return ResultFromError(fmt.Errorf("metadata writeback failed: %w", err))
		}
	}

	if s.tags.Enhanced != "" {
		if err := s.writer.AddTag(ctx, pc.ArchiveID, s.tags.Enhanced); err != nil {
			return ResultFromError(fmt.Errorf("failed to add enhanced tag: %w", err))
		}
	}
	if s.tags.Processing != "" {
		if err := s.writer.RemoveTag(ctx, pc.ArchiveID, s.tags.Processing); err != nil {
			pc.Warn(fmt.Sprintf("failed to remove processing tag: %v", err))
		}
	}
	return Ok()
}
