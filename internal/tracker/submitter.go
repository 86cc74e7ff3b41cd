// internal/tracker/submitter.go
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-invoice-cropper/internal/client"
	"github.com/tendant/simple-invoice-cropper/internal/process"
	"github.com/tendant/simple-invoice-cropper/internal/store"
	"github.com/tendant/simple-invoice-cropper/internal/upload"
	"github.com/tendant/simple-invoice-cropper/pkg/schema"
)

// Recognizer is the part of the remote client the submitter needs.
type Recognizer interface {
	Submit(ctx context.Context, f upload.File, p upload.Params, mode process.Mode) (*client.Submission, error)
}

// Submitter uploads documents and records the outcome in the store.
type Submitter struct {
	api       Recognizer
	store     *store.Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewSubmitter(api Recognizer, st *store.Store, publisher Publisher, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{api: api, store: st, publisher: publisher, logger: logger, now: time.Now}
}

// Submit sends f for recognition. Failed submissions leave the store alone.
func (s *Submitter) Submit(ctx context.Context, f upload.File, p upload.Params, mode process.Mode) (*client.Submission, error) {
	logger := s.logger.With("filename", f.Name, "mode", mode)

	sub, err := s.api.Submit(ctx, f, p, mode)
	if err != nil {
		logger.Warn("submission failed", "err", err, "failure_type", classifyError(err))
		return nil, err
	}

	logger = logger.With("job_id", sub.Record.JobID)
	if err := s.store.Upsert(ctx, sub.Record); err != nil {
		logger.Error("record submission failed", "err", err)
	}
	logger.Info("submission accepted", "status", sub.Record.Status, "invoices", len(sub.Record.Invoices), "processing_time", sub.ProcessingTime)

	if s.publisher != nil {
		v := View{
			JobID:      sub.Record.JobID,
			Status:     sub.Record.Status,
			Progress:   progressFor(sub.Record.Status, 0),
			Record:     sub.Record,
			Source:     schema.SourceRemote,
			ObservedAt: s.now().UTC(),
		}
		if err := s.publisher.PublishJob(ctx, v.Event()); err != nil {
			logger.Warn("publish job event failed", "err", err)
		}
	}
	return sub, nil
}

// SubmitPath reads the file at path and submits it.
func (s *Submitter) SubmitPath(ctx context.Context, path string, p upload.Params, mode process.Mode) (*client.Submission, error) {
	f, err := upload.Open(path)
	if err != nil {
		s.logger.Warn("open upload failed", "path", path, "err", err)
		return nil, err
	}
	return s.Submit(ctx, f, p, mode)
}
