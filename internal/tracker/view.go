// internal/tracker/view.go
package tracker

import (
	"errors"
	"time"

	"github.com/tendant/simple-invoice-cropper/internal/client"
	"github.com/tendant/simple-invoice-cropper/internal/process"
	"github.com/tendant/simple-invoice-cropper/internal/upload"
	"github.com/tendant/simple-invoice-cropper/pkg/schema"
)

// View is what a caller displays for one synchronization of a job.
type View struct {
	JobID         string
	Status        process.JobStatus
	Progress      int
	StatusMessage string
	CurrentPage   *int
	TotalPages    *int
	Record        process.Record
	Source        schema.ViewSource
	Err           error
	ObservedAt    time.Time
}

// Continue reports whether another poll should be scheduled after v.
func (v View) Continue() bool {
	return v.Err == nil && !v.Status.Terminal()
}

// Event converts v into the published wire form.
func (v View) Event() schema.JobEvent {
	evt := schema.JobEvent{
		JobID:         v.JobID,
		Status:        string(v.Status),
		Progress:      v.Progress,
		StatusMessage: v.StatusMessage,
		Source:        v.Source,
		Filename:      v.Record.Filename,
		InvoiceCount:  v.Record.InvoiceCount,
		HappenedAt:    v.ObservedAt.Unix(),
	}
	if !v.Record.CreatedAt.IsZero() {
		evt.CreatedAt = v.Record.CreatedAt.Unix()
	}
	if v.Record.CompletedAt != nil {
		evt.CompletedAt = v.Record.CompletedAt.Unix()
	}
	for _, inv := range v.Record.Invoices {
		evt.Invoices = append(evt.Invoices, schema.InvoiceSummary{
			Index:      inv.Index,
			Page:       inv.Page,
			BBox:       inv.BBox,
			Confidence: inv.Confidence,
			Filename:   inv.Filename,
		})
	}
	if v.Err != nil {
		evt.Error = client.Message(v.Err)
		evt.FailureType = classifyError(v.Err)
	} else if v.Record.Error != "" {
		evt.Error = v.Record.Error
	}
	return evt
}

func classifyError(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	var validationErr upload.ValidationError
	if errors.As(err, &validationErr) {
		return schema.FailureTypeValidation
	}

	switch {
	case client.IsNotFound(err):
		return schema.FailureTypeNotFound
	case errors.Is(err, client.ErrServer):
		return schema.FailureTypePermanent
	}
	// transport, timeout and anything unclassified
	return schema.FailureTypeRetryable
}
