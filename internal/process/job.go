package process

import (
	"fmt"
	"image"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a recognition job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// ParseStatus accepts the server spelling of a status in any letter case.
func ParseStatus(s string) (JobStatus, error) {
	st := JobStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Mode selects how a job is submitted.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// BoundingBox is (x1, y1, x2, y2) in source-page pixels.
type BoundingBox [4]int

func (b BoundingBox) Valid() bool { return b[0] <= b[2] && b[1] <= b[3] }

func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b[0], b[1], b[2], b[3])
}

// Invoice is one recognized invoice region within a job.
type Invoice struct {
	Index            int         `json:"index"`
	Page             int         `json:"page"`
	BBox             BoundingBox `json:"bbox"`
	Confidence       float64     `json:"confidence"`
	Filename         string      `json:"filename"`
	MerchantName     string      `json:"merchantName,omitempty"`
	ImageURL         string      `json:"imageUrl,omitempty"`
	DownloadURL      string      `json:"downloadUrl,omitempty"`
	OriginalImageURL string      `json:"originalImageUrl,omitempty"`
}

// Record is the unit of the local job store. JSON names follow the
// service's task payload so stored history stays readable by other clients.
type Record struct {
	JobID        string     `json:"taskId"`
	Status       JobStatus  `json:"status"`
	Filename     string     `json:"filename,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	InvoiceCount *int       `json:"totalInvoices,omitempty"`
	Invoices     []Invoice  `json:"invoices,omitempty"`
	Mode         Mode       `json:"mode,omitempty"`
	CropPadding  *int       `json:"cropPadding,omitempty"`
	OutputFormat string     `json:"outputFormat,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func NewRecord(jobID string, status JobStatus, createdAt time.Time) Record {
	return Record{
		JobID:     jobID,
		Status:    status,
		CreatedAt: createdAt.UTC(),
	}
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	out := r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.InvoiceCount != nil {
		n := *r.InvoiceCount
		out.InvoiceCount = &n
	}
	if r.CropPadding != nil {
		n := *r.CropPadding
		out.CropPadding = &n
	}
	if r.Invoices != nil {
		out.Invoices = append([]Invoice(nil), r.Invoices...)
	}
	return out
}

// SortTime is the completion time when known, else the creation time.
func (r Record) SortTime() time.Time {
	if r.CompletedAt != nil {
		return *r.CompletedAt
	}
	return r.CreatedAt
}

// Patch names the fields to merge into a stored record. Nil fields are left untouched.
type Patch struct {
	Status       *JobStatus
	InvoiceCount *int
	Invoices     []Invoice
	CompletedAt  *time.Time
	Error        *string
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.InvoiceCount == nil && p.Invoices == nil && p.CompletedAt == nil && p.Error == nil
}

// Apply merges p into a copy of r. A terminal status is never replaced by a
// different one, completedAt is only ever set once on a terminal record, and
// an attached invoice list is never replaced. An error message only lands on
// a record that is still open or has failed.
func (r Record) Apply(p Patch) Record {
	out := r.Clone()
	if p.Status != nil && (!out.Status.Terminal() || *p.Status == out.Status) {
		out.Status = *p.Status
	}
	if p.InvoiceCount != nil && (out.InvoiceCount == nil || !r.Status.Terminal()) {
		n := *p.InvoiceCount
		out.InvoiceCount = &n
	}
	if p.Invoices != nil && out.Invoices == nil && out.Status == JobStatusCompleted {
		out.Invoices = append([]Invoice(nil), p.Invoices...)
	}
	if p.CompletedAt != nil && out.CompletedAt == nil && out.Status.Terminal() {
		t := p.CompletedAt.UTC()
		out.CompletedAt = &t
	}
	if p.Error != nil && (!r.Status.Terminal() || out.Status == JobStatusFailed) {
		out.Error = *p.Error
	}
	return out
}

// MarkCompleted attaches the final invoice list and stamps the completion time.
func MarkCompleted(r *Record, invoices []Invoice, at time.Time) {
	*r = r.Apply(Patch{
		Status:       statusPtr(JobStatusCompleted),
		InvoiceCount: intPtr(len(invoices)),
		Invoices:     nonNil(invoices),
		CompletedAt:  &at,
	})
}

func MarkFailed(r *Record, err error, at time.Time) {
	p := Patch{Status: statusPtr(JobStatusFailed), CompletedAt: &at}
	if err != nil {
		msg := err.Error()
		p.Error = &msg
	}
	*r = r.Apply(p)
}

func statusPtr(s JobStatus) *JobStatus { return &s }

func intPtr(n int) *int { return &n }

func nonNil(in []Invoice) []Invoice {
	if in == nil {
		return []Invoice{}
	}
	return in
}
