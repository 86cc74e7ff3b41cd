// pkg/schema/events.go
package schema

// ViewSource tells where the data of a published job view came from.
type ViewSource string

const (
	SourceRemote      ViewSource = "remote"
	SourceCache       ViewSource = "cache"
	SourceSynthesized ViewSource = "synthesized"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
	FailureTypeNotFound   FailureType = "not_found"
)

type InvoiceSummary struct {
	Index      int     `json:"index"`
	Page       int     `json:"page"`
	BBox       [4]int  `json:"bbox"`
	Confidence float64 `json:"confidence"`
	Filename   string  `json:"filename"`
}

// JobEvent is published every time a tracked job is synchronized.
type JobEvent struct {
	JobID         string           `json:"job_id"`
	Status        string           `json:"status"`
	Progress      int              `json:"progress"`
	StatusMessage string           `json:"status_message,omitempty"`
	Source        ViewSource       `json:"source"`
	Filename      string           `json:"filename,omitempty"`
	InvoiceCount  *int             `json:"invoice_count,omitempty"`
	Invoices      []InvoiceSummary `json:"invoices,omitempty"`
	CreatedAt     int64            `json:"created_at"`
	CompletedAt   int64            `json:"completed_at,omitempty"`
	Error         string           `json:"error,omitempty"`
	FailureType   FailureType      `json:"failure_type,omitempty"`
	HappenedAt    int64            `json:"happened_at"`
}
