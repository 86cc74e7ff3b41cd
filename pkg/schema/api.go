// pkg/schema/api.go
package schema

import "encoding/json"

// Envelope wraps every JSON response of the recognition service.
type Envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// CodeOK is the envelope code of a successful call.
const CodeOK = 200

type InvoiceInfo struct {
	Index            int     `json:"index"`
	Page             int     `json:"page"`
	BBox             []int   `json:"bbox"`
	Confidence       float64 `json:"confidence"`
	Filename         string  `json:"filename"`
	MerchantName     string  `json:"merchantName,omitempty"`
	ImageURL         string  `json:"imageUrl,omitempty"`
	DownloadURL      string  `json:"downloadUrl,omitempty"`
	OriginalImageURL string  `json:"originalImageUrl,omitempty"`
}

// RecognizeResponse is returned by the synchronous recognize-and-crop call.
type RecognizeResponse struct {
	TaskID          string        `json:"taskId"`
	TotalInvoices   int           `json:"totalInvoices"`
	Invoices        []InvoiceInfo `json:"invoices"`
	ProcessingTime  float64       `json:"processingTime"`
	OriginalFileURL string        `json:"originalFileUrl,omitempty"`
}

// AsyncTaskResponse acknowledges an asynchronous submission.
type AsyncTaskResponse struct {
	TaskID        string `json:"taskId"`
	Status        string `json:"status"`
	EstimatedTime *int   `json:"estimatedTime,omitempty"`
}

// TaskStatus is the server-side view of a job.
type TaskStatus struct {
	TaskID        string        `json:"taskId"`
	Status        string        `json:"status"`
	Progress      int           `json:"progress"`
	CurrentPage   *int          `json:"currentPage,omitempty"`
	TotalPages    *int          `json:"totalPages,omitempty"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	TotalInvoices *int          `json:"totalInvoices,omitempty"`
	Invoices      []InvoiceInfo `json:"invoices,omitempty"`
	CreatedAt     string        `json:"createdAt"`
	CompletedAt   string        `json:"completedAt,omitempty"`
}

type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime,omitempty"`
}
