package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tendant/simple-invoice-cropper/internal/client"
	"github.com/tendant/simple-invoice-cropper/internal/process"
	"github.com/tendant/simple-invoice-cropper/internal/store"
	"github.com/tendant/simple-invoice-cropper/internal/upload"
)

// backendStub serves the recognition API from canned payloads.
type backendStub struct {
	mu         sync.Mutex
	recognize  any
	async      any
	statuses   []any
	statusHits int
}

func (b *backendStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/recognize-and-crop", func(w http.ResponseWriter, r *http.Request) {
		writeOK(t, w, b.recognize)
	})
	mux.HandleFunc("/recognize-and-crop/async", func(w http.ResponseWriter, r *http.Request) {
		writeOK(t, w, b.async)
	})
	mux.HandleFunc("/task/", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		i := b.statusHits
		b.statusHits++
		if i >= len(b.statuses) {
			i = len(b.statuses) - 1
		}
		payload := b.statuses[i]
		b.mu.Unlock()
		writeOK(t, w, payload)
	})
	return mux
}

func (b *backendStub) StatusHits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusHits
}

func writeOK(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"code": 200, "message": "success", "data": data}); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func newStack(t *testing.T, stub *backendStub) (*Submitter, *Synchronizer, *store.Store) {
	t.Helper()
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)

	api := client.New(srv.URL, client.WithLogger(quietLogger()))
	st := store.New(store.NewMemoryBackend(), store.WithLogger(quietLogger()))
	sub := NewSubmitter(api, st, nil, quietLogger())
	syn := NewSynchronizer(api, st, WithLogger(quietLogger()), WithInterval(5*time.Millisecond))
	return sub, syn, st
}

func twoPagePDF() upload.File {
	data := []byte("%PDF-1.7 fake two page document")
	return upload.File{Name: "two-pages.pdf", MimeType: "application/pdf", Size: int64(len(data)), Data: data}
}

func TestSyncSubmissionIsRecorded(t *testing.T) {
	stub := &backendStub{recognize: map[string]any{
		"taskId":        "abc123",
		"totalInvoices": 2,
		"invoices": []map[string]any{
			{"index": 0, "page": 1, "bbox": []int{10, 10, 100, 200}, "confidence": 0.95, "filename": "abc123_0.jpg"},
			{"index": 1, "page": 2, "bbox": []int{5, 5, 90, 150}, "confidence": 0.88, "filename": "abc123_1.jpg"},
		},
		"processingTime": 12.3,
	}}
	sub, _, st := newStack(t, stub)
	ctx := context.Background()

	if _, err := sub.Submit(ctx, twoPagePDF(), upload.Params{CropPadding: 10, OutputFormat: "jpg"}, process.ModeSync); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	recs := st.List(ctx)
	if len(recs) != 1 {
		t.Fatalf("expected one stored record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.JobID != "abc123" || rec.Status != process.JobStatusCompleted {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.InvoiceCount == nil || *rec.InvoiceCount != 2 || rec.CompletedAt == nil {
		t.Fatalf("completion fields missing: %+v", rec)
	}
	if rec.Invoices[0].BBox != (process.BoundingBox{10, 10, 100, 200}) || rec.Invoices[1].Filename != "abc123_1.jpg" {
		t.Fatalf("invoices not attached verbatim: %+v", rec.Invoices)
	}
}

func TestSyncSubmissionWithoutInvoicesIsRecorded(t *testing.T) {
	stub := &backendStub{recognize: map[string]any{"taskId": "empty1", "totalInvoices": 0, "invoices": []any{}, "processingTime": 1.0}}
	sub, _, st := newStack(t, stub)
	ctx := context.Background()

	if _, err := sub.Submit(ctx, twoPagePDF(), upload.DefaultParams(), process.ModeSync); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	rec, ok := st.Get(ctx, "empty1")
	if !ok || rec.Status != process.JobStatusCompleted || rec.InvoiceCount == nil || *rec.InvoiceCount != 0 {
		t.Fatalf("zero-invoice job not recorded: %+v", rec)
	}
}

func TestAsyncSubmissionThenTrack(t *testing.T) {
	stub := &backendStub{
		async: map[string]any{"taskId": "def456", "status": "PROCESSING"},
		statuses: []any{
			map[string]any{"taskId": "def456", "status": "PROCESSING", "progress": 40},
			map[string]any{
				"taskId":        "def456",
				"status":        "COMPLETED",
				"progress":      100,
				"totalInvoices": 1,
				"invoices":      []map[string]any{{"index": 0, "page": 1, "bbox": []int{1, 1, 50, 80}, "confidence": 0.9, "filename": "def456_0.jpg"}},
				"completedAt":   "2024-05-01T10:03:00Z",
			},
		},
	}
	sub, syn, st := newStack(t, stub)
	ctx := context.Background()

	res, err := sub.Submit(ctx, twoPagePDF(), upload.DefaultParams(), process.ModeAsync)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if res.Record.Status != process.JobStatusProcessing {
		t.Fatalf("unexpected acknowledged status: %s", res.Record.Status)
	}
	before, _ := st.Get(ctx, "def456")
	if before.Status != process.JobStatusProcessing || before.Invoices != nil {
		t.Fatalf("unexpected stored record: %+v", before)
	}

	first := syn.Poll(ctx, "def456")
	if first.Progress != 40 || first.Status != process.JobStatusProcessing {
		t.Fatalf("unexpected first view: %+v", first)
	}
	afterFirst, _ := st.Get(ctx, "def456")
	if afterFirst.Status != process.JobStatusProcessing || afterFirst.Invoices != nil || afterFirst.CompletedAt != nil {
		t.Fatalf("record changed on a progress-only poll: %+v", afterFirst)
	}

	h := syn.Track(ctx, "def456", nil)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tracking did not stop")
	}
	time.Sleep(20 * time.Millisecond)
	if hits := stub.StatusHits(); hits != 2 {
		t.Fatalf("expected polling to stop after completion, got %d status calls", hits)
	}

	rec, _ := st.Get(ctx, "def456")
	if rec.Status != process.JobStatusCompleted || len(rec.Invoices) != 1 || rec.InvoiceCount == nil || *rec.InvoiceCount != 1 {
		t.Fatalf("record not completed: %+v", rec)
	}
	if !rec.CompletedAt.Equal(time.Date(2024, 5, 1, 10, 3, 0, 0, time.UTC)) {
		t.Fatalf("unexpected completedAt: %v", rec.CompletedAt)
	}
}

type failingRecognizer struct{ err error }

func (f failingRecognizer) Submit(context.Context, upload.File, upload.Params, process.Mode) (*client.Submission, error) {
	return nil, f.err
}

func TestFailedSubmissionLeavesStoreEmpty(t *testing.T) {
	ctx := context.Background()
	st := store.New(store.NewMemoryBackend(), store.WithLogger(quietLogger()))
	timeout := &client.Error{Kind: client.KindTimeout, Message: "request timed out"}
	sub := NewSubmitter(failingRecognizer{err: timeout}, st, nil, quietLogger())

	_, err := sub.Submit(ctx, twoPagePDF(), upload.DefaultParams(), process.ModeSync)
	if !client.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if n := len(st.List(ctx)); n != 0 {
		t.Fatalf("failed submission wrote %d records", n)
	}
}

func TestValidationFailureSkipsNetwork(t *testing.T) {
	stub := &backendStub{}
	sub, _, st := newStack(t, stub)
	ctx := context.Background()

	bad := upload.File{Name: "notes.txt", MimeType: "text/plain", Size: 5, Data: []byte("hello")}
	_, err := sub.Submit(ctx, bad, upload.DefaultParams(), process.ModeAsync)
	var verr upload.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := len(st.List(ctx)); n != 0 {
		t.Fatalf("invalid upload wrote %d records", n)
	}
}

func TestSubmitPublishesEvent(t *testing.T) {
	ctx := context.Background()
	st := store.New(store.NewMemoryBackend(), store.WithLogger(quietLogger()))
	rec := process.NewRecord("pub1", process.JobStatusProcessing, time.Now())
	pub := &recordingPublisher{}
	sub := NewSubmitter(stubRecognizer{sub: &client.Submission{Mode: process.ModeAsync, Record: rec}}, st, pub, quietLogger())

	if _, err := sub.Submit(ctx, twoPagePDF(), upload.DefaultParams(), process.ModeAsync); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	events := pub.Events()
	if len(events) != 1 || events[0].JobID != "pub1" || events[0].Status != "PROCESSING" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

type stubRecognizer struct{ sub *client.Submission }

func (s stubRecognizer) Submit(context.Context, upload.File, upload.Params, process.Mode) (*client.Submission, error) {
	return s.sub, nil
}
