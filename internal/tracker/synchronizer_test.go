package tracker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tendant/simple-invoice-cropper/internal/client"
	"github.com/tendant/simple-invoice-cropper/internal/process"
	"github.com/tendant/simple-invoice-cropper/internal/store"
	"github.com/tendant/simple-invoice-cropper/pkg/schema"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type step struct {
	ts  *schema.TaskStatus
	err error
}

// fakeFetcher replays steps in order and repeats the last one.
type fakeFetcher struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (f *fakeFetcher) FetchStatus(_ context.Context, jobID string) (*schema.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	s := f.steps[i]
	if s.err != nil {
		return nil, s.err
	}
	ts := *s.ts
	if ts.TaskID == "" {
		ts.TaskID = jobID
	}
	return &ts, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []schema.JobEvent
}

func (p *recordingPublisher) PublishJob(_ context.Context, evt schema.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Events() []schema.JobEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schema.JobEvent(nil), p.events...)
}

func newSync(t *testing.T, f StatusFetcher, opts ...SyncOption) (*Synchronizer, *store.Store, *store.MemoryBackend) {
	t.Helper()
	mem := store.NewMemoryBackend()
	st := store.New(mem, store.WithLogger(quietLogger()))
	opts = append([]SyncOption{
		WithLogger(quietLogger()),
		WithInterval(5 * time.Millisecond),
		WithClock(func() time.Time { return base.Add(time.Hour) }),
	}, opts...)
	return NewSynchronizer(f, st, opts...), st, mem
}

func intPtr(n int) *int { return &n }

func threeInvoices() []process.Invoice {
	return []process.Invoice{
		{Index: 0, Page: 1, BBox: process.BoundingBox{0, 0, 10, 10}, Confidence: 0.9, Filename: "x_0.jpg"},
		{Index: 1, Page: 1, BBox: process.BoundingBox{20, 0, 30, 10}, Confidence: 0.8, Filename: "x_1.jpg"},
		{Index: 2, Page: 2, BBox: process.BoundingBox{0, 0, 50, 50}, Confidence: 0.7, Filename: "x_2.jpg"},
	}
}

func TestPollKeepsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{steps: []step{{ts: &schema.TaskStatus{Status: "PROCESSING", Progress: 30}}}}
	s, st, _ := newSync(t, f)

	rec := process.NewRecord("done", process.JobStatusPending, base)
	process.MarkCompleted(&rec, threeInvoices(), base.Add(time.Minute))
	_ = st.Upsert(ctx, rec)

	v := s.Poll(ctx, "done")
	if v.Status != process.JobStatusCompleted || v.Continue() {
		t.Fatalf("stale response changed the view: %+v", v)
	}
	stored, _ := st.Get(ctx, "done")
	if stored.Status != process.JobStatusCompleted {
		t.Fatalf("stale response changed the stored status: %s", stored.Status)
	}
	if !stored.CompletedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("completedAt moved: %v", stored.CompletedAt)
	}
}

func TestPollStaleFailureKeepsCompletedRecordClean(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{steps: []step{{ts: &schema.TaskStatus{Status: "FAILED", StatusMessage: "boom"}}}}
	s, st, _ := newSync(t, f)

	rec := process.NewRecord("done", process.JobStatusPending, base)
	process.MarkCompleted(&rec, threeInvoices(), base.Add(time.Minute))
	_ = st.Upsert(ctx, rec)

	v := s.Poll(ctx, "done")
	if v.Status != process.JobStatusCompleted {
		t.Fatalf("stale failure changed the view: %+v", v)
	}
	stored, _ := st.Get(ctx, "done")
	if stored.Status != process.JobStatusCompleted || stored.Error != "" {
		t.Fatalf("stale failure leaked into the record: status=%s error=%q", stored.Status, stored.Error)
	}
	if evt := v.Event(); evt.Error != "" {
		t.Fatalf("stale failure leaked into the event: %q", evt.Error)
	}
}

func TestPollNotFoundFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	notFound := &client.Error{Kind: client.KindNotFound, Message: "查询失败: 任务不存在: X", StatusCode: 500}
	f := &fakeFetcher{steps: []step{{err: notFound}}}
	s, st, mem := newSync(t, f)

	rec := process.NewRecord("X", process.JobStatusPending, base)
	process.MarkCompleted(&rec, threeInvoices(), base.Add(time.Minute))
	_ = st.Upsert(ctx, rec)
	before, _ := mem.Get(ctx, store.DefaultKey)

	v := s.Poll(ctx, "X")
	if v.Status != process.JobStatusCompleted || len(v.Record.Invoices) != 3 {
		t.Fatalf("cached record not shown: %+v", v)
	}
	if v.Source != schema.SourceCache {
		t.Fatalf("unexpected source: %s", v.Source)
	}

	after, _ := mem.Get(ctx, store.DefaultKey)
	if !bytes.Equal(before, after) {
		t.Fatal("store modified on not-found")
	}
}

func TestPollNotFoundUnknownJob(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{steps: []step{{err: &client.Error{Kind: client.KindNotFound, StatusCode: 404, Message: "not found"}}}}
	s, st, mem := newSync(t, f)

	v := s.Poll(ctx, "Y")
	if v.Status != process.JobStatusFailed || v.Source != schema.SourceSynthesized {
		t.Fatalf("expected synthesized FAILED view, got %+v", v)
	}
	if v.Continue() {
		t.Fatal("unknown job should not keep polling")
	}
	if _, ok := st.Get(ctx, "Y"); ok {
		t.Fatal("record written for unknown job")
	}
	if _, err := mem.Get(ctx, store.DefaultKey); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("blob written for unknown job: %v", err)
	}
}

func TestPollTransportFailureLeavesRecord(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{steps: []step{{err: &client.Error{Kind: client.KindTransport, Message: "network error"}}}}
	s, st, _ := newSync(t, f)
	_ = st.Upsert(ctx, process.NewRecord("job", process.JobStatusProcessing, base))

	v := s.Poll(ctx, "job")
	if v.Status != process.JobStatusFailed || v.Err == nil {
		t.Fatalf("expected FAILED view with error, got %+v", v)
	}
	if got := v.Event().FailureType; got != schema.FailureTypeRetryable {
		t.Fatalf("unexpected failure type: %s", got)
	}
	stored, _ := st.Get(ctx, "job")
	if stored.Status != process.JobStatusProcessing || stored.Error != "" {
		t.Fatalf("store touched on transport failure: %+v", stored)
	}
}

func TestPollRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{steps: []step{{ts: &schema.TaskStatus{Status: "EXPLODED"}}}}
	s, st, _ := newSync(t, f)
	_ = st.Upsert(ctx, process.NewRecord("job", process.JobStatusProcessing, base))

	v := s.Poll(ctx, "job")
	if v.Status != process.JobStatusFailed || !errors.Is(v.Err, client.ErrServer) {
		t.Fatalf("expected server failure view, got %+v", v)
	}
	stored, _ := st.Get(ctx, "job")
	if stored.Status != process.JobStatusProcessing {
		t.Fatalf("store touched on malformed status: %s", stored.Status)
	}
}

func TestPollFailedJobRecordsMessage(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{steps: []step{{ts: &schema.TaskStatus{
		Status:        "FAILED",
		StatusMessage: "unreadable page",
		CompletedAt:   "2024-05-01T10:05:00.123456Z",
	}}}}
	s, st, _ := newSync(t, f)
	_ = st.Upsert(ctx, process.NewRecord("job", process.JobStatusProcessing, base))

	s.Poll(ctx, "job")
	stored, _ := st.Get(ctx, "job")
	if stored.Status != process.JobStatusFailed || stored.Error != "unreadable page" {
		t.Fatalf("unexpected record: %+v", stored)
	}
	want := time.Date(2024, 5, 1, 10, 5, 0, 123456000, time.UTC)
	if stored.CompletedAt == nil || !stored.CompletedAt.Equal(want) {
		t.Fatalf("server completion time not used: %v", stored.CompletedAt)
	}
}

func TestTrackStopsOnCompletion(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{steps: []step{
		{ts: &schema.TaskStatus{Status: "PROCESSING", Progress: 10}},
		{ts: &schema.TaskStatus{Status: "PROCESSING", Progress: 60}},
		{ts: &schema.TaskStatus{Status: "COMPLETED", Progress: 100, TotalInvoices: intPtr(0)}},
	}}
	pub := &recordingPublisher{}
	s, st, _ := newSync(t, f, WithPublisher(pub))
	_ = st.Upsert(ctx, process.NewRecord("job", process.JobStatusPending, base))

	var mu sync.Mutex
	var seen []int
	h := s.Track(ctx, "job", func(v View) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, v.Progress)
	})

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tracking did not stop after completion")
	}
	time.Sleep(30 * time.Millisecond)

	if n := f.Calls(); n != 3 {
		t.Fatalf("expected 3 fetches, got %d", n)
	}
	last, ok := h.Last()
	if !ok || last.Status != process.JobStatusCompleted {
		t.Fatalf("unexpected last view: %+v", last)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != 10 || seen[1] != 60 || seen[2] != 100 {
		t.Fatalf("unexpected progress sequence: %v", seen)
	}

	events := pub.Events()
	if len(events) != 3 || events[2].Status != "COMPLETED" || events[0].Status != "PROCESSING" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

// overlapFetcher is slow and records how many fetches ran at once.
type overlapFetcher struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	calls    int
	finishAt int
}

func (f *overlapFetcher) FetchStatus(ctx context.Context, jobID string) (*schema.TaskStatus, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.calls++
	n := f.calls
	f.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if n >= f.finishAt {
		return &schema.TaskStatus{TaskID: jobID, Status: "COMPLETED", TotalInvoices: intPtr(0)}, nil
	}
	return &schema.TaskStatus{TaskID: jobID, Status: "PROCESSING", Progress: n * 10}, nil
}

func TestTrackNeverOverlapsFetches(t *testing.T) {
	ctx := context.Background()
	f := &overlapFetcher{finishAt: 5}
	s, st, _ := newSync(t, f, WithInterval(time.Millisecond))
	_ = st.Upsert(ctx, process.NewRecord("job", process.JobStatusPending, base))

	h := s.Track(ctx, "job", nil)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tracking did not finish")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls != 5 {
		t.Fatalf("expected 5 fetches, got %d", f.calls)
	}
	if f.maxSeen != 1 {
		t.Fatalf("fetches overlapped: %d in flight at once", f.maxSeen)
	}
}

func TestTrackCallbackCanStop(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{steps: []step{{ts: &schema.TaskStatus{Status: "PROCESSING"}}}}
	s, _, _ := newSync(t, f, WithInterval(time.Millisecond))

	var h *Handle
	ready := make(chan struct{})
	h = s.Track(ctx, "job", func(View) {
		<-ready
		h.Stop()
	})
	close(ready)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from the callback did not end tracking")
	}
	h.Cancel()
	if n := f.Calls(); n != 1 {
		t.Fatalf("expected a single fetch, got %d", n)
	}
}

func TestTrackCancel(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{steps: []step{{ts: &schema.TaskStatus{Status: "PROCESSING"}}}}
	s, _, _ := newSync(t, f, WithInterval(time.Hour))

	first := make(chan struct{}, 1)
	h := s.Track(ctx, "job", func(View) {
		select {
		case first <- struct{}{}:
		default:
		}
	})

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first poll never delivered")
	}

	h.Cancel()
	select {
	case <-h.Done():
	default:
		t.Fatal("Cancel returned before the loop exited")
	}
	if n := f.Calls(); n != 1 {
		t.Fatalf("expected a single fetch, got %d", n)
	}
}

func TestTrackStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFetcher{steps: []step{{ts: &schema.TaskStatus{Status: "PROCESSING"}}}}
	s, _, _ := newSync(t, f, WithInterval(time.Hour))

	h := s.Track(ctx, "job", nil)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tracking ignored context cancellation")
	}
}

func TestResyncTracksPendingRecords(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{steps: []step{
		{ts: &schema.TaskStatus{Status: "PROCESSING", Progress: 50}},
		{ts: &schema.TaskStatus{Status: "COMPLETED", TotalInvoices: intPtr(0)}},
	}}
	s, st, _ := newSync(t, f)

	done := process.NewRecord("done", process.JobStatusPending, base)
	process.MarkCompleted(&done, nil, base)
	_ = st.Upsert(ctx, done)
	_ = st.Upsert(ctx, process.NewRecord("pending", process.JobStatusProcessing, base))

	var updates int
	views := s.Resync(ctx, func(View) { updates++ })

	if len(views) != 1 {
		t.Fatalf("expected one resynced job, got %d", len(views))
	}
	if v := views["pending"]; v.Status != process.JobStatusCompleted {
		t.Fatalf("pending job not settled: %+v", v)
	}
	if updates != 2 || f.Calls() != 2 {
		t.Fatalf("unexpected poll count: updates=%d calls=%d", updates, f.Calls())
	}
	rec, _ := st.Get(ctx, "pending")
	if rec.Status != process.JobStatusCompleted || rec.CompletedAt == nil {
		t.Fatalf("store not updated: %+v", rec)
	}
}
