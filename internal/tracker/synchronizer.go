// internal/tracker/synchronizer.go
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-invoice-cropper/internal/client"
	"github.com/tendant/simple-invoice-cropper/internal/process"
	"github.com/tendant/simple-invoice-cropper/internal/store"
	"github.com/tendant/simple-invoice-cropper/pkg/schema"
)

const DefaultInterval = 5 * time.Second

// StatusFetcher is the part of the remote client the synchronizer needs.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (*schema.TaskStatus, error)
}

// Publisher receives every view produced by a poll.
type Publisher interface {
	PublishJob(ctx context.Context, evt schema.JobEvent) error
}

// Synchronizer keeps stored records in step with the remote job status.
type Synchronizer struct {
	fetcher   StatusFetcher
	store     *store.Store
	publisher Publisher
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type SyncOption func(*Synchronizer)

func WithInterval(d time.Duration) SyncOption {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithPublisher(p Publisher) SyncOption {
	return func(s *Synchronizer) { s.publisher = p }
}

func WithLogger(l *slog.Logger) SyncOption {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSynchronizer(f StatusFetcher, st *store.Store, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		fetcher:  f,
		store:    st,
		interval: DefaultInterval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Synchronizer) Interval() time.Duration { return s.interval }

// Poll runs one synchronization of jobID: fetch, merge into the store, and
// build the view to display.
func (s *Synchronizer) Poll(ctx context.Context, jobID string) View {
	logger := s.logger.With("job_id", jobID)
	now := s.now().UTC()

	ts, err := s.fetcher.FetchStatus(ctx, jobID)
	if err == nil {
		var v View
		v, err = s.merge(ctx, jobID, ts, now)
		if err == nil {
			logger.Debug("job synchronized", "status", v.Status, "progress", v.Progress)
			return v
		}
	}

	cached, ok := s.store.Get(ctx, jobID)
	if client.IsNotFound(err) && ok {
		logger.Info("job unknown to server, showing cached record", "status", cached.Status)
		return View{
			JobID:      jobID,
			Status:     cached.Status,
			Progress:   progressFor(cached.Status, 0),
			Record:     cached,
			Source:     schema.SourceCache,
			Err:        err,
			ObservedAt: now,
		}
	}

	logger.Warn("job synchronization failed", "err", err, "not_found", client.IsNotFound(err))
	rec := cached
	if !ok {
		rec = process.NewRecord(jobID, process.JobStatusFailed, now)
	}
	rec.Status = process.JobStatusFailed
	rec.Error = client.Message(err)
	return View{
		JobID:      jobID,
		Status:     process.JobStatusFailed,
		Record:     rec,
		Source:     schema.SourceSynthesized,
		Err:        err,
		ObservedAt: now,
	}
}

func (s *Synchronizer) merge(ctx context.Context, jobID string, ts *schema.TaskStatus, now time.Time) (View, error) {
	status, err := process.ParseStatus(ts.Status)
	if err != nil {
		return View{}, &client.Error{Kind: client.KindServer, Message: "malformed response", Cause: err}
	}
	invoices, err := client.ConvertInvoices(ts.Invoices)
	if err != nil {
		return View{}, &client.Error{Kind: client.KindServer, Message: "malformed response", Cause: err}
	}

	patch := process.Patch{Status: &status, InvoiceCount: ts.TotalInvoices, Invoices: invoices}
	if status.Terminal() {
		at := parseTime(ts.CompletedAt, now)
		patch.CompletedAt = &at
	}
	if status == process.JobStatusFailed && ts.StatusMessage != "" {
		msg := ts.StatusMessage
		patch.Error = &msg
	}

	// Store faults are logged by the store; the remote view is still shown.
	_ = s.store.Patch(ctx, jobID, patch)

	rec, ok := s.store.Get(ctx, jobID)
	if !ok {
		rec = process.NewRecord(jobID, status, parseTime(ts.CreatedAt, now)).Apply(patch)
	}

	return View{
		JobID:         jobID,
		Status:        rec.Status,
		Progress:      progressFor(rec.Status, ts.Progress),
		StatusMessage: ts.StatusMessage,
		CurrentPage:   ts.CurrentPage,
		TotalPages:    ts.TotalPages,
		Record:        rec,
		Source:        schema.SourceRemote,
		ObservedAt:    now,
	}, nil
}

// Track polls jobID in the background until the job settles, a poll fails,
// or the handle is cancelled. Each poll starts only after the previous one
// has returned and fn has been called.
// fn runs on the polling goroutine; it may call Handle.Stop but not
// Handle.Cancel.
func (s *Synchronizer) Track(ctx context.Context, jobID string, fn func(View)) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{JobID: jobID, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()
		for {
			v := s.Poll(ctx, jobID)
			if ctx.Err() != nil {
				return
			}
			h.set(v)
			s.publish(ctx, v)
			if fn != nil {
				fn(v)
			}
			if !v.Continue() {
				s.logger.Info("tracking stopped", "job_id", jobID, "status", v.Status, "source", v.Source)
				return
			}

			timer := time.NewTimer(s.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return h
}

// Resync tracks every stored record that has not settled yet and waits for
// all of them. It returns the final view per job.
func (s *Synchronizer) Resync(ctx context.Context, fn func(View)) map[string]View {
	var pending []string
	for _, rec := range s.store.List(ctx) {
		if !rec.Status.Terminal() {
			pending = append(pending, rec.JobID)
		}
	}
	s.logger.Info("resync starting", "pending", len(pending))

	var mu sync.Mutex
	handles := make([]*Handle, 0, len(pending))
	for _, id := range pending {
		handles = append(handles, s.Track(ctx, id, func(v View) {
			if fn == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			fn(v)
		}))
	}

	out := make(map[string]View, len(handles))
	for _, h := range handles {
		<-h.Done()
		if v, ok := h.Last(); ok {
			out[h.JobID] = v
		}
	}
	return out
}

func (s *Synchronizer) publish(ctx context.Context, v View) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJob(ctx, v.Event()); err != nil {
		s.logger.Warn("publish job event failed", "job_id", v.JobID, "err", err)
	}
}

// Handle controls one background tracking loop.
type Handle struct {
	JobID string

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	last View
	seen bool
}

// Cancel stops tracking and waits for the loop to exit. It must not be
// called from the callback passed to Track; use Stop there.
func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
}

// Stop asks the loop to exit without waiting for it.
func (h *Handle) Stop() { h.cancel() }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Last returns the most recent view delivered by the loop.
func (h *Handle) Last() (View, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.seen
}

func (h *Handle) set(v View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last, h.seen = v, true
}

func progressFor(status process.JobStatus, reported int) int {
	if status == process.JobStatusCompleted {
		return 100
	}
	switch {
	case reported < 0:
		return 0
	case reported > 100:
		return 100
	}
	return reported
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
