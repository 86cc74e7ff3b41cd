// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tendant/simple-invoice-cropper/internal/process"
)

const (
	DefaultKey      = "invoice_tasks"
	DefaultCapacity = 100
)

// ErrNotFound is returned by a Backend when no blob is stored under the key.
var ErrNotFound = errors.New("blob not found")

// Backend persists one opaque blob per key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Store is the bounded local record of submitted jobs, newest first.
// Every read-modify-write of the blob happens under mu.
type Store struct {
	backend  Backend
	key      string
	capacity int
	logger   *slog.Logger

	mu sync.Mutex
}

type Option func(*Store)

func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithCapacity lowers the record limit. Values outside 1..DefaultCapacity
// are ignored.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 && n <= DefaultCapacity {
			s.capacity = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(b Backend, opts ...Option) *Store {
	s := &Store{
		backend:  b,
		key:      DefaultKey,
		capacity: DefaultCapacity,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "store", "key", s.key)
	return s
}

func (s *Store) Capacity() int { return s.capacity }

// List returns every record in storage order. Read faults yield an empty list.
func (s *Store) List(ctx context.Context) []process.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(ctx)
	if err != nil {
		s.logger.Error("load records failed", "err", err)
		return []process.Record{}
	}
	return recs
}

func (s *Store) Get(ctx context.Context, jobID string) (process.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(ctx)
	if err != nil {
		s.logger.Error("load records failed", "job_id", jobID, "err", err)
		return process.Record{}, false
	}
	if i := indexOf(recs, jobID); i >= 0 {
		return recs[i], true
	}
	return process.Record{}, false
}

// Upsert prepends an unseen record or replaces an existing one in place,
// then truncates the collection to capacity.
func (s *Store) Upsert(ctx context.Context, rec process.Record) error {
	if rec.JobID == "" {
		return errors.New("upsert: empty job id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(ctx)
	if err != nil {
		s.logger.Error("upsert aborted", "job_id", rec.JobID, "err", err)
		return fmt.Errorf("upsert: %w", err)
	}

	rec = rec.Clone()
	if i := indexOf(recs, rec.JobID); i >= 0 {
		recs[i] = rec
	} else {
		recs = append([]process.Record{rec}, recs...)
	}

	if err := s.save(ctx, recs); err != nil {
		s.logger.Error("upsert failed", "job_id", rec.JobID, "err", err)
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Patch merges p into the stored record. A missing record is a no-op.
func (s *Store) Patch(ctx context.Context, jobID string, p process.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(ctx)
	if err != nil {
		s.logger.Error("patch aborted", "job_id", jobID, "err", err)
		return fmt.Errorf("patch: %w", err)
	}
	i := indexOf(recs, jobID)
	if i < 0 {
		return nil
	}
	recs[i] = recs[i].Apply(p)

	if err := s.save(ctx, recs); err != nil {
		s.logger.Error("patch failed", "job_id", jobID, "err", err)
		return fmt.Errorf("patch: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(ctx)
	if err != nil {
		s.logger.Error("remove aborted", "job_id", jobID, "err", err)
		return fmt.Errorf("remove: %w", err)
	}
	i := indexOf(recs, jobID)
	if i < 0 {
		return nil
	}
	recs = append(recs[:i], recs[i+1:]...)

	if err := s.save(ctx, recs); err != nil {
		s.logger.Error("remove failed", "job_id", jobID, "err", err)
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

// Clear drops every record.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("clear failed", "err", err)
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// load reads and decodes the blob. Only backend faults are returned; an
// undecodable blob is logged and treated as empty.
func (s *Store) load(ctx context.Context) ([]process.Record, error) {
	data, err := s.backend.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return []process.Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	recs, err := decodeBlob(data)
	if err != nil {
		s.logger.Warn("discarding unreadable blob", "bytes", len(data), "err", err)
		return []process.Record{}, nil
	}
	return recs, nil
}

func (s *Store) save(ctx context.Context, recs []process.Record) error {
	if len(recs) > s.capacity {
		recs = recs[:s.capacity]
	}
	data, err := encodeBlob(recs)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, s.key, data)
}

func indexOf(recs []process.Record, jobID string) int {
	for i := range recs {
		if recs[i].JobID == jobID {
			return i
		}
	}
	return -1
}
