package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"url-sandbox/internal/models"
)

// MemoryStore is a process-local Store used in single-URL mode and tests
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*models.AnalysisJob
	queue []string // pending job IDs, oldest first
	now   func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.AnalysisJob),
		now:  time.Now,
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, rawURL, emailID string) (*models.AnalysisJob, error) {
	target, err := jobURL(rawURL)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := &models.AnalysisJob{
		ID:        uuid.NewString(),
		URL:       target,
		EmailID:   emailID,
		Status:    models.JobPending,
		CreatedAt: s.now().UTC(),
	}
	s.jobs[job.ID] = job
	s.queue = append(s.queue, job.ID)
	return copyJob(job), nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context) (*models.AnalysisJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]

		job, ok := s.jobs[id]
		if !ok || job.Status != models.JobPending {
			continue
		}
		now := s.now().UTC()
		job.Status = models.JobProcessing
		job.ClaimedAt = &now
		return copyJob(job), nil
	}
	return nil, nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, job *models.AnalysisJob, result *models.AnalysisResult) error {
	return s.finish(job.ID, func(j *models.AnalysisJob, now time.Time) {
		j.Status = models.JobCompleted
		j.CompletedAt = &now
		j.Result = result
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, job *models.AnalysisJob, message string) error {
	return s.finish(job.ID, func(j *models.AnalysisJob, now time.Time) {
		j.Status = models.JobFailed
		j.FailedAt = &now
		j.Error = message
	})
}

func (s *MemoryStore) finish(id string, apply func(*models.AnalysisJob, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.JobProcessing {
		return ErrConflict
	}
	apply(job, s.now().UTC())
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

// Pending returns the number of jobs waiting to be claimed
func (s *MemoryStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *MemoryStore) Close() error { return nil }

func copyJob(j *models.AnalysisJob) *models.AnalysisJob {
	c := *j
	return &c
}
