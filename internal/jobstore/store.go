// Package jobstore holds analysis jobs and hands each one to exactly one worker.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"url-sandbox/internal/dedup"
	"url-sandbox/internal/models"
)

var (
	// ErrUnavailable means the backing store could not be reached. Workers back off and retry.
	ErrUnavailable = errors.New("job store unavailable")
	// ErrNotFound means no job has the given ID
	ErrNotFound = errors.New("job not found")
	// ErrConflict means the job was not in the state the transition requires
	ErrConflict = errors.New("job state conflict")
)

// Store is the job queue. ClaimNext is the single synchronization point
// between workers: a job is returned by at most one call.
type Store interface {
	// Enqueue adds a pending job for the normalized form of rawURL
	Enqueue(ctx context.Context, rawURL, emailID string) (*models.AnalysisJob, error)
	// ClaimNext moves the oldest pending job to processing. It returns nil, nil when the queue is empty.
	ClaimNext(ctx context.Context) (*models.AnalysisJob, error)
	MarkCompleted(ctx context.Context, job *models.AnalysisJob, result *models.AnalysisResult) error
	MarkFailed(ctx context.Context, job *models.AnalysisJob, message string) error
	Get(ctx context.Context, id string) (*models.AnalysisJob, error)
	Close() error
}

// validateURL rejects anything a browser could not be pointed at
func validateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", rawURL)
	}
	return nil
}

// jobURL validates rawURL and returns the normalized form jobs are stored
// under, so repeat submissions of one target share a result row
func jobURL(rawURL string) (string, error) {
	if err := validateURL(rawURL); err != nil {
		return "", err
	}
	normalized, err := dedup.NormalizeURL(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	return normalized, nil
}
