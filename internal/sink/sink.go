// Package sink delivers finished analysis results downstream.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"url-sandbox/internal/database"
	"url-sandbox/internal/models"
)

// Sink receives one result per completed job
type Sink interface {
	Deliver(ctx context.Context, result *models.AnalysisResult) error
}

// Multi fans a result out to every sink. Each failure is logged; the
// joined error is returned once all sinks were tried.
type Multi struct {
	sinks  []namedSink
	logger logrus.FieldLogger
}

type namedSink struct {
	name string
	sink Sink
}

// NewMulti creates an empty fan-out sink
func NewMulti(logger logrus.FieldLogger) *Multi {
	return &Multi{logger: logger}
}

// Add registers a sink under name
func (m *Multi) Add(name string, s Sink) *Multi {
	m.sinks = append(m.sinks, namedSink{name: name, sink: s})
	return m
}

// Len returns the number of registered sinks
func (m *Multi) Len() int {
	return len(m.sinks)
}

func (m *Multi) Deliver(ctx context.Context, result *models.AnalysisResult) error {
	var errs []error
	for _, ns := range m.sinks {
		if err := ns.sink.Deliver(ctx, result); err != nil {
			m.logger.WithFields(logrus.Fields{
				"sink":   ns.name,
				"job_id": result.JobID,
				"url":    result.URL,
			}).WithError(err).Error("Failed to deliver analysis result")
			errs = append(errs, fmt.Errorf("%s: %w", ns.name, err))
		}
	}
	return errors.Join(errs...)
}

// Supabase persists results through the analysis repository
type Supabase struct {
	repo *database.Repository
}

// NewSupabase creates a sink over repo
func NewSupabase(repo *database.Repository) *Supabase {
	return &Supabase{repo: repo}
}

func (s *Supabase) Deliver(ctx context.Context, result *models.AnalysisResult) error {
	if err := s.repo.UpsertAnalysisResult(ctx, result); err != nil {
		return err
	}
	if result.EmailID == "" {
		return nil
	}
	return s.repo.UpdateEmailRisk(ctx, result.EmailID)
}
