package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"url-sandbox/internal/config"
	"url-sandbox/internal/jobstore"
	"url-sandbox/internal/models"
	"url-sandbox/internal/sink"
)

// finalizeTimeout bounds the store and sink writes after a job, which run
// even when the worker is shutting down
const finalizeTimeout = 15 * time.Second

// WorkerConfig holds the loop timings
type WorkerConfig struct {
	PollInterval       time.Duration // wait when the queue is empty
	StoreRetryInterval time.Duration // wait when the store is unreachable
}

// Stats counts what the workers did
type Stats struct {
	Claimed    atomic.Int64
	Completed  atomic.Int64
	Failed     atomic.Int64
	SinkErrors atomic.Int64
}

// Worker claims jobs one at a time and drives them to a terminal state
type Worker struct {
	id       int
	store    jobstore.Store
	analyzer *Analyzer
	sink     sink.Sink
	cfg      WorkerConfig
	stats    *Stats
	logger   logrus.FieldLogger
}

// NewWorker creates a worker. sink may be nil.
func NewWorker(id int, store jobstore.Store, analyzer *Analyzer, s sink.Sink, cfg WorkerConfig, stats *Stats, logger logrus.FieldLogger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StoreRetryInterval <= 0 {
		cfg.StoreRetryInterval = 10 * time.Second
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Worker{
		id:       id,
		store:    store,
		analyzer: analyzer,
		sink:     s,
		cfg:      cfg,
		stats:    stats,
		logger:   logger.WithField("worker", id),
	}
}

// Run loops until ctx is cancelled. Job failures never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started")
	defer w.logger.Info("Worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		processed, err := w.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, jobstore.ErrUnavailable):
			w.logger.WithError(err).Warnf("Job store unavailable, retrying in %s", w.cfg.StoreRetryInterval)
			w.sleep(ctx, w.cfg.StoreRetryInterval)
		case err != nil:
			w.logger.WithError(err).Error("Failed to claim job")
			w.sleep(ctx, w.cfg.StoreRetryInterval)
		case !processed:
			w.sleep(ctx, w.cfg.PollInterval)
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.stats.Claimed.Add(1)
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *models.AnalysisJob) {
	log := config.JobLogger(w.logger, job.ID, job.URL)
	log.Info("Processing job")

	result, err := w.analyze(ctx, job)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("worker shut down during analysis: %w", ctx.Err())
	}
	if err != nil {
		w.stats.Failed.Add(1)
		log.WithError(err).Error("Job failed")
		if merr := w.store.MarkFailed(fctx, job, err.Error()); merr != nil {
			log.WithError(merr).Error("Failed to mark job failed")
		}
		return
	}

	if err := w.store.MarkCompleted(fctx, job, result); err != nil {
		log.WithError(err).Error("Failed to mark job completed")
	} else {
		w.stats.Completed.Add(1)
	}

	if w.sink != nil {
		if err := w.sink.Deliver(fctx, result); err != nil {
			w.stats.SinkErrors.Add(1)
			log.WithError(err).Warn("Result delivery failed")
		}
	}

	log.WithField("risk_score", result.RiskScore).Info("Job completed")
}

// analyze converts a panic anywhere in the analysis into an error
func (w *Worker) analyze(ctx context.Context, job *models.AnalysisJob) (result *models.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("job_id", job.ID).Debugf("panic stack:\n%s", debug.Stack())
			result, err = nil, fmt.Errorf("panic during analysis: %v", r)
		}
	}()
	return w.analyzer.Analyze(ctx, job)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Pool runs N workers against one store
type Pool struct {
	workers []*Worker
	stats   *Stats
	logger  logrus.FieldLogger
}

// NewPool creates size workers sharing analyzer, store and sink
func NewPool(size int, store jobstore.Store, analyzer *Analyzer, s sink.Sink, cfg WorkerConfig, logger logrus.FieldLogger) *Pool {
	if size < 1 {
		size = 1
	}
	stats := &Stats{}
	p := &Pool{stats: stats, logger: logger}
	for i := 1; i <= size; i++ {
		p.workers = append(p.workers, NewWorker(i, store, analyzer, s, cfg, stats, logger))
	}
	return p
}

// Run blocks until ctx is cancelled and every worker has finished its current job
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	err := g.Wait()

	p.logger.WithFields(logrus.Fields{
		"claimed":     p.stats.Claimed.Load(),
		"completed":   p.stats.Completed.Load(),
		"failed":      p.stats.Failed.Load(),
		"sink_errors": p.stats.SinkErrors.Load(),
	}).Info("Worker pool stopped")
	return err
}

// Stats returns the shared counters
func (p *Pool) Stats() *Stats {
	return p.stats
}
