// Package pipeline runs analysis jobs: claim, render, resolve, score, persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"url-sandbox/internal/models"
	"url-sandbox/internal/render"
	"url-sandbox/internal/risk"
)

// Renderer produces a render outcome for one URL. It must not panic past its boundary.
type Renderer interface {
	Render(ctx context.Context, rawURL, ref string) *render.Outcome
}

// OriginResolver resolves and classifies the hosting of a domain
type OriginResolver interface {
	ResolveOrigin(ctx context.Context, domain string) *models.OriginRecord
}

// Analyzer turns one URL into an AnalysisResult
type Analyzer struct {
	renderer Renderer
	resolver OriginResolver
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewAnalyzer creates an analyzer. A nil resolver skips origin analysis.
func NewAnalyzer(renderer Renderer, resolver OriginResolver, logger logrus.FieldLogger) *Analyzer {
	return &Analyzer{
		renderer: renderer,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Analyze renders and resolves job.URL concurrently, then scores the combined
// signals. Render and resolution failures end up in the result; the error is
// only set when a component panicked.
func (a *Analyzer) Analyze(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisResult, error) {
	domain, path := splitURL(job.URL)

	var (
		outcome *render.Outcome
		origin  *models.OriginRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer recoverTo(&err, "render")
		outcome = a.renderer.Render(gctx, job.URL, job.ID)
		return nil
	})
	if a.resolver != nil && domain != "" {
		g.Go(func() (err error) {
			defer recoverTo(&err, "resolve")
			origin = a.resolver.ResolveOrigin(gctx, domain)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if outcome == nil {
		outcome = &render.Outcome{URL: job.URL, Err: errors.New("renderer returned no outcome"), Kind: models.FailureUnknown}
	}

	return a.buildResult(job, domain, path, outcome, origin), nil
}

// recoverTo turns a panic in the calling goroutine into *errp
func recoverTo(errp *error, stage string) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("panic during %s: %v", stage, r)
	}
}

func (a *Analyzer) buildResult(job *models.AnalysisJob, domain, path string, out *render.Outcome, origin *models.OriginRecord) *models.AnalysisResult {
	result := &models.AnalysisResult{
		JobID:          job.ID,
		EmailID:        job.EmailID,
		URL:            job.URL,
		Domain:         domain,
		Path:           path,
		Timestamp:      a.now().UTC(),
		Success:        out.Err == nil,
		ScreenshotRef:  out.ScreenshotPath,
		FinalURL:       out.FinalURL,
		NetworkSummary: out.Network,
		OriginSummary:  origin,
	}
	if out.Err != nil {
		result.Error = out.Err.Error()
		result.ErrorKind = out.Kind
	}

	if dom := out.DOM; dom != nil {
		result.Title = dom.Title
		result.MetaDescription = dom.MetaDescription
		result.HasLoginForm = dom.HasLoginForm
		result.HasPasswordField = dom.HasPasswordField()
		result.HasCreditCardForm = dom.HasCreditCardForm
		result.AttemptedDownload = dom.AttemptedDownload
		if dom.FinalURL != "" {
			result.FinalURL = dom.FinalURL
		}
	}
	if out.Network != nil {
		result.NetworkRequests = out.Network.Requests
		if len(out.Network.Downloads) > 0 {
			result.AttemptedDownload = true
		}
	}
	if result.NetworkRequests == nil {
		result.NetworkRequests = []models.RequestLogEntry{}
	}

	result.RiskScore, result.Indicators = risk.Score(out.DOM, out.Network, origin, out.TimedOut())
	if result.Indicators == nil {
		result.Indicators = []string{}
	}

	a.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"url":        job.URL,
		"success":    result.Success,
		"risk_score": result.RiskScore,
		"indicators": len(result.Indicators),
		"duration":   out.Duration.Round(time.Millisecond),
	}).Info("Analysis finished")

	return result
}

// splitURL returns the lowercased host and the path ("/" when empty)
func splitURL(rawURL string) (string, string) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", ""
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return strings.ToLower(u.Hostname()), path
}
