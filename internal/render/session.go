package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"url-sandbox/internal/dedup"
	"url-sandbox/internal/models"
	"url-sandbox/internal/netevents"
)

// Outcome is everything one render produced. Err and Kind are set on failure;
// DOM may then be nil while Network still holds the events seen before the failure.
type Outcome struct {
	URL            string
	FinalURL       string
	DOM            *models.DOMSignals
	Network        *models.NetworkSummary
	ScreenshotPath string
	Err            error
	Kind           models.FailureKind
	Duration       time.Duration
}

// TimedOut reports whether the render hit its deadline
func (o *Outcome) TimedOut() bool {
	return o.Kind == models.FailureTimeout
}

// SessionConfig configures a Session
type SessionConfig struct {
	Timeout       time.Duration // hard wall-clock limit for the whole render
	SettleDelay   time.Duration // wait after load so client-side redirects and scripts run
	ScreenshotDir string        // empty disables screenshots
	Classifier    netevents.DomainClassifier
}

// Session renders URLs, each in its own disposable browser
type Session struct {
	engine Engine
	cfg    SessionConfig
	logger logrus.FieldLogger
}

// NewSession creates a session over engine
func NewSession(engine Engine, cfg SessionConfig, logger logrus.FieldLogger) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Session{engine: engine, cfg: cfg, logger: logger}
}

// Render loads rawURL in a fresh browser and extracts its signals.
//
// It never returns an error and never panics: every failure is reported
// through Outcome.Err and Outcome.Kind. The browser is torn down on every
// exit path. ref names the screenshot file (normally the job ID).
func (s *Session) Render(ctx context.Context, rawURL, ref string) (out *Outcome) {
	start := time.Now()
	out = &Outcome{URL: rawURL}

	proc := netevents.NewProcessor(rawURL, s.cfg.Classifier)
	var downloaded atomic.Bool

	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("render panic: %v", r)
			out.Kind = models.FailureUnknown
		}
		out.Network = proc.Summary()
		if out.DOM != nil && (downloaded.Load() || len(out.Network.Downloads) > 0) {
			out.DOM.AttemptedDownload = true
		}
		out.Duration = time.Since(start)
	}()

	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	page, err := s.open(rctx, Hooks{
		OnEvent: proc.Ingest,
		OnDownload: func(url, _ string, ts time.Time) {
			downloaded.Store(true)
			proc.RecordDownload(url, "", ts)
		},
	})
	if err != nil {
		s.fail(rctx, out, err)
		return out
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			s.logger.WithError(cerr).Warn("Failed to tear down browser")
		}
	}()

	if err := page.Navigate(rctx, rawURL); err != nil {
		// A denied download aborts navigation; the page itself is still inspectable
		if !(downloaded.Load() && classify(err) == models.FailureEngine) {
			s.fail(rctx, out, err)
			return out
		}
	}

	if s.cfg.SettleDelay > 0 {
		select {
		case <-rctx.Done():
			s.fail(rctx, out, rctx.Err())
			return out
		case <-time.After(s.cfg.SettleDelay):
		}
	}

	if s.cfg.ScreenshotDir != "" {
		out.ScreenshotPath = s.saveScreenshot(rctx, page, rawURL, ref)
	}

	finalURL, err := page.URL(rctx)
	if err != nil {
		s.fail(rctx, out, err)
		return out
	}
	out.FinalURL = finalURL

	html, err := page.HTML(rctx)
	if err != nil {
		s.fail(rctx, out, err)
		return out
	}

	dom, err := ExtractDOM(html, rawURL, finalURL)
	if err != nil {
		s.fail(rctx, out, err)
		return out
	}
	out.DOM = dom
	return out
}

// open runs Engine.Open under the render deadline even when the engine
// ignores ctx. A page that arrives after the deadline is closed at once.
func (s *Session) open(ctx context.Context, hooks Hooks) (Page, error) {
	type opened struct {
		page Page
		err  error
	}
	done := make(chan opened, 1)
	go func() {
		var o opened
		defer func() {
			if r := recover(); r != nil {
				o = opened{err: fmt.Errorf("render panic: %v", r)}
			}
			done <- o
		}()
		o.page, o.err = s.engine.Open(ctx, hooks)
	}()

	select {
	case o := <-done:
		return o.page, o.err
	case <-ctx.Done():
		go func() {
			if o := <-done; o.page != nil {
				o.page.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: browser startup: %v", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("browser startup: %w", ctx.Err())
	}
}

func (s *Session) fail(ctx context.Context, out *Outcome, err error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	out.Err = err
	out.Kind = classify(err)
}

// saveScreenshot is best-effort: failures are logged and leave the path empty
func (s *Session) saveScreenshot(ctx context.Context, page Page, rawURL, ref string) string {
	img, err := page.Screenshot(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to capture screenshot")
		return ""
	}
	if err := os.MkdirAll(s.cfg.ScreenshotDir, 0o755); err != nil {
		s.logger.WithError(err).Warn("Failed to create screenshot directory")
		return ""
	}
	path := filepath.Join(s.cfg.ScreenshotDir, dedup.ScreenshotName(ref, rawURL))
	if err := os.WriteFile(path, img, 0o644); err != nil {
		s.logger.WithError(err).Warn("Failed to write screenshot")
		return ""
	}
	return path
}
