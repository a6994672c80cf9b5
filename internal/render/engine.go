package render

import (
	"context"
	"errors"
	"time"

	"url-sandbox/internal/models"
)

var (
	// ErrTimeout means the page load or settle exceeded the render deadline
	ErrTimeout = errors.New("render timed out")
	// ErrEngine means the browser or its isolation layer failed
	ErrEngine = errors.New("render engine failure")
)

// Hooks receive telemetry while a page is open. They may be called from
// several engine goroutines at once and must not block.
type Hooks struct {
	OnEvent    func(models.NetworkEvent)
	OnDownload func(url, suggestedName string, ts time.Time)
}

// Engine opens isolated pages. Every Page gets fresh browser state.
type Engine interface {
	Open(ctx context.Context, hooks Hooks) (Page, error)
}

// Page is one disposable browser context holding a single document
type Page interface {
	// Navigate loads url and returns once the load event fired
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	// Close tears down the context and the browser process; safe to call more than once
	Close() error
}

// classify maps an error from the engine to a failure kind
func classify(err error) models.FailureKind {
	switch {
	case err == nil:
		return models.FailureNone
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.FailureTimeout
	case errors.Is(err, ErrEngine):
		return models.FailureEngine
	default:
		return models.FailureUnknown
	}
}
