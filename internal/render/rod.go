package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"

	"url-sandbox/internal/models"
)

const (
	// postDataFetches bounds the concurrent post body lookups per page
	postDataFetches = 4
	postDataTimeout = 5 * time.Second

	viewportWidth  = 1920
	viewportHeight = 1080
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// RodEngine launches one headless Chromium process per page
type RodEngine struct {
	bin    string
	logger logrus.FieldLogger
}

// NewRodEngine creates an engine. An empty bin lets the launcher find or download a browser.
func NewRodEngine(bin string, logger logrus.FieldLogger) *RodEngine {
	return &RodEngine{bin: bin, logger: logger}
}

// Open launches a fresh browser, creates an incognito context with downloads
// denied and returns a blank page wired to hooks. Every startup step is bound
// to ctx; on expiry the half-started browser is killed.
func (e *RodEngine) Open(ctx context.Context, hooks Hooks) (Page, error) {
	// The CDP connection lives on sessCtx so teardown can still talk to the
	// browser after the render deadline. Close cancels it.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopStartupGuard := context.AfterFunc(ctx, cancel)
	defer stopStartupGuard()

	l := launcher.New().
		Context(ctx).
		Headless(true).
		NoSandbox(true).
		Set(flags.Flag("disable-gpu")).
		Set(flags.Flag("disable-dev-shm-usage")).
		Set(flags.Flag("disable-extensions")).
		Set(flags.Flag("disable-background-networking")).
		Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", viewportWidth, viewportHeight)).
		Set(flags.Flag("user-agent"), userAgent)
	if e.bin != "" {
		l = l.Bin(e.bin)
	}

	p := &rodPage{
		hooks:    hooks,
		logger:   e.logger,
		cancel:   cancel,
		fetchSem: make(chan struct{}, postDataFetches),
	}

	controlURL, err := l.Launch()
	if l.PID() != 0 {
		p.launcher = l
	}
	if err != nil {
		p.Close()
		return nil, p.wrap(ctx, "launch browser", err)
	}

	p.browser = rod.New().ControlURL(controlURL).Context(sessCtx)
	if err := p.browser.Connect(); err != nil {
		p.Close()
		return nil, p.wrap(ctx, "connect to browser", err)
	}

	if err := p.setup(); err != nil {
		p.Close()
		return nil, p.wrap(ctx, "set up page", err)
	}
	if !stopStartupGuard() {
		// ctx expired after the last startup call returned
		p.Close()
		return nil, p.wrap(ctx, "set up page", ctx.Err())
	}
	return p, nil
}

type rodPage struct {
	launcher  *launcher.Launcher
	browser   *rod.Browser
	incognito *rod.Browser
	page      *rod.Page
	hooks     Hooks
	logger    logrus.FieldLogger
	cancel    context.CancelFunc
	closeOnce sync.Once

	fetchSem chan struct{}
	fetches  sync.WaitGroup
}

func (p *rodPage) setup() error {
	incognito, err := p.browser.Incognito()
	if err != nil {
		return fmt.Errorf("create incognito context: %v", err)
	}
	p.incognito = incognito

	err = proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorDeny,
		BrowserContextID: incognito.BrowserContextID,
		EventsEnabled:    true,
	}.Call(p.browser)
	if err != nil {
		return fmt.Errorf("deny downloads: %v", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("create page: %v", err)
	}
	p.page = page

	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             viewportWidth,
		Height:            viewportHeight,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("set viewport: %v", err)
	}

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return fmt.Errorf("enable network domain: %v", err)
	}

	go page.EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) { p.onRequest(ev) },
		func(ev *proto.NetworkResponseReceived) { p.onResponse(ev) },
	)()

	go p.browser.EachEvent(func(ev *proto.BrowserDownloadWillBegin) {
		if p.hooks.OnDownload != nil {
			p.hooks.OnDownload(ev.URL, ev.SuggestedFilename, time.Now())
		}
	})()

	return nil
}

func (p *rodPage) onRequest(ev *proto.NetworkRequestWillBeSent) {
	if p.hooks.OnEvent == nil || ev.Request == nil {
		return
	}

	out := models.RequestStarted(string(ev.RequestID), ev.Request.URL, ev.Request.Method, time.Now())
	out.ResourceType = string(ev.Type)
	out.Headers = make(map[string]string, len(ev.Request.Headers))
	for k, v := range ev.Request.Headers {
		out.Headers[k] = v.Str()
	}

	out.PostBody = ev.Request.PostData
	if out.PostBody == "" && ev.Request.HasPostData {
		p.fetchPostData(ev.RequestID, out)
	}

	if ev.RedirectResponse != nil {
		out.RedirectFrom = ev.RedirectResponse.URL
		out.RedirectStatus = ev.RedirectResponse.Status
	}

	p.hooks.OnEvent(out)
}

// fetchPostData looks up a body the event did not inline. It runs off the
// event loop and reports the body as a separate event; when every slot is
// busy the body is skipped.
func (p *rodPage) fetchPostData(id proto.NetworkRequestID, req models.NetworkEvent) {
	select {
	case p.fetchSem <- struct{}{}:
	default:
		if p.logger != nil {
			p.logger.WithField("url", req.URL).Debug("Post body lookup skipped, all fetch slots busy")
		}
		return
	}

	p.fetches.Add(1)
	go func() {
		defer p.fetches.Done()
		defer func() { <-p.fetchSem }()

		res, err := proto.NetworkGetRequestPostData{RequestID: id}.Call(p.page.Timeout(postDataTimeout))
		if err != nil || res.PostData == "" {
			return
		}
		ev := models.RequestBody(req.RequestID, req.URL, req.Method, res.PostData, time.Now())
		ev.Headers = req.Headers
		p.hooks.OnEvent(ev)
	}()
}

func (p *rodPage) onResponse(ev *proto.NetworkResponseReceived) {
	if p.hooks.OnEvent == nil || ev.Response == nil {
		return
	}
	contentType := ev.Response.MIMEType
	for k, v := range ev.Response.Headers {
		if strings.EqualFold(k, "Content-Type") && v.Str() != "" {
			contentType = v.Str()
			break
		}
	}
	p.hooks.OnEvent(models.ResponseReceived(string(ev.RequestID), ev.Response.URL, ev.Response.Status, contentType, time.Now()))
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return p.wrap(ctx, "navigate", err)
	}
	if err := pg.WaitLoad(); err != nil {
		return p.wrap(ctx, "wait for load", err)
	}
	return nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", p.wrap(ctx, "read document", err)
	}
	return html, nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", p.wrap(ctx, "read page info", err)
	}
	return info.URL, nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	img, err := p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, p.wrap(ctx, "capture screenshot", err)
	}
	return img, nil
}

// wrap tags an error as a timeout when the deadline passed, otherwise as an engine failure
func (p *rodPage) wrap(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %v", ErrEngine, op, err)
}

// Close disposes the incognito context, closes the browser and kills the process.
// Every step runs even if an earlier one fails.
func (p *rodPage) Close() error {
	p.closeOnce.Do(func() {
		if p.incognito != nil {
			if err := p.incognito.Close(); err != nil && p.logger != nil {
				p.logger.WithError(err).Debug("Failed to dispose incognito context")
			}
		}
		if p.browser != nil {
			_ = p.browser.Close()
		}
		p.fetches.Wait()
		if p.launcher != nil {
			p.launcher.Kill()
			p.launcher.Cleanup()
		}
		p.cancel()
	})
	return nil
}
