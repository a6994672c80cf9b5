package sink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"url-sandbox/internal/database"
	"url-sandbox/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestHTTP_Deliver(t *testing.T) {
	shot := filepath.Join(t.TempDir(), "job-1.png")
	if err := os.WriteFile(shot, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := &models.AnalysisResult{
		JobID:         "job-1",
		URL:           "http://phish.example.xyz/login",
		Domain:        "phish.example.xyz",
		ScreenshotRef: shot,
		RiskScore:     70,
		Indicators:    []string{"Found 1 password field(s)"},
	}

	if err := NewHTTP(srv.URL, time.Second, quietLogger()).Deliver(context.Background(), result); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if got["url"] != result.URL || got["risk_score"] != float64(70) {
		t.Errorf("payload = %v", got)
	}
	if got["screenshot_base64"] != base64.StdEncoding.EncodeToString([]byte("png-bytes")) {
		t.Errorf("screenshot_base64 = %v", got["screenshot_base64"])
	}
}

func TestHTTP_Deliver_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name:    "Non-2xx status",
			handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "nope", http.StatusBadGateway) },
			wantErr: "status 502",
		},
		{
			name: "Slow endpoint",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			wantErr: "failed to post result",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			h := NewHTTP(srv.URL, 100*time.Millisecond, quietLogger())
			err := h.Deliver(context.Background(), &models.AnalysisResult{URL: "http://x.test", ScreenshotRef: "/does/not/exist.png"})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Deliver() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

type stubSink struct {
	err   error
	calls int
}

func (s *stubSink) Deliver(ctx context.Context, result *models.AnalysisResult) error {
	s.calls++
	return s.err
}

func TestMulti_DeliverIsBestEffort(t *testing.T) {
	failing := &stubSink{err: errors.New("connection refused")}
	ok := &stubSink{}

	m := NewMulti(quietLogger()).Add("api", failing).Add("supabase", ok)
	if m.Len() != 2 {
		t.Fatalf("Len() = %d", m.Len())
	}

	err := m.Deliver(context.Background(), &models.AnalysisResult{URL: "http://x.test"})
	if err == nil || !strings.Contains(err.Error(), "api: connection refused") {
		t.Errorf("Deliver() error = %v", err)
	}
	if failing.calls != 1 || ok.calls != 1 {
		t.Errorf("calls = %d/%d, want every sink tried once", failing.calls, ok.calls)
	}
}

func TestMulti_Empty(t *testing.T) {
	if err := NewMulti(quietLogger()).Deliver(context.Background(), &models.AnalysisResult{}); err != nil {
		t.Errorf("Deliver() on empty fan-out = %v", err)
	}
}

func TestSupabase_Deliver(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodGet {
			w.Write([]byte(`[{"risk_score":40}]`))
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	repo := database.NewRepository(database.NewSupabaseClient(srv.URL, "key", time.Second), quietLogger())

	tests := []struct {
		name      string
		emailID   string
		wantCalls []string
	}{
		{
			name:      "Standalone URL",
			wantCalls: []string{"POST /rest/v1/url_analysis"},
		},
		{
			name:    "URL from an email",
			emailID: "email-7",
			wantCalls: []string{
				"POST /rest/v1/url_analysis",
				"GET /rest/v1/url_analysis",
				"PATCH /rest/v1/emails",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths = nil
			err := NewSupabase(repo).Deliver(context.Background(), &models.AnalysisResult{URL: "http://x.test", EmailID: tt.emailID})
			if err != nil {
				t.Fatalf("Deliver() error = %v", err)
			}
			if strings.Join(paths, ",") != strings.Join(tt.wantCalls, ",") {
				t.Errorf("calls = %v, want %v", paths, tt.wantCalls)
			}
		})
	}
}
