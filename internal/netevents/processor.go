package netevents

import (
	"mime"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"url-sandbox/internal/models"
)

// downloadableTypes are response content types treated as file downloads
var downloadableTypes = map[string]bool{
	"application/octet-stream":      true,
	"application/zip":               true,
	"application/x-zip-compressed":  true,
	"application/x-rar-compressed":  true,
	"application/x-msdownload":      true,
	"application/x-msdos-program":   true,
	"application/x-msi":             true,
	"application/x-dosexec":         true,
	"application/pdf":               true,
	"application/x-executable":      true,
	"application/x-shockwave-flash": true,
	"application/java-archive":      true,
}

// IsDownloadable reports whether a Content-Type header names a downloadable file type
func IsDownloadable(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return downloadableTypes[strings.ToLower(mediaType)]
}

// maxPostFindings bounds the findings kept for one render session
const maxPostFindings = 512

// DomainClassifier reports whether a contacted domain is suspicious
type DomainClassifier func(domain string) bool

// Processor folds the telemetry stream of one render session into a NetworkSummary.
//
// Events are consumed one at a time in arrival order; nothing is buffered
// beyond the records that end up in the summary. Ingest and Summary are safe
// to call from different goroutines (the browser event loop feeds Ingest).
type Processor struct {
	mu sync.Mutex

	pageDomain string
	classify   DomainClassifier

	requests     []models.RequestLogEntry
	redirects    []models.RedirectRecord
	postFindings []models.PostDataFinding
	downloads    []models.DownloadRecord
	timings      []models.RequestTiming
	openTiming   map[string]int // request ID -> index into timings

	domains    []string
	seenDomain map[string]bool
	suspicious []string
}

// NewProcessor creates a processor for a render of pageURL. The classifier
// may be nil; the page's own registrable domain is never reported as a
// suspicious contact.
func NewProcessor(pageURL string, classify DomainClassifier) *Processor {
	return &Processor{
		pageDomain: registrableDomain(hostOf(pageURL)),
		classify:   classify,
		openTiming: make(map[string]int),
		seenDomain: make(map[string]bool),
	}
}

// Ingest consumes one event
func (p *Processor) Ingest(ev models.NetworkEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case models.EventRequestStarted:
		p.onRequest(ev)
	case models.EventResponseReceived:
		p.onResponse(ev)
	case models.EventRequestBody:
		p.scanBody(ev)
	}
}

func (p *Processor) onRequest(ev models.NetworkEvent) {
	p.requests = append(p.requests, models.RequestLogEntry{
		URL:          ev.URL,
		Method:       ev.Method,
		ResourceType: ev.ResourceType,
	})

	if ev.RedirectFrom != "" && ev.RedirectFrom != ev.URL {
		p.redirects = append(p.redirects, models.RedirectRecord{
			FromURL:    ev.RedirectFrom,
			ToURL:      ev.URL,
			HTTPStatus: ev.RedirectStatus,
			Timestamp:  ev.Timestamp,
		})
	}

	// A redirect reuses the request ID; the previous hop ends where the next begins
	if idx, ok := p.openTiming[ev.RequestID]; ok {
		end := ev.Timestamp
		p.timings[idx].End = &end
	}
	p.openTiming[ev.RequestID] = len(p.timings)
	p.timings = append(p.timings, models.RequestTiming{
		RequestID: ev.RequestID,
		URL:       ev.URL,
		Start:     ev.Timestamp,
	})

	p.scanBody(ev)
	p.recordDomain(ev.URL)
}

func (p *Processor) scanBody(ev models.NetworkEvent) {
	if !IsPostLike(ev.Method) || ev.PostBody == "" || len(p.postFindings) >= maxPostFindings {
		return
	}
	for _, path := range ScanPayload(ev.PostBody, headerValue(ev.Headers, "Content-Type")) {
		if len(p.postFindings) >= maxPostFindings {
			break
		}
		p.postFindings = append(p.postFindings, models.PostDataFinding{
			URL:       ev.URL,
			FieldPath: path,
			Timestamp: ev.Timestamp,
		})
	}
}

func (p *Processor) onResponse(ev models.NetworkEvent) {
	if idx, ok := p.openTiming[ev.RequestID]; ok {
		end := ev.Timestamp
		p.timings[idx].End = &end
		delete(p.openTiming, ev.RequestID)
	}

	if IsDownloadable(ev.ContentType) {
		p.downloads = append(p.downloads, models.DownloadRecord{
			URL:         ev.URL,
			ContentType: ev.ContentType,
			RequestID:   ev.RequestID,
			Timestamp:   ev.Timestamp,
		})
	}
}

func (p *Processor) recordDomain(rawURL string) {
	host := hostOf(rawURL)
	if host == "" {
		return
	}
	domain := registrableDomain(host)
	if p.seenDomain[domain] {
		return
	}
	p.seenDomain[domain] = true
	p.domains = append(p.domains, domain)

	if domain != p.pageDomain && p.classify != nil && p.classify(domain) {
		p.suspicious = append(p.suspicious, domain)
	}
}

// RecordDownload adds a download seen outside the response stream
// (the browser reports denied downloads separately)
func (p *Processor) RecordDownload(rawURL, contentType string, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range p.downloads {
		if d.URL == rawURL {
			return
		}
	}
	p.downloads = append(p.downloads, models.DownloadRecord{URL: rawURL, ContentType: contentType, Timestamp: ts})
}

// Summary returns a snapshot of everything ingested so far
func (p *Processor) Summary() *models.NetworkSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &models.NetworkSummary{
		Requests:          append([]models.RequestLogEntry(nil), p.requests...),
		Redirects:         append([]models.RedirectRecord(nil), p.redirects...),
		PostFindings:      append([]models.PostDataFinding(nil), p.postFindings...),
		Downloads:         append([]models.DownloadRecord(nil), p.downloads...),
		Timings:           make([]models.RequestTiming, len(p.timings)),
		Domains:           append([]string(nil), p.domains...),
		SuspiciousDomains: append([]string(nil), p.suspicious...),
	}
	for i, t := range p.timings {
		if t.End != nil {
			end := *t.End
			t.End = &end
		}
		s.Timings[i] = t
	}

	s.Stats = models.NetworkStats{
		TotalRequests:            len(s.Requests),
		TotalRedirects:           len(s.Redirects),
		SensitiveFormSubmissions: len(s.PostFindings),
		FileDownloads:            len(s.Downloads),
		DistinctDomains:          len(s.Domains),
		SuspiciousDomains:        len(s.SuspiciousDomains),
	}
	return s
}

// Summarize runs a complete event slice through a fresh processor
func Summarize(pageURL string, classify DomainClassifier, events []models.NetworkEvent) *models.NetworkSummary {
	p := NewProcessor(pageURL, classify)
	for _, ev := range events {
		p.Ingest(ev)
	}
	return p.Summary()
}

// hostOf returns the lowercase hostname of an http(s) URL, or "" for other schemes
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// registrableDomain returns eTLD+1 for a hostname; IPs and bare suffixes are returned unchanged
func registrableDomain(host string) string {
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
