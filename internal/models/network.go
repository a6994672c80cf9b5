package models

import "time"

// EventKind tags the variant carried by a NetworkEvent
type EventKind string

const (
	EventRequestStarted   EventKind = "request_started"
	EventResponseReceived EventKind = "response_received"
	// EventRequestBody carries a POST body fetched after its request event
	EventRequestBody EventKind = "request_body"
)

// NetworkEvent is one entry of the telemetry stream produced by a render session.
// Request fields are set for EventRequestStarted, response fields for
// EventResponseReceived. EventRequestBody sets URL, Method, Headers and PostBody.
type NetworkEvent struct {
	Kind      EventKind         `json:"kind"`
	RequestID string            `json:"request_id"`
	URL       string            `json:"url"`
	Timestamp time.Time         `json:"timestamp"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	PostBody  string            `json:"post_body,omitempty"`

	ResourceType string `json:"resource_type,omitempty"`

	// RedirectFrom is the URL whose redirect response caused this request
	RedirectFrom   string `json:"redirect_from,omitempty"`
	RedirectStatus int    `json:"redirect_status,omitempty"`

	// Response fields
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// RequestStarted builds a request variant
func RequestStarted(requestID, url, method string, ts time.Time) NetworkEvent {
	return NetworkEvent{Kind: EventRequestStarted, RequestID: requestID, URL: url, Method: method, Timestamp: ts}
}

// ResponseReceived builds a response variant
func ResponseReceived(requestID, url string, status int, contentType string, ts time.Time) NetworkEvent {
	return NetworkEvent{Kind: EventResponseReceived, RequestID: requestID, URL: url, Status: status, ContentType: contentType, Timestamp: ts}
}

// RequestBody builds a late body variant for an already started request
func RequestBody(requestID, url, method, body string, ts time.Time) NetworkEvent {
	return NetworkEvent{Kind: EventRequestBody, RequestID: requestID, URL: url, Method: method, PostBody: body, Timestamp: ts}
}

// RequestLogEntry is the compact per-request record kept on the result
type RequestLogEntry struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	ResourceType string `json:"resource_type,omitempty"`
}

// RedirectRecord is one hop of a redirect chain
type RedirectRecord struct {
	FromURL    string    `json:"from"`
	ToURL      string    `json:"to"`
	HTTPStatus int       `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// PostDataFinding marks a sensitive key inside a submitted payload
type PostDataFinding struct {
	URL       string    `json:"url"`
	FieldPath string    `json:"field"`
	Timestamp time.Time `json:"timestamp"`
}

// DownloadRecord is a response whose content type looks like a downloadable file
type DownloadRecord struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	RequestID   string    `json:"request_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RequestTiming pairs the start and end timestamps of one request
type RequestTiming struct {
	RequestID string     `json:"request_id"`
	URL       string     `json:"url"`
	Start     time.Time  `json:"start"`
	End       *time.Time `json:"end,omitempty"`
}

// Latency returns End-Start, or zero when no response was seen
func (t RequestTiming) Latency() time.Duration {
	if t.End == nil {
		return 0
	}
	return t.End.Sub(t.Start)
}

// NetworkStats holds the summary counters
type NetworkStats struct {
	TotalRequests            int `json:"total_requests"`
	TotalRedirects           int `json:"total_redirects"`
	SensitiveFormSubmissions int `json:"sensitive_form_submissions"`
	FileDownloads            int `json:"file_downloads"`
	DistinctDomains          int `json:"distinct_domains"`
	SuspiciousDomains        int `json:"suspicious_domains"`
}

// NetworkSummary is the aggregated view of one render's telemetry stream
type NetworkSummary struct {
	Requests          []RequestLogEntry `json:"request_log"`
	Redirects         []RedirectRecord  `json:"redirect_chain"`
	PostFindings      []PostDataFinding `json:"post_data"`
	Downloads         []DownloadRecord  `json:"file_downloads"`
	Timings           []RequestTiming   `json:"timing_data"`
	Domains           []string          `json:"domains"`
	SuspiciousDomains []string          `json:"suspicious_domains"`
	Stats             NetworkStats      `json:"stats"`
}
