package models

import "time"

// FailureKind classifies why a render did not complete
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureTimeout FailureKind = "timeout"
	FailureEngine  FailureKind = "engine"
	FailureUnknown FailureKind = "unknown"
)

// DOMSignals holds everything extracted from the settled page
type DOMSignals struct {
	Title              string   `json:"title,omitempty"`
	MetaDescription    string   `json:"meta_description,omitempty"`
	FinalURL           string   `json:"final_url,omitempty"`
	HasLoginForm       bool     `json:"has_login_form"`
	LoginTerm          string   `json:"login_term,omitempty"`
	PasswordFieldCount int      `json:"password_field_count"`
	HasCreditCardForm  bool     `json:"has_credit_card_form"`
	CreditCardSelector string   `json:"credit_card_selector,omitempty"`
	CrossDomainForms   []string `json:"cross_domain_forms,omitempty"`
	RedirectDomain     string   `json:"redirect_domain,omitempty"`
	AttemptedDownload  bool     `json:"attempted_download"`

	// Indicators are emitted in extraction order
	Indicators []string `json:"indicators,omitempty"`
}

// HasPasswordField reports whether any password input was found
func (d *DOMSignals) HasPasswordField() bool {
	return d != nil && d.PasswordFieldCount > 0
}

// AnalysisResult is the immutable outcome of analysing one URL
type AnalysisResult struct {
	JobID     string    `json:"job_id,omitempty"`
	EmailID   string    `json:"email_id,omitempty"`
	URL       string    `json:"url"`
	Domain    string    `json:"domain"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`

	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	ErrorKind FailureKind `json:"error_kind,omitempty"`

	ScreenshotRef   string `json:"screenshot_path,omitempty"`
	Title           string `json:"title,omitempty"`
	MetaDescription string `json:"meta_description,omitempty"`
	FinalURL        string `json:"final_url,omitempty"`

	HasLoginForm      bool `json:"has_login_form"`
	HasPasswordField  bool `json:"has_password_field"`
	HasCreditCardForm bool `json:"has_credit_card_form"`
	AttemptedDownload bool `json:"attempted_download"`

	NetworkRequests []RequestLogEntry `json:"network_requests"`
	NetworkSummary  *NetworkSummary   `json:"network_analysis,omitempty"`
	OriginSummary   *OriginRecord     `json:"ip_analysis,omitempty"`

	Indicators []string `json:"suspicious_indicators"`
	RiskScore  int      `json:"risk_score"`
}
