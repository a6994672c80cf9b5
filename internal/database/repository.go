package database

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"url-sandbox/internal/models"
	"url-sandbox/internal/risk"
)

const (
	analysisTable = "url_analysis"
	emailsTable   = "emails"
)

// Repository stores analysis results and rolls them up onto their email
type Repository struct {
	client *SupabaseClient
	logger *logrus.Logger
}

// NewRepository creates a new repository instance
func NewRepository(client *SupabaseClient, logger *logrus.Logger) *Repository {
	return &Repository{
		client: client,
		logger: logger,
	}
}

// analysisRow is the url_analysis table layout. Nested summaries go into jsonb columns.
type analysisRow struct {
	JobID             string                 `json:"job_id,omitempty"`
	EmailID           string                 `json:"email_id,omitempty"`
	URL               string                 `json:"url"`
	Domain            string                 `json:"domain"`
	Path              string                 `json:"path"`
	Success           bool                   `json:"success"`
	Error             string                 `json:"error,omitempty"`
	ErrorKind         string                 `json:"error_kind,omitempty"`
	Title             string                 `json:"title,omitempty"`
	MetaDescription   string                 `json:"meta_description,omitempty"`
	FinalURL          string                 `json:"final_url,omitempty"`
	ScreenshotPath    string                 `json:"screenshot_path,omitempty"`
	HasLoginForm      bool                   `json:"has_login_form"`
	HasPasswordField  bool                   `json:"has_password_field"`
	HasCreditCardForm bool                   `json:"has_credit_card_form"`
	AttemptedDownload bool                   `json:"attempted_download"`
	Indicators        []string               `json:"suspicious_indicators"`
	RiskScore         int                    `json:"risk_score"`
	RiskLevel         risk.Level             `json:"risk_level"`
	NetworkAnalysis   *models.NetworkSummary `json:"network_analysis,omitempty"`
	IPAnalysis        *models.OriginRecord   `json:"ip_analysis,omitempty"`
	AnalyzedAt        string                 `json:"analyzed_at"`
}

func toRow(r *models.AnalysisResult) analysisRow {
	indicators := r.Indicators
	if indicators == nil {
		indicators = []string{}
	}
	return analysisRow{
		JobID:             r.JobID,
		EmailID:           r.EmailID,
		URL:               r.URL,
		Domain:            r.Domain,
		Path:              r.Path,
		Success:           r.Success,
		Error:             r.Error,
		ErrorKind:         string(r.ErrorKind),
		Title:             r.Title,
		MetaDescription:   r.MetaDescription,
		FinalURL:          r.FinalURL,
		ScreenshotPath:    r.ScreenshotRef,
		HasLoginForm:      r.HasLoginForm,
		HasPasswordField:  r.HasPasswordField,
		HasCreditCardForm: r.HasCreditCardForm,
		AttemptedDownload: r.AttemptedDownload,
		Indicators:        indicators,
		RiskScore:         r.RiskScore,
		RiskLevel:         risk.LevelFor(r.RiskScore),
		NetworkAnalysis:   r.NetworkSummary,
		IPAnalysis:        r.OriginSummary,
		AnalyzedAt:        r.Timestamp.UTC().Format(time.RFC3339),
	}
}

// UpsertAnalysisResult writes one result. A repeat analysis of the same URL
// for the same email replaces the earlier row.
func (r *Repository) UpsertAnalysisResult(ctx context.Context, result *models.AnalysisResult) error {
	endpoint := analysisTable + "?on_conflict=email_id,url"
	_, err := r.client.doRequest(ctx, "POST", endpoint, []analysisRow{toRow(result)},
		"resolution=merge-duplicates,return=minimal")
	if err != nil {
		return fmt.Errorf("failed to upsert analysis result: %w", err)
	}

	r.logger.WithField("url", result.URL).Debug("Stored analysis result")
	return nil
}

// MaxRiskScoreForEmail returns the highest risk score over all analysed URLs of an email
func (r *Repository) MaxRiskScoreForEmail(ctx context.Context, emailID string) (int, error) {
	endpoint := fmt.Sprintf(
		"%s?email_id=eq.%s&select=risk_score&order=risk_score.desc&limit=1",
		analysisTable,
		url.QueryEscape(emailID),
	)

	respBody, err := r.client.doQueryRequest(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch risk scores: %w", err)
	}

	var records []struct {
		RiskScore int `json:"risk_score"`
	}
	if err := json.Unmarshal(respBody, &records); err != nil {
		return 0, fmt.Errorf("failed to parse risk scores: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[0].RiskScore, nil
}

// UpdateEmailRisk sets the email's phishing score and level from its worst URL
func (r *Repository) UpdateEmailRisk(ctx context.Context, emailID string) error {
	maxScore, err := r.MaxRiskScoreForEmail(ctx, emailID)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s?id=eq.%s", emailsTable, url.QueryEscape(emailID))
	update := map[string]interface{}{
		"phishing_score": maxScore,
		"phishing_risk":  risk.LevelFor(maxScore),
		"last_analyzed":  time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := r.client.doRequest(ctx, "PATCH", endpoint, update, "return=minimal"); err != nil {
		return fmt.Errorf("failed to update email risk: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"email_id": emailID,
		"score":    maxScore,
	}).Info("Updated email phishing risk")
	return nil
}
