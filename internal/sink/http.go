package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"url-sandbox/internal/models"
)

const userAgent = "url-sandbox/1.0"

// HTTP posts each result as JSON to a callback endpoint
type HTTP struct {
	endpoint   string
	httpClient *http.Client
	logger     logrus.FieldLogger
}

// NewHTTP creates a callback sink
func NewHTTP(endpoint string, timeout time.Duration, logger logrus.FieldLogger) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// callbackPayload is the result plus the inlined screenshot
type callbackPayload struct {
	*models.AnalysisResult
	ScreenshotBase64 string `json:"screenshot_base64,omitempty"`
}

func (h *HTTP) Deliver(ctx context.Context, result *models.AnalysisResult) error {
	payload := callbackPayload{AnalysisResult: result}
	if result.ScreenshotRef != "" {
		img, err := os.ReadFile(result.ScreenshotRef)
		if err != nil {
			h.logger.WithError(err).Debug("Screenshot not attached")
		} else {
			payload.ScreenshotBase64 = base64.StdEncoding.EncodeToString(img)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post result: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d: %s", resp.StatusCode, string(respBody))
	}

	h.logger.WithField("url", result.URL).Info("Sent analysis result to API")
	return nil
}
