// Package risk combines page, network and origin signals into one bounded score.
package risk

import (
	"fmt"
	"net/url"
	"strings"

	"url-sandbox/internal/models"
)

// Weights of the additive model
const (
	WeightLogin      = 20
	WeightPassword   = 30
	WeightCreditCard = 40
	WeightDownload   = 50
	WeightIndicator  = 10

	// TimeoutScore replaces the additive total when the render hit its deadline
	TimeoutScore = 60

	MaxScore = 100
)

// Score computes the risk score and the ordered indicator list.
//
// Indicators are collected from dom, then net, then origin; repeats keep
// their first position. Any argument may be nil. When timedOut is set the
// score is TimeoutScore regardless of the other signals, but the partial
// indicators are still returned.
func Score(dom *models.DOMSignals, net *models.NetworkSummary, origin *models.OriginRecord, timedOut bool) (int, []string) {
	var c collector
	c.addAll(domIndicators(dom))
	c.addAll(networkIndicators(net, origin))
	c.addAll(originIndicators(origin))

	if timedOut {
		return TimeoutScore, c.list
	}

	score := 0
	if dom != nil {
		if dom.HasLoginForm {
			score += WeightLogin
		}
		if dom.HasPasswordField() {
			score += WeightPassword
		}
		if dom.HasCreditCardForm {
			score += WeightCreditCard
		}
	}
	if attemptedDownload(dom, net) {
		score += WeightDownload
	}
	score += len(c.list) * WeightIndicator

	return clamp(score), c.list
}

func attemptedDownload(dom *models.DOMSignals, net *models.NetworkSummary) bool {
	if dom != nil && dom.AttemptedDownload {
		return true
	}
	return net != nil && len(net.Downloads) > 0
}

func clamp(score int) int {
	switch {
	case score < 0:
		return 0
	case score > MaxScore:
		return MaxScore
	}
	return score
}

func domIndicators(dom *models.DOMSignals) []string {
	if dom == nil {
		return nil
	}
	return dom.Indicators
}

func networkIndicators(net *models.NetworkSummary, origin *models.OriginRecord) []string {
	if net == nil {
		return nil
	}

	var out []string
	for _, f := range net.PostFindings {
		out = append(out, fmt.Sprintf("Sensitive field submitted: %s to %s", f.FieldPath, hostOf(f.URL)))
	}
	for _, d := range net.Downloads {
		if d.ContentType == "" {
			out = append(out, "Download attempted: "+d.URL)
			continue
		}
		out = append(out, fmt.Sprintf("Download attempted: %s (%s)", d.URL, d.ContentType))
	}

	analysed := ""
	if origin != nil {
		analysed = strings.ToLower(origin.Domain)
	}
	for _, d := range net.SuspiciousDomains {
		if strings.EqualFold(d, analysed) {
			continue
		}
		out = append(out, "Contacted suspicious domain: "+d)
	}
	return out
}

func originIndicators(origin *models.OriginRecord) []string {
	if origin == nil || !origin.IsSuspiciousDomain {
		return nil
	}
	return []string{"Suspicious domain: " + origin.Domain}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.ToLower(u.Host)
}

// collector keeps insertion order and drops repeats
type collector struct {
	seen map[string]struct{}
	list []string
}

func (c *collector) addAll(items []string) {
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	for _, s := range items {
		if s == "" {
			continue
		}
		if _, ok := c.seen[s]; ok {
			continue
		}
		c.seen[s] = struct{}{}
		c.list = append(c.list, s)
	}
}

// Level buckets a score the way analysts triage emails
type Level string

const (
	LevelLow      Level = "Low"
	LevelMedium   Level = "Medium"
	LevelHigh     Level = "High"
	LevelCritical Level = "Critical"
)

// LevelFor maps a score to its triage level
func LevelFor(score int) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	default:
		return LevelLow
	}
}
