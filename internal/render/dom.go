package render

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"url-sandbox/internal/models"
)

// loginTerms are matched against the lowercased rendered document; first hit wins
var loginTerms = []string{"login", "log in", "sign in", "signin", "account", "username", "email", "password"}

// creditCardSelectors are tried in order; first selector with a match wins
var creditCardSelectors = []string{
	`input[name*="card"]`, `input[name*="credit"]`, `input[name*="cc-"]`,
	`input[id*="card"]`, `input[id*="credit"]`, `input[id*="cc-"]`,
	`input[placeholder*="card"]`, `input[placeholder*="credit"]`,
}

// ExtractDOM derives page signals from the settled document.
// Indicators are appended in extraction order: login, password, credit card,
// cross-domain forms, cross-domain redirect.
func ExtractDOM(html, originalURL, finalURL string) (*models.DOMSignals, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	signals := &models.DOMSignals{
		Title:           strings.TrimSpace(doc.Find("title").First().Text()),
		MetaDescription: metaDescription(doc),
		FinalURL:        finalURL,
	}
	origin := authority(originalURL)

	lower := strings.ToLower(html)
	for _, term := range loginTerms {
		if strings.Contains(lower, term) {
			signals.HasLoginForm = true
			signals.LoginTerm = term
			signals.Indicators = append(signals.Indicators, "Login indicator found: "+term)
			break
		}
	}

	doc.Find("input").Each(func(_ int, s *goquery.Selection) {
		if t, ok := s.Attr("type"); ok && strings.EqualFold(strings.TrimSpace(t), "password") {
			signals.PasswordFieldCount++
		}
	})
	if signals.PasswordFieldCount > 0 {
		signals.Indicators = append(signals.Indicators, fmt.Sprintf("Found %d password field(s)", signals.PasswordFieldCount))
	}

	for _, sel := range creditCardSelectors {
		if doc.Find(sel).Length() > 0 {
			signals.HasCreditCardForm = true
			signals.CreditCardSelector = sel
			signals.Indicators = append(signals.Indicators, "Credit card field indicator found: "+sel)
			break
		}
	}

	doc.Find("form[action]").Each(func(_ int, s *goquery.Selection) {
		action := strings.TrimSpace(s.AttrOr("action", ""))
		if !isAbsoluteHTTP(action) {
			return
		}
		if host := authority(action); host != "" && host != origin {
			signals.CrossDomainForms = append(signals.CrossDomainForms, host)
			signals.Indicators = append(signals.Indicators, "Form submits to different domain: "+host)
		}
	})

	if finalURL != "" && finalURL != originalURL {
		if host := authority(finalURL); host != "" && host != origin {
			signals.RedirectDomain = host
			signals.Indicators = append(signals.Indicators, "Page redirected to different domain: "+host)
		}
	}

	return signals, nil
}

func metaDescription(doc *goquery.Document) string {
	var desc string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.EqualFold(s.AttrOr("name", ""), "description") {
			desc = strings.TrimSpace(s.AttrOr("content", ""))
			return false
		}
		return true
	})
	return desc
}

// authority returns the lowercase host[:port] of an absolute URL
func authority(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func isAbsoluteHTTP(action string) bool {
	a := strings.ToLower(action)
	return strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://")
}
