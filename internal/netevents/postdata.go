package netevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Limits applied to a single request body. Payloads come from the analysed
// page, so nesting, finding count and path length are all bounded.
const (
	maxJSONDepth       = 64
	maxFindingsPerBody = 32
	maxPathLen         = 256
)

// errTooDeep stops the JSON walk once nesting exceeds maxJSONDepth
var errTooDeep = errors.New("json payload nested too deeply")

// sensitiveTokens are matched case-insensitively as substrings of payload keys
var sensitiveTokens = []string{
	"password", "pass", "pwd", "credential", "token", "auth",
	"credit", "card", "cvv", "ccv", "ssn", "social", "account",
}

// IsSensitiveField reports whether a payload key names a credential or payment field
func IsSensitiveField(key string) bool {
	k := strings.ToLower(key)
	for _, token := range sensitiveTokens {
		if strings.Contains(k, token) {
			return true
		}
	}
	return false
}

// IsPostLike reports whether a request method carries a body worth scanning
func IsPostLike(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// ScanPayload returns the paths of all sensitive keys in a request body.
//
// JSON bodies (detected by content type or a leading '{' / '[') are walked with
// an explicit stack; nested keys use dots and array elements use [i], e.g.
// "user.auth.password" or "items[2].card". Bodies that fail to decode as JSON
// fall back to form-encoded parsing. Multipart bodies report part names.
//
// At most maxFindingsPerBody paths are returned, each cut to maxPathLen bytes.
// A JSON body nested deeper than maxJSONDepth yields the findings above that
// depth.
func ScanPayload(body, contentType string) []string {
	if strings.TrimSpace(body) == "" {
		return nil
	}

	mediaType, params, _ := mime.ParseMediaType(contentType)
	if mediaType == "multipart/form-data" && params["boundary"] != "" {
		if paths, err := scanMultipart(body, params["boundary"]); err == nil {
			return paths
		}
	}

	trimmed := strings.TrimSpace(body)
	if strings.Contains(mediaType, "json") || strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		paths, err := scanJSON(trimmed)
		if err == nil || errors.Is(err, errTooDeep) {
			return paths
		}
	}

	return scanForm(body)
}

// frame is one open JSON container on the walk stack
type frame struct {
	isArray bool
	index   int
	key     string
	wantKey bool
}

func (f *frame) valueDone() {
	if f.isArray {
		f.index++
	} else {
		f.wantKey = true
	}
}

// stackPath renders the path of the current position, built on demand and
// cut at maxPathLen
func stackPath(stack []*frame) string {
	var b strings.Builder
	for _, f := range stack {
		if b.Len() >= maxPathLen {
			break
		}
		if f.isArray {
			b.WriteString("[" + strconv.Itoa(f.index) + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(truncate(f.key, maxPathLen-b.Len()))
	}
	return truncate(b.String(), maxPathLen)
}

func truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}

func scanJSON(body string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()

	var (
		paths []string
		stack []*frame
	)

	top := func() *frame {
		if len(stack) == 0 {
			return nil
		}
		return stack[len(stack)-1]
	}
	closeContainer := func() {
		stack = stack[:len(stack)-1]
		if parent := top(); parent != nil {
			parent.valueDone()
		}
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode json payload: %w", err)
		}

		f := top()

		// Key position inside an object
		if f != nil && !f.isArray && f.wantKey {
			if d, ok := tok.(json.Delim); ok && d == '}' {
				closeContainer()
				continue
			}
			key, ok := tok.(string)
			if !ok {
				return nil, fmt.Errorf("decode json payload: unexpected key token %v", tok)
			}
			f.key = key
			f.wantKey = false
			if IsSensitiveField(key) {
				paths = append(paths, stackPath(stack))
				if len(paths) >= maxFindingsPerBody {
					return paths, nil
				}
			}
			continue
		}

		// Value position
		switch d := tok.(type) {
		case json.Delim:
			switch d {
			case '{', '[':
				if len(stack) >= maxJSONDepth {
					return paths, errTooDeep
				}
				stack = append(stack, &frame{isArray: d == '[', wantKey: d == '{'})
			case ']', '}':
				closeContainer()
			}
		default:
			if f != nil {
				f.valueDone()
			}
		}
	}

	if len(stack) != 0 {
		return nil, fmt.Errorf("decode json payload: unterminated container")
	}
	return paths, nil
}

func scanForm(body string) []string {
	// ParseQuery keeps every pair it could decode even when it also returns an error
	values, _ := url.ParseQuery(body)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var paths []string
	for _, k := range keys {
		if len(paths) >= maxFindingsPerBody {
			break
		}
		if IsSensitiveField(k) {
			paths = append(paths, truncate(k, maxPathLen))
		}
	}
	return paths
}

func scanMultipart(body, boundary string) ([]string, error) {
	reader := multipart.NewReader(strings.NewReader(body), boundary)

	var paths []string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if name := part.FormName(); name != "" && IsSensitiveField(name) {
			paths = append(paths, truncate(name, maxPathLen))
		}
		part.Close()
		if len(paths) >= maxFindingsPerBody {
			break
		}
	}
	return paths, nil
}
