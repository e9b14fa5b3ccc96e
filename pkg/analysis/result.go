package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Result is the structured outcome of a call.
type Result struct {
	Interested bool    `json:"interested"`
	Consent    *bool   `json:"consent"` // nil when the caller never said either way
	Phone      *string `json:"phone"`
	Name       string  `json:"name,omitempty"`
	Summary    string  `json:"summary,omitempty"`
	NextStep   string  `json:"next_step,omitempty"`
	Sentiment  string  `json:"sentiment,omitempty"`
}

// Qualifies reports whether the call produced a lead: genuine interest, consent not
// explicitly refused and a phone number that normalizes. It returns the normalized number.
func (r *Result) Qualifies() (string, bool) {
	if r == nil || !r.Interested {
		return "", false
	}
	if r.Consent != nil && !*r.Consent {
		return "", false
	}
	if r.Phone == nil {
		return "", false
	}
	return NormalizePhone(*r.Phone)
}

// NormalizePhone strips formatting from a phone number. Numbers with fewer than 7 or more
// than 15 digits are rejected. A leading + or 00 is kept as +.
func NormalizePhone(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	international := strings.HasPrefix(s, "+")

	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if !international && strings.HasPrefix(d, "00") {
		international = true
		d = d[2:]
	}
	if len(d) < 7 || len(d) > 15 {
		return "", false
	}
	if international {
		return "+" + d, true
	}
	return d, true
}

// wireResult tolerates the loose types models produce ("yes", "true", null, numbers).
type wireResult struct {
	Interested json.RawMessage `json:"interested"`
	Consent    json.RawMessage `json:"consent"`
	Phone      json.RawMessage `json:"phone"`
	Name       string          `json:"name"`
	Summary    string          `json:"summary"`
	NextStep   string          `json:"next_step"`
	Sentiment  string          `json:"sentiment"`
}

// ParseResult decodes the model's reply, accepting code fences and surrounding prose.
func ParseResult(content string) (*Result, error) {
	obj := extractObject(content)
	if obj == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrInvalidResult)
	}

	var w wireResult
	if err := json.Unmarshal([]byte(obj), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}

	r := &Result{
		Name:      strings.TrimSpace(w.Name),
		Summary:   strings.TrimSpace(w.Summary),
		NextStep:  strings.TrimSpace(w.NextStep),
		Sentiment: strings.ToLower(strings.TrimSpace(w.Sentiment)),
	}
	if b := looseBool(w.Interested); b != nil {
		r.Interested = *b
	}
	r.Consent = looseBool(w.Consent)
	r.Phone = looseString(w.Phone)
	return r, nil
}

func extractObject(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func looseBool(raw json.RawMessage) *bool {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var b bool
	switch val := v.(type) {
	case bool:
		b = val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "y":
			b = true
		case "false", "no", "n":
			b = false
		default:
			return nil
		}
	case float64:
		b = val != 0
	default:
		return nil
	}
	return &b
}

func looseString(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var s string
	switch val := v.(type) {
	case string:
		s = strings.TrimSpace(val)
	case float64:
		s = fmt.Sprintf("%.0f", val)
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	return &s
}
