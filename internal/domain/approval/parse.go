package approval

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ParseResponsePayload normalizes a client elicitation reply into a
// Response. The payload may be a JSON object, a raw JSON string, or a
// line/semicolon-separated key=value / key:value blob — three shapes the
// original's dynamically-typed parser accepted implicitly; here each shape
// has its own explicit parser and unrecognized input yields an error
// decision rather than a panic.
func ParseResponsePayload(requestID string, payload any) *Response {
	fields := parseStructured(payload)
	if fields == nil {
		return &Response{
			RequestID:    requestID,
			Decision:     DecisionError,
			ErrorMessage: "invalid approval response format",
		}
	}

	decision, ok := parseDecision(fields["decision"])
	selected := parseScopes(fields["selected_scopes"])
	lease := parseLeaseSeconds(fields["lease_seconds"])

	if !ok {
		if len(selected) > 0 {
			decision = DecisionApproved
		} else {
			decision = DecisionDenied
		}
	}

	return &Response{
		RequestID:      requestID,
		Decision:       decision,
		SelectedScopes: selected,
		LeaseSeconds:   lease,
	}
}

// parseStructured returns a lower-cased-key field map from a map[string]any,
// a JSON-object string, or a key=value/key:value string. Returns nil only
// when nothing recognizable could be extracted.
func parseStructured(payload any) map[string]any {
	switch v := payload.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[strings.ToLower(k)] = val
		}
		return out
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return map[string]any{}
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			out := make(map[string]any, len(parsed))
			for k, val := range parsed {
				out[strings.ToLower(k)] = val
			}
			return out
		}
		return parseKeyValue(trimmed)
	default:
		return nil
	}
}

func parseKeyValue(payload string) map[string]any {
	out := make(map[string]any)
	for _, chunk := range strings.Split(payload, ";") {
		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var key, value string
			if idx := strings.Index(line, "="); idx >= 0 {
				key, value = line[:idx], line[idx+1:]
			} else if idx := strings.Index(line, ":"); idx >= 0 {
				key, value = line[:idx], line[idx+1:]
			} else {
				continue
			}
			out[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
		}
	}
	return out
}

func parseDecision(raw any) (Decision, bool) {
	if raw == nil {
		return "", false
	}
	s := strings.ToLower(strings.TrimSpace(toString(raw)))
	switch s {
	case "approved", "approve", "yes", "y":
		return DecisionApproved, true
	case "denied", "deny", "no", "n":
		return DecisionDenied, true
	case "timeout":
		return DecisionTimeout, true
	case "error":
		return DecisionError, true
	default:
		return "", false
	}
}

func parseScopes(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(toString(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		if strings.HasPrefix(trimmed, "[") {
			var parsed []any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				return parseScopes(parsed)
			}
		}
		parts := strings.Split(trimmed, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		if s := strings.TrimSpace(toString(v)); s != "" {
			return []string{s}
		}
		return nil
	}
}

func parseLeaseSeconds(raw any) int {
	if raw == nil {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return maxInt(0, int(v))
	case int:
		return maxInt(0, v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return maxInt(0, int(f))
	default:
		return 0
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}
