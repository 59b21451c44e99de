// Package approval models the elicitation pipeline: building a request for
// a sensitive tool call, dispatching it to a provider, and validating the
// response against the scope laws before any elevation is granted.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Decision is the user's answer to an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionTimeout  Decision = "timeout"
	DecisionError    Decision = "error"
)

// Request is a transient message built for exactly one elicitation.
type Request struct {
	RequestID       string
	ToolName        string
	Message         string
	RequiredScopes  []string
	ArtifactsPath   string // empty if artifact generation failed or was skipped
	TimeoutSeconds  int
	SessionID       string
	Arguments       map[string]any
	ContextKey      string
}

// Response is the parsed, not-yet-validated answer from a provider.
type Response struct {
	RequestID      string
	Decision       Decision
	SelectedScopes []string
	LeaseSeconds   int
	ErrorMessage   string
}

// IsApproved reports whether the decision is approved AND carries at least
// one selected scope. A decision of "approved" with zero scopes is not a
// valid approval.
func (r *Response) IsApproved() bool {
	return r.Decision == DecisionApproved && len(r.SelectedScopes) > 0
}

// Provider is an approval dispatch mechanism: a terminal prompt, a
// client-side elicitation round trip, or any other suspendable channel to a
// human decision-maker.
type Provider interface {
	RequestApproval(ctx context.Context, req *Request) (*Response, error)
	IsAvailable(ctx context.Context) bool
	Name() string
}

// SelectProvider returns the first available provider in preference order,
// or an error if none answer. Preference order is the order of providers.
func SelectProvider(ctx context.Context, providers []Provider) (Provider, error) {
	for _, p := range providers {
		if p.IsAvailable(ctx) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("approval: no providers available")
}

// ExtractContextKey derives the scoping key for a tool invocation, used both
// for the human-readable request and for the scoped-elevation cache key.
// move_file is checked before the general file-path case because it has its
// own "source" argument rather than "path".
func ExtractContextKey(toolName string, arguments map[string]any) string {
	switch {
	case toolName == "move_file":
		return stringArg(arguments, "source", "unknown")
	case toolName == "write_file", toolName == "delete_file", toolName == "read_file":
		return stringArg(arguments, "path", "unknown")
	case toolName == "create_directory", toolName == "remove_directory", toolName == "list_directory":
		return stringArg(arguments, "path", "unknown")
	case toolName == "execute_command":
		return truncate(stringArg(arguments, "command", "unknown"), 50)
	case strings.HasPrefix(toolName, "git_"):
		return stringArg(arguments, "cwd", ".")
	case toolName == "set_governance_mode", toolName == "revoke_all_elevations":
		return toolName
	default:
		return toolName
	}
}

func stringArg(arguments map[string]any, key, fallback string) string {
	if v, ok := arguments[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// GenerateRequestID builds a stable, privacy-preserving request id of the
// form {session_hash[:8]}_{tool}_{context_hash[:8]}_{monotonic_ms}, where
// monotonic_ms is monotonicNanos truncated to milliseconds.
// monotonicNanos should come from a monotonic clock reading (e.g.
// time.Since(processStart).Nanoseconds()), not wall-clock time, so request
// ids remain ordered even across a system clock adjustment.
func GenerateRequestID(sessionID, toolName, contextKey string, monotonicNanos int64) string {
	sessionHash := hashPrefix(sessionID)
	contextHash := hashPrefix(contextKey)
	return fmt.Sprintf("%s_%s_%s_%d", sessionHash, toolName, contextHash, monotonicNanos/1_000_000)
}

func hashPrefix(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:8]
}

// RequiredScopes computes the union of a tool's base registered scopes and
// scopes derived from its arguments, matching the original's per-tool rules.
func RequiredScopes(toolName string, baseScopes []string, arguments map[string]any) []string {
	scopes := append([]string(nil), baseScopes...)

	switch {
	case toolName == "write_file", toolName == "delete_file", toolName == "read_file":
		if p := stringArg(arguments, "path", ""); p != "" {
			scopes = append(scopes, "resource:path:"+p)
		}
	case toolName == "move_file":
		if s := stringArg(arguments, "source", ""); s != "" {
			scopes = append(scopes, "resource:path:"+s)
		}
		if d := stringArg(arguments, "destination", ""); d != "" {
			scopes = append(scopes, "resource:path:"+d)
		}
	case toolName == "execute_command":
		if c := stringArg(arguments, "command", ""); c != "" {
			scopes = append(scopes, "resource:command:"+truncate(c, 50))
		}
	case toolName == "create_directory", toolName == "list_directory":
		if p := stringArg(arguments, "path", ""); p != "" {
			scopes = append(scopes, "resource:path:"+p)
		}
	}
	return scopes
}

// FormatMessage renders the Markdown approval message shown to the
// decision-maker, truncating long argument values.
func FormatMessage(toolName string, arguments map[string]any, elevationTTLSeconds int) string {
	var b strings.Builder
	b.WriteString("# Approval Required\n\n")
	fmt.Fprintf(&b, "**Tool:** `%s`\n\n", toolName)
	b.WriteString("**Arguments:**\n")

	keys := make([]string, 0, len(arguments))
	for k := range arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprintf("%v", arguments[k])
		if len(v) > 200 {
			v = v[:200] + "..."
		}
		fmt.Fprintf(&b, "- `%s`: %s\n", k, v)
	}

	b.WriteString("\n**Actions:**\n")
	b.WriteString("- Type `approve` to execute\n")
	b.WriteString("- Type `deny` to reject\n\n")
	fmt.Fprintf(&b, "This approval will grant scoped elevation for %d seconds.\n", elevationTTLSeconds)
	return b.String()
}

// ValidateScopes enforces the §4.8.3 scope laws against an approved
// response. All three must hold or the approval is treated as denied.
func ValidateScopes(required, selected []string) error {
	if len(selected) == 0 {
		return fmt.Errorf("approval: selected_scopes must be non-empty")
	}
	req := toSet(required)
	sel := toSet(selected)
	for s := range req {
		if _, ok := sel[s]; !ok {
			return fmt.Errorf("approval: selected_scopes is missing required scope %q", s)
		}
	}
	for s := range sel {
		if _, ok := req[s]; !ok {
			return fmt.Errorf("approval: selected_scopes contains unrequested scope %q", s)
		}
	}
	return nil
}

func toSet(ss []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		set[s] = struct{}{}
	}
	return set
}
