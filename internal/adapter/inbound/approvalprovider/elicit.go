package approvalprovider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/approval"
)

// ElicitFunc sends a human-readable elicitation message to the connected
// MCP client and returns its raw reply payload (a JSON object, a JSON
// string, or free text) once the client responds. Implementations must
// themselves honor ctx cancellation; ClientElicitProvider additionally enforces
// req.TimeoutSeconds as a hard ceiling.
type ElicitFunc func(ctx context.Context, message string) (any, error)

// ClientElicitProvider requests approval by asking the connected MCP
// client to prompt its user, via the transport's elicitation capability.
// Preferred over TerminalProvider whenever a client is attached, since it
// puts the decision in front of whoever is actually driving the session.
type ClientElicitProvider struct {
	elicit ElicitFunc
	logger *slog.Logger
}

func NewClientElicitProvider(elicit ElicitFunc, logger *slog.Logger) *ClientElicitProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientElicitProvider{elicit: elicit, logger: logger}
}

func (p *ClientElicitProvider) Name() string { return "client_elicit" }

func (p *ClientElicitProvider) IsAvailable(ctx context.Context) bool {
	return p.elicit != nil
}

func (p *ClientElicitProvider) RequestApproval(ctx context.Context, req *approval.Request) (*approval.Response, error) {
	if p.elicit == nil {
		return &approval.Response{
			RequestID:    req.RequestID,
			Decision:     approval.DecisionError,
			ErrorMessage: "client elicitation transport not available",
		}, nil
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	elicitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := p.elicit(elicitCtx, formatElicitMessage(req))
	if elicitCtx.Err() != nil {
		return &approval.Response{
			RequestID:    req.RequestID,
			Decision:     approval.DecisionTimeout,
			ErrorMessage: "user did not respond within timeout period",
		}, nil
	}
	if err != nil {
		return &approval.Response{
			RequestID:    req.RequestID,
			Decision:     approval.DecisionError,
			ErrorMessage: err.Error(),
		}, nil
	}

	return approval.ParseResponsePayload(req.RequestID, payload), nil
}

func formatElicitMessage(req *approval.Request) string {
	scopeList := "\n  - " + strings.Join(req.RequiredScopes, "\n  - ")
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\nOperation: %s\n\nRequired Permissions:%s\n\n", req.ToolName, req.Message, scopeList)
	b.WriteString("Respond with JSON or key=value pairs including decision, selected_scopes, lease_seconds.\n\n")
	fmt.Fprintf(&b, "JSON example:\n{\"decision\": \"approved\", \"selected_scopes\": %s, \"lease_seconds\": 300}\n\n",
		quotedScopeArray(req.RequiredScopes))
	b.WriteString("Key-value example (line or semicolon separated):\ndecision=approved\n")
	fmt.Fprintf(&b, "selected_scopes=%s\nlease_seconds=300\n\n", strings.Join(req.RequiredScopes, ", "))
	b.WriteString("Use lease_seconds=0 for single-use approval.")
	return b.String()
}

func quotedScopeArray(scopes []string) string {
	quoted := make([]string, len(scopes))
	for i, s := range scopes {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

var _ approval.Provider = (*ClientElicitProvider)(nil)
