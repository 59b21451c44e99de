package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/approval"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/governance"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/lease"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/policy"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/token"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/tool"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/toon"
	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
)

// ErrGovernanceDenied is the sentinel wrapped by every GovernanceDenyError,
// mirroring ErrPolicyDenied's role for the RBAC/CEL path.
var ErrGovernanceDenied = errors.New("governance denied")

// GovernanceDenyError carries a non-schema-leaking reason a tool call was
// stopped by the governance middleware.
type GovernanceDenyError struct {
	Reason string
}

func (e *GovernanceDenyError) Error() string { return "governance denied: " + e.Reason }
func (e *GovernanceDenyError) Unwrap() error { return ErrGovernanceDenied }

// ToolLookup is the read side of the tool registry the middleware needs:
// risk level, required scopes, and (for schema exposure) the two schema
// forms. Satisfied by adapter/outbound/registry.Registry.
type ToolLookup interface {
	Get(toolID string) (*tool.ToolRecord, bool)
}

// ArtifactGenerator renders the human-facing approval artifact. A nil
// implementation disables artifact generation without disabling approval.
type ArtifactGenerator interface {
	GenerateHTML(requestID, toolName, message string, requiredScopes []string, arguments map[string]any, meta map[string]string) (string, error)
}

// LeaseRiskPolicy maps a tool's risk level to the TTL and call budget a
// lease grants at schema-exposure time. Safe tools get a long-lived,
// effectively unlimited lease; dangerous tools get a short, single-call one.
type LeaseRiskPolicy struct {
	TTLSeconds     map[tool.RiskLevel]int
	CallsRemaining map[tool.RiskLevel]int
}

// DefaultLeaseRiskPolicy is the fallback used when no policy is configured.
func DefaultLeaseRiskPolicy() LeaseRiskPolicy {
	return LeaseRiskPolicy{
		TTLSeconds: map[tool.RiskLevel]int{
			tool.RiskSafe:      3600,
			tool.RiskSensitive: 600,
			tool.RiskDangerous: 120,
		},
		CallsRemaining: map[tool.RiskLevel]int{
			tool.RiskSafe:      1000,
			tool.RiskSensitive: 20,
			tool.RiskDangerous: 1,
		},
	}
}

func (p LeaseRiskPolicy) TTL(risk tool.RiskLevel) int {
	if v, ok := p.TTLSeconds[risk]; ok {
		return v
	}
	return 60
}

func (p LeaseRiskPolicy) Calls(risk tool.RiskLevel) int {
	if v, ok := p.CallsRemaining[risk]; ok {
		return v
	}
	return 1
}

// GovernanceConfig bundles the tunables GovernanceInterceptor needs beyond
// its collaborators: the HMAC secret binding capability tokens to leases,
// the default approval timeout, and the output-compression threshold.
type GovernanceConfig struct {
	TokenSecret           string
	DefaultApprovalTimeout int
	ToonThreshold          int // <= 0 disables output compression
	LeaseRisk              LeaseRiskPolicy
}

// RuleEngine is the optional CEL layer consulted after the tri-state matrix
// has already produced an allow. It can only narrow that allow into a deny
// — there is no path from a matrix deny/elicit back to allow here, so a
// misconfigured or missing rule set can never grant more than the matrix
// already did. Satisfied by service.PolicyService.
type RuleEngine interface {
	Evaluate(ctx context.Context, evalCtx policy.EvaluationContext) (policy.Decision, error)
}

// GovernanceInterceptor is the single entry point for every tool call in
// governance mode: lease gate, mode read, policy evaluation, scoped
// elevation, approval elicitation, forward, lease consumption, audit, and
// response shaping. Bootstrap tools (search_tools, get_tool_schema,
// expand_tool_schema) bypass the lease gate but are still audited and mode
// read; the actual bootstrap work is done by the injected Discovery.
type GovernanceInterceptor struct {
	registry  ToolLookup
	leases    lease.Manager
	gov       governance.Store
	providers []approval.Provider
	artifacts ArtifactGenerator
	recorder  AuditRecorder
	discovery BootstrapHandler
	rules     RuleEngine // nil disables the additional CEL restriction layer
	cfg       GovernanceConfig
	next      MessageInterceptor
	logger    *slog.Logger
}

// BootstrapHandler services the three bootstrap tools. Implemented by
// service.GovernanceService.
type BootstrapHandler interface {
	SearchTools(ctx context.Context, clientID, query string) ([]tool.ToolCandidate, error)
	GetToolSchema(ctx context.Context, clientID, toolID string) (json.RawMessage, error)
	ExpandToolSchema(ctx context.Context, clientID, toolID string) (json.RawMessage, error)
}

// NewGovernanceInterceptor wires the middleware. next is the innermost
// interceptor that actually forwards to (or answers on behalf of) the
// downstream tool server — typically a PassthroughInterceptor.
func NewGovernanceInterceptor(
	registry ToolLookup,
	leases lease.Manager,
	gov governance.Store,
	providers []approval.Provider,
	artifacts ArtifactGenerator,
	recorder AuditRecorder,
	discovery BootstrapHandler,
	cfg GovernanceConfig,
	next MessageInterceptor,
	logger *slog.Logger,
) *GovernanceInterceptor {
	if cfg.DefaultApprovalTimeout <= 0 {
		cfg.DefaultApprovalTimeout = 300
	}
	return &GovernanceInterceptor{
		registry:  registry,
		leases:    leases,
		gov:       gov,
		providers: providers,
		artifacts: artifacts,
		recorder:  recorder,
		discovery: discovery,
		cfg:       cfg,
		next:      next,
		logger:    logger,
	}
}

// WithRuleEngine attaches the optional CEL restriction layer. Call before
// the interceptor serves any traffic; not safe to change concurrently with
// Intercept.
func (g *GovernanceInterceptor) WithRuleEngine(rules RuleEngine) *GovernanceInterceptor {
	g.rules = rules
	return g
}

func (g *GovernanceInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if !msg.IsToolCall() {
		return g.next.Intercept(ctx, msg)
	}
	if msg.Session == nil {
		return nil, ErrMissingSession
	}

	params := msg.ParseParams()
	toolName, _ := params["name"].(string)
	arguments, _ := params["arguments"].(map[string]interface{})
	if arguments == nil {
		arguments = map[string]interface{}{}
	}
	clientID := msg.Session.ID
	requestID := g.extractRequestID(msg)

	if tool.IsBootstrap(toolName) {
		return g.handleBootstrap(ctx, msg, toolName, clientID, requestID, arguments)
	}

	rec, found := g.registry.Get(toolName)
	if !found {
		return nil, &GovernanceDenyError{Reason: "unknown tool"}
	}

	// Step 1-2: lease gate. Validation happens up front so an invalid call
	// never reaches mode/policy evaluation; consumption is deferred until
	// after a successful forward (see forwardAndConsume) so a downstream
	// failure does not burn a call the client never got to use.
	l, err := g.leases.Validate(ctx, clientID, toolName)
	if err != nil || l == nil {
		g.audit(audit.NewBlockedReadOnlyRecord(clientID, requestID, toolName))
		return nil, &GovernanceDenyError{Reason: "no valid lease for this tool"}
	}
	if l.CapabilityToken != "" {
		contextKey := approval.ExtractContextKey(toolName, arguments)
		if !token.Verify(l.CapabilityToken, clientID, toolName, g.cfg.TokenSecret, contextKey) {
			_, _ = g.leases.Revoke(ctx, clientID, toolName)
			return nil, &GovernanceDenyError{Reason: "capability token invalid"}
		}
	}

	mode := g.gov.GetMode(ctx)
	g.audit(audit.NewToolInvokedRecord(clientID, requestID, toolName, string(mode), "dispatching"))

	decision := policy.EvaluateMatrix(mode, rec.RiskLevel, toolName)

	switch {
	case mode == governance.ModeBypass:
		if !g.ruleEngineAllows(ctx, clientID, toolName, arguments) {
			g.audit(audit.NewBlockedReadOnlyRecord(clientID, requestID, toolName))
			return nil, &GovernanceDenyError{Reason: "blocked by policy rule"}
		}
		g.audit(audit.NewBypassExecutedRecord(clientID, requestID, toolName))
		return g.forwardAndConsume(ctx, msg, clientID, toolName)

	case decision.Allowed:
		if !g.ruleEngineAllows(ctx, clientID, toolName, arguments) {
			g.audit(audit.NewBlockedReadOnlyRecord(clientID, requestID, toolName))
			return nil, &GovernanceDenyError{Reason: "blocked by policy rule"}
		}
		return g.forwardAndConsume(ctx, msg, clientID, toolName)

	case !decision.RequiresApproval:
		g.audit(audit.NewBlockedReadOnlyRecord(clientID, requestID, toolName))
		return nil, &GovernanceDenyError{Reason: "blocked in read-only mode"}

	default: // RequiresApproval
		contextKey := approval.ExtractContextKey(toolName, arguments)
		elevationKey := governance.ComputeElevationHash(toolName, contextKey, clientID)
		if g.gov.CheckElevation(ctx, elevationKey) {
			if !g.ruleEngineAllows(ctx, clientID, toolName, arguments) {
				g.audit(audit.NewBlockedReadOnlyRecord(clientID, requestID, toolName))
				return nil, &GovernanceDenyError{Reason: "blocked by policy rule"}
			}
			g.audit(audit.NewScopedElevationUsedRecord(clientID, requestID, toolName, contextKey))
			return g.forwardAndConsume(ctx, msg, clientID, toolName)
		}
		return g.elicitAndForward(ctx, msg, rec, clientID, requestID, toolName, contextKey, elevationKey, arguments)
	}
}

// ruleEngineAllows consults the optional CEL rule layer. A nil RuleEngine
// (the default) allows everything through unchanged. An evaluation error
// fails closed — a broken CEL rule must never silently widen the matrix's
// allow into an unconditional pass.
func (g *GovernanceInterceptor) ruleEngineAllows(ctx context.Context, clientID, toolName string, arguments map[string]interface{}) bool {
	if g.rules == nil {
		return true
	}
	decision, err := g.rules.Evaluate(ctx, policy.EvaluationContext{
		ToolName:      toolName,
		ToolArguments: arguments,
		SessionID:     clientID,
		ActionType:    "tool_call",
		ActionName:    toolName,
		Protocol:      "mcp",
		RequestTime:   time.Now(),
	})
	if err != nil {
		g.logger.Warn("cel rule evaluation failed, failing closed", "tool", toolName, "error", err)
		return false
	}
	return decision.Allowed
}

// forwardAndConsume calls next (the actual forward) and, only on success,
// consumes one call off the lease. A downstream error leaves the lease
// untouched so the client can retry.
func (g *GovernanceInterceptor) forwardAndConsume(ctx context.Context, msg *mcp.Message, clientID, toolName string) (*mcp.Message, error) {
	resp, err := g.next.Intercept(ctx, msg)
	if err != nil {
		return nil, err
	}
	if _, cerr := g.leases.Consume(ctx, clientID, toolName); cerr != nil {
		g.logger.Warn("lease consume failed after successful forward", "tool", toolName, "error", cerr)
	}
	return g.shapeResponse(resp), nil
}

// elicitAndForward runs the full approval pipeline: build the request,
// render an artifact (best-effort), select a provider, dispatch, parse the
// response, and enforce the scope laws. On approval it grants scoped
// elevation when the provider returned a positive lease_seconds, then
// forwards the original call.
func (g *GovernanceInterceptor) elicitAndForward(
	ctx context.Context,
	msg *mcp.Message,
	rec *tool.ToolRecord,
	clientID, requestID, toolName, contextKey, elevationKey string,
	arguments map[string]interface{},
) (*mcp.Message, error) {
	scopes := approval.RequiredScopes(toolName, rec.RequiredScopes, arguments)
	message := approval.FormatMessage(toolName, arguments, g.cfg.LeaseRisk.TTL(rec.RiskLevel))
	approvalReqID := approval.GenerateRequestID(clientID, toolName, contextKey, time.Now().UnixNano())

	artifactPath := ""
	if g.artifacts != nil {
		if path, err := g.artifacts.GenerateHTML(approvalReqID, toolName, message, scopes, arguments, map[string]string{"context_key": contextKey}); err == nil {
			artifactPath = path
		} else {
			g.logger.Warn("approval artifact generation failed", "tool", toolName, "error", err)
		}
	}

	req := &approval.Request{
		RequestID:      approvalReqID,
		ToolName:       toolName,
		Message:        message,
		RequiredScopes: scopes,
		ArtifactsPath:  artifactPath,
		TimeoutSeconds: g.cfg.DefaultApprovalTimeout,
		SessionID:      clientID,
		Arguments:      arguments,
		ContextKey:     contextKey,
	}

	g.audit(audit.NewApprovalRequestedRecord(clientID, requestID, toolName, scopes))

	provider, err := approval.SelectProvider(ctx, g.providers)
	if err != nil {
		g.audit(audit.NewApprovalDeniedRecord(clientID, requestID, toolName, "no approval provider available"))
		return nil, &GovernanceDenyError{Reason: "no approval provider available"}
	}

	resp, err := provider.RequestApproval(ctx, req)
	if err != nil {
		g.audit(audit.NewApprovalDeniedRecord(clientID, requestID, toolName, err.Error()))
		return nil, &GovernanceDenyError{Reason: "approval request failed"}
	}

	switch resp.Decision {
	case approval.DecisionTimeout:
		g.audit(audit.NewApprovalTimeoutRecord(clientID, requestID, toolName))
		return nil, &GovernanceDenyError{Reason: "approval timed out"}
	case approval.DecisionDenied, approval.DecisionError:
		g.audit(audit.NewApprovalDeniedRecord(clientID, requestID, toolName, string(resp.Decision)))
		return nil, &GovernanceDenyError{Reason: "approval denied"}
	case approval.DecisionApproved:
		if err := approval.ValidateScopes(scopes, resp.SelectedScopes); err != nil {
			g.audit(audit.NewApprovalDeniedRecord(clientID, requestID, toolName, err.Error()))
			return nil, &GovernanceDenyError{Reason: "approval scopes invalid"}
		}
	default:
		g.audit(audit.NewApprovalDeniedRecord(clientID, requestID, toolName, "unrecognized decision"))
		return nil, &GovernanceDenyError{Reason: "approval denied"}
	}

	g.audit(audit.NewApprovalGrantedRecord(clientID, requestID, toolName, resp.SelectedScopes, resp.LeaseSeconds))

	if resp.LeaseSeconds > 0 {
		if err := g.gov.GrantElevation(ctx, elevationKey, resp.LeaseSeconds); err != nil {
			g.logger.Warn("elevation grant failed", "tool", toolName, "error", err)
		} else {
			g.audit(audit.NewScopedElevationGrantedRecord(clientID, requestID, toolName, contextKey, resp.LeaseSeconds))
		}
	}

	if !g.ruleEngineAllows(ctx, clientID, toolName, arguments) {
		g.audit(audit.NewApprovalDeniedRecord(clientID, requestID, toolName, "blocked by policy rule after approval"))
		return nil, &GovernanceDenyError{Reason: "blocked by policy rule"}
	}

	return g.forwardAndConsume(ctx, msg, clientID, toolName)
}

// handleBootstrap services search_tools/get_tool_schema/expand_tool_schema
// directly instead of forwarding: these are the registry/lease surface
// itself, not downstream tool calls.
func (g *GovernanceInterceptor) handleBootstrap(ctx context.Context, msg *mcp.Message, toolName, clientID, requestID string, arguments map[string]interface{}) (*mcp.Message, error) {
	g.audit(audit.NewToolInvokedRecord(clientID, requestID, toolName, string(g.gov.GetMode(ctx)), "bootstrap"))

	var result interface{}
	var err error
	switch toolName {
	case "search_tools":
		query, _ := arguments["query"].(string)
		result, err = g.discovery.SearchTools(ctx, clientID, query)
	case "get_tool_schema":
		target, _ := arguments["tool_id"].(string)
		var schema json.RawMessage
		schema, err = g.discovery.GetToolSchema(ctx, clientID, target)
		result = schema
	case "expand_tool_schema":
		target, _ := arguments["tool_id"].(string)
		var schema json.RawMessage
		schema, err = g.discovery.ExpandToolSchema(ctx, clientID, target)
		result = schema
	default:
		return nil, &GovernanceDenyError{Reason: "unhandled bootstrap tool"}
	}
	if err != nil {
		return nil, &GovernanceDenyError{Reason: err.Error()}
	}

	raw, merr := json.Marshal(result)
	if merr != nil {
		return nil, fmt.Errorf("governance: marshaling bootstrap result: %w", merr)
	}
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Result  json.RawMessage `json:"result"`
	}{JSONRPC: "2.0", ID: msg.RawID(), Result: raw}

	out, merr := json.Marshal(resp)
	if merr != nil {
		return nil, fmt.Errorf("governance: marshaling bootstrap response: %w", merr)
	}
	return &mcp.Message{Raw: out, Direction: mcp.ServerToClient, Timestamp: time.Now()}, nil
}

// shapeResponse applies output compression to a successful forward's
// result field. Any failure to parse or re-encode returns the response
// unchanged — compression is an optimization, never a correctness gate.
func (g *GovernanceInterceptor) shapeResponse(resp *mcp.Message) *mcp.Message {
	if resp == nil || g.cfg.ToonThreshold <= 0 {
		return resp
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(resp.Raw, &envelope); err != nil {
		return resp
	}
	rawResult, ok := envelope["result"]
	if !ok {
		return resp
	}

	var value interface{}
	if err := json.Unmarshal(rawResult, &value); err != nil {
		return resp
	}
	compressed, err := toon.Encode(value, g.cfg.ToonThreshold)
	if err != nil {
		return resp
	}
	encoded, err := json.Marshal(compressed)
	if err != nil {
		return resp
	}
	envelope["result"] = encoded

	out, err := json.Marshal(envelope)
	if err != nil {
		return resp
	}
	resp.Raw = out
	return resp
}

func (g *GovernanceInterceptor) audit(rec audit.AuditRecord) {
	if g.recorder != nil {
		g.recorder.Record(rec)
	}
}

func (g *GovernanceInterceptor) extractRequestID(msg *mcp.Message) string {
	req := msg.Request()
	if req == nil {
		return ""
	}
	id := req.ID.Raw()
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%v", id)
}

// Compile-time check that GovernanceInterceptor implements MessageInterceptor.
var _ MessageInterceptor = (*GovernanceInterceptor)(nil)
