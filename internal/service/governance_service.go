package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/approval"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/governance"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/lease"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/policy"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/proxy"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/retrieval"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/token"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/tool"
)

// GovernanceRegistry is the read side of the tool registry the bootstrap
// surface needs: both the full listing (for search) and a keyed lookup (for
// schema exposure). Satisfied by adapter/outbound/registry.Registry.
type GovernanceRegistry interface {
	ListTools() []*tool.ToolRecord
	Get(toolID string) (*tool.ToolRecord, bool)
}

// ErrToolNotFound is returned by GetToolSchema/ExpandToolSchema for an
// unregistered tool_id.
var ErrToolNotFound = fmt.Errorf("governance: tool not registered")

// ErrSchemaBlocked is returned by GetToolSchema when the current mode
// blocks the tool outright (read_only + sensitive/dangerous).
var ErrSchemaBlocked = fmt.Errorf("governance: tool blocked in current mode")

// ErrSchemaApprovalDenied is returned by GetToolSchema when elicitation for
// a require_approval tool is denied, times out, or errors.
var ErrSchemaApprovalDenied = fmt.Errorf("governance: schema approval denied")

// ErrNoLiveLease is returned by ExpandToolSchema when the caller has not
// previously been granted a lease for the tool via GetToolSchema.
var ErrNoLiveLease = fmt.Errorf("governance: no live lease for tool")

// GovernanceService implements proxy.BootstrapHandler: it services the
// three bootstrap tools (search_tools, get_tool_schema, expand_tool_schema)
// directly, rather than forwarding to a downstream server, since these
// calls ARE the registry/lease surface itself.
//
// get_tool_schema is the sole route that grants a lease: a blocked tool
// returns no schema, a require_approval tool is elicited inline before any
// schema is returned, and an allowed tool is granted a risk-scaled lease
// and returns schema_min. expand_tool_schema performs no governance
// re-check — authorization already happened at lease-grant time — and
// simply requires a still-live lease, returning schema_full.
type GovernanceService struct {
	registry  GovernanceRegistry
	search    *retrieval.Search
	leases    lease.Manager
	gov       governance.Store
	providers []approval.Provider
	artifacts proxy.ArtifactGenerator
	recorder  proxy.AuditRecorder
	leaseRisk proxy.LeaseRiskPolicy
	secret    string
	logger    *slog.Logger
}

// NewGovernanceService wires the bootstrap surface.
func NewGovernanceService(
	registry GovernanceRegistry,
	search *retrieval.Search,
	leases lease.Manager,
	gov governance.Store,
	providers []approval.Provider,
	artifacts proxy.ArtifactGenerator,
	recorder proxy.AuditRecorder,
	leaseRisk proxy.LeaseRiskPolicy,
	secret string,
	logger *slog.Logger,
) *GovernanceService {
	return &GovernanceService{
		registry:  registry,
		search:    search,
		leases:    leases,
		gov:       gov,
		providers: providers,
		artifacts: artifacts,
		recorder:  recorder,
		leaseRisk: leaseRisk,
		secret:    secret,
		logger:    logger,
	}
}

// SearchTools ranks the registry against query under the current mode,
// annotating each candidate's governance posture. Bootstrap tools are
// always allowed and never appear (the registry never lists them).
func (s *GovernanceService) SearchTools(ctx context.Context, clientID, query string) ([]tool.ToolCandidate, error) {
	mode := s.gov.GetMode(ctx)
	results := s.search.Query(ctx, query, 0, mode, nil)
	return results, nil
}

// GetToolSchema is the single route that can grant a tool lease. It
// re-evaluates the tri-state matrix fresh (unlike expand_tool_schema) since
// this is the authorization moment.
func (s *GovernanceService) GetToolSchema(ctx context.Context, clientID, toolID string) (json.RawMessage, error) {
	rec, ok := s.registry.Get(toolID)
	if !ok {
		return nil, ErrToolNotFound
	}

	mode := s.gov.GetMode(ctx)
	decision := policy.EvaluateMatrix(mode, rec.RiskLevel, toolID)

	switch {
	case decision.Allowed:
		return s.grantAndReturnSchema(ctx, clientID, rec, mode)

	case decision.RequiresApproval:
		elevationKey := governance.ComputeElevationHash(toolID, toolID, clientID)
		if s.gov.CheckElevation(ctx, elevationKey) {
			return s.grantAndReturnSchema(ctx, clientID, rec, mode)
		}
		if err := s.elicit(ctx, clientID, rec, elevationKey); err != nil {
			return nil, err
		}
		return s.grantAndReturnSchema(ctx, clientID, rec, mode)

	default:
		return nil, ErrSchemaBlocked
	}
}

// ExpandToolSchema returns schema_full for a tool the caller already holds
// a live lease for. No governance re-check: authorization already happened
// when the lease was granted by GetToolSchema.
func (s *GovernanceService) ExpandToolSchema(ctx context.Context, clientID, toolID string) (json.RawMessage, error) {
	l, err := s.leases.Validate(ctx, clientID, toolID)
	if err != nil || l == nil {
		return nil, ErrNoLiveLease
	}
	rec, ok := s.registry.Get(toolID)
	if !ok {
		return nil, ErrToolNotFound
	}
	return rec.SchemaFull, nil
}

func (s *GovernanceService) grantAndReturnSchema(ctx context.Context, clientID string, rec *tool.ToolRecord, mode governance.Mode) (json.RawMessage, error) {
	ttl := s.leaseRisk.TTL(rec.RiskLevel)
	calls := s.leaseRisk.Calls(rec.RiskLevel)

	capToken, err := token.Generate(clientID, rec.ToolID, int64(ttl), s.secret, rec.ToolID)
	if err != nil {
		return nil, fmt.Errorf("governance: generating capability token: %w", err)
	}
	if _, err := s.leases.Grant(ctx, clientID, rec.ToolID, ttl, calls, string(mode), capToken); err != nil {
		return nil, fmt.Errorf("governance: granting lease: %w", err)
	}
	return rec.SchemaMin, nil
}

func (s *GovernanceService) elicit(ctx context.Context, clientID string, rec *tool.ToolRecord, elevationKey string) error {
	scopes := approval.RequiredScopes(rec.ToolID, rec.RequiredScopes, nil)
	message := approval.FormatMessage(rec.ToolID, nil, s.leaseRisk.TTL(rec.RiskLevel))
	requestID := approval.GenerateRequestID(clientID, rec.ToolID, rec.ToolID, time.Now().UnixNano())

	artifactPath := ""
	if s.artifacts != nil {
		if path, err := s.artifacts.GenerateHTML(requestID, rec.ToolID, message, scopes, nil, map[string]string{"context_key": rec.ToolID}); err == nil {
			artifactPath = path
		} else {
			s.logger.Warn("schema approval artifact generation failed", "tool", rec.ToolID, "error", err)
		}
	}

	req := &approval.Request{
		RequestID:      requestID,
		ToolName:       rec.ToolID,
		Message:        message,
		RequiredScopes: scopes,
		ArtifactsPath:  artifactPath,
		SessionID:      clientID,
		ContextKey:     rec.ToolID,
	}

	s.audit(audit.NewApprovalRequestedRecord(clientID, requestID, rec.ToolID, scopes))

	provider, err := approval.SelectProvider(ctx, s.providers)
	if err != nil {
		s.audit(audit.NewApprovalDeniedRecord(clientID, requestID, rec.ToolID, "no approval provider available"))
		return ErrSchemaApprovalDenied
	}
	resp, err := provider.RequestApproval(ctx, req)
	if err != nil || !resp.IsApproved() {
		s.audit(audit.NewApprovalDeniedRecord(clientID, requestID, rec.ToolID, "schema approval denied"))
		return ErrSchemaApprovalDenied
	}
	if err := approval.ValidateScopes(scopes, resp.SelectedScopes); err != nil {
		s.audit(audit.NewApprovalDeniedRecord(clientID, requestID, rec.ToolID, err.Error()))
		return ErrSchemaApprovalDenied
	}

	s.audit(audit.NewApprovalGrantedRecord(clientID, requestID, rec.ToolID, resp.SelectedScopes, resp.LeaseSeconds))

	if resp.LeaseSeconds > 0 {
		if err := s.gov.GrantElevation(ctx, elevationKey, resp.LeaseSeconds); err != nil {
			s.logger.Warn("elevation grant failed", "tool", rec.ToolID, "error", err)
		} else {
			s.audit(audit.NewScopedElevationGrantedRecord(clientID, requestID, rec.ToolID, rec.ToolID, resp.LeaseSeconds))
		}
	}
	return nil
}

func (s *GovernanceService) audit(rec audit.AuditRecord) {
	if s.recorder != nil {
		s.recorder.Record(rec)
	}
}

var _ proxy.BootstrapHandler = (*GovernanceService)(nil)
