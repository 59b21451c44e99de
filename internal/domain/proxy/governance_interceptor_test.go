package proxy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/approval"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/governance"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/lease"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/policy"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/tool"
	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
)

// fakeLeaseManager is a minimal in-memory lease.Manager for governance tests.
type fakeLeaseManager struct {
	leases map[string]*lease.ToolLease
}

func newFakeLeaseManager() *fakeLeaseManager {
	return &fakeLeaseManager{leases: make(map[string]*lease.ToolLease)}
}

func (f *fakeLeaseManager) key(clientID, toolID string) string { return clientID + ":" + toolID }

func (f *fakeLeaseManager) Grant(_ context.Context, clientID, toolID string, ttlSeconds, callsRemaining int, modeAtIssue, capabilityToken string) (*lease.ToolLease, error) {
	l := &lease.ToolLease{
		ClientID:        clientID,
		ToolID:          toolID,
		GrantedAt:       time.Now(),
		ExpiresAt:       time.Now().Add(time.Duration(ttlSeconds) * time.Second),
		CallsRemaining:  callsRemaining,
		ModeAtIssue:     modeAtIssue,
		CapabilityToken: capabilityToken,
	}
	f.leases[f.key(clientID, toolID)] = l
	return l, nil
}

func (f *fakeLeaseManager) Validate(_ context.Context, clientID, toolID string) (*lease.ToolLease, error) {
	l, ok := f.leases[f.key(clientID, toolID)]
	if !ok || !l.CanConsume() {
		return nil, nil
	}
	return l, nil
}

func (f *fakeLeaseManager) Consume(_ context.Context, clientID, toolID string) (*lease.ToolLease, error) {
	l, ok := f.leases[f.key(clientID, toolID)]
	if !ok {
		return nil, nil
	}
	l.CallsRemaining--
	if l.CallsRemaining <= 0 {
		delete(f.leases, f.key(clientID, toolID))
	}
	return l, nil
}

func (f *fakeLeaseManager) Revoke(_ context.Context, clientID, toolID string) (bool, error) {
	_, existed := f.leases[f.key(clientID, toolID)]
	delete(f.leases, f.key(clientID, toolID))
	return existed, nil
}

func (f *fakeLeaseManager) PurgeExpired(_ context.Context) (int, error) { return 0, nil }

func (f *fakeLeaseManager) RegisterNotificationCallback(lease.NotificationFunc) {}

// fakeGovernanceStore is a minimal in-memory governance.Store for tests.
type fakeGovernanceStore struct {
	mode       governance.Mode
	elevations map[string]bool
}

func newFakeGovernanceStore(mode governance.Mode) *fakeGovernanceStore {
	return &fakeGovernanceStore{mode: mode, elevations: make(map[string]bool)}
}

func (f *fakeGovernanceStore) GetMode(context.Context) governance.Mode { return f.mode }
func (f *fakeGovernanceStore) SetMode(_ context.Context, mode governance.Mode) bool {
	f.mode = mode
	return true
}
func (f *fakeGovernanceStore) GrantElevation(_ context.Context, key string, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		return governance.ErrNonPositiveTTL
	}
	f.elevations[key] = true
	return nil
}
func (f *fakeGovernanceStore) CheckElevation(_ context.Context, key string) bool {
	return f.elevations[key]
}
func (f *fakeGovernanceStore) RevokeElevation(_ context.Context, key string) error {
	delete(f.elevations, key)
	return nil
}

// fakeApprovalProvider answers every elicitation with a fixed decision.
type fakeApprovalProvider struct {
	decision     approval.Decision
	leaseSeconds int
	available    bool
}

func (f *fakeApprovalProvider) RequestApproval(_ context.Context, req *approval.Request) (*approval.Response, error) {
	resp := &approval.Response{RequestID: req.RequestID, Decision: f.decision, LeaseSeconds: f.leaseSeconds}
	if f.decision == approval.DecisionApproved {
		resp.SelectedScopes = req.RequiredScopes
	}
	return resp, nil
}
func (f *fakeApprovalProvider) IsAvailable(context.Context) bool { return f.available }
func (f *fakeApprovalProvider) Name() string                    { return "fake" }

// fakeRecorder captures every audit record for assertion.
type fakeRecorder struct {
	records []audit.AuditRecord
}

func (f *fakeRecorder) Record(r audit.AuditRecord) { f.records = append(f.records, r) }

// fakeRegistry is a minimal ToolLookup.
type fakeRegistry struct {
	tools map[string]*tool.ToolRecord
}

func (f *fakeRegistry) Get(toolID string) (*tool.ToolRecord, bool) {
	t, ok := f.tools[toolID]
	return t, ok
}

// fakeDiscovery answers bootstrap calls with canned responses.
type fakeDiscovery struct {
	searchResult []tool.ToolCandidate
	schema       json.RawMessage
	err          error
}

func (f *fakeDiscovery) SearchTools(context.Context, string, string) ([]tool.ToolCandidate, error) {
	return f.searchResult, f.err
}
func (f *fakeDiscovery) GetToolSchema(context.Context, string, string) (json.RawMessage, error) {
	return f.schema, f.err
}
func (f *fakeDiscovery) ExpandToolSchema(context.Context, string, string) (json.RawMessage, error) {
	return f.schema, f.err
}

func newGovernanceHarness(t *testing.T, mode governance.Mode, risk tool.RiskLevel, next MessageInterceptor) (*GovernanceInterceptor, *fakeLeaseManager, *fakeGovernanceStore, *fakeRecorder) {
	t.Helper()
	leases := newFakeLeaseManager()
	store := newFakeGovernanceStore(mode)
	recorder := &fakeRecorder{}
	registry := &fakeRegistry{tools: map[string]*tool.ToolRecord{
		"delete_file": {ToolID: "delete_file", RiskLevel: risk, RequiredScopes: []string{"fs:write"}},
	}}
	gi := NewGovernanceInterceptor(
		registry,
		leases,
		store,
		nil,
		nil,
		recorder,
		&fakeDiscovery{},
		GovernanceConfig{TokenSecret: "test-secret"},
		next,
		testLogger(),
	)
	return gi, leases, store, recorder
}

func TestGovernanceInterceptor_NonToolCallPassesThrough(t *testing.T) {
	next := &mockNextInterceptor{}
	gi, _, _, _ := newGovernanceHarness(t, governance.ModeBypass, tool.RiskSafe, next)

	msg := createNonToolCallMessage(createTestSession())
	if _, err := gi.Intercept(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.interceptCalled {
		t.Error("expected non-tool-call to pass through to next")
	}
}

func TestGovernanceInterceptor_NoLeaseDenied(t *testing.T) {
	next := &mockNextInterceptor{}
	gi, _, _, recorder := newGovernanceHarness(t, governance.ModeBypass, tool.RiskDangerous, next)

	msg := createToolCallMessage("delete_file", createTestSession())
	_, err := gi.Intercept(context.Background(), msg)
	if err == nil {
		t.Fatal("expected denial without a lease")
	}
	if next.interceptCalled {
		t.Error("must not forward without a valid lease")
	}
	if len(recorder.records) == 0 || recorder.records[0].Event != string(audit.EventBlockedReadOnly) {
		t.Errorf("expected a blocked_read_only audit record, got %+v", recorder.records)
	}
}

func TestGovernanceInterceptor_BypassForwardsAndConsumes(t *testing.T) {
	next := &mockNextInterceptor{}
	gi, leases, _, recorder := newGovernanceHarness(t, governance.ModeBypass, tool.RiskDangerous, next)

	sess := createTestSession()
	leases.Grant(context.Background(), sess.ID, "delete_file", 60, 2, "bypass", "")

	msg := createToolCallMessage("delete_file", sess)
	if _, err := gi.Intercept(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.interceptCalled {
		t.Error("expected bypass mode to forward")
	}
	l, _ := leases.Validate(context.Background(), sess.ID, "delete_file")
	if l == nil || l.CallsRemaining != 1 {
		t.Errorf("expected lease consumed once, got %+v", l)
	}

	var sawBypass bool
	for _, r := range recorder.records {
		if r.Event == string(audit.EventBypassExecuted) {
			sawBypass = true
		}
	}
	if !sawBypass {
		t.Error("expected a bypass_executed audit record")
	}
}

func TestGovernanceInterceptor_ReadOnlyBlocksDangerous(t *testing.T) {
	next := &mockNextInterceptor{}
	gi, leases, _, recorder := newGovernanceHarness(t, governance.ModeReadOnly, tool.RiskDangerous, next)

	sess := createTestSession()
	leases.Grant(context.Background(), sess.ID, "delete_file", 60, 2, "read_only", "")

	msg := createToolCallMessage("delete_file", sess)
	_, err := gi.Intercept(context.Background(), msg)
	if err == nil {
		t.Fatal("expected read_only mode to block a dangerous tool")
	}
	if next.interceptCalled {
		t.Error("must not forward a blocked call")
	}
	l, _ := leases.Validate(context.Background(), sess.ID, "delete_file")
	if l == nil || l.CallsRemaining != 2 {
		t.Errorf("expected lease untouched on block, got %+v", l)
	}

	var sawBlocked bool
	for _, r := range recorder.records {
		if r.Event == string(audit.EventBlockedReadOnly) {
			sawBlocked = true
		}
	}
	if !sawBlocked {
		t.Error("expected a blocked_read_only audit record")
	}
}

func TestGovernanceInterceptor_PermissionModeElicitsAndForwardsOnApproval(t *testing.T) {
	next := &mockNextInterceptor{}
	leases := newFakeLeaseManager()
	store := newFakeGovernanceStore(governance.ModePermission)
	recorder := &fakeRecorder{}
	registry := &fakeRegistry{tools: map[string]*tool.ToolRecord{
		"delete_file": {ToolID: "delete_file", RiskLevel: tool.RiskDangerous, RequiredScopes: []string{"fs:write"}},
	}}
	provider := &fakeApprovalProvider{decision: approval.DecisionApproved, leaseSeconds: 300, available: true}
	gi := NewGovernanceInterceptor(registry, leases, store, []approval.Provider{provider}, nil, recorder, &fakeDiscovery{}, GovernanceConfig{TokenSecret: "s"}, next, testLogger())

	sess := createTestSession()
	leases.Grant(context.Background(), sess.ID, "delete_file", 60, 1, "permission", "")

	msg := createToolCallMessage("delete_file", sess)
	if _, err := gi.Intercept(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.interceptCalled {
		t.Error("expected approved elicitation to forward")
	}

	var sawGranted bool
	for _, r := range recorder.records {
		if r.Event == string(audit.EventApprovalGranted) {
			sawGranted = true
		}
	}
	if !sawGranted {
		t.Error("expected an approval_granted audit record")
	}
}

func TestGovernanceInterceptor_PermissionModeDeniedBlocksForward(t *testing.T) {
	next := &mockNextInterceptor{}
	leases := newFakeLeaseManager()
	store := newFakeGovernanceStore(governance.ModePermission)
	recorder := &fakeRecorder{}
	registry := &fakeRegistry{tools: map[string]*tool.ToolRecord{
		"delete_file": {ToolID: "delete_file", RiskLevel: tool.RiskDangerous, RequiredScopes: []string{"fs:write"}},
	}}
	provider := &fakeApprovalProvider{decision: approval.DecisionDenied, available: true}
	gi := NewGovernanceInterceptor(registry, leases, store, []approval.Provider{provider}, nil, recorder, &fakeDiscovery{}, GovernanceConfig{TokenSecret: "s"}, next, testLogger())

	sess := createTestSession()
	leases.Grant(context.Background(), sess.ID, "delete_file", 60, 1, "permission", "")

	msg := createToolCallMessage("delete_file", sess)
	if _, err := gi.Intercept(context.Background(), msg); err == nil {
		t.Fatal("expected denial to block forward")
	}
	if next.interceptCalled {
		t.Error("must not forward a denied call")
	}
}

func TestGovernanceInterceptor_ElevationShortcutSkipsElicitation(t *testing.T) {
	next := &mockNextInterceptor{}
	leases := newFakeLeaseManager()
	store := newFakeGovernanceStore(governance.ModePermission)
	recorder := &fakeRecorder{}
	registry := &fakeRegistry{tools: map[string]*tool.ToolRecord{
		"delete_file": {ToolID: "delete_file", RiskLevel: tool.RiskDangerous, RequiredScopes: []string{"fs:write"}},
	}}
	// No providers registered: if the elevation shortcut didn't fire, SelectProvider
	// would fail and the call would be denied.
	gi := NewGovernanceInterceptor(registry, leases, store, nil, nil, recorder, &fakeDiscovery{}, GovernanceConfig{TokenSecret: "s"}, next, testLogger())

	sess := createTestSession()
	leases.Grant(context.Background(), sess.ID, "delete_file", 60, 1, "permission", "")
	key := governance.ComputeElevationHash("delete_file", "/test/file", sess.ID)
	store.GrantElevation(context.Background(), key, 300)

	msg := createToolCallMessage("delete_file", sess)
	if _, err := gi.Intercept(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.interceptCalled {
		t.Error("expected a live elevation to skip elicitation and forward")
	}
}

func TestGovernanceInterceptor_BootstrapToolBypassesLeaseGate(t *testing.T) {
	next := &mockNextInterceptor{}
	leases := newFakeLeaseManager()
	store := newFakeGovernanceStore(governance.ModeReadOnly)
	recorder := &fakeRecorder{}
	discovery := &fakeDiscovery{schema: json.RawMessage(`{"type":"object"}`)}
	gi := NewGovernanceInterceptor(&fakeRegistry{tools: map[string]*tool.ToolRecord{}}, leases, store, nil, nil, recorder, discovery, GovernanceConfig{TokenSecret: "s"}, next, testLogger())

	msg := createToolCallMessage("get_tool_schema", createTestSession())
	resp, err := gi.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response message for a bootstrap call")
	}
	if next.interceptCalled {
		t.Error("bootstrap tools must not be forwarded downstream")
	}
}

func TestGovernanceInterceptor_ResponseShapingCompressesLargeArrays(t *testing.T) {
	next := &mockNextInterceptor{
		returnMsg: &mcp.Message{
			Raw:       []byte(`{"jsonrpc":"2.0","id":1,"result":{"items":[1,2,3,4,5,6,7,8]}}`),
			Direction: mcp.ServerToClient,
			Timestamp: time.Now(),
		},
	}
	leases := newFakeLeaseManager()
	store := newFakeGovernanceStore(governance.ModeBypass)
	recorder := &fakeRecorder{}
	registry := &fakeRegistry{tools: map[string]*tool.ToolRecord{
		"read_file": {ToolID: "read_file", RiskLevel: tool.RiskSafe},
	}}
	gi := NewGovernanceInterceptor(registry, leases, store, nil, nil, recorder, &fakeDiscovery{}, GovernanceConfig{TokenSecret: "s", ToonThreshold: 5}, next, testLogger())

	sess := createTestSession()
	leases.Grant(context.Background(), sess.ID, "read_file", 60, 5, "bypass", "")

	msg := createToolCallMessage("read_file", sess)
	resp, err := gi.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(resp.Raw, &envelope); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !strings.Contains(string(envelope["result"]), "__toon") {
		t.Errorf("expected compressed result to carry __toon marker, got %s", envelope["result"])
	}
}

// fakeRuleEngine is a canned RuleEngine for testing the CEL restriction
// layer without pulling in the real CEL evaluator.
type fakeRuleEngine struct {
	allowed bool
	err     error
}

func (f *fakeRuleEngine) Evaluate(_ context.Context, _ policy.EvaluationContext) (policy.Decision, error) {
	return policy.Decision{Allowed: f.allowed}, f.err
}

func TestGovernanceInterceptor_RuleEngineNarrowsMatrixAllow(t *testing.T) {
	next := &mockNextInterceptor{}
	gi, leases, _, _ := newGovernanceHarness(t, governance.ModeBypass, tool.RiskSafe, next)
	gi.WithRuleEngine(&fakeRuleEngine{allowed: false})

	sess := createTestSession()
	leases.Grant(context.Background(), sess.ID, "delete_file", 60, 2, "bypass", "")

	msg := createToolCallMessage("delete_file", sess)
	if _, err := gi.Intercept(context.Background(), msg); err == nil {
		t.Fatal("expected the rule engine to deny a call the matrix would otherwise allow")
	}
	if next.interceptCalled {
		t.Error("a rule-engine deny must not reach the downstream forward")
	}
}

func TestGovernanceInterceptor_RuleEngineCannotWidenADeny(t *testing.T) {
	next := &mockNextInterceptor{}
	gi, leases, _, _ := newGovernanceHarness(t, governance.ModeReadOnly, tool.RiskDangerous, next)
	gi.WithRuleEngine(&fakeRuleEngine{allowed: true})

	sess := createTestSession()
	leases.Grant(context.Background(), sess.ID, "delete_file", 60, 2, "read_only", "")

	msg := createToolCallMessage("delete_file", sess)
	if _, err := gi.Intercept(context.Background(), msg); err == nil {
		t.Fatal("expected read-only mode's deny to stand regardless of the rule engine")
	}
	if next.interceptCalled {
		t.Error("a matrix deny must never reach the downstream forward")
	}
}
