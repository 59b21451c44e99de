package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/inbound/approvalprovider"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/inbound/stdio"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/artifacts"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/auditfile"
	mcpclient "github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/mcp"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/redisgov"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/redislease"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/registry"
	"github.com/Sentinel-Gate/Sentinelgate/internal/config"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/approval"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/governance"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/lease"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/policy"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/proxy"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/retrieval"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/tool"
	"github.com/Sentinel-Gate/Sentinelgate/internal/port/outbound"
	"github.com/Sentinel-Gate/Sentinelgate/internal/service"
)

var serveDevMode bool
var serveStdio bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance runtime",
	Long: `Start the tri-state governance runtime: tool registry, semantic
discovery, lease-gated tool calls, scoped elevation, and approval
elicitation in front of a single upstream MCP server.

This is the meta-gateway surface described by the tool registry
(registry.path); it gates calls with the mode dial (read_only /
permission / bypass), per-risk leases, and capability tokens. Lease and
mode state live in Redis when redis.url is reachable, falling back to an
in-process store otherwise (outside --dev the fallback is logged as an
error).

Examples:
  sentinel-gate serve
  sentinel-gate serve --dev
  sentinel-gate serve -- npx @modelcontextprotocol/server-filesystem /tmp`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDevMode, "dev", false, "Enable development mode (in-memory fallback stores, insecure default token secret)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "Speak MCP over stdio instead of HTTP")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadGovernanceConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveDevMode {
		cfg.DevMode = true
	}
	if len(args) > 0 {
		cfg.Upstream.Command = args[0]
		cfg.Upstream.Args = args[1:]
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	reg, err := registry.Load(cfg.Registry.Path, 0)
	if err != nil {
		return fmt.Errorf("failed to load tool registry: %w", err)
	}
	logger.Info("registry loaded", "tools", reg.Len(), "path", cfg.Registry.Path)

	leases, gov, closeRedis := buildGovernanceStores(cfg, logger)
	if closeRedis != nil {
		defer closeRedis()
	}

	artifactsGen, err := buildArtifactGenerator(cfg, logger)
	if err != nil {
		return err
	}

	auditRecorder, closeAudit, err := buildAuditRecorder(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	providers := buildApprovalProviders(logger)
	search := retrieval.NewSearch(reg)
	riskPolicy := leaseRiskFromConfig(cfg)

	govService := service.NewGovernanceService(
		reg, search, leases, gov, providers, artifactsGen, auditRecorder, riskPolicy, cfg.Governance.TokenSecret, logger,
	)

	var mcpClient outbound.MCPClient
	if cfg.Upstream.HTTP != "" {
		httpTimeout, err := time.ParseDuration(cfg.Upstream.HTTPTimeout)
		if err != nil {
			httpTimeout = 30 * time.Second
		}
		mcpClient = mcpclient.NewHTTPClient(cfg.Upstream.HTTP, mcpclient.WithTimeout(httpTimeout))
		logger.Info("upstream mode: HTTP", "endpoint", cfg.Upstream.HTTP)
	} else if cfg.Upstream.Command != "" {
		mcpClient = mcpclient.NewStdioClient(cfg.Upstream.Command, cfg.Upstream.Args...)
		logger.Info("upstream mode: stdio", "command", cfg.Upstream.Command)
	}

	interceptorCfg := proxy.GovernanceConfig{
		TokenSecret:            cfg.Governance.TokenSecret,
		DefaultApprovalTimeout: cfg.Governance.ElicitationTimeoutSeconds,
		ToonThreshold:          toonThreshold(cfg),
		LeaseRisk:              riskPolicy,
	}
	chain := proxy.NewGovernanceInterceptor(
		reg, leases, gov, providers, artifactsGen, auditRecorder, govService, interceptorCfg,
		proxy.NewPassthroughInterceptor(), logger,
	)
	if rules, err := buildRuleEngine(cfg, logger); err != nil {
		return err
	} else if rules != nil {
		chain.WithRuleEngine(rules)
	}

	entryPoint := proxy.MessageInterceptor(chain)
	if cfg.RateLimit.Enabled {
		entryPoint = buildRateLimitChain(cfg, entryPoint, logger)
	}

	proxyService := service.NewProxyService(mcpClient, entryPoint, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if serveStdio || len(args) > 0 {
		transport := stdio.NewStdioTransport(proxyService)
		logger.Info("transport mode: stdio")
		return transport.Start(ctx)
	}

	healthChecker := http.NewHealthChecker(nil, nil, nil, Version)
	transport := http.NewHTTPTransport(proxyService,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
	)
	logger.Info("sentinel-gate governance runtime starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"tools", reg.Len(),
		"mode", cfg.Governance.DefaultMode,
	)
	return transport.Start(ctx)
}

// buildGovernanceStores wires the lease manager and mode/elevation store
// against Redis, falling back to the in-process memory implementations when
// Redis is unreachable or unconfigured. The fallback is single-process and
// loses all leases/mode state on restart — acceptable for --dev, a defect
// in production.
func buildGovernanceStores(cfg *config.GovernanceConfig, logger *slog.Logger) (lease.Manager, governance.Store, func()) {
	client, err := newRedisClient(cfg)
	if err != nil {
		if !cfg.DevMode {
			logger.Error("redis unavailable outside dev mode, leases will not persist across restarts", "error", err)
		}
		logger.Warn("falling back to in-memory lease/governance stores")
		return memory.NewLeaseManager(), memory.NewGovernanceStore(), nil
	}

	leaseMgr, err := redislease.New(redislease.Config{Redis: client, Logger: logger})
	if err != nil {
		logger.Warn("redis lease manager init failed, falling back to memory", "error", err)
		_ = client.Close()
		return memory.NewLeaseManager(), memory.NewGovernanceStore(), nil
	}
	govStore, err := redisgov.New(redisgov.Config{Redis: client, Logger: logger})
	if err != nil {
		logger.Warn("redis governance store init failed, falling back to memory", "error", err)
		_ = client.Close()
		return memory.NewLeaseManager(), memory.NewGovernanceStore(), nil
	}
	return leaseMgr, govStore, func() { _ = client.Close() }
}

func newRedisClient(cfg *config.GovernanceConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis.url: %w", err)
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	if cfg.Redis.MaxConnections > 0 {
		opts.PoolSize = cfg.Redis.MaxConnections
	}
	if d, err := time.ParseDuration(cfg.Redis.DialTimeout); err == nil {
		opts.DialTimeout = d
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func buildArtifactGenerator(cfg *config.GovernanceConfig, logger *slog.Logger) (proxy.ArtifactGenerator, error) {
	dir := "./artifacts"
	if cfg.AuditFile.Dir != "" {
		dir = filepath.Join(cfg.AuditFile.Dir, "artifacts")
	}
	gen, err := artifacts.NewGenerator(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact generator: %w", err)
	}
	return &service.ArtifactGeneratorAdapter{Generator: gen}, nil
}

// buildAuditRecorder wires the governance audit log. The returned close
// function flushes and closes the underlying file; callers must defer it.
func buildAuditRecorder(cfg *config.GovernanceConfig, logger *slog.Logger) (proxy.AuditRecorder, func(), error) {
	dir := cfg.AuditFile.Dir
	if dir == "" {
		dir = "./audit"
	}
	store, err := auditfile.New(auditfile.Config{
		Dir:           dir,
		MaxFileBytes:  int64(cfg.AuditFile.MaxFileSizeMB) * 1024 * 1024,
		RetentionDays: cfg.AuditFile.RetentionDays,
		CacheSize:     cfg.AuditFile.CacheSize,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create audit store: %w", err)
	}
	recorder := &service.AuditRecorderAdapter{Appender: store, Logger: logger}
	return recorder, func() { _ = store.Close() }, nil
}

// buildRuleEngine compiles cfg.Policies into a service.PolicyService, the
// additional CEL restriction layer GovernanceInterceptor consults after the
// tri-state matrix. Returns (nil, nil) when no policies are configured —
// the matrix's decision then stands unmodified.
func buildRuleEngine(cfg *config.GovernanceConfig, logger *slog.Logger) (proxy.RuleEngine, error) {
	if len(cfg.Policies) == 0 {
		return nil, nil
	}
	store := memory.NewPolicyStore()
	for pi, pc := range cfg.Policies {
		p := &policy.Policy{
			ID:      pc.Name,
			Name:    pc.Name,
			Enabled: true,
			Rules:   make([]policy.Rule, len(pc.Rules)),
		}
		for ri, rc := range pc.Rules {
			p.Rules[ri] = policy.Rule{
				ID:        fmt.Sprintf("%s/%d", pc.Name, ri),
				Name:      rc.Name,
				Priority:  (len(cfg.Policies)-pi)*1000 + (len(pc.Rules) - ri),
				ToolMatch: "*",
				Condition: rc.Condition,
				Action:    policy.Action(rc.Action),
			}
		}
		store.AddPolicy(p)
	}
	svc, err := service.NewPolicyService(context.Background(), store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to compile governance.policies: %w", err)
	}
	return svc, nil
}

// buildRateLimitChain wraps entryPoint with IP- and user-based rate limiting,
// outermost in the chain so a flooding client never reaches the governance
// matrix, lease store, or upstream at all. Backed by an in-process limiter:
// fine for a single sentinel-gate instance, since each replica would need
// its own Redis-backed limiter to share state (not required by any
// configuration this runtime currently supports).
func buildRateLimitChain(cfg *config.GovernanceConfig, entryPoint proxy.MessageInterceptor, logger *slog.Logger) proxy.MessageInterceptor {
	cleanup, err := time.ParseDuration(cfg.RateLimit.CleanupInterval)
	if err != nil {
		cleanup = 5 * time.Minute
	}
	maxTTL, err := time.ParseDuration(cfg.RateLimit.MaxTTL)
	if err != nil {
		maxTTL = time.Hour
	}
	limiter := memory.NewRateLimiterWithConfig(cleanup, maxTTL)

	userStage := proxy.NewUserRateLimitInterceptor(
		limiter,
		ratelimit.RateLimitConfig{Rate: cfg.RateLimit.UserRate, Burst: cfg.RateLimit.UserRate, Period: time.Minute},
		entryPoint,
		logger,
	)
	return proxy.NewIPRateLimitInterceptor(
		limiter,
		ratelimit.RateLimitConfig{Rate: cfg.RateLimit.IPRate, Burst: cfg.RateLimit.IPRate, Period: time.Minute},
		userStage,
		logger,
	)
}

func buildApprovalProviders(logger *slog.Logger) []approval.Provider {
	return []approval.Provider{approvalprovider.NewTerminalProvider(logger)}
}

func toonThreshold(cfg *config.GovernanceConfig) int {
	if !cfg.Toon.Enabled {
		return 0
	}
	return cfg.Toon.Threshold
}

// leaseRiskFromConfig builds a proxy.LeaseRiskPolicy from the operator's
// per-risk-tier YAML/env overrides, falling back to
// proxy.DefaultLeaseRiskPolicy for any tier left at its zero value (which
// SetDefaults never actually leaves zero, but a directly-constructed
// GovernanceConfig in a test might).
func leaseRiskFromConfig(cfg *config.GovernanceConfig) proxy.LeaseRiskPolicy {
	fallback := proxy.DefaultLeaseRiskPolicy()
	result := proxy.LeaseRiskPolicy{
		TTLSeconds:     map[tool.RiskLevel]int{},
		CallsRemaining: map[tool.RiskLevel]int{},
	}
	tiers := []struct {
		level  tool.RiskLevel
		budget config.RiskBudget
	}{
		{tool.RiskSafe, cfg.LeaseRisk.Safe},
		{tool.RiskSensitive, cfg.LeaseRisk.Sensitive},
		{tool.RiskDangerous, cfg.LeaseRisk.Dangerous},
	}
	for _, t := range tiers {
		ttl := t.budget.TTLSeconds
		if ttl <= 0 {
			ttl = fallback.TTLSeconds[t.level]
		}
		calls := t.budget.CallsRemaining
		if calls <= 0 {
			calls = fallback.CallsRemaining[t.level]
		}
		result.TTLSeconds[t.level] = ttl
		result.CallsRemaining[t.level] = calls
	}
	return result
}
