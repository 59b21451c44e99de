package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/registry"
	"github.com/Sentinel-Gate/Sentinelgate/internal/config"
)

var registryPathFlag string

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and validate the tool registry",
}

var registryValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the tool registry and report validation errors",
	Long: `Load the tool registry YAML and run every load-time invariant:
duplicate tool_id detection, ToolRecord.Validate on each entry, and the
schema_min token budget check. Exits non-zero on the first failure,
the same way "serve" would refuse to start.`,
	RunE: runRegistryValidate,
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every tool in the registry",
	RunE:  runRegistryList,
}

func init() {
	registryCmd.PersistentFlags().StringVar(&registryPathFlag, "path", "", "Path to registry YAML (defaults to registry.path from config)")
	registryCmd.AddCommand(registryValidateCmd)
	registryCmd.AddCommand(registryListCmd)
	rootCmd.AddCommand(registryCmd)
}

func resolveRegistryPath() (string, error) {
	if registryPathFlag != "" {
		return registryPathFlag, nil
	}
	cfg, err := config.LoadGovernanceConfigRaw()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Registry.Path == "" {
		return "", fmt.Errorf("no registry path given: pass --path or set registry.path in config")
	}
	return cfg.Registry.Path, nil
}

func runRegistryValidate(cmd *cobra.Command, args []string) error {
	path, err := resolveRegistryPath()
	if err != nil {
		return err
	}
	reg, err := registry.Load(path, 0)
	if err != nil {
		return err
	}
	fmt.Printf("registry OK: %s (%d tools)\n", path, reg.Len())
	return nil
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	path, err := resolveRegistryPath()
	if err != nil {
		return err
	}
	reg, err := registry.Load(path, 0)
	if err != nil {
		return err
	}
	for _, t := range reg.ListTools() {
		fmt.Printf("%-40s risk=%-10s scopes=%v\n", t.ToolID, t.RiskLevel, t.RequiredScopes)
	}
	return nil
}
