package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/redisgov"
	"github.com/Sentinel-Gate/Sentinelgate/internal/config"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/governance"
)

var governanceCmd = &cobra.Command{
	Use:   "governance",
	Short: "Inspect and change the governance mode directly in the store",
	Long: `Read or write the governance mode (read_only / permission / bypass)
directly against the configured Redis store, bypassing a running "serve"
process. Intended for operators who need to dial the mode down during an
incident, and for scripting.

Requires redis.url to be configured and reachable — there is no
in-memory fallback here, since an in-memory mode change only a CLI
process sees is pointless.`,
}

var governanceSetModeCmd = &cobra.Command{
	Use:   "set-mode [read_only|permission|bypass]",
	Short: "Set the governance mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runGovernanceSetMode,
}

var governanceShowModeCmd = &cobra.Command{
	Use:   "show-mode",
	Short: "Print the current governance mode",
	RunE:  runGovernanceShowMode,
}

func init() {
	governanceCmd.AddCommand(governanceSetModeCmd)
	governanceCmd.AddCommand(governanceShowModeCmd)
	rootCmd.AddCommand(governanceCmd)
}

func connectGovernanceStore() (*redisgov.Store, func(), error) {
	cfg, err := config.LoadGovernanceConfigRaw()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Server.LogLevel)}))

	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("redis unreachable: %w (governance mode lives in Redis; is redis.url correct and the server running?)", err)
	}
	store, err := redisgov.New(redisgov.Config{Redis: client, Logger: logger})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}

func runGovernanceSetMode(cmd *cobra.Command, args []string) error {
	mode := governance.ParseMode(args[0])
	if string(mode) != args[0] {
		return fmt.Errorf("invalid mode %q: must be one of read_only, permission, bypass", args[0])
	}

	store, closeFn, err := connectGovernanceStore()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ok := store.SetMode(ctx, mode); !ok {
		return fmt.Errorf("failed to set governance mode to %q", mode)
	}
	fmt.Printf("governance mode set to %q\n", mode)
	return nil
}

func runGovernanceShowMode(cmd *cobra.Command, args []string) error {
	store, closeFn, err := connectGovernanceStore()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fmt.Println(store.GetMode(ctx))
	return nil
}
