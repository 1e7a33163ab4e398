package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcourtman/quillboard/internal/config"
	"github.com/rcourtman/quillboard/internal/logging"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "quillboard",
		Short:         "Quillboard - identity and entitlement sync for the content dashboard",
		Long:          `Quillboard resolves the signed-in identity, tracks plan and usage entitlements, and keeps them in sync with the remote entitlement store.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newStatusCmd(),
		newUpgradeCmd(),
		newPurchaseCmd(),
		newConsumeCmd(),
		newGenerateCmd(),
		newHistoryCmd(),
		newSignInCmd(),
		newSignUpCmd(),
		newSignOutCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Quillboard %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runWithApp loads configuration, initialises logging, wires the components
// and runs fn. Background work is settled and components are closed when fn
// returns.
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "quillboard",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, _ = logging.WithOperationID(ctx, "")

	a, err := newApp(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	err = fn(ctx, a)
	a.settle()
	return err
}
