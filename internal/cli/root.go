// Package cli wires the engine's single reconciliation command, following
// the teacher's internal/adapters/driving/cli/root.go shape: a
// package-level root command and a Services struct injected from main. The
// one flag, --discover, is local to the run command. CLI/TUI presentation
// beyond that one command is out of scope per spec.md §1.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jlewiss/calbridge/internal/pairmanager"
	"github.com/jlewiss/calbridge/internal/sync"
)

// Services holds the constructed dependencies the run command drives.
// Everything in it is built once in main and injected here, never
// constructed by the CLI layer itself.
type Services struct {
	Engine      *sync.Engine
	PairManager *pairmanager.Manager
}

var services *Services

// SetServices injects the constructed dependencies for the run command.
func SetServices(s *Services) {
	services = s
}

var discoverPairs bool

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Bidirectional incremental sync between a token-API calendar service and a CalDAV service",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Discover (optionally) and reconcile every enabled calendar pair once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&discoverPairs, "discover", false, "run the pair manager's matching cascade before reconciling")
	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// runOnce drives one discovery pass (if requested) followed by one
// reconciliation pass over every enabled pair. It returns a non-nil error
// only for the fatal conditions spec.md §6 reserves a non-zero exit for;
// individual event failures are recorded as failed operations and never
// surface here.
func runOnce(ctx context.Context) error {
	if services == nil || services.Engine == nil {
		return fmt.Errorf("calsync: services not initialised")
	}

	if discoverPairs && services.PairManager != nil {
		result, err := services.PairManager.Sync(ctx)
		if err != nil {
			return fmt.Errorf("discover pairs: %w", err)
		}
		fmt.Printf("discovered %d new pair(s), %d unmatched on A, %d unmatched on B\n",
			len(result.Created), len(result.UnmatchedA), len(result.UnmatchedB))
	}

	return services.Engine.RunAllFatal(ctx)
}
