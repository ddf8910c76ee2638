package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inkporter/inkporter/internal/types"
)

// Exit codes follow BSD sysexits where one fits.
const (
	exitOK          = 0
	exitConfig      = 64 // unusable configuration
	exitData        = 65 // corrupt local state
	exitUnavailable = 69 // required external service unreachable
	exitInternal    = 70
	exitInterrupted = 130
)

// errInterrupted marks a shutdown triggered by SIGINT or SIGTERM.
var errInterrupted = errors.New("interrupted")

// unavailableError marks a startup dependency that could not be
// reached. The process exits 69 so a supervisor restarts it.
type unavailableError struct{ err error }

func (e *unavailableError) Error() string { return "service unavailable: " + e.err.Error() }
func (e *unavailableError) Unwrap() error { return e.err }

func unavailable(err error) error { return &unavailableError{err: err} }

var rootCmd = &cobra.Command{
	Use:   "inkporter",
	Short: "Personal knowledge capture pipeline",
	Long: `inkporter turns captured messages into a markdown knowledge vault.

Notes land in SQLite immediately, flow through a durable queue into a
git-backed vault, and are indexed for hybrid keyword and semantic
search. All state lives under DATA_ROOT.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func exitCode(err error) int {
	var unavail *unavailableError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errInterrupted):
		return exitInterrupted
	case types.IsConfig(err):
		return exitConfig
	case types.IsStoreCorrupt(err):
		return exitData
	case errors.As(err, &unavail):
		return exitUnavailable
	default:
		return exitInternal
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, errInterrupted) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
