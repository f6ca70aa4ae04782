// buildctl is the content build orchestrator CLI: it turns a course's
// source tree into executed notebooks, HTML, code extracts, and images by
// routing typed jobs to long-lived workers through a durable queue.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 0 success, 1 build failure or fatal error, 2 operational
// error (missing database, bad spec file).
const (
	exitOK          = 0
	exitBuildFailed = 1
	exitOperational = 2
)

// operationalError marks failures that exit with code 2.
type operationalError struct{ err error }

func (e *operationalError) Error() string { return e.err.Error() }
func (e *operationalError) Unwrap() error { return e.err }

func main() {
	root := &cobra.Command{
		Use:           "buildctl",
		Short:         "Content build orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newBuildCmd(),
		newStartServicesCmd(),
		newStopServicesCmd(),
		newWorkersCmd(),
		newStatusCmd(),
		newMonitorCmd(),
		newWorkerCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var oe *operationalError
		if errors.As(err, &oe) {
			os.Exit(exitOperational)
		}
		os.Exit(exitBuildFailed)
	}
	os.Exit(exitOK)
}
