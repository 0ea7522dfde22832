// Package main is the drover command line: run a configured check graph,
// validate a document, print the version.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/engine"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := engine.ExitConfig
		var coded *exitError
		if errors.As(err, &coded) {
			code = coded.code
			err = coded.err
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "drover:", err)
		}
		os.Exit(code)
	}
}

// exitError carries a process exit code through cobra. A nil inner error
// means the outcome was already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) *exitError {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drover",
		Short: "Configuration-driven check engine",
		Long: `Drover executes a graph of configured checks: dependency-ordered
waves, forEach fan-out, conditional gating, failure routing, and a
journal of every result. Checks are declared in a YAML or JSON document
and executed by typed providers (ai, command, http, webhook, script,
memory, log, noop).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCmd(), newValidateCmd(), newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "drover version %s\n", version)
		},
	}
}
