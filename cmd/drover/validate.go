package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/engine"
)

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration document and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validateConfig(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration document (YAML or JSON)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func validateConfig(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return reportProblems(cmd, err)
	}

	// Building a runner resolves every check's provider and runs the
	// per-kind parameter validation the document schema cannot express.
	if _, err := engine.New(cfg, engine.Inputs{WorkDir: filepath.Dir(path)}, engine.Options{
		Logger: newLogger(cmd.ErrOrStderr(), false),
	}); err != nil {
		return reportProblems(cmd, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%d checks)\n", filepath.Base(path), len(cfg.Checks))
	return nil
}

// reportProblems prints one diagnostic per line when the error carries a
// problem list, the bare error otherwise, and exits with the config code.
func reportProblems(cmd *cobra.Command, err error) error {
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		for _, p := range verr.Problems {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", p)
		}
		return &exitError{code: engine.ExitConfig}
	}
	return exitf(engine.ExitConfig, "%v", err)
}
