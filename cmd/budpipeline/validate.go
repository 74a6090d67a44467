package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/budpipeline/internal/dag"
	"github.com/rendis/budpipeline/internal/validation"
)

var errInvalidDefinition = errors.New("invalid pipeline definition")

type validateOptions struct {
	normalize bool
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	vo := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate pipeline definitions (YAML or JSON, - for stdin)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			_, wv, err := newRegistry(cfg, newLogger(io.Discard, cfg))
			if err != nil {
				return err
			}
			return runValidate(cmd.InOrStdin(), cmd.OutOrStdout(), wv, args, vo)
		},
	}
	cmd.Flags().BoolVar(&vo.normalize, "normalize", false, "print valid definitions as normalized YAML")
	return cmd
}

type fileReport struct {
	File string `json:"file"`
	*validation.Report
}

// runValidate prints one report per file and fails when any is invalid.
func runValidate(stdin io.Reader, out io.Writer, wv *validation.WorkflowValidator, files []string, vo *validateOptions) error {
	invalid := 0
	for _, file := range files {
		raw, err := readDefinition(stdin, file)
		if err != nil {
			return err
		}
		report := wv.ValidateRaw(raw)
		if !report.Valid {
			invalid++
		}
		if vo.normalize && report.Valid && report.DAG != nil {
			data, err := dag.ToYAML(report.DAG)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			fmt.Fprintf(out, "# %s\n%s", file, data)
			continue
		}
		data, err := json.MarshalIndent(fileReport{File: file, Report: report}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	}
	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d files", errInvalidDefinition, invalid, len(files))
	}
	return nil
}

func readDefinition(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return raw, nil
}
