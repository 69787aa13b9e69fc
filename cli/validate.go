package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/chatflow/compiler"
	"github.com/petal-labs/chatflow/loader"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a flow file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return fmt.Errorf("reading file: %w", err)
	}

	flow, err := loader.LoadBytes(data, filePath)
	var derr *loader.DiagnosticError
	var diags []compiler.Diagnostic
	switch {
	case errors.As(err, &derr):
		diags = derr.Diagnostics
	case err != nil:
		return exitError(exitValidation, "parsing flow: %v", err)
	default:
		diags = compiler.Validate(flow.Nodes, flow.Edges)
	}

	printDiagnostics(out, diags, format)

	hasErrs := compiler.HasErrors(diags)
	hasWarns := len(compiler.Warnings(diags)) > 0
	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

func printDiagnostics(out io.Writer, diags []compiler.Diagnostic, format string) {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if diags == nil {
			diags = []compiler.Diagnostic{}
		}
		_ = enc.Encode(diags)
		return
	}

	if len(diags) == 0 {
		fmt.Fprintln(out, "Flow is valid.")
		return
	}
	for _, d := range diags {
		if d.Path != "" {
			fmt.Fprintf(out, "%s %s at %s: %s\n", d.Severity, d.Code, d.Path, d.Message)
		} else {
			fmt.Fprintf(out, "%s %s: %s\n", d.Severity, d.Code, d.Message)
		}
	}
}
