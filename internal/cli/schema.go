package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loamdb/loam/internal/schema"
)

// SchemaValidationResult is the data payload for a successful validate run.
type SchemaValidationResult struct {
	File    string `json:"file"`
	Types   int    `json:"types"`
	Version string `json:"version"`
}

func (r SchemaValidationResult) String() string {
	return fmt.Sprintf("%s: valid (%d types, version %s)", r.File, r.Types, r.Version)
}

// SchemaDDLResult is the data payload for a ddl run.
type SchemaDDLResult struct {
	File       string   `json:"file"`
	Statements []string `json:"statements"`
}

func (r SchemaDDLResult) String() string {
	return strings.Join(r.Statements, "\n")
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Work with schema definition files",
	}
	cmd.AddCommand(newSchemaValidateCommand(opts))
	cmd.AddCommand(newSchemaDDLCommand(opts))
	return cmd
}

func newSchemaValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML schema definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			formatter := newFormatter(cmd, opts)

			s, lerr := loadForCommand(formatter, args[0])
			if lerr != nil {
				return lerr
			}
			return formatter.Success(SchemaValidationResult{
				File:    args[0],
				Types:   len(s.Types()),
				Version: s.Version(),
			})
		},
	}
}

func newSchemaDDLCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ddl <file>",
		Short: "Render the SQLite DDL for a schema definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			formatter := newFormatter(cmd, opts)

			s, lerr := loadForCommand(formatter, args[0])
			if lerr != nil {
				return lerr
			}
			return formatter.Success(SchemaDDLResult{
				File:       args[0],
				Statements: s.DDL(),
			})
		},
	}
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadForCommand loads a schema definition and reports failures through the
// formatter. Unreadable files exit with ExitCommandError, everything else
// is a validation failure.
func loadForCommand(formatter *OutputFormatter, path string) (*schema.Schema, error) {
	formatter.VerboseLog("Loading schema definition from %s", path)
	s, lerr := LoadSchemaDef(path)
	if lerr == nil {
		return s, nil
	}
	if err := formatter.Error(lerr.Code, lerr.Message, nil); err != nil {
		return nil, err
	}
	code := ExitFailure
	if lerr.Code == ErrCodeNotFound {
		code = ExitCommandError
	}
	return nil, NewExitError(code, lerr.Message)
}
