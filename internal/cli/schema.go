package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/schema"
)

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema [dir]",
		Short: "Compile and print entity descriptors",
		Long: `Compile the CUE entity descriptors in dir (or the configured schema
directory) and print the resulting constraint descriptors.

Every problem in every file is reported, not just the first.

Example:
  replica schema ./schema
  replica schema ./schema --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.SchemaDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				cfg, err := loadConfig(rootOpts)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid configuration", err)
				}
				dir = cfg.Schema.Dir
			}
			if dir == "" {
				return NewExitError(ExitCommandError, "no schema directory given")
			}
			return runSchema(rootOpts, dir, cmd)
		},
	}
}

func runSchema(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	sch, errs := schema.LoadDir(dir)
	if len(errs) > 0 {
		return outputSchemaErrors(f, errs)
	}
	f.VerboseLog("Loaded %d entities from %s", len(sch.Names()), dir)
	return f.Render(sch.Entities(), func(w io.Writer) { writeSchema(w, sch) })
}

func writeSchema(w io.Writer, sch *schema.Schema) {
	entities := sch.Entities()
	fmt.Fprintf(w, "✓ Compiled %d entities\n", len(entities))
	for _, e := range entities {
		fmt.Fprintf(w, "\n%s\n", e.Name)
		for _, field := range e.Fields {
			var notes []string
			if e.IsUnique(field.Name) {
				notes = append(notes, "unique")
			}
			if fk, ok := e.ForeignKey(field.Name); ok {
				notes = append(notes, fmt.Sprintf("-> %s (%s)", fk.Parent, fk.OnDelete))
			}
			line := fmt.Sprintf("  %s: %s", field.Name, field.Type)
			if len(notes) > 0 {
				line += " " + strings.Join(notes, " ")
			}
			fmt.Fprintln(w, line)
		}
	}
}

// outputSchemaErrors reports every load error.
func outputSchemaErrors(f *OutputFormatter, errs []error) error {
	if f.Format == "json" {
		cliErrors := make([]CLIError, len(errs))
		for i, err := range errs {
			cliErrors[i] = schemaCLIError(err)
		}
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(CLIResponse{Status: "error", Error: &cliErrors[0], Data: cliErrors}); err != nil {
			return err
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("schema failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(f.Writer, "✗ Schema failed")
	fmt.Fprintln(f.Writer)
	for _, err := range errs {
		e := schemaCLIError(err)
		var loadErr *schema.LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(f.Writer, "%s:%d:%d\n", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
		}
		fmt.Fprintf(f.Writer, "  %s: %s\n\n", e.Code, e.Message)
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("schema failed with %d error(s)", len(errs)))
}

func schemaCLIError(err error) CLIError {
	var loadErr *schema.LoadError
	if errors.As(err, &loadErr) {
		return CLIError{Code: loadErr.Code, Message: loadErr.Message}
	}
	return CLIError{Code: ErrCodeSchema, Message: err.Error()}
}
