package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalgp/core"
	"github.com/petal-labs/petalgp/loader"
)

// NewCatalogCmd creates the "catalog" command group.
func NewCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and validate instruction catalogs",
	}
	cmd.AddCommand(newCatalogListCmd())
	cmd.AddCommand(newCatalogValidateCmd())
	return cmd
}

func newCatalogListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the terminals and functions of the active catalog",
		Args:  cobra.NoArgs,
		RunE:  runCatalogList,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	addCatalogFlag(cmd)
	return cmd
}

func newCatalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a catalog file",
		Args:  cobra.ExactArgs(1),
		RunE:  runCatalogValidate,
	}
}

type operatorInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Arity       int    `json:"arity"`
	Description string `json:"description,omitempty"`
}

func describe(ops []core.Operator) []operatorInfo {
	out := make([]operatorInfo, 0, len(ops))
	for _, op := range ops {
		out = append(out, operatorInfo{
			Name:        op.Name,
			Kind:        op.Kind().String(),
			Arity:       op.Arity,
			Description: op.Description,
		})
	}
	return out
}

func runCatalogList(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := checkFormat(format, "text", "json"); err != nil {
		return err
	}
	cat, err := resolveCatalog(cmd)
	if err != nil {
		return err
	}

	ops := append(describe(cat.Terminals()), describe(cat.Functions())...)
	out := cmd.OutOrStdout()
	if format == "json" {
		data, err := json.MarshalIndent(ops, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling catalog: %v", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tKIND\tARITY\tDESCRIPTION")
	for _, op := range ops {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n", op.Name, op.Kind, op.Arity, op.Description)
	}
	return writer.Flush()
}

func runCatalogValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	file, err := loader.ReadCatalogFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", path)
		}
		return exitError(exitValidation, "%v", err)
	}

	if diags := loader.Validate(file); len(diags) > 0 {
		printDiagnostics(cmd.ErrOrStderr(), path, diags)
		return exitError(exitValidation, "validation failed")
	}

	cat, err := loader.Build(file, nil)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Valid: %d terminals, %d functions\n", cat.NumTerminals(), cat.NumFunctions())
	return nil
}
