package cli

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-identity-map/internal/scenarios"
	"github.com/spf13/cobra"
)

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	var dialect string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the DDL of the scenario tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stmts, err := scenarios.DDL(dialect)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "-- %s schema for %s\n", dialect, collectionNames())
			for _, stmt := range stmts {
				fmt.Fprintf(out, "%s;\n", stmt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dialect, "dialect", scenarios.DialectSQLite, "SQL dialect (sqlite|postgres)")

	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the registered scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range scenarios.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", s.Name, s.Description)
			}
			return nil
		},
	}
}

func collectionNames() string {
	var names []string
	for _, c := range scenarios.All() {
		names = append(names, c.Name())
	}
	return strings.Join(names, ", ")
}
