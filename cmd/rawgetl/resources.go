package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"rawgetl/internal/resource"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

func newResourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List the resources rawgetl can load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			title := cases.Title(language.English)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RESOURCE\tENDPOINT\tORDERING\tPAGE SIZE\tPARTITIONED\tTABLE\tKEY")
			for _, d := range resource.Descriptors() {
				fmt.Fprintf(tw, "%s\t/%s\t%s\t%d\t%t\t%s\t%s\n",
					title.String(string(d.Kind)),
					d.Endpoint.Path,
					d.Endpoint.Ordering,
					d.Endpoint.PageSize,
					d.Endpoint.Partitioned,
					d.Table,
					d.Schema.PrimaryKey().Name,
				)
			}
			return tw.Flush()
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <resource>",
		Short: "Print the destination table of a resource as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := resource.ParseKind(args[0])
			if err != nil {
				return err
			}
			d, err := resource.Lookup(kind)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d.TableSpec())
		},
	}
}
