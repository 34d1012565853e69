package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/kb-gateway/internal/config"
	"github.com/felipepmaragno/kb-gateway/internal/domain"
)

func newModelsCmd() *cobra.Command {
	var providersFile string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models served by the provider catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if providersFile == "" {
				providersFile = os.Getenv("PROVIDERS_FILE")
			}

			catalog := config.DefaultCatalog()
			if providersFile != "" {
				var err error
				catalog, err = config.LoadCatalog(providersFile)
				if err != nil {
					return err
				}
			}
			return printCatalog(cmd.OutOrStdout(), catalog)
		},
	}

	cmd.Flags().StringVar(&providersFile, "providers", "", "path to a providers YAML file (defaults to $PROVIDERS_FILE)")
	return cmd
}

func printCatalog(out io.Writer, catalog []domain.ProviderDescriptor) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tPROVIDER\tKIND\tTIER\tFLAGS")
	for _, d := range catalog {
		var flags []string
		if d.SegmentThought {
			flags = append(flags, "reasoning")
		}
		if d.MinMaxTokens > 0 {
			flags = append(flags, fmt.Sprintf("min_tokens=%d", d.MinMaxTokens))
		}
		for _, m := range d.Models {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m, d.Name, d.Kind, d.Tier, strings.Join(flags, ","))
		}
	}
	return tw.Flush()
}
