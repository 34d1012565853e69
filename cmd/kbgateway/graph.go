package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/kb-gateway/internal/graph"
)

func newGraphCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect persisted knowledge graphs",
	}
	cmd.PersistentFlags().StringVar(&root, "root", "", "graph directory (defaults to $GRAPH_ROOT or ./cache_graph)")

	storeFor := func() *graph.DirStore {
		if root == "" {
			root = os.Getenv("GRAPH_ROOT")
		}
		if root == "" {
			root = "./cache_graph"
		}
		return graph.NewDirStore(root)
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted graph keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := storeFor().Keys()
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <key>",
		Short: "Show metadata and size of one graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := storeFor()
			key := args[0]

			inst, err := store.Load(context.Background(), key)
			if err != nil {
				return err
			}
			meta, ok, err := store.Meta(key)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Key:           %s\n", key)
			if ok {
				fmt.Fprintf(out, "File:          %s\n", meta.FileName)
				fmt.Fprintf(out, "Owner:         %s\n", meta.UserID)
				fmt.Fprintf(out, "Created:       %s\n", meta.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			stats := inst.Stats()
			fmt.Fprintf(out, "Entities:      %d\n", stats.Entities)
			fmt.Fprintf(out, "Relationships: %d\n", stats.Relationships)
			fmt.Fprintf(out, "Chunks:        %d\n", stats.Chunks)
			return nil
		},
	}

	cmd.AddCommand(listCmd, inspectCmd)
	return cmd
}
