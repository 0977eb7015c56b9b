package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/briangreenhill/voice101/worker"
)

func manifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Work with worker manifests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a manifest and print its version and route table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return checkManifest(cmd, data)
		},
	})
	return cmd
}

func checkManifest(cmd *cobra.Command, data []byte) error {
	m, err := worker.ParseManifest(data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "version:  %s\n", worker.ScriptHash(data)[:12])
	fmt.Fprintf(out, "prefix:   %s\n", m.Prefix)
	fmt.Fprintf(out, "policy:   %s\n", m.Policy)
	fmt.Fprintf(out, "offline:  %s\n", m.OfflinePage)
	fmt.Fprintf(out, "precache: %d entries\n", len(m.Precache))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tSTRATEGY\tCACHE")
	for _, r := range m.Routes {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Strategy, r.Cache)
	}
	if m.Navigation != nil {
		fmt.Fprintf(tw, "(navigation)\t%s\t%s\n", m.Navigation.Strategy, m.Navigation.Cache)
	}
	if m.Default != nil {
		fmt.Fprintf(tw, "(default)\t%s\t%s\n", m.Default.Strategy, m.Default.Cache)
	}
	return tw.Flush()
}
