package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/Swind/go-script-launcher/core"
	"github.com/spf13/cobra"
)

func newKindsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the known kinds and whether they run in the configured host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry := core.DefaultKindRegistry()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tHOSTS\tAVAILABLE\tDESCRIPTION")
			for _, kind := range registry.Kinds() {
				spec, _ := registry.Lookup(kind)
				hosts := "any"
				if len(spec.Hosts) > 0 {
					hosts = strings.Join(spec.Hosts, ",")
				}
				available := registry.Check(kind, a.cfg.Host) == nil
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", spec.Kind, hosts, available, spec.Description)
			}
			return tw.Flush()
		},
	}
}
